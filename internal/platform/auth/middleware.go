package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/platform/httpx"
	"github.com/storefront-shop/api/internal/platform/requestctx"
	"github.com/storefront-shop/api/internal/repositories"
)

const defaultVerifyTimeout = 5 * time.Second

// Authenticator wires bearer token verification and account lookup into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	users    repositories.UserRepository
	timeout  time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithVerificationTimeout sets the timeout used when verifying tokens and loading users.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator. The user repository supplies the caller's current role.
func NewAuthenticator(verifier TokenVerifier, users repositories.UserRepository, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		users:    users,
		timeout:  defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireAuth verifies the Authorization bearer token, loads the account and, when roles are given,
// rejects callers whose role is not among them with 403.
func (a *Authenticator) RequireAuth(allowed ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "No token provided")
				return
			}
			if a == nil || a.verifier == nil || a.users == nil {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			ctx, cancel := a.contextWithTimeout(r.Context())
			defer cancel()

			claims, err := a.verifier.Verify(ctx, tokenStr)
			if err != nil {
				respondVerificationError(r.Context(), w, err)
				return
			}

			user, err := a.users.FindByID(ctx, claims.UserID)
			if err != nil {
				if isNotFound(err) {
					respondAuthError(r.Context(), w, http.StatusUnauthorized, "user_not_found", "User not found")
					return
				}
				requestctx.Logger(r.Context()).Error("auth: load user failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
				respondAuthError(r.Context(), w, http.StatusServiceUnavailable, "auth_unavailable", "unable to load account")
				return
			}
			if !user.IsActive {
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "account_inactive", "Account is inactive")
				return
			}

			identity := &Identity{UserID: user.ID, Email: user.Email, Role: user.Role}
			if identity.Email == "" {
				identity.Email = claims.Email
			}
			if len(allowed) > 0 && !identity.HasRole(allowed...) {
				respondAuthError(r.Context(), w, http.StatusForbidden, "forbidden", "Access denied")
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentityLogger(r.Context(), identity)))
		})
	}
}

func withIdentityLogger(ctx context.Context, identity *Identity) context.Context {
	logger := requestctx.Logger(ctx).With(zap.Int64("user_id", identity.UserID), zap.String("role", string(identity.Role)))
	return WithIdentity(requestctx.WithLogger(ctx, logger), identity)
}

func (a *Authenticator) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "Token expired")
	default:
		respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "Invalid token")
	}
}
