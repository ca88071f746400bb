package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	domain "github.com/storefront-shop/api/internal/domain"
)

const testSecret = "test-secret"

type notFoundError struct{}

func (notFoundError) Error() string       { return "not found" }
func (notFoundError) IsNotFound() bool    { return true }
func (notFoundError) IsConflict() bool    { return false }
func (notFoundError) IsUnavailable() bool { return false }

type stubUserRepository struct {
	users map[int64]domain.User
	err   error
	calls int
}

func (s *stubUserRepository) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	s.calls++
	if s.err != nil {
		return domain.User{}, s.err
	}
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, notFoundError{}
	}
	return user, nil
}

func newTestUsers() *stubUserRepository {
	return &stubUserRepository{users: map[int64]domain.User{
		7:  {ID: 7, Email: "buyer@example.com", Role: domain.RoleCustomer, IsActive: true},
		70: {ID: 70, Email: "seller@example.com", Role: domain.RoleSeller, IsActive: true},
		9:  {ID: 9, Email: "gone@example.com", Role: domain.RoleCustomer, IsActive: false},
	}}
}

func newTestVerifier(t *testing.T, now time.Time) *JWTVerifier {
	t.Helper()
	verifier, err := NewJWTVerifier(testSecret, WithVerifierClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func serve(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestRequireAuthAllowsValidToken(t *testing.T) {
	now := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, now)
	users := newTestUsers()
	authn := NewAuthenticator(verifier, users)

	token, err := verifier.Sign(7, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	called := false
	handler := authn.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UserID != 7 || identity.Role != domain.RoleCustomer || identity.Email != "buyer@example.com" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(handler, token)
	if rr.Code != http.StatusNoContent || !called {
		t.Fatalf("expected handler to run, got status %d", rr.Code)
	}
	if users.calls != 1 {
		t.Fatalf("expected one user lookup, got %d", users.calls)
	}
}

func TestRequireAuthAcceptsStringSubject(t *testing.T) {
	now := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	authn := NewAuthenticator(newTestVerifier(t, now), newTestUsers())
	token := signToken(t, jwt.MapClaims{"sub": "70", "exp": now.Add(time.Minute).Unix()})

	handler := authn.RequireAuth(domain.RoleSeller, domain.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if identity.UserID != 70 {
			t.Fatalf("expected seller identity, got %+v", identity)
		}
		w.WriteHeader(http.StatusOK)
	}))
	if rr := serve(handler, token); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	now := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		token   string
		users   *stubUserRepository
		allowed []domain.Role
		status  int
		code    string
		message string
	}{
		{
			name:    "missing token",
			status:  http.StatusUnauthorized,
			code:    "unauthenticated",
			message: "No token provided",
		},
		{
			name:    "expired token",
			token:   signToken(t, jwt.MapClaims{"id": 7, "exp": now.Add(-time.Minute).Unix()}),
			status:  http.StatusUnauthorized,
			code:    "token_expired",
			message: "Token expired",
		},
		{
			name:    "bad signature",
			token:   signToken(t, jwt.MapClaims{"id": 7})[:20] + "garbage.garbage",
			status:  http.StatusUnauthorized,
			code:    "invalid_token",
			message: "Invalid token",
		},
		{
			name:    "missing id claim",
			token:   signToken(t, jwt.MapClaims{"email": "x@example.com"}),
			status:  http.StatusUnauthorized,
			code:    "invalid_token",
			message: "Invalid token",
		},
		{
			name:    "unknown user",
			token:   signToken(t, jwt.MapClaims{"id": 404}),
			status:  http.StatusUnauthorized,
			code:    "user_not_found",
			message: "User not found",
		},
		{
			name:    "inactive user",
			token:   signToken(t, jwt.MapClaims{"id": 9}),
			status:  http.StatusUnauthorized,
			code:    "account_inactive",
			message: "Account is inactive",
		},
		{
			name:    "role not allowed",
			token:   signToken(t, jwt.MapClaims{"id": 7}),
			allowed: []domain.Role{domain.RoleSeller, domain.RoleAdmin},
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "Access denied",
		},
		{
			name:    "user store down",
			token:   signToken(t, jwt.MapClaims{"id": 7}),
			users:   &stubUserRepository{err: errors.New("connection refused")},
			status:  http.StatusServiceUnavailable,
			code:    "auth_unavailable",
			message: "unable to load account",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			users := tc.users
			if users == nil {
				users = newTestUsers()
			}
			authn := NewAuthenticator(newTestVerifier(t, now), users)
			handler := authn.RequireAuth(tc.allowed...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler should not run")
			}))

			rr := serve(handler, tc.token)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			body := decodeError(t, rr)
			if body["error"] != tc.code || body["message"] != tc.message {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestJWTVerifierRejectsUnexpectedAlgorithm(t *testing.T) {
	verifier := newTestVerifier(t, time.Now())
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"id": 7}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestJWTVerifierChecksIssuer(t *testing.T) {
	now := time.Date(2024, time.March, 9, 10, 0, 0, 0, time.UTC)
	clock := WithVerifierClock(func() time.Time { return now })
	issuing, err := NewJWTVerifier(testSecret, WithIssuer("storefront"), clock)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := issuing.Sign(7, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := issuing.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected claims %+v", claims)
	}

	other, err := NewJWTVerifier(testSecret, WithIssuer("someone-else"), clock)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := other.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}
}

func TestNewJWTVerifierRequiresKeyMaterial(t *testing.T) {
	if _, err := NewJWTVerifier("  "); err == nil {
		t.Fatalf("expected error without secret or jwks")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"valid":        {"Bearer abc", "abc", true},
		"lower scheme": {"bearer abc", "abc", true},
		"basic":        {"Basic abc", "", false},
		"no token":     {"Bearer   ", "", false},
		"empty":        {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := extractBearerToken(tc.header)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, ok)
			}
		})
	}
}
