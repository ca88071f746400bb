package auth

import (
	"context"

	domain "github.com/storefront-shop/api/internal/domain"
)

// Identity captures the authenticated caller. Role comes from the user record, not the token.
type Identity struct {
	UserID int64
	Email  string
	Role   domain.Role
}

// HasRole reports whether the identity holds any of the provided roles.
func (i *Identity) HasRole(roles ...domain.Role) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if i.Role == role {
			return true
		}
	}
	return false
}

type contextKey string

const identityContextKey contextKey = "github.com/storefront-shop/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
