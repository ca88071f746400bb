package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired signals that the bearer token is past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the bearer token failed verification for any other reason.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims carries the verified subset of token claims the API relies on.
type Claims struct {
	UserID    int64
	Email     string
	ExpiresAt time.Time
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (Claims, error)
}

// JWTVerifier verifies HS256 tokens signed with a shared secret and, when a JWKS cache is configured,
// RS256 tokens issued by an external identity provider.
type JWTVerifier struct {
	secret []byte
	jwks   *JWKSCache
	issuer string
	now    func() time.Time
}

// VerifierOption customises JWTVerifier behaviour.
type VerifierOption func(*JWTVerifier)

// WithJWKS enables RS256 verification through the provided key cache.
func WithJWKS(cache *JWKSCache) VerifierOption {
	return func(v *JWTVerifier) {
		v.jwks = cache
	}
}

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithVerifierClock injects a custom time source for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier constructs a verifier. At least one of secret or WithJWKS must be provided.
func NewJWTVerifier(secret string, opts ...VerifierOption) (*JWTVerifier, error) {
	v := &JWTVerifier{
		secret: []byte(strings.TrimSpace(secret)),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if len(v.secret) == 0 && v.jwks == nil {
		return nil, errors.New("auth: jwt verifier requires a secret or jwks url")
	}
	return v, nil
}

// Verify parses and validates the token, returning the caller's user id.
func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if v == nil {
		return Claims{}, ErrTokenInvalid
	}

	methods := make([]string, 0, 2)
	if len(v.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.jwks != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	// Time-based claims are checked below against the injected clock.
	parser := jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithJSONNumber(), jwt.WithoutClaimsValidation())

	mapClaims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, mapClaims, v.keyfunc(ctx))
	if err != nil {
		return Claims{}, classifyParseError(err)
	}
	if !token.Valid {
		return Claims{}, ErrTokenInvalid
	}

	now := v.now()
	if !mapClaims.VerifyExpiresAt(now.Unix(), false) {
		return Claims{}, ErrTokenExpired
	}
	if !mapClaims.VerifyNotBefore(now.Unix(), false) {
		return Claims{}, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if v.issuer != "" && !mapClaims.VerifyIssuer(v.issuer, true) {
		return Claims{}, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}

	userID, err := userIDFromClaims(mapClaims)
	if err != nil {
		return Claims{}, err
	}

	claims := Claims{UserID: userID}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = strings.TrimSpace(email)
	}
	if exp, ok := mapClaims["exp"].(json.Number); ok {
		if seconds, err := exp.Int64(); err == nil {
			claims.ExpiresAt = time.Unix(seconds, 0).UTC()
		}
	}
	return claims, nil
}

// Sign issues an HS256 token for the user. It is used by local tooling and tests.
func (v *JWTVerifier) Sign(userID int64, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("auth: signing requires a shared secret")
	}
	now := v.now()
	claims := jwt.MapClaims{
		"id":  userID,
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *JWTVerifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if len(v.secret) == 0 {
				return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
			}
			return v.secret, nil
		case *jwt.SigningMethodRSA:
			if v.jwks == nil {
				return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
			}
			return v.jwks.Keyfunc(ctx)(token)
		default:
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
	}
}

func classifyParseError(err error) error {
	var validationErr *jwt.ValidationError
	if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0 {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

// userIDFromClaims reads the numeric id claim, falling back to sub.
func userIDFromClaims(claims jwt.MapClaims) (int64, error) {
	for _, key := range []string{"id", "sub"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		var (
			id  int64
			err error
		)
		switch value := raw.(type) {
		case json.Number:
			id, err = value.Int64()
		case string:
			id, err = strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		default:
			err = fmt.Errorf("unsupported type %T", raw)
		}
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("%w: malformed %s claim", ErrTokenInvalid, key)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: missing user id claim", ErrTokenInvalid)
}
