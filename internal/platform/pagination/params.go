// Package pagination parses offset pagination query parameters and renders the pagination envelope.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/storefront-shop/api/internal/platform/httpx"
)

const (
	// DefaultLimit is used when the client omits limit.
	DefaultLimit = 20
	// DefaultMaxLimit caps limit to prevent unbounded queries.
	DefaultMaxLimit = 100
)

// ErrInvalidParams is returned when page or limit is not a positive integer.
var ErrInvalidParams = errors.New("pagination: invalid parameters")

// Params holds the 1-based page number and page size.
type Params struct {
	Page  int
	Limit int
}

// Offset returns the number of rows to skip.
func (p Params) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Meta is the pagination block returned alongside list payloads.
type Meta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewMeta derives the envelope from a total row count.
func NewMeta(total int, params Params) Meta {
	meta := Meta{Total: total, Page: params.Page, Limit: params.Limit}
	if params.Limit > 0 {
		meta.TotalPages = (total + params.Limit - 1) / params.Limit
	}
	return meta
}

type config struct {
	defaultLimit int
	maxLimit     int
}

// Option customises parsing.
type Option func(*config)

// WithDefaultLimit overrides DefaultLimit.
func WithDefaultLimit(limit int) Option {
	return func(cfg *config) {
		if limit > 0 {
			cfg.defaultLimit = limit
		}
	}
}

// WithMaxLimit overrides DefaultMaxLimit.
func WithMaxLimit(limit int) Option {
	return func(cfg *config) {
		if limit > 0 {
			cfg.maxLimit = limit
		}
	}
}

// Parse reads page and limit. Limits above the maximum are clamped rather than rejected.
func Parse(values url.Values, opts ...Option) (Params, error) {
	cfg := config{defaultLimit: DefaultLimit, maxLimit: DefaultMaxLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.defaultLimit > cfg.maxLimit {
		cfg.defaultLimit = cfg.maxLimit
	}

	params := Params{Page: 1, Limit: cfg.defaultLimit}

	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return Params{}, fmt.Errorf("%w: page must be a positive integer", ErrInvalidParams)
		}
		params.Page = page
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return Params{}, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidParams)
		}
		if limit > cfg.maxLimit {
			limit = cfg.maxLimit
		}
		params.Limit = limit
	}

	return params, nil
}

// Middleware parses pagination parameters for list endpoints and stores them on the request context.
// Invalid values are rejected with 400 before the handler runs.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params, err := Parse(r.URL.Query(), opts...)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_pagination", strings.TrimPrefix(err.Error(), ErrInvalidParams.Error()+": "), http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), paramsKey{}, params)))
		})
	}
}

type paramsKey struct{}

// FromContextOrDefault returns the parameters stored by Middleware, or page 1 with DefaultLimit.
func FromContextOrDefault(ctx context.Context) Params {
	if params, ok := ctx.Value(paramsKey{}).(Params); ok {
		return params
	}
	return Params{Page: 1, Limit: DefaultLimit}
}
