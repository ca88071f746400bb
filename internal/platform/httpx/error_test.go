package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-shop/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})

	rr := httptest.NewRecorder()
	WriteError(ctx, rr, NewError("insufficient_stock", "Insufficient stock", http.StatusBadRequest).
		WithErrors([]string{"Widget: only 1 available", "Gadget\nis inactive"}))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "insufficient_stock", body["error"])
	assert.Equal(t, "Insufficient stock", body["message"])
	assert.EqualValues(t, 400, body["status"])
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.Equal(t, []any{"Widget: only 1 available", "Gadget is inactive"}, body["errors"])
}

func TestWriteErrorOmitsEmptyFields(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(context.Background(), rr, Error{Code: "boom", Message: "Server error"})

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	for _, key := range []string{"request_id", "trace_id", "errors"} {
		_, ok := body[key]
		assert.False(t, ok, "unexpected %s", key)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		OrderID int64 `json:"orderId"`
	}

	cases := []struct {
		name    string
		body    string
		ct      string
		wantErr bool
		want    int64
	}{
		{name: "valid", body: `{"orderId": 12}`, want: 12},
		{name: "empty body", body: ``},
		{name: "unknown field", body: `{"orderId": 1, "extra": true}`, wantErr: true},
		{name: "trailing data", body: `{"orderId": 1}{}`, wantErr: true},
		{name: "wrong content type", body: `{"orderId": 1}`, ct: "text/plain", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			if tc.ct != "" {
				req.Header.Set("Content-Type", tc.ct)
			}
			var got payload
			err := DecodeJSON(req, &got)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.OrderID)
		})
	}
}

func TestReadBodyEnforcesLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	_, err := ReadBody(req, 4)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123"))
	body, err := ReadBody(req, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(body))
}
