package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgeflare/pgrest/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	serve := func(req *http.Request) (seen string, w *httptest.ResponseRecorder) {
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		}))
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return seen, w
	}

	t.Run("generated when absent", func(t *testing.T) {
		seen, w := serve(httptest.NewRequest(http.MethodGet, "/child", nil))
		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

		other, _ := serve(httptest.NewRequest(http.MethodGet, "/child", nil))
		assert.NotEqual(t, seen, other)
	})

	t.Run("client header is kept", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/child", nil)
		req.Header.Set(RequestIDHeader, "lb-7f3a.2")
		seen, w := serve(req)
		assert.Equal(t, "lb-7f3a.2", seen)
		assert.Equal(t, "lb-7f3a.2", w.Header().Get(RequestIDHeader))
	})

	t.Run("malformed header is replaced", func(t *testing.T) {
		for _, bad := range []string{"has space", "new\nline", `quote"`, strings.Repeat("a", maxRequestIDLen+1)} {
			req := httptest.NewRequest(http.MethodGet, "/child", nil)
			req.Header.Set(RequestIDHeader, bad)
			seen, _ := serve(req)
			assert.NotEqual(t, bad, seen)
			_, err := uuid.Parse(seen)
			assert.NoError(t, err, bad)
		}
	})

	t.Run("context id wins", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), httputil.RequestIDCtxKey, "outer")
		req := httptest.NewRequest(http.MethodGet, "/child", nil).WithContext(ctx)
		req.Header.Set(RequestIDHeader, "inner")
		seen, _ := serve(req)
		assert.Equal(t, "outer", seen)
	})

	assert.Empty(t, RequestIDFromContext(context.Background()))
}
