package requestid_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/requestid"
)

func serve(t *testing.T, header string) (string, string) {
	t.Helper()
	var seen string
	h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestid.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/queues/status", nil)
	if header != "" {
		req.Header.Set(requestid.Header, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return seen, rec.Header().Get(requestid.Header)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("reuses a valid client id", func(t *testing.T) {
		t.Parallel()
		seen, echoed := serve(t, "ops-run_42")
		assert.Equal(t, "ops-run_42", seen)
		assert.Equal(t, "ops-run_42", echoed)
	})

	t.Run("generates an id", func(t *testing.T) {
		t.Parallel()
		seen, echoed := serve(t, "")
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, echoed)
	})

	for name, id := range map[string]string{
		"markup":   "<script>alert(1)</script>",
		"spaces":   "a b",
		"path":     "../../etc",
		"too long": strings.Repeat("x", 129),
	} {
		t.Run("replaces "+name, func(t *testing.T) {
			t.Parallel()
			seen, echoed := serve(t, id)
			assert.NotEqual(t, id, seen)
			assert.Len(t, seen, 36)
			assert.Equal(t, seen, echoed)
		})
	}
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()
	extract := requestid.LoggerExtractor()

	_, ok := extract(context.Background())
	assert.False(t, ok)

	attr, ok := extract(requestid.WithContext(context.Background(), "abc"))
	require.True(t, ok)
	assert.Equal(t, "request_id", attr.Key)
	assert.Equal(t, "abc", attr.Value.String())
}
