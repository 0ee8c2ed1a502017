package interceptors

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logRecords decodes the JSON lines written by a slog.JSONHandler
func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestInterceptorChain(t *testing.T) {
	t.Run("NewInterceptorChain creates empty chain", func(t *testing.T) {
		logger := slog.Default()
		chain := NewInterceptorChain(logger)

		assert.NotNil(t, chain)
		assert.Equal(t, logger, chain.logger)
		assert.Empty(t, chain.interceptors)
	})

	t.Run("NewInterceptorChain with nil logger uses default", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		assert.NotNil(t, chain.logger)
	})

	t.Run("interceptors run in the order they were added", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(w http.ResponseWriter, r *http.Request, next http.Handler) {
				order = append(order, name+":before")
				next.ServeHTTP(w, r)
				order = append(order, name+":after")
			})
		}

		chain := NewInterceptorChain(nil).Add(record("first")).Add(record("second"))
		handler := chain.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, []string{"first:before", "second:before", "handler", "second:after", "first:after"}, order)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("interceptor can short-circuit", func(t *testing.T) {
		called := false
		deny := NewInterceptorFunc("deny", func(w http.ResponseWriter, r *http.Request, next http.Handler) {
			w.WriteHeader(http.StatusForbidden)
		})

		handler := NewInterceptorChain(nil).Add(deny).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.False(t, called)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("default builder adds interceptors in order", func(t *testing.T) {
		chain := NewDefaultInterceptorChainBuilder(nil).
			WithRequestID().
			WithLogging().
			WithRecovery().
			Build()

		assert.Equal(t, []string{"RequestIDInterceptor", "LoggingInterceptor", "RecoveryInterceptor"}, chain.Names())
	})
}

func TestRequestIDInterceptor(t *testing.T) {
	t.Run("generates an id when none is sent", func(t *testing.T) {
		var seen string
		handler := NewInterceptorChain(nil).Add(NewRequestIDInterceptor()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("reuses the caller's id", func(t *testing.T) {
		var seen string
		handler := NewInterceptorChain(nil).Add(NewRequestIDInterceptor()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestRecoveryInterceptor(t *testing.T) {
	t.Run("panic becomes a 500 with a JSON detail", func(t *testing.T) {
		logger, buf := newTestLogger()
		handler := NewInterceptorChain(logger).Add(NewRecoveryInterceptor(logger)).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"detail":"internal server error"}`, rec.Body.String())
		assert.Contains(t, buf.String(), "panic while handling request")
		assert.Contains(t, buf.String(), "boom")
	})

	t.Run("abort handler panics propagate", func(t *testing.T) {
		handler := NewInterceptorChain(nil).Add(NewRecoveryInterceptor(nil)).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))

		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}
