package interceptors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	// RequestIDHeader carries the request id on requests and responses
	RequestIDHeader = "X-Request-ID"

	requestIDKey contextKey = "qrelay:request-id"
)

// RequestIDFromContext returns the request id set by RequestIDInterceptor
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRequestID stores id in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDInterceptor reuses the caller's X-Request-ID or generates one,
// echoes it on the response and stores it in the request context
type RequestIDInterceptor struct{}

// NewRequestIDInterceptor creates a new request id interceptor
func NewRequestIDInterceptor() *RequestIDInterceptor {
	return &RequestIDInterceptor{}
}

// Intercept implements Interceptor
func (i *RequestIDInterceptor) Intercept(w http.ResponseWriter, r *http.Request, next http.Handler) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}

	w.Header().Set(RequestIDHeader, id)
	next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
}

// Name implements Interceptor
func (i *RequestIDInterceptor) Name() string {
	return "RequestIDInterceptor"
}
