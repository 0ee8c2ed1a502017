package interceptors

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/glimte/qrelay/contracts"
)

// RecoveryInterceptor converts a handler panic into a 500 response
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rec := newStatusRecorder(w)

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		// net/http uses this to abort a response silently
		if v == http.ErrAbortHandler {
			panic(v)
		}

		i.logger.ErrorContext(r.Context(), "panic while handling request",
			"method", r.Method,
			"path", r.URL.Path,
			"panic", v,
			"requestId", RequestIDFromContext(r.Context()),
			"stack", string(debug.Stack()),
		)

		if rec.wroteHeader {
			return
		}
		rec.Header().Set("Content-Type", "application/json")
		rec.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rec).Encode(contracts.ErrorResponse{Detail: "internal server error"})
	}()

	next.ServeHTTP(rec, r)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
