package interceptors

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const unreadableBody = "<unreadable body>"

// LoggingInterceptor logs each request before it is handled and its final
// status afterwards. The request body is read for logging and replayed to the
// handler. With a body limit only the first maxBody bytes are buffered; the
// rest stays on the wire for the handler to read or reject.
type LoggingInterceptor struct {
	logger  *slog.Logger
	maxBody int64
}

// LoggingOption configures a LoggingInterceptor
type LoggingOption func(*LoggingInterceptor)

// WithMaxBodyBytes caps how much of a request body is buffered and logged.
// Zero or less means no cap.
func WithMaxBodyBytes(n int64) LoggingOption {
	return func(i *LoggingInterceptor) {
		i.maxBody = n
	}
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger, options ...LoggingOption) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	i := &LoggingInterceptor{logger: logger}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := time.Now()
	ctx := r.Context()
	url := requestURL(r)
	logger := i.logger
	if id := RequestIDFromContext(ctx); id != "" {
		logger = logger.With("requestId", id)
	}

	logger.InfoContext(ctx, "request received", "method", r.Method, "url", url)

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			logger.InfoContext(ctx, "request header", "name", name, "value", value)
		}
	}

	body, truncated, err := readBody(r, i.maxBody)
	switch {
	case err != nil:
		logger.WarnContext(ctx, "request body", "body", unreadableBody, "error", err)
	case len(body) == 0:
		logger.InfoContext(ctx, "no request body")
	case truncated:
		logger.InfoContext(ctx, "request body",
			"body", strings.ToValidUTF8(string(body), "�"),
			"truncated", true,
			"limit", i.maxBody)
	default:
		logger.InfoContext(ctx, "request body", "body", strings.ToValidUTF8(string(body), "�"))
	}

	rec := newStatusRecorder(w)
	next.ServeHTTP(rec, r)

	logger.InfoContext(ctx, "request completed",
		"method", r.Method,
		"url", url,
		"status", rec.status,
		"bytes", rec.bytes,
		"duration", time.Since(start),
	)
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// replayBody serves a buffered prefix followed by the unread remainder
type replayBody struct {
	io.Reader
	io.Closer
}

// readBody reads r.Body for logging and replaces it so the handler sees the
// same bytes, including a partial read that ended in an error. When limit is
// positive at most limit bytes are returned and truncated reports whether
// more followed.
func readBody(r *http.Request, limit int64) (body []byte, truncated bool, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}

	if limit <= 0 {
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		return body, false, err
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil || int64(len(buf)) <= limit {
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return buf, false, err
	}

	original := r.Body
	r.Body = replayBody{
		Reader: io.MultiReader(bytes.NewReader(buf), original),
		Closer: original,
	}
	return buf[:limit], true, nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
