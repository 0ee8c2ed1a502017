package interceptors

import (
	"log/slog"
	"net/http"
)

// Interceptor processes a request and calls the next handler in the chain
type Interceptor interface {
	Intercept(w http.ResponseWriter, r *http.Request, next http.Handler)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(w http.ResponseWriter, r *http.Request, next http.Handler)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(w http.ResponseWriter, r *http.Request, next http.Handler)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(w http.ResponseWriter, r *http.Request, next http.Handler) {
	i.fn(w, r, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	return names
}

// Then wraps final with the chain. The first interceptor added is the
// outermost.
func (c *InterceptorChain) Then(final http.Handler) http.Handler {
	if final == nil {
		final = http.DefaultServeMux
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			interceptor.Intercept(w, r, next)
		})
	}

	c.logger.Debug("interceptor chain built", "interceptors", c.Names())
	return handler
}

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithRequestID adds the request id interceptor
func (b *DefaultInterceptorChainBuilder) WithRequestID() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRequestIDInterceptor())
	return b
}

// WithLogging adds the logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging(options ...LoggingOption) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger, options...))
	return b
}

// WithRecovery adds the panic recovery interceptor
func (b *DefaultInterceptorChainBuilder) WithRecovery() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
