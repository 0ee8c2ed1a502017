// Package interceptors provides an interceptor chain for HTTP handlers.
//
// An interceptor sees every request before the handler and the response
// status after it. Interceptors run in the order they were added, each
// wrapping the rest of the chain:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithRequestID().
//		WithLogging().
//		WithRecovery().
//		Build()
//
//	http.ListenAndServe(":8000", chain.Then(mux))
//
// Built-in interceptors:
//   - RequestIDInterceptor: assigns an X-Request-ID and stores it in the context
//   - LoggingInterceptor: logs method, URL, headers, body and the final status
//   - RecoveryInterceptor: turns handler panics into a 500 JSON response
//
// Custom interceptors implement Interceptor or use NewInterceptorFunc.
package interceptors
