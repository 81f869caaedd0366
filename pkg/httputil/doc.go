// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the accessd HTTP adapters.
//
//	router.Use(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)
//
//	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
//	if !ok {
//		return
//	}
//	httputil.WriteSuccess(w, role)
package httputil
