package middleware

import "net/http"

// Chain composes the demonstration server's middleware stack from outermost
// to innermost, so Chain(Recovery, Logging, CORS) executes as
// Recovery(Logging(CORS(handler))) - Recovery sees every request first and
// every response last, which is what lets it catch a panic from anywhere
// below it.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
