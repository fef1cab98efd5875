package middleware

import (
	"io"
	"net/http"
)

// at most this much of an unread body is drained, the rest is dropped with the connection
const maxDrainBytes = 1 << 20

// DrainAndCloseRequest drains (up to maxDrainBytes) and closes the request
// body once the handler is done, so the connection can be reused.
func DrainAndCloseRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if r.Body != nil {
				_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxDrainBytes))
				_ = r.Body.Close()
			}
		})
	}
}
