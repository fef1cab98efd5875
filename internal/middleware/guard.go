package middleware

import (
	"context"
	"net/http"

	"github.com/2beens/usermgmt/internal/apperr"
)

// Decision is the outcome of a guard: either the request may go on, with a
// possibly enriched context, or it is rejected with an error for the client.
type Decision struct {
	ctx context.Context
	err *apperr.Error
}

func Allow(ctx context.Context) Decision {
	return Decision{ctx: ctx}
}

func Reject(err *apperr.Error) Decision {
	return Decision{err: err}
}

func (d Decision) Allowed() bool {
	return d.err == nil
}

func (d Decision) Context() context.Context {
	return d.ctx
}

func (d Decision) Err() *apperr.Error {
	return d.err
}

type Guard interface {
	Check(r *http.Request) Decision
}

type GuardFunc func(r *http.Request) Decision

func (f GuardFunc) Check(r *http.Request) Decision {
	return f(r)
}

// Pipeline runs the guards in order. Each guard sees the context left by the
// previous one; the first rejection ends the request.
func Pipeline(guards ...Guard) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, guard := range guards {
				decision := guard.Check(r)
				if !decision.Allowed() {
					apperr.Write(w, r, decision.Err())
					return
				}
				if ctx := decision.Context(); ctx != nil {
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
