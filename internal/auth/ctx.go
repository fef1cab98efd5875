package auth

import "context"

type contextKey struct {
	name string
}

var claimsCtxKey = &contextKey{"claims"}

// WithClaims stores the verified session claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsCtxKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsCtxKey).(*Claims)
	return claims, ok && claims != nil
}
