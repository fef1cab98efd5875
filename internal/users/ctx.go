package users

import "context"

type contextKey struct {
	name string
}

var userCtxKey = &contextKey{"user"}

// WithUser attaches the resolved user to ctx.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// FromContext returns the user attached by the auth gate.
func FromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userCtxKey).(*User)
	return user, ok && user != nil
}
