// Package auth carries the caller identity through call chains as an
// explicit context value.
package auth

import "context"

// Identity describes the acting principal and its permission scope.
type Identity struct {
	UserID string
	Org    string
	Scopes []string
}

// InitIdentity is the service principal used for scheduled work.
func InitIdentity() Identity {
	return Identity{UserID: "misp-connector", Scopes: []string{"alert:write", "case:write"}}
}

type ctxKey struct{}

// With returns a context carrying the identity.
func With(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From extracts the identity from the context.
func From(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
