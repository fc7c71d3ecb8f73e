// Package auth resolves the caller's identity from an optional bearer token.
// Verification failures never reject a request: the caller is treated as
// anonymous and downstream handlers decide what an anonymous caller may do.
package auth

import (
	"context"
	"errors"
)

// Identity is either Authenticated or Anonymous.
type Identity interface {
	isIdentity()
}

// Authenticated is a caller whose bearer token was verified.
type Authenticated struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Anonymous is a caller without a valid token.
type Anonymous struct{}

func (Authenticated) isIdentity() {}
func (Anonymous) isIdentity()     {}

// ErrInvalidToken is returned by verifiers when the token is rejected.
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier checks a bearer token and returns the identity it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (Authenticated, error)
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the identity stored in ctx, or Anonymous.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityContextKey).(Identity); ok && id != nil {
		return id
	}
	return Anonymous{}
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (Authenticated, bool) {
	u, ok := FromContext(ctx).(Authenticated)
	return u, ok
}
