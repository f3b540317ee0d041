// ABOUTME: Authenticated caller identity carried through request contexts
// ABOUTME: Provides WithAuth/FromContext shared by the HTTP and gRPC layers

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject   string // token subject, "anonymous" when auth is disabled
	Anonymous bool
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

func anonymous() *AuthContext {
	return &AuthContext{Subject: "anonymous", Anonymous: true}
}
