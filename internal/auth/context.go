// ABOUTME: Authenticated node identity carried through request handlers
// ABOUTME: Provides WithNode/NodeFromContext for propagating auth info via context

package auth

import (
	"context"

	"golang.org/x/crypto/ssh"
)

// NodeAuth is what the interceptor learned about the caller.
type NodeAuth struct {
	Fingerprint string
	PublicKey   ssh.PublicKey
	ProvCode    string // empty unless the node presented one
}

type nodeAuthKey struct{}

// WithNode returns a new context with auth attached.
func WithNode(ctx context.Context, auth *NodeAuth) context.Context {
	return context.WithValue(ctx, nodeAuthKey{}, auth)
}

// NodeFromContext retrieves the NodeAuth, returning nil if not present.
func NodeFromContext(ctx context.Context) *NodeAuth {
	auth, _ := ctx.Value(nodeAuthKey{}).(*NodeAuth)
	return auth
}
