// ABOUTME: Tests for the node authentication stream interceptor
// ABOUTME: Uses a fake ServerStream carrying incoming metadata

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func runInterceptor(t *testing.T, v *SSHVerifier, md metadata.MD) (*NodeAuth, error) {
	t.Helper()
	ctx := t.Context()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}

	var got *NodeAuth
	err := StreamInterceptor(v, nil)(nil, &fakeStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
		got = NodeFromContext(ss.Context())
		return nil
	})
	return got, err
}

func TestStreamInterceptor_Authenticates(t *testing.T) {
	v := newTestVerifier(t)
	signer := generateTestSigner(t)
	req, err := Sign(signer)
	require.NoError(t, err)

	md := metadata.Pairs(req.Pairs()...)
	md.Set(ProvCodeHeader, " 123e4567-e89b-12d3-a456-426614174000 ")

	node, err := runInterceptor(t, v, md)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, Fingerprint(signer.PublicKey()), node.Fingerprint)
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", node.ProvCode)
}

func TestStreamInterceptor_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	req, err := Sign(generateTestSigner(t))
	require.NoError(t, err)
	req.Nonce = "tampered"

	tests := []struct {
		name string
		md   metadata.MD
	}{
		{"no metadata", nil},
		{"no credentials", metadata.Pairs("other", "x")},
		{"bad signature", metadata.Pairs(req.Pairs()...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := runInterceptor(t, v, tt.md)
			assert.Nil(t, node)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestNodeFromContext_Absent(t *testing.T) {
	assert.Nil(t, NodeFromContext(context.Background()))
}
