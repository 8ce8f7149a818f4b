// ABOUTME: gRPC stream interceptor authenticating nodes by SSH signature
// ABOUTME: Extracts credentials from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ProvCodeHeader carries a node's one-time provisioning code.
const ProvCodeHeader = "x-nvagent-prov-code"

// logAuthFailure logs an authentication failure with the peer address when known.
func logAuthFailure(ctx context.Context, logger *slog.Logger, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	base := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		base = append(base, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", append(base, attrs...)...)
}

// StreamInterceptor returns a gRPC stream interceptor that verifies the
// caller's SSH signature and attaches a NodeAuth to the stream context.
func StreamInterceptor(verifier *SSHVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		node, err := authenticate(ss.Context(), verifier, logger)
		if err != nil {
			return err
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithNode(ss.Context(), node),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticate(ctx context.Context, verifier *SSHVerifier, logger *slog.Logger) (*NodeAuth, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(ctx, logger, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	req := ExtractSSHAuthFromMetadata(md)
	if req == nil {
		logAuthFailure(ctx, logger, "missing_credentials")
		return nil, status.Error(codes.Unauthenticated, "missing SSH credentials")
	}

	pubkey, fp, err := verifier.Verify(req)
	if err != nil {
		logAuthFailure(ctx, logger, "ssh_auth_failed", "error", err.Error())
		return nil, status.Errorf(codes.Unauthenticated, "SSH auth failed: %v", err)
	}

	var code string
	if vals := md.Get(ProvCodeHeader); len(vals) > 0 {
		code = strings.TrimSpace(vals[0])
	}

	return &NodeAuth{Fingerprint: fp, PublicKey: pubkey, ProvCode: code}, nil
}
