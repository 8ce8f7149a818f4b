// ABOUTME: Node-side control client: dials the coordination service and runs a session
// ABOUTME: Signs the handshake with the node key and maps gRPC failures to agent errors

package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/auth"
	"github.com/2389/nvagent/internal/identity"
)

// DefaultHeartbeatInterval is how often a session sends heartbeats.
const DefaultHeartbeatInterval = 20 * time.Second

// DialerParams configures a Dialer.
type DialerParams struct {
	// Signer is the node key used to sign the handshake.
	Signer ssh.Signer

	// Insecure disables TLS. Intended for local and tailnet endpoints.
	Insecure bool

	HeartbeatInterval time.Duration

	// NetDial replaces the default TCP dialer, e.g. to dial over a tailnet.
	NetDial func(ctx context.Context, addr string) (net.Conn, error)

	// Version is reported to the coordination service in Hello.
	Version string

	// DialOptions are appended to the dialer's own options.
	DialOptions []grpc.DialOption

	Logger *slog.Logger
}

// Dialer establishes control sessions. It implements agent.Dialer.
type Dialer struct {
	signer    ssh.Signer
	insecure  bool
	heartbeat time.Duration
	netDial   func(ctx context.Context, addr string) (net.Conn, error)
	version   string
	extra     []grpc.DialOption
	logger    *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(p DialerParams) *Dialer {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := p.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	return &Dialer{
		signer:    p.Signer,
		insecure:  p.Insecure,
		heartbeat: hb,
		netDial:   p.NetDial,
		version:   p.Version,
		extra:     p.DialOptions,
		logger:    logger.With("component", "control"),
	}
}

func (d *Dialer) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if d.insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}))
	if d.netDial != nil {
		opts = append(opts, grpc.WithContextDialer(d.netDial))
	}
	return append(opts, d.extra...)
}

// target returns the gRPC target for endpoint. With a custom net dialer the
// name is passed through unresolved so the dialer can resolve it itself.
func (d *Dialer) target(endpoint string) string {
	if d.netDial != nil && !strings.Contains(endpoint, ":///") {
		return "passthrough:///" + endpoint
	}
	return endpoint
}

// Dial connects to cfg.ServerEndpoint and performs the Hello/Welcome
// handshake. ctx bounds establishment only; the returned session lives until
// Close.
func (d *Dialer) Dial(ctx context.Context, cfg identity.AgentConfig) (agent.Session, error) {
	if d.signer == nil {
		return nil, fmt.Errorf("%w: no node key", agent.ErrInvalidConfig)
	}

	creds, err := auth.Sign(d.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrHandshakeFailed, err)
	}
	md := metadata.Pairs(creds.Pairs()...)
	if cfg.ProvCode != "" {
		md.Set(auth.ProvCodeHeader, cfg.ProvCode)
	}

	conn, err := grpc.NewClient(d.target(cfg.ServerEndpoint), d.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidConfig, err)
	}

	// The stream outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	fail := func(err error) (agent.Session, error) {
		stop()
		cancel()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: handshake with %s", agent.ErrTimeout, cfg.ServerEndpoint)
			}
			return nil, ctxErr
		}
		return nil, classifyStatus(err)
	}

	stream, err := OpenSession(metadata.NewOutgoingContext(streamCtx, md), conn)
	if err != nil {
		return fail(err)
	}

	if err := stream.Send(&ClientMessage{Hello: &Hello{
		NodeID:      cfg.NodeID,
		Version:     d.version,
		LastAddress: cfg.LastAddress,
	}}); err != nil {
		if errors.Is(err, io.EOF) {
			// The real reason is reported by Recv.
			_, err = stream.Recv()
		}
		return fail(err)
	}

	msg, err := stream.Recv()
	if err != nil {
		return fail(err)
	}
	if msg.Welcome == nil || msg.Welcome.Address == "" {
		return fail(status.Error(codes.InvalidArgument, "expected welcome with an address"))
	}

	if !stop() {
		return fail(ctx.Err())
	}

	d.logger.Debug("handshake complete",
		"endpoint", cfg.ServerEndpoint,
		"address", msg.Welcome.Address,
	)

	return &Session{
		conn:      conn,
		stream:    stream,
		cancel:    cancel,
		address:   msg.Welcome.Address,
		heartbeat: d.heartbeat,
		logger:    d.logger,
	}, nil
}

// classifyStatus maps a gRPC error onto the agent failure taxonomy.
func classifyStatus(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream closed during handshake", agent.ErrHandshakeFailed)
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", agent.ErrNetworkUnreachable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", agent.ErrTimeout, st.Message())
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument,
		codes.FailedPrecondition, codes.ResourceExhausted, codes.Unimplemented:
		return fmt.Errorf("%w: %s", agent.ErrHandshakeFailed, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", agent.ErrNetworkUnreachable, st.Code(), st.Message())
	}
}

// Session is an established control session. It implements agent.Session.
type Session struct {
	conn      *grpc.ClientConn
	stream    SessionClient
	cancel    context.CancelFunc
	address   string
	heartbeat time.Duration
	logger    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Address returns the address assigned in Welcome.
func (s *Session) Address() string {
	return s.address
}

// Serve sends heartbeats and forwards server log lines to logf until the
// server closes the session, asks it to shut down, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context, logf func(line string)) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	hbDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go func() {
		defer close(hbDone)
		s.sendHeartbeats(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("session: %w", classifyStatus(err))
		}

		switch {
		case msg.Log != nil:
			if logf != nil {
				logf(msg.Log.Line)
			}
		case msg.Shutdown != nil:
			reason := msg.Shutdown.Reason
			if reason == "" {
				reason = "no reason given"
			}
			s.logger.Info("coordination service ended session", "reason", reason)
			if logf != nil {
				logf("coordination service ended session: " + reason)
			}
			return nil
		case msg.Ack != nil:
			s.logger.Debug("heartbeat acknowledged", "seq", msg.Ack.Seq)
		}
	}
}

func (s *Session) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			seq++
			err := s.stream.Send(&ClientMessage{Heartbeat: &Heartbeat{Seq: seq, SentAt: now.UnixMilli()}})
			if err != nil {
				s.logger.Debug("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// Close cancels the stream and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
