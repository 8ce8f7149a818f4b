// ABOUTME: Local gRPC health endpoint reflecting the control connection
// ABOUTME: SERVING while connected, NOT_SERVING otherwise

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/nvagent/internal/control"
)

// Service is the health service name reported for the control connection.
const Service = control.ServiceName

// ErrAgentRunning indicates another agent process answers on the health endpoint.
var ErrAgentRunning = errors.New("an agent is already running")

// livenessTimeout bounds the liveness check in EnsureNotRunning.
const livenessTimeout = 2 * time.Second

// Reporter tracks connection state in a grpc health server. It implements
// events.Subscriber.
type Reporter struct {
	srv    *grpchealth.Server
	logger *slog.Logger
}

// NewReporter creates a Reporter in the NOT_SERVING state.
func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		srv:    grpchealth.NewServer(),
		logger: logger.With("component", "health"),
	}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

func (r *Reporter) set(st healthpb.HealthCheckResponse_ServingStatus) {
	r.srv.SetServingStatus("", st)
	r.srv.SetServingStatus(Service, st)
}

// OnLog implements events.Subscriber.
func (r *Reporter) OnLog(string) {}

// OnConnect implements events.Subscriber.
func (r *Reporter) OnConnect(string) {
	r.set(healthpb.HealthCheckResponse_SERVING)
}

// OnDisconnect implements events.Subscriber.
func (r *Reporter) OnDisconnect() {
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Server returns the underlying health server.
func (r *Reporter) Server() *grpchealth.Server {
	return r.srv
}

// Serve listens on addr and serves the health service until ctx is done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return r.ServeListener(ctx, lis)
}

// ServeListener serves the health service on lis until ctx is done.
func (r *Reporter) ServeListener(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, r.srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	r.logger.Info("health endpoint listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		r.srv.Shutdown()
		gs.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	}
}

// Check asks the health endpoint at addr for the control connection status.
func Check(ctx context.Context, addr string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("creating client: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// EnsureNotRunning returns ErrAgentRunning when an agent answers on addr,
// whatever its connection state. An empty addr disables the check; nothing
// answering means no agent is running.
func EnsureNotRunning(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()

	st, err := Check(ctx, addr)
	if err != nil {
		return nil
	}
	return fmt.Errorf("%w at %s (%s): stop it first", ErrAgentRunning, addr, st)
}
