// ABOUTME: Connection state and failure taxonomy for the control connection
// ABOUTME: Phases: disconnected, connecting, connected(address), failed(reason)

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/nvagent/internal/identity"
)

var (
	// ErrInvalidConfig indicates Connect was called with an unusable config.
	ErrInvalidConfig = errors.New("invalid agent config")

	// ErrNetworkUnreachable indicates the coordination service could not be reached.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrHandshakeFailed indicates the coordination service rejected the node.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrTimeout indicates establishment did not finish within the connect timeout.
	ErrTimeout = errors.New("connection timed out")
)

// Phase is the coarse connection state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseFailed
)

// String returns the lowercase name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the connection. Address is set while connected and
// Reason/Err while failed.
type State struct {
	Phase   Phase
	Address string
	Reason  string
	Err     error
}

func (s State) String() string {
	switch s.Phase {
	case PhaseConnected:
		return fmt.Sprintf("connected(%s)", s.Address)
	case PhaseFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return s.Phase.String()
	}
}

// Dialer establishes a control connection for a node.
// Dial must return promptly once ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, cfg identity.AgentConfig) (Session, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context, cfg identity.AgentConfig) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, cfg identity.AgentConfig) (Session, error) {
	return f(ctx, cfg)
}

// Session is an established control connection.
type Session interface {
	// Address is the virtual network address assigned during the handshake.
	Address() string

	// Serve runs the session until the remote side closes it or ctx is
	// cancelled. Lines pushed by the coordination service are passed to logf.
	// A nil return means the session ended cleanly.
	Serve(ctx context.Context, logf func(line string)) error

	// Close releases the underlying connection.
	Close() error
}

// classify maps a dial error onto the failure taxonomy. Errors that already
// wrap one of the sentinels are returned unchanged.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNetworkUnreachable),
		errors.Is(err, ErrHandshakeFailed),
		errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
}
