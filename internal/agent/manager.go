// ABOUTME: Owns the asynchronous control-connection lifecycle of the node
// ABOUTME: Single-writer state machine publishing log/connect/disconnect events

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nvagent/internal/events"
	"github.com/2389/nvagent/internal/identity"
)

// DefaultConnectTimeout bounds a single establishment attempt.
const DefaultConnectTimeout = 15 * time.Second

// ErrClosed indicates the manager has been shut down.
var ErrClosed = errors.New("connection manager closed")

// Publisher receives the events emitted on state transitions.
type Publisher interface {
	Publish(e events.Event)
}

// ManagerParams holds the dependencies of a Manager.
type ManagerParams struct {
	Dialer         Dialer
	Events         Publisher
	Logger         *slog.Logger
	ConnectTimeout time.Duration
}

// Manager drives one control connection at a time. Connect and Disconnect
// never block the caller: establishment, the session read loop and teardown
// run on a background goroutine per attempt.
//
// All state changes and event publication happen under mu, so subscribers
// observe events in the order the transitions occurred. Every attempt carries
// the generation it was started in; once Disconnect bumps the generation the
// attempt can no longer change state or publish.
type Manager struct {
	dialer         Dialer
	events         Publisher
	logger         *slog.Logger
	connectTimeout time.Duration

	mu      sync.Mutex
	state   State
	gen     uint64
	current *Attempt
	closed  bool
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(p ManagerParams) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Manager{
		dialer:         p.Dialer,
		events:         p.Events,
		logger:         logger.With("component", "agent"),
		connectTimeout: timeout,
		state:          State{Phase: PhaseDisconnected},
	}
}

// Attempt is a handle to one connection attempt.
type Attempt struct {
	ID string

	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the attempt's goroutine has exited and its connection,
// if any, has been released.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err returns why the attempt ended. It is nil while the attempt is running
// and for sessions that ended cleanly or were disconnected locally.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Attempt) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// State returns a snapshot of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts establishing a control connection for cfg and returns
// immediately. While an attempt is connecting or connected, Connect is a
// no-op returning that attempt. Only a missing endpoint fails synchronously.
func (m *Manager) Connect(cfg identity.AgentConfig) (*Attempt, error) {
	if strings.TrimSpace(cfg.ServerEndpoint) == "" {
		return nil, fmt.Errorf("%w: server endpoint is required", ErrInvalidConfig)
	}
	if m.dialer == nil {
		return nil, fmt.Errorf("%w: no dialer configured", ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	switch m.state.Phase {
	case PhaseConnecting, PhaseConnected:
		m.logger.Debug("connect ignored, attempt in progress",
			"attempt_id", m.current.ID,
			"phase", m.state.Phase.String(),
		)
		return m.current, nil
	}

	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &Attempt{
		ID:     uuid.New().String(),
		gen:    m.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.current = a
	m.state = State{Phase: PhaseConnecting}
	m.publishLocked(events.Log("connecting to " + cfg.ServerEndpoint))

	m.logger.Info("connecting",
		"attempt_id", a.ID,
		"endpoint", cfg.ServerEndpoint,
		"node_id", cfg.NodeID,
	)

	go m.run(ctx, a, cfg)
	return a, nil
}

// Disconnect tears down the active or in-flight connection. The state moves
// to Disconnected immediately and no event from the abandoned attempt is
// published afterwards. The returned channel is closed once the background
// attempt has fully exited. Calling Disconnect while disconnected is a no-op.
func (m *Manager) Disconnect() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectLocked()
}

func (m *Manager) disconnectLocked() <-chan struct{} {
	a := m.current

	switch m.state.Phase {
	case PhaseConnecting, PhaseConnected:
		m.gen++
		a.cancel()
		m.logger.Info("disconnecting", "attempt_id", a.ID, "phase", m.state.Phase.String())
		m.state = State{Phase: PhaseDisconnected}
		m.publishLocked(events.Disconnected())
	case PhaseFailed:
		m.state = State{Phase: PhaseDisconnected}
	}

	if a == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return a.done
}

// Close disconnects, refuses further Connect calls and waits for teardown
// until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	done := m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection teardown: %w", ctx.Err())
	}
}

// run establishes and then serves one attempt.
func (m *Manager) run(ctx context.Context, a *Attempt, cfg identity.AgentConfig) {
	defer close(a.done)
	defer a.cancel()

	dialCtx, cancelDial := context.WithTimeout(ctx, m.connectTimeout)
	sess, err := m.dialer.Dial(dialCtx, cfg)
	cancelDial()

	if err != nil {
		err = classify(err)
		a.setErr(err)

		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.isCurrentLocked(a) {
			m.logger.Debug("abandoned attempt failed", "attempt_id", a.ID, "error", err)
			return
		}
		m.logger.Warn("connection failed", "attempt_id", a.ID, "error", err)
		m.state = State{Phase: PhaseFailed, Reason: err.Error(), Err: err}
		m.publishLocked(events.Log("connection failed: " + err.Error()))
		return
	}
	defer func() { _ = sess.Close() }()

	m.mu.Lock()
	if !m.isCurrentLocked(a) {
		m.mu.Unlock()
		m.logger.Debug("attempt abandoned after establishment", "attempt_id", a.ID)
		return
	}
	addr := sess.Address()
	m.state = State{Phase: PhaseConnected, Address: addr}
	m.publishLocked(events.Connected(addr))
	m.mu.Unlock()

	m.logger.Info("=== CONTROL CONNECTION UP ===",
		"attempt_id", a.ID,
		"address", addr,
	)

	serveErr := sess.Serve(ctx, func(line string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.isCurrentLocked(a) {
			m.publishLocked(events.Log(line))
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isCurrentLocked(a) {
		// Local disconnect; already reported.
		return
	}

	a.setErr(serveErr)
	if serveErr != nil {
		m.logger.Warn("=== CONTROL CONNECTION LOST ===", "attempt_id", a.ID, "error", serveErr)
		m.publishLocked(events.Log("connection lost: " + serveErr.Error()))
	} else {
		m.logger.Info("=== CONTROL CONNECTION CLOSED ===", "attempt_id", a.ID)
		m.publishLocked(events.Log("connection closed by coordination service"))
	}
	m.state = State{Phase: PhaseDisconnected}
	m.publishLocked(events.Disconnected())
}

// isCurrentLocked reports whether a may still change state. Must be called with mu held.
func (m *Manager) isCurrentLocked(a *Attempt) bool {
	return m.current == a && m.gen == a.gen
}

// publishLocked forwards e to the publisher. Must be called with mu held.
func (m *Manager) publishLocked(e events.Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}
