// ABOUTME: Node orchestrator wiring identity, provisioning, connection, reset and events
// ABOUTME: Routes startup to provisioning or auto-connect and owns the reconnect policy

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/auth"
	"github.com/2389/nvagent/internal/config"
	"github.com/2389/nvagent/internal/control"
	"github.com/2389/nvagent/internal/events"
	"github.com/2389/nvagent/internal/identity"
	"github.com/2389/nvagent/internal/provision"
	"github.com/2389/nvagent/internal/reset"
)

// Outcome is where startup routed the node.
type Outcome int

const (
	// NeedsProvisioning means no usable identity exists; call Provision.
	NeedsProvisioning Outcome = iota
	// Idle means the node is provisioned but auto-connect is off.
	Idle
	// Connecting means an auto-connect attempt was started.
	Connecting
)

func (o Outcome) String() string {
	switch o {
	case NeedsProvisioning:
		return "needs-provisioning"
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// StartupResult describes what Start found and did.
type StartupResult struct {
	Outcome  Outcome
	Identity identity.AgentConfig

	// Warning is set when the identity file was present but unusable.
	Warning error
}

// Option configures a Node.
type Option func(*options)

type options struct {
	dialer      agent.Dialer
	netDial     func(ctx context.Context, addr string) (net.Conn, error)
	version     string
	subscribers []events.Subscriber
}

// WithDialer replaces the control-protocol dialer.
func WithDialer(d agent.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithNetDial sets the transport the control dialer uses, e.g. a tailnet.
func WithNetDial(fn func(ctx context.Context, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.netDial = fn }
}

// WithVersion sets the version reported in the control handshake.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSubscribers subscribes observers before any event can be published.
func WithSubscribers(subs ...events.Subscriber) Option {
	return func(o *options) { o.subscribers = append(o.subscribers, subs...) }
}

// Node is a provisioned-or-not network node agent.
type Node struct {
	settings *config.Config
	store    *identity.Store
	logger   *slog.Logger

	bus      *events.Bus
	manager  *agent.Manager
	workflow *provision.Workflow
	resetter *reset.Controller
	retrier  *Retrier

	// mu serializes operations that start connections against Reset.
	mu sync.Mutex
}

// New wires a Node. A nil settings uses config.Default().
func New(settings *config.Config, store *identity.Store, logger *slog.Logger, opts ...Option) *Node {
	if settings == nil {
		settings = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		settings: settings,
		store:    store,
		logger:   logger.With("component", "node"),
		bus:      events.NewBus(logger),
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = n.controlDialer(o, logger)
	}

	n.manager = agent.NewManager(agent.ManagerParams{
		Dialer:         dialer,
		Events:         n.bus,
		Logger:         logger,
		ConnectTimeout: settings.Control.ConnectTimeout,
	})
	n.workflow = provision.NewWorkflow(store, n.manager, settings.Control.Endpoint, logger)
	n.resetter = reset.NewController(n.manager, store, settings.Reset.DisconnectTimeout, logger)

	n.bus.Subscribe(&identityRecorder{store: store, logger: n.logger})
	if settings.Retry.Enabled {
		n.retrier = NewRetrier(settings.Retry, n.manager.State, n.reconnect, logger)
		n.bus.Subscribe(n.retrier)
	}
	for _, s := range o.subscribers {
		n.bus.Subscribe(s)
	}

	return n
}

// controlDialer dials the coordination service with the node key. The key is
// loaded on every dial so a reset, which deletes it, yields a fresh key.
func (n *Node) controlDialer(o options, logger *slog.Logger) agent.Dialer {
	return agent.DialerFunc(func(ctx context.Context, cfg identity.AgentConfig) (agent.Session, error) {
		signer, err := auth.LoadOrCreateKey(n.store.KeyPath())
		if err != nil {
			return nil, fmt.Errorf("%w: node key: %v", agent.ErrHandshakeFailed, err)
		}
		d := control.NewDialer(control.DialerParams{
			Signer:            signer,
			Insecure:          n.settings.Control.Insecure,
			HeartbeatInterval: n.settings.Control.HeartbeatInterval,
			NetDial:           o.netDial,
			Version:           o.version,
			Logger:            logger,
		})
		return d.Dial(ctx, cfg)
	})
}

// Events returns the bus carrying this node's events.
func (n *Node) Events() *events.Bus {
	return n.bus
}

// State returns the connection state.
func (n *Node) State() agent.State {
	return n.manager.State()
}

// Start decides whether the node must be provisioned and, for a provisioned
// node with auto-connect set, starts connecting. It never blocks on the
// network.
//
// A malformed identity file is reported as NeedsProvisioning with Warning set
// and a Log event; provisioning again repairs it.
func (n *Node) Start(ctx context.Context) (StartupResult, error) {
	if err := ctx.Err(); err != nil {
		return StartupResult{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.store.Exists() {
		n.logger.Info("no identity found, provisioning required", "path", n.store.Path())
		return StartupResult{Outcome: NeedsProvisioning, Identity: n.store.Default()}, nil
	}

	cfg, err := n.store.Load()
	if err != nil {
		if !errors.Is(err, identity.ErrMalformed) {
			return StartupResult{}, fmt.Errorf("loading identity: %w", err)
		}
		n.logger.Warn("identity file unusable, using defaults", "path", n.store.Path(), "error", err)
		n.bus.Publish(events.Log("identity file unusable: " + err.Error()))
		return StartupResult{Outcome: NeedsProvisioning, Identity: cfg, Warning: err}, nil
	}
	cfg = n.withEndpoint(cfg)

	if !cfg.AutoConnect {
		n.logger.Info("identity loaded, auto-connect disabled", "node_id", cfg.NodeID)
		return StartupResult{Outcome: Idle, Identity: cfg}, nil
	}

	if _, err := n.manager.Connect(cfg); err != nil {
		return StartupResult{Outcome: Idle, Identity: cfg}, fmt.Errorf("auto-connect: %w", err)
	}
	return StartupResult{Outcome: Connecting, Identity: cfg}, nil
}

// Provision submits a provisioning code and starts the first connection.
func (n *Node) Provision(code string) (identity.AgentConfig, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.retrier != nil {
		n.retrier.Resume()
	}
	return n.workflow.Submit(code)
}

// Connect starts a connection using the persisted identity.
func (n *Node) Connect() (*agent.Attempt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connectLocked()
}

func (n *Node) connectLocked() (*agent.Attempt, error) {
	if !n.store.Exists() {
		return nil, identity.ErrNotProvisioned
	}
	cfg, err := n.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return n.manager.Connect(n.withEndpoint(cfg))
}

func (n *Node) reconnect() error {
	_, err := n.Connect()
	return err
}

// Disconnect drops the control connection. The returned channel closes once
// the connection has been released.
func (n *Node) Disconnect() <-chan struct{} {
	return n.manager.Disconnect()
}

// Reset deprovisions the node. Pending retries are cancelled for the
// duration so nothing reconnects while the identity is being removed.
func (n *Node) Reset(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.retrier != nil {
		n.retrier.Stop()
		defer n.retrier.Resume()
	}
	if err := n.resetter.Reset(ctx); err != nil {
		return err
	}
	n.bus.Publish(events.Log("node deprovisioned"))
	return nil
}

// SetAutoConnect persists the auto-connect flag. It takes effect on the next
// Start. The node must be provisioned.
func (n *Node) SetAutoConnect(enabled bool) (identity.AgentConfig, error) {
	return n.store.SetAutoConnect(enabled)
}

// Close disconnects, waits for teardown until ctx is done and ends every
// subscription. Events already queued are still delivered.
func (n *Node) Close(ctx context.Context) error {
	if n.retrier != nil {
		n.retrier.Stop()
	}
	err := n.manager.Close(ctx)
	n.bus.Close()
	return err
}

func (n *Node) withEndpoint(cfg identity.AgentConfig) identity.AgentConfig {
	if strings.TrimSpace(cfg.ServerEndpoint) == "" {
		cfg.ServerEndpoint = n.settings.Control.Endpoint
	}
	return cfg
}
