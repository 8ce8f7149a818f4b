// ABOUTME: Provisioning workflow: validate a 36-character code, persist it, connect once
// ABOUTME: Rejects resubmission while the node is connecting or connected

package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/identity"
)

var (
	// ErrBadFormat indicates a provisioning code of the wrong length.
	ErrBadFormat = errors.New("provisioning code must be exactly 36 characters")

	// ErrAlreadyConnecting indicates a provisioning attempt is already outstanding.
	ErrAlreadyConnecting = errors.New("a provisioning attempt is already in progress")

	// ErrAlreadyConnected indicates the node holds a live connection. A new
	// code only takes effect on a new connection, so the caller must
	// disconnect first.
	ErrAlreadyConnected = errors.New("node is already connected; disconnect before provisioning again")
)

// ProvCode is a provisioning code that passed Validate.
type ProvCode string

// Validate accepts any code of exactly 36 characters. The code is opaque at
// this layer; the coordination service checks it during the handshake.
func Validate(code string) (ProvCode, error) {
	if len(code) != identity.ProvCodeLength {
		return "", fmt.Errorf("%w (got %d)", ErrBadFormat, len(code))
	}
	return ProvCode(code), nil
}

// Store persists the identity. Satisfied by *identity.Store.
type Store interface {
	Update(mutate func(*identity.AgentConfig) error) (identity.AgentConfig, error)
}

// Connector starts connections. Satisfied by *agent.Manager.
type Connector interface {
	Connect(cfg identity.AgentConfig) (*agent.Attempt, error)
	State() agent.State
}

// Workflow attaches provisioning codes to the node identity and triggers the
// first connection.
type Workflow struct {
	store           Store
	connector       Connector
	defaultEndpoint string
	logger          *slog.Logger

	mu sync.Mutex
}

// NewWorkflow creates a workflow. defaultEndpoint is used when the identity
// does not carry a server endpoint yet.
func NewWorkflow(store Store, connector Connector, defaultEndpoint string, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:           store,
		connector:       connector,
		defaultEndpoint: strings.TrimSpace(defaultEndpoint),
		logger:          logger.With("component", "provision"),
	}
}

// Submit validates code, persists it into the identity and starts exactly one
// connection attempt. While the connector is connecting it returns
// ErrAlreadyConnecting, and while it is connected ErrAlreadyConnected. In
// both cases the stored identity is left untouched.
func (w *Workflow) Submit(code string) (identity.AgentConfig, error) {
	prov, err := Validate(code)
	if err != nil {
		return identity.AgentConfig{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.connector.State().Phase {
	case agent.PhaseConnecting:
		return identity.AgentConfig{}, ErrAlreadyConnecting
	case agent.PhaseConnected:
		return identity.AgentConfig{}, ErrAlreadyConnected
	}

	cfg, err := w.store.Update(func(cfg *identity.AgentConfig) error {
		cfg.ProvCode = string(prov)
		if cfg.NodeID == "" {
			cfg.NodeID = uuid.New().String()
		}
		if cfg.ServerEndpoint == "" {
			cfg.ServerEndpoint = w.defaultEndpoint
		}
		return nil
	})
	if err != nil {
		return identity.AgentConfig{}, fmt.Errorf("persisting provisioning code: %w", err)
	}

	attempt, err := w.connector.Connect(cfg)
	if err != nil {
		return cfg, fmt.Errorf("starting connection: %w", err)
	}

	w.logger.Info("provisioning code submitted",
		"node_id", cfg.NodeID,
		"endpoint", cfg.ServerEndpoint,
		"attempt_id", attempt.ID,
	)
	return cfg, nil
}
