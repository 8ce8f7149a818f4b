// ABOUTME: Persists the node identity file (<config-root>/default/nvagent.ip) as TOML
// ABOUTME: Existence of the file is the provisioning sentinel; writes are atomic temp+rename

package identity

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	// ProfileDir is the directory under the config root holding identity state.
	ProfileDir = "default"

	// FileName is the identity file. Its existence means the node is provisioned.
	FileName = "nvagent.ip"

	// KeyFileName holds the node's SSH private key beside the identity file.
	KeyFileName = "nvagent.key"

	// ProvCodeLength is the only accepted provisioning code length.
	ProvCodeLength = 36
)

var (
	// ErrMalformed indicates the identity file exists but cannot be used.
	ErrMalformed = errors.New("identity file malformed")

	// ErrIOFailure indicates the identity file could not be read, written or removed.
	ErrIOFailure = errors.New("identity file I/O failure")

	// ErrNotProvisioned indicates an operation that requires an existing identity.
	ErrNotProvisioned = errors.New("node is not provisioned")
)

// AgentConfig is the persisted identity and connection preference of the node.
type AgentConfig struct {
	// IdentityPath is where this config lives; never written to the file.
	IdentityPath string `toml:"-"`

	NodeID         string `toml:"node_id,omitempty"`
	ProvCode       string `toml:"prov_code,omitempty"`
	AutoConnect    bool   `toml:"auto_connect"`
	ServerEndpoint string `toml:"server_endpoint,omitempty"`
	LastAddress    string `toml:"last_address,omitempty"`
}

// Validate checks the invariants of a loaded or about-to-be-persisted config.
func (c AgentConfig) Validate() error {
	if c.ProvCode != "" && len(c.ProvCode) != ProvCodeLength {
		return fmt.Errorf("prov_code must be %d characters, got %d", ProvCodeLength, len(c.ProvCode))
	}
	return nil
}

// Store reads and writes the identity file under a config root.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a store rooted at root (for example ~/.config/nvagent).
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Path returns the identity file location.
func (s *Store) Path() string {
	return filepath.Join(s.root, ProfileDir, FileName)
}

// KeyPath returns the node key location.
func (s *Store) KeyPath() string {
	return filepath.Join(s.root, ProfileDir, KeyFileName)
}

// Exists reports whether the identity file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Default returns the config used when no identity file exists.
func (s *Store) Default() AgentConfig {
	return AgentConfig{IdentityPath: s.Path()}
}

// Load reads the identity file. A missing file yields defaults and no error.
// A malformed file yields defaults together with an error wrapping
// ErrMalformed so callers can log it and carry on.
func (s *Store) Load() (AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Persist atomically replaces the identity file with cfg.
func (s *Store) Persist(cfg AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(cfg)
}

// Update loads the identity, applies mutate and persists the result.
// A malformed file is treated as defaults so it can be repaired.
func (s *Store) Update(mutate func(*AgentConfig) error) (AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(mutate)
}

// UpdateExisting is Update for a provisioned node: it returns
// ErrNotProvisioned instead of creating a missing identity file.
func (s *Store) UpdateExisting(mutate func(*AgentConfig) error) (AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.Path()); errors.Is(err, os.ErrNotExist) {
		return AgentConfig{}, ErrNotProvisioned
	}

	return s.updateLocked(mutate)
}

// SetAutoConnect toggles the persisted auto-connect flag.
func (s *Store) SetAutoConnect(enabled bool) (AgentConfig, error) {
	return s.UpdateExisting(func(cfg *AgentConfig) error {
		cfg.AutoConnect = enabled
		return nil
	})
}

// Remove deletes the identity file and node key. Removing absent files is
// not an error.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.Path(), s.KeyPath()} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing %s: %v", ErrIOFailure, path, err)
		}
	}
	return nil
}

func (s *Store) updateLocked(mutate func(*AgentConfig) error) (AgentConfig, error) {
	cfg, err := s.loadLocked()
	if err != nil && !errors.Is(err, ErrMalformed) {
		return AgentConfig{}, err
	}
	if err := mutate(&cfg); err != nil {
		return AgentConfig{}, err
	}
	if err := s.persistLocked(cfg); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (s *Store) loadLocked() (AgentConfig, error) {
	defaults := s.Default()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("%w: reading identity: %v", ErrIOFailure, err)
	}

	var cfg AgentConfig
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := cfg.Validate(); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cfg.IdentityPath = s.Path()
	return cfg, nil
}

func (s *Store) persistLocked(cfg AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	path := s.Path()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: creating identity directory: %v", ErrIOFailure, err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temporary identity file: %v", ErrIOFailure, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing temporary identity file: %v", ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: syncing temporary identity file: %v", ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: closing temporary identity file: %v", ErrIOFailure, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("%w: setting identity permissions: %v", ErrIOFailure, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replacing identity file: %v", ErrIOFailure, err)
	}
	return nil
}
