// ABOUTME: Tests for the identity store
// ABOUTME: Covers existence checks, round trips, malformed files, atomic replace and removal

package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProvCode = "123e4567-e89b-12d3-a456-426614174000"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestStore_FreshNodeHasNoIdentity(t *testing.T) {
	s := newTestStore(t)

	assert.False(t, s.Exists())

	cfg, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, s.Path(), cfg.IdentityPath)
	assert.Empty(t, cfg.ProvCode)
	assert.False(t, cfg.AutoConnect)
}

func TestStore_PathLayout(t *testing.T) {
	s := NewStore("/etc/nvagent")
	assert.Equal(t, filepath.Join("/etc/nvagent", "default", "nvagent.ip"), s.Path())
	assert.Equal(t, filepath.Join("/etc/nvagent", "default", "nvagent.key"), s.KeyPath())
}

func TestStore_PersistAndLoad(t *testing.T) {
	s := newTestStore(t)

	want := AgentConfig{
		NodeID:         "node-1",
		ProvCode:       testProvCode,
		AutoConnect:    true,
		ServerEndpoint: "coord.example.net:50051",
		LastAddress:    "10.0.0.5",
	}
	require.NoError(t, s.Persist(want))
	assert.True(t, s.Exists())

	got, err := s.Load()
	require.NoError(t, err)
	want.IdentityPath = s.Path()
	assert.Equal(t, want, got)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_PersistIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1", AutoConnect: true, ServerEndpoint: "coord:50051"}))

	cfg, err := s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Persist(cfg))
	first, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	cfg, err = s.Load()
	require.NoError(t, err)
	require.NoError(t, s.Persist(cfg))
	second, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStore_PersistLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1"}))
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-2"}))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestStore_PersistRejectsBadProvCode(t *testing.T) {
	s := newTestStore(t)
	err := s.Persist(AgentConfig{ProvCode: "short"})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, s.Exists())
}

func TestStore_LoadMalformedFallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not toml", "this is = = not toml"},
		{"wrong type", "auto_connect = \"yes please\""},
		{"bad prov code", "prov_code = \"abc\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0o600))

			cfg, err := s.Load()
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, s.Default(), cfg)
			assert.True(t, s.Exists(), "malformed file must not be deleted by Load")
		})
	}
}

func TestStore_UpdateRepairsMalformedFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage = = ="), 0o600))

	cfg, err := s.Update(func(c *AgentConfig) error {
		c.NodeID = "repaired"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "repaired", cfg.NodeID)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "repaired", loaded.NodeID)
}

func TestStore_SetAutoConnect(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SetAutoConnect(true)
	assert.ErrorIs(t, err, ErrNotProvisioned)
	assert.False(t, s.Exists(), "toggling auto-connect must not provision the node")

	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1"}))
	cfg, err := s.SetAutoConnect(true)
	require.NoError(t, err)
	assert.True(t, cfg.AutoConnect)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.True(t, loaded.AutoConnect)
}

func TestStore_UpdateExistingAfterRemove(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1", ProvCode: testProvCode}))

	cfg, err := s.UpdateExisting(func(c *AgentConfig) error {
		c.LastAddress = "100.96.0.1"
		c.ProvCode = ""
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "100.96.0.1", cfg.LastAddress)
	assert.Empty(t, cfg.ProvCode)

	require.NoError(t, s.Remove())

	_, err = s.UpdateExisting(func(c *AgentConfig) error {
		c.LastAddress = "100.96.0.2"
		return nil
	})
	assert.ErrorIs(t, err, ErrNotProvisioned)
	assert.False(t, s.Exists())
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1"}))
	require.NoError(t, os.WriteFile(s.KeyPath(), []byte("key"), 0o600))

	require.NoError(t, s.Remove())
	assert.False(t, s.Exists())
	_, err := os.Stat(s.KeyPath())
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, s.Remove())
}

func TestStore_RemoveDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	s := newTestStore(t)
	require.NoError(t, s.Persist(AgentConfig{NodeID: "node-1"}))

	dir := filepath.Dir(s.Path())
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err := s.Remove()
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.True(t, s.Exists())
}
