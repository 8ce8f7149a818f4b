// ABOUTME: Tests for the nvagent subcommands that rewrite the identity
// ABOUTME: Reset and provision must refuse while another agent answers on the health endpoint

package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nvagent/internal/config"
	"github.com/2389/nvagent/internal/health"
	"github.com/2389/nvagent/internal/identity"
)

const testCode = "123e4567-e89b-12d3-a456-426614174000"

// setup points the config root at a temp dir, provisions the node and writes
// an agent.yaml whose health endpoint is healthAddr.
func setup(t *testing.T, healthAddr string) (*identity.Store, string) {
	t.Helper()
	root := t.TempDir()
	t.Setenv(config.ConfigRootEnv, root)

	store := identity.NewStore(root)
	require.NoError(t, store.Persist(identity.AgentConfig{
		NodeID:         "node-1",
		ProvCode:       testCode,
		AutoConnect:    true,
		ServerEndpoint: "127.0.0.1:1",
	}))

	path := filepath.Join(root, "agent.yaml")
	yaml := "health:\n  addr: \"" + healthAddr + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return store, path
}

// runningAgent serves a health endpoint the way `nvagent run` does.
func runningAgent(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- health.NewReporter(nil).ServeListener(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestReset_RefusesWhileAgentRunning(t *testing.T) {
	store, path := setup(t, runningAgent(t))
	require.NoError(t, os.WriteFile(store.KeyPath(), []byte("key"), 0o600))

	err := runReset(t.Context(), []string{"--config", path, "--yes"})
	assert.ErrorIs(t, err, health.ErrAgentRunning)

	assert.True(t, store.Exists(), "identity must survive a refused reset")
	_, err = os.Stat(store.KeyPath())
	assert.NoError(t, err, "key must survive a refused reset")
}

func TestReset_ProceedsWhenNoAgentRunning(t *testing.T) {
	store, path := setup(t, closedAddr(t))

	require.NoError(t, runReset(t.Context(), []string{"--config", path, "--yes"}))
	assert.False(t, store.Exists())
}

func TestProvision_RefusesWhileAgentRunning(t *testing.T) {
	store, path := setup(t, runningAgent(t))

	other := "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	err := runProvision(t.Context(), []string{"--config", path, "--code", other})
	assert.ErrorIs(t, err, health.ErrAgentRunning)

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, testCode, cfg.ProvCode)
}
