// ABOUTME: Subscriber that writes connection outcomes back into the identity file
// ABOUTME: Records the last assigned address and retires the one-time provisioning code

package node

import (
	"errors"
	"log/slog"

	"github.com/2389/nvagent/internal/identity"
)

// identityRecorder persists what a successful connection taught us. Once a
// node has connected, the coordination service knows its key, so the
// provisioning code is no longer needed.
type identityRecorder struct {
	store  *identity.Store
	logger *slog.Logger
}

func (r *identityRecorder) OnLog(string) {}

func (r *identityRecorder) OnDisconnect() {}

func (r *identityRecorder) OnConnect(address string) {
	_, err := r.store.UpdateExisting(func(cfg *identity.AgentConfig) error {
		cfg.LastAddress = address
		cfg.ProvCode = ""
		return nil
	})
	switch {
	case err == nil:
		r.logger.Debug("identity updated", "last_address", address)
	case errors.Is(err, identity.ErrNotProvisioned):
		// Reset won the race.
	default:
		r.logger.Warn("recording connection in identity", "error", err)
	}
}
