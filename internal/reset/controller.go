// ABOUTME: Deprovisioning: halt the control connection, then delete local identity
// ABOUTME: Leaves identity untouched when teardown cannot be confirmed in time

package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDisconnectTimeout bounds the wait for connection teardown.
const DefaultDisconnectTimeout = 10 * time.Second

var (
	// ErrDisconnectTimeout indicates the connection did not finish tearing
	// down in time. Identity was not removed.
	ErrDisconnectTimeout = errors.New("timed out waiting for disconnect")

	// ErrIOFailure indicates identity files could not be removed.
	ErrIOFailure = errors.New("removing identity")
)

// Disconnecter halts the control connection. Satisfied by *agent.Manager.
type Disconnecter interface {
	Disconnect() <-chan struct{}
}

// Remover deletes persisted identity. Satisfied by *identity.Store.
type Remover interface {
	Remove() error
}

// Controller deprovisions the node.
type Controller struct {
	conn    Disconnecter
	store   Remover
	timeout time.Duration
	logger  *slog.Logger
}

// NewController creates a Controller. A non-positive timeout selects
// DefaultDisconnectTimeout.
func NewController(conn Disconnecter, store Remover, timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultDisconnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		conn:    conn,
		store:   store,
		timeout: timeout,
		logger:  logger.With("component", "reset"),
	}
}

// Reset disconnects, waits for the connection to be released and then
// removes the identity. Either the identity is gone and the connection is
// down, or the identity is untouched and ErrDisconnectTimeout is returned.
func (c *Controller) Reset(ctx context.Context) error {
	start := time.Now()
	done := c.conn.Disconnect()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.logger.Error("reset aborted, connection still tearing down", "timeout", c.timeout)
		return fmt.Errorf("%w after %s", ErrDisconnectTimeout, c.timeout)
	case <-ctx.Done():
		c.logger.Warn("reset aborted", "error", ctx.Err())
		return fmt.Errorf("%w: %v", ErrDisconnectTimeout, ctx.Err())
	}

	if err := c.store.Remove(); err != nil {
		c.logger.Error("removing identity", "error", err)
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	c.logger.Info("node deprovisioned", "teardown", time.Since(start).Round(time.Millisecond))
	return nil
}
