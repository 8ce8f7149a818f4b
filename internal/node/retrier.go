// ABOUTME: Caller-side reconnect policy with exponential backoff after a failed attempt
// ABOUTME: Subscribes to the event bus and never retries on its own once stopped

package node

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/config"
)

// Retrier schedules a reconnect whenever the connection manager is found in
// the Failed state. Intervals grow exponentially and restart from the initial
// interval after the next successful connection.
//
// Retrier is an events.Subscriber. It only reacts to Failed: a local
// Disconnect or a session closed by the coordination service is left alone.
// A handshake the coordination service rejected is permanent and is never
// retried; the node needs a new provisioning code or a reset.
type Retrier struct {
	state   func() agent.State
	connect func() error
	logger  *slog.Logger

	mu      sync.Mutex
	bo      *backoff.ExponentialBackOff
	timer   *time.Timer
	stopped bool
}

// NewRetrier creates a Retrier. state reports the current connection state
// and connect starts a new attempt.
func NewRetrier(cfg config.RetryConfig, state func() agent.State, connect func() error, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		bo.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		bo.MaxInterval = cfg.MaxInterval
	}
	bo.Reset()

	return &Retrier{
		state:   state,
		connect: connect,
		logger:  logger.With("component", "retry"),
		bo:      bo,
	}
}

// OnLog checks for a failed attempt. The manager publishes a log line on
// every failure, so this is where retries get scheduled.
func (r *Retrier) OnLog(string) {
	st := r.state()
	if st.Phase != agent.PhaseFailed {
		return
	}
	if !retryable(st) {
		r.logger.Warn("not retrying, rejected by coordination service", "reason", st.Reason)
		return
	}
	r.schedule()
}

// OnConnect resets the backoff and cancels any pending retry.
func (r *Retrier) OnConnect(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bo.Reset()
	r.stopTimerLocked()
}

func (r *Retrier) OnDisconnect() {}

// Stop cancels any pending retry and ignores failures until Resume.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.stopTimerLocked()
}

// Resume re-enables retries with a fresh backoff.
func (r *Retrier) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	r.bo.Reset()
}

// Pending reports whether a retry is scheduled.
func (r *Retrier) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Retrier) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.timer != nil {
		return
	}
	wait := r.bo.NextBackOff()
	if wait == backoff.Stop {
		r.logger.Warn("giving up on reconnect")
		return
	}

	r.logger.Info("reconnect scheduled", "in", wait.Round(time.Millisecond))
	r.timer = time.AfterFunc(wait, r.fire)
}

func (r *Retrier) fire() {
	r.mu.Lock()
	r.timer = nil
	stopped := r.stopped
	r.mu.Unlock()

	if stopped {
		return
	}
	// Someone else may have reconnected or disconnected in the meantime.
	if !retryable(r.state()) {
		return
	}
	if err := r.connect(); err != nil {
		r.logger.Warn("reconnect not started", "error", err)
	}
}

// retryable reports whether st is a failure worth another attempt.
func retryable(st agent.State) bool {
	return st.Phase == agent.PhaseFailed && !errors.Is(st.Err, agent.ErrHandshakeFailed)
}

func (r *Retrier) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
