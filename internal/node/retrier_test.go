// ABOUTME: Tests for the reconnect policy
// ABOUTME: Uses a fake state source and a counting connect function

package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/nvagent/internal/agent"
	"github.com/2389/nvagent/internal/config"
)

type fakeState struct {
	mu    sync.Mutex
	phase agent.Phase
	err   error
}

func (f *fakeState) set(p agent.Phase) {
	f.mu.Lock()
	f.phase = p
	f.mu.Unlock()
}

func (f *fakeState) get() agent.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return agent.State{Phase: f.phase, Err: f.err}
}

func newTestRetrier(st *fakeState, calls *atomic.Int32) *Retrier {
	cfg := config.RetryConfig{
		Enabled:         true,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
	return NewRetrier(cfg, st.get, func() error {
		calls.Add(1)
		return nil
	}, nil)
}

func TestRetrier_SchedulesOnFailure(t *testing.T) {
	st := &fakeState{phase: agent.PhaseFailed}
	var calls atomic.Int32
	r := newTestRetrier(st, &calls)

	r.OnLog("connection failed: boom")
	assert.True(t, r.Pending())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, r.Pending())
}

func TestRetrier_OneTimerPerFailure(t *testing.T) {
	st := &fakeState{phase: agent.PhaseFailed}
	var calls atomic.Int32
	r := newTestRetrier(st, &calls)

	for range 5 {
		r.OnLog("noise")
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrier_IgnoresOtherPhases(t *testing.T) {
	for _, p := range []agent.Phase{agent.PhaseDisconnected, agent.PhaseConnecting, agent.PhaseConnected} {
		st := &fakeState{phase: p}
		var calls atomic.Int32
		r := newTestRetrier(st, &calls)

		r.OnLog("connecting to coord")
		assert.False(t, r.Pending(), p.String())
	}
}

func TestRetrier_SkipsWhenStateMovedOn(t *testing.T) {
	st := &fakeState{phase: agent.PhaseFailed}
	var calls atomic.Int32
	r := newTestRetrier(st, &calls)

	r.OnLog("connection failed")
	st.set(agent.PhaseDisconnected)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRetrier_ConnectCancelsPending(t *testing.T) {
	st := &fakeState{phase: agent.PhaseFailed}
	var calls atomic.Int32
	cfg := config.RetryConfig{Enabled: true, InitialInterval: time.Hour, MaxInterval: time.Hour}
	r := NewRetrier(cfg, st.get, func() error {
		calls.Add(1)
		return nil
	}, nil)

	r.OnLog("connection failed")
	assert.True(t, r.Pending())

	r.OnConnect("10.0.0.5")
	assert.False(t, r.Pending())
	assert.Zero(t, calls.Load())
}

func TestRetrier_StopAndResume(t *testing.T) {
	st := &fakeState{phase: agent.PhaseFailed}
	var calls atomic.Int32
	r := newTestRetrier(st, &calls)

	r.Stop()
	r.OnLog("connection failed")
	assert.False(t, r.Pending())

	r.Resume()
	r.OnLog("connection failed")
	assert.True(t, r.Pending())
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRetrier_SkipsRejectedHandshake(t *testing.T) {
	st := &fakeState{
		phase: agent.PhaseFailed,
		err:   fmt.Errorf("%w: invalid provisioning code", agent.ErrHandshakeFailed),
	}
	var calls atomic.Int32
	r := newTestRetrier(st, &calls)

	r.OnLog("connection failed: handshake failed")
	assert.False(t, r.Pending())

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRetrier_RetriesTransientFailures(t *testing.T) {
	for _, err := range []error{agent.ErrNetworkUnreachable, agent.ErrTimeout} {
		st := &fakeState{phase: agent.PhaseFailed, err: fmt.Errorf("%w: boom", err)}
		var calls atomic.Int32
		r := newTestRetrier(st, &calls)

		r.OnLog("connection failed")
		assert.True(t, r.Pending(), err.Error())
		assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	}
}
