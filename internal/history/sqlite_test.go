// ABOUTME: Tests for the SQLite event history
// ABOUTME: Covers ordering, limits, pruning and recording from a live bus

package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nvagent/internal/events"
)

func openTest(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "history.db")
	r, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func TestRecorder_RecentInChronologicalOrder(t *testing.T) {
	r, _ := openTest(t)
	ctx := t.Context()

	require.NoError(t, r.Record(ctx, events.Log("connecting to coord:1")))
	require.NoError(t, r.Record(ctx, events.Connected("10.0.0.5")))
	require.NoError(t, r.Record(ctx, events.Disconnected()))

	got, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, events.KindLog, got[0].Kind)
	assert.Equal(t, "connecting to coord:1", got[0].Line)
	assert.Equal(t, events.KindConnected, got[1].Kind)
	assert.Equal(t, "10.0.0.5", got[1].Address)
	assert.Equal(t, events.KindDisconnected, got[2].Kind)
	assert.Less(t, got[0].ID, got[2].ID)
}

func TestRecorder_RecentLimitKeepsNewest(t *testing.T) {
	r, _ := openTest(t)
	ctx := t.Context()

	for i := range 10 {
		require.NoError(t, r.Record(ctx, events.Log(fmt.Sprintf("line %d", i))))
	}

	got, err := r.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "line 7", got[0].Line)
	assert.Equal(t, "line 9", got[2].Line)
}

func TestRecorder_PreservesTimestamps(t *testing.T) {
	r, _ := openTest(t)

	at := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	require.NoError(t, r.Record(t.Context(), events.Event{Kind: events.KindLog, Line: "x", At: at}))

	got, err := r.Recent(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, at.Equal(got[0].At))
}

func TestRecorder_PersistsAcrossReopen(t *testing.T) {
	r, path := openTest(t)
	require.NoError(t, r.Record(t.Context(), events.Connected("10.0.0.9")))
	require.NoError(t, r.Close())

	again, err := Open(path, nil)
	require.NoError(t, err)
	defer again.Close()

	got, err := again.Recent(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.9", got[0].Address)
}

func TestRecorder_Prune(t *testing.T) {
	r, _ := openTest(t)
	ctx := t.Context()

	for i := range 5 {
		require.NoError(t, r.Record(ctx, events.Log(fmt.Sprint(i))))
	}

	removed, err := r.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	got, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Line)

	require.NoError(t, r.Clear(ctx))
	got, err = r.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecorder_SubscribedToBus(t *testing.T) {
	r, _ := openTest(t)
	bus := events.NewBus(nil)
	defer bus.Close()

	bus.Subscribe(r)
	bus.Publish(events.Log("connecting to coord:1"))
	bus.Publish(events.Connected("10.0.0.5"))

	require.Eventually(t, func() bool {
		got, err := r.Recent(t.Context(), 10)
		return err == nil && len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := r.Recent(t.Context(), 10)
	require.NoError(t, err)
	assert.Equal(t, events.KindLog, got[0].Kind)
	assert.Equal(t, events.KindConnected, got[1].Kind)
}

func TestEntry_String(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)

	assert.Equal(t, "2026-01-02 03:04:05 connected 10.0.0.5",
		Entry{Kind: events.KindConnected, Address: "10.0.0.5", At: at}.String())
	assert.Equal(t, "2026-01-02 03:04:05 disconnected",
		Entry{Kind: events.KindDisconnected, At: at}.String())
	assert.Equal(t, "2026-01-02 03:04:05 hello",
		Entry{Kind: events.KindLog, Line: "hello", At: at}.String())
}
