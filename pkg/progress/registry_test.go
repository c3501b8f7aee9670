package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

func TestRegistry_SingleWriterPerKey(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)

	_, err = registry.Acquire("myapp")
	assert.Equal(t, opserr.KindAlreadyRunning, opserr.KindOf(err))

	// other keys run in parallel
	other, err := registry.Acquire("otherapp")
	require.NoError(t, err)
	other.Release()

	lease.Update(StageCompleted, 100, "done")
	lease.Release()

	// terminal records may be superseded immediately
	_, err = registry.Acquire("myapp")
	assert.NoError(t, err)
}

func TestLease_MonotonicProgress(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)

	lease.Update(StageBuilding, 40, "building")
	lease.Update(StageCreating, 20, "creating")

	record, ok := registry.Get("myapp")
	require.True(t, ok)
	assert.Equal(t, StageCreating, record.Stage)
	assert.Equal(t, 40, record.Progress)
}

func TestRegistry_CancelLatch(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)
	assert.False(t, lease.Cancelled())

	require.NoError(t, registry.RequestCancel("myapp"))
	assert.True(t, lease.Cancelled())

	record, ok := registry.Get("myapp")
	require.True(t, ok)
	assert.True(t, record.CancelRequested)

	err = registry.RequestCancel("unknown")
	assert.Equal(t, opserr.KindNotFound, opserr.KindOf(err))
}

func TestRegistry_SweepEvictsTerminalAfterGrace(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)

	lease.Update(StageCompleted, 100, "done")
	lease.Release()

	registry.Sweep()
	_, ok := registry.Get("myapp")
	assert.True(t, ok, "terminal record must linger through the grace window")

	// force expiry instead of sleeping through the real window
	registry.mu.Lock()
	registry.entries["myapp"].terminalAt = time.Now().Add(-2 * terminalGrace)
	registry.mu.Unlock()

	registry.Sweep()
	_, ok = registry.Get("myapp")
	assert.False(t, ok)
}

func TestRegistry_ReleaseWithoutTerminalMarksError(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)

	lease.Update(StageBuilding, 30, "building")
	lease.Release()

	record, ok := registry.Get("myapp")
	require.True(t, ok)
	assert.Equal(t, StageError, record.Stage)
}

func TestRegistry_WatchReceivesUpdates(t *testing.T) {
	registry := NewRegistry()

	lease, err := registry.Acquire("myapp")
	require.NoError(t, err)

	ch, cancel := registry.Watch("myapp")
	defer cancel()

	lease.Update(StageBuilding, 25, "building image")

	select {
	case record := <-ch:
		assert.Equal(t, StageBuilding, record.Stage)
		assert.Equal(t, 25, record.Progress)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestRegistry_All(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Acquire("a")
	require.NoError(t, err)
	_, err = registry.Acquire("b")
	require.NoError(t, err)

	assert.Len(t, registry.All(), 2)
}
