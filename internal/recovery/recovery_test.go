package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minicluster/internal/events"
)

type crash struct {
	id     string
	reason string
}

func newWatcher(bus *events.Bus, cfg Config) (*Watcher, <-chan crash) {
	ch := make(chan crash, 10)
	cfg.OnCrash = func(id, reason string) { ch <- crash{id, reason} }
	return New(bus, cfg), ch
}

func waitCrash(t *testing.T, ch <-chan crash) crash {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for crash callback")
	}
	return crash{}
}

func assertNoCrash(t *testing.T, ch <-chan crash) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected crash callback for %s", c.id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.SweepInterval)
	assert.Nil(t, cfg.OnCrash)
}

func TestWatcherStartStop(t *testing.T) {
	bus := events.NewBus()
	w := New(bus, DefaultConfig())
	assert.False(t, w.IsRunning())

	w.Start(context.Background())
	w.Start(context.Background())
	assert.True(t, w.IsRunning())
	assert.Equal(t, 1, bus.SubscriberCount())

	w.Stop()
	w.Stop()
	assert.False(t, w.IsRunning())
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestWatcherReportsTrackedCrashOnce(t *testing.T) {
	bus := events.NewBus()
	w, ch := newWatcher(bus, Config{})
	w.Track("storage-server-0")
	w.Start(context.Background())
	defer w.Stop()

	crashed := events.NewProcessExitEvent(events.EventProcessCrashed, "storage-server-0", "storage-server", 10, 137, errors.New("signal: killed"))
	bus.Publish(events.NewProcessEvent(events.EventProcessRunning, "storage-server-0", "storage-server", 10))
	bus.Publish(crashed)
	bus.Publish(crashed)

	c := waitCrash(t, ch)
	assert.Equal(t, "storage-server-0", c.id)
	assert.Equal(t, "signal: killed", c.reason)
	assertNoCrash(t, ch)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.TotalCrashes)
	assert.Equal(t, uint64(1), stats.CrashesByRole["storage-server"])
	assert.Equal(t, uint64(3), stats.EventsSeen)

	state, ok := w.ProcessState("storage-server-0")
	require.True(t, ok)
	assert.Equal(t, events.EventProcessCrashed, state.LastEvent)
	require.NotNil(t, state.ExitCode)
	assert.Equal(t, 137, *state.ExitCode)
}

func TestWatcherIgnoresUntrackedAndStopped(t *testing.T) {
	bus := events.NewBus()
	w, ch := newWatcher(bus, Config{})
	w.Track("manager-0", "storage-server-0")
	w.Untrack("storage-server-0")
	w.Start(context.Background())
	defer w.Stop()

	bus.Publish(events.NewProcessExitEvent(events.EventProcessCrashed, "storage-server-0", "storage-server", 1, 1, nil))
	bus.Publish(events.NewProcessExitEvent(events.EventProcessStopped, "manager-0", "manager", 2, 0, nil))
	bus.Publish(events.NewClusterStateEvent("running", nil))

	assertNoCrash(t, ch)
	assert.Zero(t, w.Stats().TotalCrashes)
}

func TestWatcherSweepDetectsMissedCrash(t *testing.T) {
	w, ch := newWatcher(nil, Config{
		SweepInterval: 20 * time.Millisecond,
		Sweep:         func() []string { return []string{"storage-server-1", "unknown-0"} },
	})
	w.Track("storage-server-1")
	w.Start(context.Background())
	defer w.Stop()

	c := waitCrash(t, ch)
	assert.Equal(t, "storage-server-1", c.id)
	assertNoCrash(t, ch)

	stats := w.Stats()
	assert.Equal(t, uint64(1), stats.SweepDetections)
	assert.Equal(t, uint64(1), stats.TotalCrashes)

	w.ResetStats()
	assert.Zero(t, w.Stats().TotalCrashes)
}

func TestWatcherRetrackReportsAgain(t *testing.T) {
	bus := events.NewBus()
	w, ch := newWatcher(bus, Config{})
	w.Track("manager-0")
	w.Start(context.Background())
	defer w.Stop()

	crashed := events.NewProcessExitEvent(events.EventProcessCrashed, "manager-0", "manager", 1, 1, nil)
	bus.Publish(crashed)
	assert.Equal(t, "exited unexpectedly", waitCrash(t, ch).reason)

	w.Track("manager-0")
	bus.Publish(crashed)
	waitCrash(t, ch)
}
