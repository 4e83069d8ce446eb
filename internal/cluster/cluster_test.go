package cluster

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minicluster/internal/allocator"
	"minicluster/internal/config"
	"minicluster/internal/coord"
	"minicluster/internal/coord/coordtest"
	"minicluster/internal/events"
	"minicluster/internal/metrics"
	"minicluster/internal/process"
	"minicluster/internal/process/processtest"
)

func TestMain(m *testing.M) {
	processtest.MaybeRun()
	os.Exit(m.Run())
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process signals are unix-only")
	}
}

// helperBuilder は全ての役割で補助プロセスを起動する構成を作る
func helperBuilder(t *testing.T, storageServers int) *config.Builder {
	t.Helper()
	exe := processtest.Path()
	listen := processtest.Args(processtest.ModeListen)
	return config.NewBuilder(filepath.Join(t.TempDir(), "cluster"), "secret").
		SetNumStorageServers(storageServers).
		SetCommand(config.ServerCoordination, exe, listen...).
		SetCommand(config.ServerManager, exe, listen...).
		SetCommand(config.ServerStorage, exe, listen...).
		SetCoordinationStartupTimeout(10 * time.Second).
		SetServerStartupTimeout(10 * time.Second).
		SetShutdownGrace(5 * time.Second)
}

func build(t *testing.T, b *config.Builder) *config.Config {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	return cfg
}

func subdirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func handleNames(sup *process.Supervisor) []string {
	var out []string
	for _, h := range sup.Handles() {
		out = append(out, h.ID())
	}
	return out
}

func TestStartStopFiveProcesses(t *testing.T) {
	skipOnWindows(t)

	cfg := build(t, helperBuilder(t, 3))
	c, err := Launch(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, StateRunning, c.State())
	procs := c.Processes()
	require.Len(t, procs, 5)
	for _, p := range procs {
		assert.Equal(t, process.StateRunning, p.State, p.Name)
	}
	assert.Equal(t, 5, c.RunningCount())
	assert.Len(t, subdirs(t, cfg.Dir()), 5)
	assert.Equal(t, int64(128*1024*1024), c.Memory(config.ServerStorage))
	assert.Positive(t, c.CoordinationPort())
	assert.True(t, strings.HasPrefix(c.ConnectString(), "localhost:"))
	assert.FileExists(t, filepath.Join(cfg.Dir(), allocator.SiteConfigFile))

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, c.RunningCount())
	for _, h := range c.Supervisor().Handles() {
		assert.Equal(t, process.StateStopped, h.State(), h.ID())
	}

	// 2回目は何もしない
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}

func TestStartupOrderAndEvents(t *testing.T) {
	skipOnWindows(t)

	bus := events.NewBus()
	ch := bus.Subscribe()
	c, err := Launch(context.Background(), build(t, helperBuilder(t, 2)), WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	var clusterStates []string
	running := map[string]time.Time{}
	launching := map[string]time.Time{}
drain:
	for {
		select {
		case e := <-ch:
			switch e.Type {
			case events.EventClusterState:
				clusterStates = append(clusterStates, e.Data.State)
			case events.EventProcessRunning:
				running[e.ProcessID] = e.Timestamp
			case events.EventProcessLaunching:
				launching[e.ProcessID] = e.Timestamp
			}
		default:
			break drain
		}
	}

	assert.Equal(t, []string{"configured", "starting", "running", "stopping", "stopped"}, clusterStates)

	coordReady := running["coordination-0"]
	require.False(t, coordReady.IsZero())
	for _, name := range []string{"manager-0", "storage-server-0", "storage-server-1"} {
		assert.False(t, launching[name].Before(coordReady), "%s launched before coordination was ready", name)
	}
	assert.False(t, launching["storage-server-0"].Before(running["manager-0"]))
}

func TestCoordinationReadinessTimeout(t *testing.T) {
	skipOnWindows(t)

	exe := processtest.Path()
	cfg := build(t, helperBuilder(t, 3).
		SetCommand(config.ServerCoordination, exe, processtest.Args(processtest.ModeListen, "-delay=30s")...).
		SetCoordinationStartupTimeout(time.Millisecond))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, process.ErrReadinessTimeout)
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), process.ErrReadinessTimeout)

	// 依存プロセスは起動されない
	assert.Equal(t, []string{"coordination-0"}, handleNames(c.Supervisor()))
	for _, dir := range subdirs(t, cfg.Dir()) {
		assert.False(t, strings.HasPrefix(dir, "storage-server"), "unexpected %s", dir)
		assert.NotEqual(t, "manager-0", dir)
	}

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}

func TestCoordinationSpawnFailure(t *testing.T) {
	cfg := build(t, helperBuilder(t, 2).
		SetCommand(config.ServerCoordination, filepath.Join(t.TempDir(), "no-such-binary")))

	c, err := Launch(context.Background(), cfg)
	require.ErrorIs(t, err, process.ErrLaunchFailed)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []string{"coordination-0"}, handleNames(c.Supervisor()))
}

func TestStorageFailureStopsManagerAndCoordination(t *testing.T) {
	skipOnWindows(t)

	exe := processtest.Path()
	cfg := build(t, helperBuilder(t, 2).
		SetCommand(config.ServerStorage, exe, processtest.Args(processtest.ModeExit, "-code=2")...))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, process.ErrLaunchFailed)
	assert.Equal(t, StateFailed, c.State())

	// Start が返る前に停止済み
	for _, h := range c.Supervisor().Handles() {
		assert.True(t, h.State().IsTerminal(), "%s is %s", h.ID(), h.State())
		switch h.Role() {
		case config.ServerCoordination, config.ServerManager:
			assert.Equal(t, process.StateStopped, h.State(), h.ID())
		}
	}

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}

func TestAllocationFailureIsRetryable(t *testing.T) {
	skipOnWindows(t)

	cfg := build(t, helperBuilder(t, 1))
	require.NoError(t, os.MkdirAll(cfg.Dir(), 0755))
	stale := filepath.Join(cfg.Dir(), "stale")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, allocator.ErrRootInUse)
	assert.Equal(t, StateConfigured, c.State())
	assert.ErrorIs(t, c.Err(), allocator.ErrRootInUse)
	assert.Empty(t, c.Supervisor().Handles())

	require.NoError(t, os.Remove(stale))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())
	assert.NoError(t, c.Err())
	require.NoError(t, c.Stop())
}

func TestInvalidTransitions(t *testing.T) {
	c := New()
	assert.Equal(t, StateUnconfigured, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrInvalidState)
	assert.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Configure(nil), config.ErrInvalidConfiguration)

	cfg := build(t, helperBuilder(t, 1))
	require.NoError(t, c.Configure(cfg))
	assert.NoError(t, c.Stop())
	assert.Equal(t, StateConfigured, c.State())
}

func TestStartAfterStopIsRejected(t *testing.T) {
	skipOnWindows(t)

	cfg := build(t, helperBuilder(t, 1))
	c, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, c.Stop())

	assert.ErrorIs(t, c.Start(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, c.Configure(cfg), ErrInvalidState)
}

func TestCrashMovesClusterToFailed(t *testing.T) {
	skipOnWindows(t)

	m := metrics.New()
	c, err := Launch(context.Background(), build(t, helperBuilder(t, 2)), WithMetrics(m))
	require.NoError(t, err)
	defer c.Stop()

	h, ok := c.Supervisor().Lookup("storage-server-1")
	require.True(t, ok)
	require.NoError(t, c.Supervisor().Signal(h, os.Kill))

	assert.Eventually(t, func() bool { return c.State() == StateFailed }, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, c.Err(), ErrProcessCrashed)
	assert.Contains(t, c.Err().Error(), "storage-server-1")
	assert.Equal(t, uint64(1), m.Snapshot().TotalCrashes)

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	for _, p := range c.Processes() {
		assert.True(t, p.State.IsTerminal(), p.Name)
	}
}

func TestKillProcessKeepsClusterRunning(t *testing.T) {
	skipOnWindows(t)

	c, err := Launch(context.Background(), build(t, helperBuilder(t, 2)))
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.KillProcess(config.ServerStorage, 0))
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 3, c.RunningCount())

	assert.ErrorIs(t, c.KillProcess(config.ServerStorage, 0), ErrNoSuchProcess)
	assert.ErrorIs(t, c.KillProcess(config.ServerStorage, 9), ErrNoSuchProcess)
}

func TestStopDuringStart(t *testing.T) {
	skipOnWindows(t)

	exe := processtest.Path()
	cfg := build(t, helperBuilder(t, 2).
		SetCommand(config.ServerManager, exe, processtest.Args(processtest.ModeListen, "-delay=30s")...).
		SetServerStartupTimeout(time.Minute))

	c := New()
	require.NoError(t, c.Configure(cfg))

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		_, ok := c.Supervisor().Lookup("manager-0")
		return ok
	}, 10*time.Second, 10*time.Millisecond)

	stopped := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(stopped), 20*time.Second)
	assert.Equal(t, StateStopped, c.State())

	err := <-startErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), err.Error())
	for _, h := range c.Supervisor().Handles() {
		assert.True(t, h.State().IsTerminal(), h.ID())
	}
}

func TestStartupTimeout(t *testing.T) {
	skipOnWindows(t)

	exe := processtest.Path()
	cfg := build(t, helperBuilder(t, 2).
		SetCommand(config.ServerStorage, exe, processtest.Args(processtest.ModeListen, "-delay=30s")...).
		SetStartupTimeout(time.Second))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, c.State())
	require.NoError(t, c.Stop())
}

func TestExistingCoordination(t *testing.T) {
	skipOnWindows(t)

	srv := coordtest.NewServer(t)
	exe := processtest.Path()
	listen := processtest.Args(processtest.ModeListen)
	cfg := build(t, config.NewBuilder(filepath.Join(t.TempDir(), "cluster"), "secret").
		SetExistingCoordination(srv.Addr()).
		SetNumStorageServers(1).
		SetCommand(config.ServerManager, exe, listen...).
		SetCommand(config.ServerStorage, exe, listen...))

	c, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Stop()

	assert.Equal(t, srv.Addr(), c.ConnectString())
	assert.Zero(t, c.CoordinationPort())
	assert.Equal(t, []string{"manager-0", "storage-server-0"}, handleNames(c.Supervisor()))
	assert.Positive(t, srv.Sessions())
	require.NoError(t, c.Stop())
}

func TestExistingCoordinationUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	exe := processtest.Path()
	listen := processtest.Args(processtest.ModeListen)
	cfg := build(t, config.NewBuilder(filepath.Join(t.TempDir(), "cluster"), "secret").
		SetExistingCoordination(addr).
		SetNumStorageServers(2).
		SetCommand(config.ServerManager, exe, listen...).
		SetCommand(config.ServerStorage, exe, listen...).
		SetCoordinationStartupTimeout(300 * time.Millisecond))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err = c.Start(context.Background())
	require.ErrorIs(t, err, process.ErrReadinessTimeout)
	assert.ErrorIs(t, err, coord.ErrNotReady)
	assert.Equal(t, StateFailed, c.State())

	// 依存プロセスは起動されず、ディレクトリも残らない
	assert.Empty(t, c.Supervisor().Handles())
	assert.Empty(t, subdirs(t, cfg.Dir()))

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}

func TestExplicitCoordinationPortInUse(t *testing.T) {
	skipOnWindows(t)

	// 他のプロセスが待ち受けているポート
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := l.Addr().(*net.TCPAddr).Port

	cfg := build(t, helperBuilder(t, 2).SetCoordinationPort(port))
	c := New()
	require.NoError(t, c.Configure(cfg))

	err = c.Start(context.Background())
	require.ErrorIs(t, err, allocator.ErrPortUnavailable)
	assert.Equal(t, StateFailed, c.State())
	for _, h := range c.Supervisor().Handles() {
		assert.Equal(t, config.ServerCoordination, h.Role(), "unexpected %s", h.ID())
	}
	for _, dir := range subdirs(t, cfg.Dir()) {
		assert.False(t, strings.HasPrefix(dir, "storage-server"), "unexpected %s", dir)
		assert.NotEqual(t, "manager-0", dir)
	}

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
}

func TestCoordinationExitDuringStartup(t *testing.T) {
	skipOnWindows(t)

	exe := processtest.Path()
	cfg := build(t, helperBuilder(t, 1).
		SetCommand(config.ServerCoordination, exe, processtest.Args(processtest.ModeListen, "-lifetime=200ms", "-code=4")...).
		SetCommand(config.ServerManager, exe, processtest.Args(processtest.ModeListen, "-delay=1s")...))

	c := New()
	require.NoError(t, c.Configure(cfg))

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrProcessCrashed)
	assert.Contains(t, err.Error(), "coordination-0")
	assert.Equal(t, StateFailed, c.State())

	for _, h := range c.Supervisor().Handles() {
		assert.True(t, h.State().IsTerminal(), "%s is %s", h.ID(), h.State())
		if h.Role() != config.ServerCoordination {
			assert.Equal(t, process.StateStopped, h.State(), h.ID())
		}
	}

	require.NoError(t, c.Stop())
}

func TestWithReadiness(t *testing.T) {
	skipOnWindows(t)

	var calls atomic.Int32
	probe := func(pp allocator.ProcessPlan, plan *allocator.Plan) process.Probe {
		assert.Equal(t, config.ServerStorage, pp.Role)
		assert.NotEmpty(t, plan.Coordination)
		return process.ProbeFunc(func(ctx context.Context) error {
			calls.Add(1)
			return process.LocalPortProbe(pp.Port).Check(ctx)
		})
	}

	c, err := Launch(context.Background(), build(t, helperBuilder(t, 2)),
		WithReadiness(config.ServerStorage, probe))
	require.NoError(t, err)
	defer c.Stop()

	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestAccessorsBeforeConfigure(t *testing.T) {
	c := New()
	assert.Nil(t, c.Config())
	assert.Empty(t, c.Dir())
	assert.False(t, c.IsDebugEnabled())
	assert.Equal(t, int64(128*1024*1024), c.Memory(config.ServerManager))
	assert.Zero(t, c.CoordinationPort())
	assert.Empty(t, c.ConnectString())
	assert.Nil(t, c.Plan())
	assert.Nil(t, c.Processes())
	assert.NotNil(t, c.EventBus())

	cfg := build(t, helperBuilder(t, 1).
		SetCoordinationPort(4444).
		SetInstanceName("it").
		SetDebugEnabled(true).
		SetMemory(config.ServerManager, 256, config.Megabyte))
	require.NoError(t, c.Configure(cfg))

	assert.Equal(t, cfg.Dir(), c.Dir())
	assert.True(t, c.IsDebugEnabled())
	assert.Equal(t, "it", c.InstanceName())
	assert.Equal(t, int64(256*1024*1024), c.Memory(config.ServerManager))
	assert.Equal(t, 4444, c.CoordinationPort())
	assert.Equal(t, "localhost:4444", c.ConnectString())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unconfigured", StateUnconfigured.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
