package allocator

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minicluster/internal/config"
)

func testBuilder(dir string) *config.Builder {
	return config.NewBuilder(dir, "secret").
		SetCommand(config.ServerCoordination, "/bin/coord", "{{.Dir}}/zoo.cfg").
		SetCommand(config.ServerManager, "/bin/manager", "--port={{.Port}}", "-Xmx{{.Memory}}").
		SetCommand(config.ServerStorage, "/bin/server", "--port={{.Port}}", "--zk={{.Coordination}}")
}

func build(t *testing.T, b *config.Builder) *config.Config {
	t.Helper()
	cfg, err := b.Build()
	require.NoError(t, err)
	return cfg
}

// sequenceProber は決められた順にポートを返す
func sequenceProber(ports ...int) PortProber {
	i := 0
	return func() (int, error) {
		p := ports[i%len(ports)]
		i++
		return p, nil
	}
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func countDirs(t *testing.T, root string) int {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	dirs := 0
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
	}
	return dirs
}

func TestResolveDefaultLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cluster")
	cfg := build(t, testBuilder(root).SetNumStorageServers(3))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	require.Len(t, plan.Processes, 5)
	assert.Equal(t, config.ServerCoordination, plan.Processes[0].Role)
	assert.Equal(t, config.ServerManager, plan.Processes[1].Role)
	assert.Len(t, plan.ByRole(config.ServerStorage), 3)
	assert.NotEmpty(t, plan.InstanceID)
	assert.Equal(t, config.DefaultInstanceName, plan.InstanceName)
	assert.Equal(t, 5, countDirs(t, root))

	seen := make(map[int]string)
	for _, pp := range plan.Processes {
		assert.DirExists(t, pp.Dir)
		assert.Equal(t, filepath.Join(root, pp.Name), pp.Dir)
		assert.Positive(t, pp.Port)
		if other, dup := seen[pp.Port]; dup {
			t.Errorf("port %d assigned to both %s and %s", pp.Port, other, pp.Name)
		}
		seen[pp.Port] = pp.Name
		assert.Equal(t, int64(128<<20), pp.Memory.Bytes())
	}

	assert.Equal(t, "localhost:"+strconv.Itoa(plan.CoordinationPort), plan.Coordination)
	assert.Len(t, plan.Ports(), 5)
}

func TestResolveRendersArgsAndEnv(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root).
		SetNumStorageServers(1).
		SetMemory(config.ServerManager, 1, config.Gigabyte).
		SetClasspath("a.jar", "b.jar").
		SetNativeLibPaths("/native"))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	mgr, ok := plan.Process(config.ServerManager, 0)
	require.True(t, ok)
	assert.Equal(t, "/bin/manager", mgr.Path)
	assert.Equal(t, []string{"--port=" + strconv.Itoa(mgr.Port), "-Xmx1G"}, mgr.Args)

	env := envMap(mgr.Env)
	assert.Equal(t, "manager", env["MINICLUSTER_ROLE"])
	assert.Equal(t, "0", env["MINICLUSTER_INDEX"])
	assert.Equal(t, mgr.Dir, env["MINICLUSTER_DIR"])
	assert.Equal(t, strconv.Itoa(mgr.Port), env["MINICLUSTER_PORT"])
	assert.Equal(t, plan.Coordination, env["MINICLUSTER_COORDINATION"])
	assert.Equal(t, "1G", env["MINICLUSTER_MEMORY"])
	assert.Equal(t, strconv.Itoa(1<<30), env["MINICLUSTER_MEMORY_BYTES"])
	assert.Equal(t, "secret", env["MINICLUSTER_ROOT_CREDENTIAL"])
	assert.Equal(t, "a.jar"+string(os.PathListSeparator)+"b.jar", env["CLASSPATH"])
	assert.True(t, strings.HasPrefix(env[NativeLibraryVar()], "/native"))

	srv, ok := plan.Process(config.ServerStorage, 0)
	require.True(t, ok)
	assert.Equal(t, "--zk="+plan.Coordination, srv.Args[1])
	assert.NotContains(t, envMap(srv.Env), "MINICLUSTER_ROOT_CREDENTIAL")

	coord, ok := plan.Process(config.ServerCoordination, 0)
	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join(coord.Dir, "zoo.cfg")}, coord.Args)
}

func TestResolveWritesConfigFiles(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root).
		SetInstanceName("it").
		SetSiteConfig(map[string]string{"table.durability": "none", "instance.name": "ignored"}))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	site, err := os.ReadFile(filepath.Join(root, SiteConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(site), "table.durability=none\n")
	assert.Contains(t, string(site), "instance.name=it\n")
	assert.Contains(t, string(site), "instance.coordination="+plan.Coordination+"\n")
	assert.Contains(t, string(site), "instance.id="+plan.InstanceID+"\n")

	coord, _ := plan.Process(config.ServerCoordination, 0)
	zoo, err := os.ReadFile(filepath.Join(coord.Dir, CoordinationConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(zoo), "clientPort="+strconv.Itoa(coord.Port)+"\n")
	assert.Contains(t, string(zoo), "dataDir="+filepath.Join(coord.Dir, "data")+"\n")
	assert.DirExists(t, filepath.Join(coord.Dir, "data"))
}

func TestFormatPropertiesSorted(t *testing.T) {
	out := FormatProperties(map[string]string{"b": "2", "a": "1", "c": "x\ny"})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "a=1", lines[1])
	assert.Equal(t, "b=2", lines[2])
	assert.Equal(t, `c=x\ny`, lines[3])
}

func TestResolveExplicitPortIsReservedFirst(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root).SetCoordinationPort(4000).SetNumStorageServers(2))

	// 探索結果が明示ポートや既出ポートと衝突しても再探索される
	a := NewWithProber(sequenceProber(4000, 4001, 4001, 4000, 4002, 4003))
	plan, err := a.Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, 4000, plan.CoordinationPort)
	ports := []int{}
	for _, pp := range plan.Processes {
		ports = append(ports, pp.Port)
	}
	assert.Equal(t, []int{4000, 4001, 4002, 4003}, ports)
}

func TestResolveIdenticalExplicitPortsNeverCollide(t *testing.T) {
	for range 2 {
		root := t.TempDir()
		cfg := build(t, testBuilder(root).SetCoordinationPort(5000).SetNumStorageServers(3))
		plan, err := NewWithProber(sequenceProber(5000, 5001, 5002, 5003, 5004)).Resolve(cfg)
		require.NoError(t, err)

		seen := map[int]bool{}
		for _, pp := range plan.Processes {
			assert.False(t, seen[pp.Port], "duplicate port %d", pp.Port)
			seen[pp.Port] = true
		}
	}
}

func TestResolvePortExhaustion(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cluster")
	cfg := build(t, testBuilder(root))

	_, err := NewWithProber(sequenceProber(6000)).Resolve(cfg)
	require.ErrorIs(t, err, ErrPortUnavailable)
	assert.NoDirExists(t, root)
}

func TestResolveProberError(t *testing.T) {
	cfg := build(t, testBuilder(t.TempDir()))
	failing := func() (int, error) { return 0, errors.New("no sockets") }

	_, err := NewWithProber(failing).Resolve(cfg)
	assert.ErrorIs(t, err, ErrPortUnavailable)
}

func TestResolveRootInUse(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing"), []byte("x"), 0644))
	cfg := build(t, testBuilder(root))

	_, err := Resolve(cfg)
	require.ErrorIs(t, err, ErrRootInUse)

	// 既存の内容には触れない
	assert.FileExists(t, filepath.Join(root, "existing"))
	assert.Equal(t, 0, countDirs(t, root))
}

func TestResolveRootIsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0644))
	cfg := build(t, testBuilder(root))

	_, err := Resolve(cfg)
	assert.ErrorIs(t, err, ErrDirectoryCreationFailed)
}

func TestResolveSecondPlanOnSameRootFails(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root))

	_, err := Resolve(cfg)
	require.NoError(t, err)

	_, err = Resolve(cfg)
	assert.ErrorIs(t, err, ErrRootInUse)
}

func TestResolveExistingCoordination(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, config.NewBuilder(root, "secret").
		SetExistingCoordination("zk1:2181").
		SetCoordinationPort(2181).
		SetCommand(config.ServerManager, "/bin/manager").
		SetCommand(config.ServerStorage, "/bin/server"))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, "zk1:2181", plan.Coordination)
	assert.Zero(t, plan.CoordinationPort)
	assert.Empty(t, plan.ByRole(config.ServerCoordination))
	assert.Len(t, plan.Processes, 3)
	assert.Equal(t, 3, countDirs(t, root))
	for _, pp := range plan.Processes {
		assert.NotEqual(t, 2181, pp.Port)
	}
}

func TestResolveDebugPorts(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root).SetDebugEnabled(true).SetNumStorageServers(1))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, pp := range plan.Processes {
		require.Positive(t, pp.DebugPort)
		assert.False(t, seen[pp.Port])
		assert.False(t, seen[pp.DebugPort])
		seen[pp.Port] = true
		seen[pp.DebugPort] = true

		assert.Contains(t, pp.Args[0], "address=127.0.0.1:"+strconv.Itoa(pp.DebugPort))
		assert.Equal(t, strconv.Itoa(pp.DebugPort), envMap(pp.Env)["MINICLUSTER_DEBUG_PORT"])
	}
}

func TestResolveBadTemplate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cluster")
	cfg := build(t, testBuilder(root).SetCommand(config.ServerManager, "/bin/manager", "{{.Nope}}"))

	_, err := Resolve(cfg)
	require.ErrorIs(t, err, config.ErrInvalidConfiguration)
	assert.NoDirExists(t, root)
}

func TestPlanRelease(t *testing.T) {
	root := t.TempDir()
	cfg := build(t, testBuilder(root).SetNumStorageServers(2))

	plan, err := Resolve(cfg)
	require.NoError(t, err)

	require.NoError(t, plan.Release("storage-server-0", "storage-server-1"))
	assert.NoDirExists(t, filepath.Join(root, "storage-server-0"))
	assert.NoDirExists(t, filepath.Join(root, "storage-server-1"))
	assert.DirExists(t, filepath.Join(root, "manager-0"))

	// 二度目は何もしない
	assert.NoError(t, plan.Release("storage-server-0"))
}

func TestPlanDiscardRemovesCreatedRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cluster")
	cfg := build(t, testBuilder(root))

	plan, err := Resolve(cfg)
	require.NoError(t, err)
	require.DirExists(t, root)

	plan.discard()
	assert.NoDirExists(t, root)
}

func TestProbeFreePortAndCheckBindable(t *testing.T) {
	port, err := ProbeFreePort()
	require.NoError(t, err)
	assert.Positive(t, port)
	assert.NoError(t, CheckBindable(port))
}
