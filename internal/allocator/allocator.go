package allocator

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"minicluster/internal/config"
	"minicluster/internal/logger"
)

var (
	// ErrPortUnavailable はポートが確保できない場合のエラー
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrDirectoryCreationFailed はディレクトリが作成できない場合のエラー
	ErrDirectoryCreationFailed = errors.New("directory creation failed")
	// ErrRootInUse はルートディレクトリが既に使われている場合のエラー
	ErrRootInUse = errors.New("root directory already in use")
)

const (
	// SiteConfigFile は全プロセスが読む共有設定ファイル名
	SiteConfigFile = "site.properties"
	// CoordinationConfigFile はコーディネーションサービスの設定ファイル名
	CoordinationConfigFile = "zoo.cfg"

	defaultMaxProbeAttempts = 32
)

// PortProber は空きポートを1つ返す
type PortProber func() (int, error)

// ProbeFreePort はOSにエフェメラルポートを割り当てさせ、その番号を返す
func ProbeFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// CheckBindable は指定ポートがバインド可能かを確認する
func CheckBindable(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrPortUnavailable, port, err)
	}
	return l.Close()
}

// Allocator は構成から実行計画を導出する
type Allocator struct {
	probe       PortProber
	maxAttempts int
}

// New はデフォルトのポート探索を使うAllocatorを作成する
func New() *Allocator {
	return NewWithProber(ProbeFreePort)
}

// NewWithProber はポート探索関数を指定してAllocatorを作成する
func NewWithProber(probe PortProber) *Allocator {
	return &Allocator{
		probe:       probe,
		maxAttempts: defaultMaxProbeAttempts,
	}
}

// Resolve はデフォルトのAllocatorで計画を作成する
func Resolve(cfg *config.Config) (*Plan, error) {
	return New().Resolve(cfg)
}

// Resolve はポート、メモリ、ディレクトリ、環境変数を決定し、ディレクトリを作成する
//
// 失敗した場合は作成したものを全て削除し、部分的な計画は返さない。
func (a *Allocator) Resolve(cfg *config.Config) (*Plan, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfiguration)
	}

	plan := &Plan{
		InstanceID:   uuid.NewString(),
		InstanceName: cfg.InstanceName(),
		Root:         cfg.Dir(),
	}
	plan.SiteConfigPath = filepath.Join(plan.Root, SiteConfigFile)

	if err := a.assignPorts(cfg, plan); err != nil {
		return nil, err
	}
	if err := a.buildProcesses(cfg, plan); err != nil {
		return nil, err
	}
	if err := a.materialize(cfg, plan); err != nil {
		plan.discard()
		return nil, err
	}

	logger.Info("", "Resolved plan for instance %s (%d processes, coordination %s)",
		plan.InstanceName, len(plan.Processes), plan.Coordination)
	return plan, nil
}

// portSet はプラン内で使用済みのポートを管理する
type portSet struct {
	used  map[int]bool
	probe PortProber
	max   int
}

func (s *portSet) reserve(port int) error {
	if s.used[port] {
		return fmt.Errorf("%w: port %d assigned twice", ErrPortUnavailable, port)
	}
	s.used[port] = true
	return nil
}

// next は未使用のポートを探索する（衝突時は再探索）
func (s *portSet) next() (int, error) {
	var lastErr error
	for range s.max {
		port, err := s.probe()
		if err != nil {
			lastErr = err
			continue
		}
		if port <= 0 || s.used[port] {
			continue
		}
		s.used[port] = true
		return port, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: no free port after %d attempts: %v", ErrPortUnavailable, s.max, lastErr)
	}
	return 0, fmt.Errorf("%w: no distinct free port after %d attempts", ErrPortUnavailable, s.max)
}

func (a *Allocator) assignPorts(cfg *config.Config, plan *Plan) error {
	ports := &portSet{used: make(map[int]bool), probe: a.probe, max: a.maxAttempts}

	// 明示的なポートを先に予約する
	if cfg.UsesExistingCoordination() {
		plan.Coordination = cfg.ExistingCoordination()
	} else {
		port := cfg.CoordinationPort()
		if port != 0 {
			if err := ports.reserve(port); err != nil {
				return err
			}
		} else {
			p, err := ports.next()
			if err != nil {
				return err
			}
			port = p
		}
		plan.CoordinationPort = port
		plan.Coordination = "localhost:" + strconv.Itoa(port)
	}

	for _, role := range config.ServerTypes {
		count := cfg.ServerCount(role)
		for i := range count {
			pp := ProcessPlan{
				Role:   role,
				Index:  i,
				Name:   ProcessName(role, i),
				Memory: cfg.MemoryFor(role),
			}
			if role == config.ServerCoordination {
				pp.Port = plan.CoordinationPort
			} else {
				p, err := ports.next()
				if err != nil {
					return err
				}
				pp.Port = p
			}
			if cfg.IsDebugEnabled() {
				p, err := ports.next()
				if err != nil {
					return err
				}
				pp.DebugPort = p
			}
			plan.Processes = append(plan.Processes, pp)
		}
	}
	return nil
}

// ProcessName は役割とインデックスからプロセス名を決定する
func ProcessName(role config.ServerType, index int) string {
	return fmt.Sprintf("%s-%d", role, index)
}

// templateData は引数テンプレートに渡す値
type templateData struct {
	Role         string
	Name         string
	Index        int
	Port         int
	DebugPort    int
	Dir          string
	Memory       string
	MemoryBytes  int64
	Coordination string
	Instance     string
	InstanceID   string
	SiteConfig   string
}

func (a *Allocator) buildProcesses(cfg *config.Config, plan *Plan) error {
	for i := range plan.Processes {
		pp := &plan.Processes[i]
		pp.Dir = filepath.Join(plan.Root, pp.Name)

		cmd, ok := cfg.Command(pp.Role)
		if !ok {
			return fmt.Errorf("%w: no command configured for %s", config.ErrInvalidConfiguration, pp.Role)
		}

		data := templateData{
			Role:         string(pp.Role),
			Name:         pp.Name,
			Index:        pp.Index,
			Port:         pp.Port,
			DebugPort:    pp.DebugPort,
			Dir:          pp.Dir,
			Memory:       pp.Memory.String(),
			MemoryBytes:  pp.Memory.Bytes(),
			Coordination: plan.Coordination,
			Instance:     plan.InstanceName,
			InstanceID:   plan.InstanceID,
			SiteConfig:   plan.SiteConfigPath,
		}

		args, err := renderArgs(pp.Name, cmd.Args, data)
		if err != nil {
			return err
		}
		if cfg.IsDebugEnabled() {
			debugArgs, err := renderArgs(pp.Name+"-debug", cfg.DebugArgs(), data)
			if err != nil {
				return err
			}
			args = append(debugArgs, args...)
		}

		pp.Path = cmd.Path
		pp.Args = args
		pp.Env = buildEnv(cfg, plan, pp)
	}
	return nil
}

func renderArgs(name string, args []string, data templateData) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if !strings.Contains(arg, "{{") {
			out = append(out, arg)
			continue
		}
		tmpl, err := template.New(fmt.Sprintf("%s-%d", name, i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %q: %v", config.ErrInvalidConfiguration, arg, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("%w: argument %q: %v", config.ErrInvalidConfiguration, arg, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// NativeLibraryVar はプラットフォームごとのネイティブライブラリ探索パスの環境変数名
func NativeLibraryVar() string {
	switch runtime.GOOS {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// JoinPaths はパスをプラットフォームの区切り文字で連結する
func JoinPaths(paths []string) string {
	return strings.Join(paths, string(os.PathListSeparator))
}

func buildEnv(cfg *config.Config, plan *Plan, pp *ProcessPlan) []string {
	env := map[string]string{
		"MINICLUSTER_ROLE":         string(pp.Role),
		"MINICLUSTER_INDEX":        strconv.Itoa(pp.Index),
		"MINICLUSTER_NAME":         pp.Name,
		"MINICLUSTER_DIR":          pp.Dir,
		"MINICLUSTER_PORT":         strconv.Itoa(pp.Port),
		"MINICLUSTER_COORDINATION": plan.Coordination,
		"MINICLUSTER_INSTANCE":     plan.InstanceName,
		"MINICLUSTER_INSTANCE_ID":  plan.InstanceID,
		"MINICLUSTER_MEMORY":       pp.Memory.String(),
		"MINICLUSTER_MEMORY_BYTES": strconv.FormatInt(pp.Memory.Bytes(), 10),
		"MINICLUSTER_SITE_CONFIG":  plan.SiteConfigPath,
	}
	if pp.Role == config.ServerManager {
		env["MINICLUSTER_ROOT_CREDENTIAL"] = cfg.RootCredential()
	}
	if pp.DebugPort != 0 {
		env["MINICLUSTER_DEBUG_PORT"] = strconv.Itoa(pp.DebugPort)
	}
	if cp := cfg.Classpath(); len(cp) > 0 {
		env["CLASSPATH"] = JoinPaths(cp)
	}
	if libs := cfg.NativeLibPaths(); len(libs) > 0 {
		key := NativeLibraryVar()
		value := JoinPaths(libs)
		// 既存の探索パスは後ろに残す
		if existing := os.Getenv(key); existing != "" {
			value = value + string(os.PathListSeparator) + existing
		}
		env[key] = value
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
