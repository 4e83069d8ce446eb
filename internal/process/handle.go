package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"minicluster/internal/allocator"
	"minicluster/internal/config"
)

const (
	StdoutLog = "stdout.log"
	StderrLog = "stderr.log"
)

// Spec は1プロセスの起動パラメータ
type Spec struct {
	Name      string
	Role      config.ServerType
	Index     int
	Path      string
	Args      []string
	Env       []string
	Dir       string
	Port      int
	DebugPort int

	// Ready が nil の場合は起動直後に準備完了とみなす
	Ready         Probe
	ReadyTimeout  time.Duration
	ProbeInterval time.Duration
	StopGrace     time.Duration
	// BindCheck が true の場合、起動前にPortがバインド可能か確認する
	BindCheck bool
}

// SpecFromPlan は実行計画からSpecを作成する
func SpecFromPlan(pp allocator.ProcessPlan) Spec {
	return Spec{
		Name:      pp.Name,
		Role:      pp.Role,
		Index:     pp.Index,
		Path:      pp.Path,
		Args:      append([]string(nil), pp.Args...),
		Env:       append([]string(nil), pp.Env...),
		Dir:       pp.Dir,
		Port:      pp.Port,
		DebugPort: pp.DebugPort,
	}
}

// Handle は起動したプロセスを表す
type Handle struct {
	spec Spec
	done chan struct{}

	mu            sync.RWMutex
	state         State
	cmd           *exec.Cmd
	proc          *os.Process
	stopRequested bool
	ready         bool
	exitCode      int
	exited        bool
	exitErr       error
	startedAt     time.Time
	exitedAt      time.Time
	logs          []*os.File
}

func newHandle(spec Spec) *Handle {
	return &Handle{
		spec:  spec,
		state: StatePlanned,
		done:  make(chan struct{}),
	}
}

// ID はプロセス名を返す
func (h *Handle) ID() string {
	return h.spec.Name
}

// Role はプロセスの役割を返す
func (h *Handle) Role() config.ServerType {
	return h.spec.Role
}

// Index は役割内のインデックスを返す
func (h *Handle) Index() int {
	return h.spec.Index
}

// Port はサービスポートを返す
func (h *Handle) Port() int {
	return h.spec.Port
}

// Dir はプロセスの作業ディレクトリを返す
func (h *Handle) Dir() string {
	return h.spec.Dir
}

// Pid はOSのプロセスIDを返す（未起動なら0）
func (h *Handle) Pid() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid
}

// State は最後に観測した状態を返す
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// ExitCode は終了コードを返す（終了していなければfalse）
func (h *Handle) ExitCode() (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode, h.exited
}

// Err は終了時のエラーを返す
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitErr
}

// StopRequested は停止要求済みかどうかを返す
func (h *Handle) StopRequested() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stopRequested
}

// Done はプロセス終了と後始末の完了時に閉じられる
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Info はプロセスのスナップショット
type Info struct {
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Index     int        `json:"index"`
	Pid       int        `json:"pid,omitempty"`
	Port      int        `json:"port"`
	DebugPort int        `json:"debug_port,omitempty"`
	Dir       string     `json:"dir"`
	State     State      `json:"state"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// Info は現在のスナップショットを返す
func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	info := Info{
		Name:      h.spec.Name,
		Role:      string(h.spec.Role),
		Index:     h.spec.Index,
		Port:      h.spec.Port,
		DebugPort: h.spec.DebugPort,
		Dir:       h.spec.Dir,
		State:     h.state,
		StartedAt: h.startedAt,
	}
	if h.proc != nil {
		info.Pid = h.proc.Pid
	}
	if h.exited {
		code := h.exitCode
		at := h.exitedAt
		info.ExitCode = &code
		info.ExitedAt = &at
	}
	return info
}

// spawnLocked はOSプロセスを起動する（h.mu を保持して呼ぶ）
func (h *Handle) spawnLocked() error {
	cmd := exec.Command(h.spec.Path, h.spec.Args...)
	cmd.Dir = h.spec.Dir
	// 後勝ちなので計画側の値が親の環境より優先される
	cmd.Env = append(os.Environ(), h.spec.Env...)
	cmd.SysProcAttr = sysProcAttr()

	if h.spec.Dir != "" {
		stdout, err := openLog(filepath.Join(h.spec.Dir, StdoutLog))
		if err != nil {
			return err
		}
		stderr, err := openLog(filepath.Join(h.spec.Dir, StderrLog))
		if err != nil {
			stdout.Close()
			return err
		}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		h.logs = []*os.File{stdout, stderr}
	}

	if err := cmd.Start(); err != nil {
		h.closeLogsLocked()
		return err
	}
	h.cmd = cmd
	h.proc = cmd.Process
	h.startedAt = time.Now()
	return nil
}

func (h *Handle) closeLogsLocked() {
	for _, f := range h.logs {
		_ = f.Close()
	}
	h.logs = nil
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
