package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"minicluster/internal/allocator"
	"minicluster/internal/events"
	"minicluster/internal/logger"
	"minicluster/internal/metrics"
)

var (
	// ErrLaunchFailed は起動に失敗した、または準備完了前に終了した場合のエラー
	ErrLaunchFailed = errors.New("launch failed")
	// ErrReadinessTimeout は準備完了が期限内に観測されなかった場合のエラー
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrPortUnavailable は起動前のポート確認に失敗した場合のエラー
	ErrPortUnavailable = allocator.ErrPortUnavailable
	// ErrNotRunning はシグナル送信先のプロセスが存在しない場合のエラー
	ErrNotRunning = errors.New("process not running")
)

const (
	DefaultReadyTimeout  = 30 * time.Second
	DefaultProbeInterval = 100 * time.Millisecond
	DefaultStopGrace     = 10 * time.Second
)

// Supervisor はプロセスの起動、停止、終了監視を行う
type Supervisor struct {
	bus           *events.Bus
	metrics       *metrics.Metrics
	grace         time.Duration
	probeInterval time.Duration

	mu      sync.RWMutex
	handles []*Handle
}

// Option はSupervisorの設定
type Option func(*Supervisor)

// WithEventBus は状態遷移の通知先を設定する
func WithEventBus(bus *events.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithMetrics はメトリクスの記録先を設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithGracePeriod はSpecに指定がない場合の停止猶予を設定する
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithProbeInterval はSpecに指定がない場合の準備確認間隔を設定する
func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.probeInterval = d }
}

// NewSupervisor は新しいSupervisorを作成する
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		grace:         DefaultStopGrace,
		probeInterval: DefaultProbeInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventBus は通知先のイベントバスを返す
func (s *Supervisor) EventBus() *events.Bus {
	return s.bus
}

func (s *Supervisor) withDefaults(spec Spec) Spec {
	if spec.Ready == nil {
		spec.Ready = AlwaysReady
	}
	if spec.ReadyTimeout <= 0 {
		spec.ReadyTimeout = DefaultReadyTimeout
	}
	if spec.ProbeInterval <= 0 {
		spec.ProbeInterval = s.probeInterval
	}
	if spec.StopGrace <= 0 {
		spec.StopGrace = s.grace
	}
	return spec
}

func (s *Supervisor) publish(h *Handle, t events.EventType) {
	s.bus.Publish(events.NewProcessEvent(t, h.ID(), string(h.Role()), h.Pid()))
}

// Launch はプロセスを起動し、準備完了まで待つ
//
// 失敗時にOSプロセスが残ることはない。
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	spec = s.withDefaults(spec)
	role := string(spec.Role)

	if spec.BindCheck && spec.Port > 0 {
		if err := allocator.CheckBindable(spec.Port); err != nil {
			s.metrics.RecordLaunch(role, metrics.ResultFailed)
			return nil, fmt.Errorf("launch %s: %w", spec.Name, err)
		}
	}

	h := newHandle(spec)
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	h.mu.Lock()
	h.state = StateLaunching
	err := h.spawnLocked()
	if err != nil {
		h.state = StateCrashed
		h.exited = true
		h.exitCode = -1
		h.exitErr = err
		h.exitedAt = time.Now()
	}
	h.mu.Unlock()

	if err != nil {
		close(h.done)
		s.metrics.RecordLaunch(role, metrics.ResultFailed)
		s.bus.Publish(events.NewProcessExitEvent(events.EventProcessCrashed, spec.Name, role, 0, -1, err))
		logger.Error(spec.Name, "Failed to spawn %s: %v", spec.Path, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, spec.Name, err)
	}

	logger.Info(spec.Name, "Launched %s (pid %d, port %d)", spec.Path, h.Pid(), spec.Port)
	s.publish(h, events.EventProcessLaunching)

	go s.monitor(h)

	if err := s.awaitReady(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// monitor はプロセスの終了を待ち、終了状態を確定させる
func (s *Supervisor) monitor(h *Handle) {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	s.finish(h, code, err)
}

// finish は終了状態を1度だけ確定させ、後始末を行う
//
// 停止要求があれば Stopped、なければ Crashed になる。
func (s *Supervisor) finish(h *Handle, code int, waitErr error) {
	h.mu.Lock()
	final := StateCrashed
	if h.stopRequested {
		final = StateStopped
	}
	wasReady := h.ready
	h.state = final
	h.exited = true
	h.exitCode = code
	h.exitErr = waitErr
	h.exitedAt = time.Now()
	h.closeLogsLocked()
	pid := h.proc.Pid
	h.mu.Unlock()

	role := string(h.Role())
	if wasReady {
		s.metrics.AddRunning(role, -1)
	}

	eventType := events.EventProcessStopped
	if final == StateCrashed {
		eventType = events.EventProcessCrashed
		if wasReady {
			s.metrics.RecordCrash(role)
			logger.Warn(h.ID(), "Process exited unexpectedly (code %d): %v", code, waitErr)
		}
	} else {
		logger.Info(h.ID(), "Process stopped (code %d)", code)
	}
	s.bus.Publish(events.NewProcessExitEvent(eventType, h.ID(), role, pid, code, waitErr))

	close(h.done)
}

func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) error {
	spec := h.spec
	role := string(spec.Role)

	readyCtx, cancel := context.WithTimeout(ctx, spec.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(spec.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return s.exitedBeforeReady(h)
		default:
		}

		if err := spec.Ready.Check(readyCtx); err == nil {
			if s.markRunning(h) {
				return nil
			}
			<-h.done
			return s.exitedBeforeReady(h)
		}

		select {
		case <-h.done:
			return s.exitedBeforeReady(h)
		case <-readyCtx.Done():
			s.abort(h)
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.metrics.RecordLaunch(role, metrics.ResultFailed)
				return fmt.Errorf("launch %s: %w", spec.Name, ctxErr)
			}
			s.metrics.RecordLaunch(role, metrics.ResultTimeout)
			logger.Error(spec.Name, "Not ready within %v", spec.ReadyTimeout)
			return fmt.Errorf("%w: %s not ready within %v", ErrReadinessTimeout, spec.Name, spec.ReadyTimeout)
		case <-ticker.C:
		}
	}
}

// markRunning は Launching から Running へ遷移させる
func (s *Supervisor) markRunning(h *Handle) bool {
	h.mu.Lock()
	if h.state != StateLaunching {
		h.mu.Unlock()
		return false
	}
	h.state = StateRunning
	h.ready = true
	started := h.startedAt
	h.mu.Unlock()

	role := string(h.Role())
	s.metrics.RecordLaunch(role, metrics.ResultSuccess)
	s.metrics.AddRunning(role, 1)
	s.publish(h, events.EventProcessRunning)
	logger.Elapsed(h.ID(), started, "Process ready")
	return true
}

func (s *Supervisor) exitedBeforeReady(h *Handle) error {
	s.metrics.RecordLaunch(string(h.Role()), metrics.ResultFailed)
	code, _ := h.ExitCode()
	if h.StopRequested() {
		return fmt.Errorf("%w: %s stopped before becoming ready", ErrLaunchFailed, h.ID())
	}
	logger.Error(h.ID(), "Exited with code %d before becoming ready", code)
	return fmt.Errorf("%w: %s exited with code %d before becoming ready", ErrLaunchFailed, h.ID(), code)
}

// abort は準備完了前のプロセスを強制終了し、終了を待つ
func (s *Supervisor) abort(h *Handle) {
	h.mu.RLock()
	proc := h.proc
	h.mu.RUnlock()

	if err := kill(proc); err != nil {
		logger.Warn(h.ID(), "Failed to kill: %v", err)
	}
	<-h.done
}

// Stop はプロセスを停止する
//
// graceful の場合は終了シグナルを送って猶予時間だけ待ち、その後強制終了する。
// 既に終了しているプロセスに対しては何もしない。
func (s *Supervisor) Stop(h *Handle, graceful bool) error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	if h.state.IsTerminal() || h.proc == nil {
		h.mu.Unlock()
		return nil
	}
	first := !h.stopRequested
	h.stopRequested = true
	h.state = StateStopping
	proc := h.proc
	grace := h.spec.StopGrace
	h.mu.Unlock()

	if first {
		s.publish(h, events.EventProcessStopping)
		logger.Info(h.ID(), "Stopping (graceful: %v)", graceful)
	}

	if graceful {
		if err := terminate(proc); err != nil {
			logger.Warn(h.ID(), "Failed to send termination signal: %v", err)
		}
		// 一時停止中でも終了シグナルを処理できるようにする
		_ = resume(proc)

		timer := time.NewTimer(grace)
		select {
		case <-h.done:
			timer.Stop()
			return nil
		case <-timer.C:
			logger.Warn(h.ID(), "Still running after %v, killing", grace)
		}
	}

	if err := kill(proc); err != nil {
		return fmt.Errorf("kill %s: %w", h.ID(), err)
	}
	<-h.done
	return nil
}

// PollStatus は最後に観測した状態を返す（ブロックしない）
func (s *Supervisor) PollStatus(h *Handle) State {
	return h.State()
}

// Signal はプロセスにシグナルを送る
func (s *Supervisor) Signal(h *Handle, sig os.Signal) error {
	proc, err := liveProcess(h)
	if err != nil {
		return err
	}
	return sendSignal(proc, sig)
}

// Suspend はプロセスを一時停止する
func (s *Supervisor) Suspend(h *Handle) error {
	proc, err := liveProcess(h)
	if err != nil {
		return err
	}
	return suspend(proc)
}

// Resume は一時停止したプロセスを再開する
func (s *Supervisor) Resume(h *Handle) error {
	proc, err := liveProcess(h)
	if err != nil {
		return err
	}
	return resume(proc)
}

func liveProcess(h *Handle) (*os.Process, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.proc == nil || !h.state.IsAlive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, h.spec.Name, h.state)
	}
	return h.proc, nil
}

// Handles は起動を試みた全プロセスを起動順に返す
func (s *Supervisor) Handles() []*Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Lookup は名前で最新のハンドルを取得する
func (s *Supervisor) Lookup(name string) (*Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.handles) - 1; i >= 0; i-- {
		if s.handles[i].ID() == name {
			return s.handles[i], true
		}
	}
	return nil, false
}
