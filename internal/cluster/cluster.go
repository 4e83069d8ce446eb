package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"minicluster/internal/allocator"
	"minicluster/internal/config"
	"minicluster/internal/coord"
	"minicluster/internal/events"
	"minicluster/internal/logger"
	"minicluster/internal/metrics"
	"minicluster/internal/process"
	"minicluster/internal/recovery"
)

var (
	// ErrInvalidState は現在の状態で許可されない操作のエラー
	ErrInvalidState = errors.New("invalid cluster state")
	// ErrProcessCrashed は稼働中のプロセスが予期せず終了した場合のエラー
	ErrProcessCrashed = errors.New("process crashed")
	// ErrNoSuchProcess は指定したプロセスが存在しない場合のエラー
	ErrNoSuchProcess = errors.New("no such process")
)

// ReadinessFunc はプロセスごとの準備完了判定を作成する
type ReadinessFunc func(pp allocator.ProcessPlan, plan *allocator.Plan) process.Probe

// Option はClusterの設定
type Option func(*Cluster)

// WithSupervisor はプロセスの起動に使うSupervisorを設定する
func WithSupervisor(sup *process.Supervisor) Option {
	return func(c *Cluster) { c.sup = sup }
}

// WithAllocator は実行計画の作成に使うAllocatorを設定する
func WithAllocator(a *allocator.Allocator) Option {
	return func(c *Cluster) { c.alloc = a }
}

// WithReadiness は役割ごとの準備完了判定を設定する
func WithReadiness(role config.ServerType, fn ReadinessFunc) Option {
	return func(c *Cluster) { c.readiness[role] = fn }
}

// WithMetrics はメトリクスの記録先を設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cluster) { c.metrics = m }
}

// WithEventBus はイベントの通知先を設定する
func WithEventBus(bus *events.Bus) Option {
	return func(c *Cluster) { c.bus = bus }
}

// WithCoordinationRuok はコーディネーションサービスの準備完了を ruok で判定する
func WithCoordinationRuok() Option {
	return func(c *Cluster) { c.ruok = true }
}

// WithSweepInterval はクラッシュの定期確認間隔を設定する
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cluster) { c.sweepInterval = d }
}

// Cluster はローカルクラスタの起動と停止を管理する
type Cluster struct {
	sup           *process.Supervisor
	alloc         *allocator.Allocator
	bus           *events.Bus
	metrics       *metrics.Metrics
	readiness     map[config.ServerType]ReadinessFunc
	ruok          bool
	sweepInterval time.Duration

	// stopMu はStopを直列化する
	stopMu sync.Mutex

	mu          sync.RWMutex
	state       State
	cfg         *config.Config
	plan        *allocator.Plan
	handles     map[string]*process.Handle
	attempted   map[string]bool
	err         error
	cancelStart context.CancelFunc
	startDone   chan struct{}
	watcher     *recovery.Watcher
}

// New は新しいクラスタを作成する
func New(opts ...Option) *Cluster {
	c := &Cluster{
		readiness:     make(map[config.ServerType]ReadinessFunc),
		sweepInterval: recovery.DefaultConfig().SweepInterval,
		state:         StateUnconfigured,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.bus == nil && c.sup != nil {
		c.bus = c.sup.EventBus()
	}
	if c.bus == nil {
		c.bus = events.NewBus()
	}
	if c.sup == nil {
		c.sup = process.NewSupervisor(process.WithEventBus(c.bus), process.WithMetrics(c.metrics))
	}
	if c.alloc == nil {
		c.alloc = allocator.New()
	}
	c.metrics.SetClusterState(int(c.state))
	return c
}

// Launch は構成からクラスタを作成して起動する
//
// 起動に失敗した場合は停止済みのクラスタとエラーを返す。
func Launch(ctx context.Context, cfg *config.Config, opts ...Option) (*Cluster, error) {
	c := New(opts...)
	if err := c.Configure(cfg); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return c, multierr.Append(err, c.Stop())
	}
	return c, nil
}

// setStateLocked は状態を更新する（c.mu を保持して呼ぶ）
func (c *Cluster) setStateLocked(state State, err error) {
	prev := c.state
	c.state = state
	if err != nil {
		c.err = err
	}
	c.metrics.SetClusterState(int(state))
	c.bus.Publish(events.NewClusterStateEvent(state.String(), err))
	logger.Info("", "Cluster %s -> %s", prev, state)
}

// Configure は構成を設定する
func (c *Cluster) Configure(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", config.ErrInvalidConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnconfigured && c.state != StateConfigured {
		return fmt.Errorf("%w: cannot configure a %s cluster", ErrInvalidState, c.state)
	}
	c.cfg = cfg
	c.setStateLocked(StateConfigured, nil)
	return nil
}

// Start はコーディネーションサービス、マネージャー、ストレージサーバーの順に起動する
//
// 割り当てに失敗した場合は Configured に戻り、再度 Start できる。
// プロセスの起動に失敗した場合は起動済みのプロセスを逆順に停止して Failed になる。
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConfigured {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start a %s cluster", ErrInvalidState, state)
	}
	cfg := c.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout())
	done := make(chan struct{})
	c.cancelStart = cancel
	c.startDone = done
	c.err = nil
	c.setStateLocked(StateStarting, nil)
	c.mu.Unlock()

	defer close(done)
	defer cancel()

	startedAt := time.Now()
	logger.Info("", "Starting cluster in %s (%d processes)", cfg.Dir(), cfg.TotalProcesses())

	plan, err := c.alloc.Resolve(cfg)
	if err != nil {
		c.mu.Lock()
		c.cancelStart = nil
		c.setStateLocked(StateConfigured, err)
		c.mu.Unlock()
		logger.Error("", "Allocation failed: %v", err)
		return fmt.Errorf("allocate: %w", err)
	}

	c.mu.Lock()
	c.plan = plan
	c.handles = make(map[string]*process.Handle, len(plan.Processes))
	c.attempted = make(map[string]bool, len(plan.Processes))
	c.mu.Unlock()

	if err := c.launchAll(ctx, cfg, plan); err != nil {
		logger.Error("", "Startup failed, rolling back: %v", err)
		failure := multierr.Append(err, c.rollback(plan))

		c.mu.Lock()
		c.cancelStart = nil
		c.setStateLocked(StateFailed, failure)
		c.mu.Unlock()
		return failure
	}

	c.mu.Lock()
	c.cancelStart = nil
	c.watcher = c.newWatcher()
	c.setStateLocked(StateRunning, nil)
	c.mu.Unlock()

	c.metrics.ObserveStartup(time.Since(startedAt))
	logger.Elapsed("", startedAt, "Cluster running, coordination at "+plan.Coordination)
	return nil
}

// launchAll は依存順にプロセスを起動する
func (c *Cluster) launchAll(ctx context.Context, cfg *config.Config, plan *allocator.Plan) error {
	for _, pp := range plan.ByRole(config.ServerCoordination) {
		if err := c.launchOne(ctx, cfg, plan, pp, cfg.CoordinationStartupTimeout()); err != nil {
			return err
		}
	}
	if cfg.UsesExistingCoordination() {
		if err := c.checkCoordination(ctx, plan.Coordination, cfg.CoordinationStartupTimeout()); err != nil {
			return err
		}
	}

	for _, pp := range plan.ByRole(config.ServerManager) {
		if err := c.launchOne(ctx, cfg, plan, pp, cfg.ServerStartupTimeout()); err != nil {
			return err
		}
	}

	// ストレージサーバーは並行に起動する
	g, gctx := errgroup.WithContext(ctx)
	for _, pp := range plan.ByRole(config.ServerStorage) {
		g.Go(func() error {
			return c.launchOne(gctx, cfg, plan, pp, cfg.ServerStartupTimeout())
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 後続の起動中に終了したプロセスがあれば起動失敗とする
	if crashed := c.crashedProcesses(); len(crashed) > 0 {
		return fmt.Errorf("%w: %s exited during startup", ErrProcessCrashed, strings.Join(crashed, ", "))
	}
	return nil
}

// checkCoordination は既存のコーディネーションサービスにセッションを張れるか確認する
func (c *Cluster) checkCoordination(ctx context.Context, connect string, timeout time.Duration) error {
	if err := coord.Ping(ctx, connect, timeout); err != nil {
		logger.Error("", "Existing coordination %s unreachable: %v", connect, err)
		return fmt.Errorf("%w: existing coordination %s: %w", process.ErrReadinessTimeout, connect, err)
	}
	logger.Info("", "Using existing coordination at %s", connect)
	return nil
}

func (c *Cluster) launchOne(ctx context.Context, cfg *config.Config, plan *allocator.Plan, pp allocator.ProcessPlan, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("launch %s: %w", pp.Name, err)
	}

	spec := process.SpecFromPlan(pp)
	spec.Ready = c.probeFor(pp, plan)
	spec.ReadyTimeout = timeout
	spec.StopGrace = cfg.ShutdownGrace()
	// 明示したポートは他のプロセスが使っていないことを起動前に確認する
	spec.BindCheck = pp.Role == config.ServerCoordination && cfg.CoordinationPort() != 0

	c.mu.Lock()
	c.attempted[pp.Name] = true
	c.mu.Unlock()

	h, err := c.sup.Launch(ctx, spec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.handles[pp.Name] = h
	c.mu.Unlock()
	return nil
}

func (c *Cluster) probeFor(pp allocator.ProcessPlan, plan *allocator.Plan) process.Probe {
	if fn, ok := c.readiness[pp.Role]; ok {
		return fn(pp, plan)
	}
	if pp.Role == config.ServerCoordination && c.ruok {
		return coord.RuokProbe(fmt.Sprintf("127.0.0.1:%d", pp.Port))
	}
	return process.LocalPortProbe(pp.Port)
}

// rollback は起動済みのプロセスを停止し、起動しなかったプロセスのディレクトリを削除する
func (c *Cluster) rollback(plan *allocator.Plan) error {
	err := c.stopProcesses(plan)

	c.mu.RLock()
	var unused []string
	for _, pp := range plan.Processes {
		if !c.attempted[pp.Name] {
			unused = append(unused, pp.Name)
		}
	}
	c.mu.RUnlock()

	if len(unused) > 0 {
		err = multierr.Append(err, plan.Release(unused...))
	}
	return err
}

// stopProcesses は起動の逆順にプロセスを停止する
//
// ストレージサーバーを並行に停止し、次にマネージャー、最後にコーディネーションサービスを停止する。
func (c *Cluster) stopProcesses(plan *allocator.Plan) error {
	var (
		mu   sync.Mutex
		errs error
	)
	stop := func(h *process.Handle) {
		if err := c.sup.Stop(h, true); err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}
	}

	var g errgroup.Group
	for _, h := range c.launched(plan, config.ServerStorage) {
		g.Go(func() error {
			stop(h)
			return nil
		})
	}
	_ = g.Wait()

	for _, h := range c.launched(plan, config.ServerManager) {
		stop(h)
	}
	for _, h := range c.launched(plan, config.ServerCoordination) {
		stop(h)
	}
	return errs
}

// launched は起動に成功したプロセスを計画の順に返す
func (c *Cluster) launched(plan *allocator.Plan, role config.ServerType) []*process.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*process.Handle
	for _, pp := range plan.ByRole(role) {
		if h, ok := c.handles[pp.Name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// newWatcher はクラッシュ監視を開始する（c.mu を保持して呼ぶ）
func (c *Cluster) newWatcher() *recovery.Watcher {
	cfg := recovery.Config{
		SweepInterval: c.sweepInterval,
		Sweep:         c.crashedProcesses,
		OnCrash:       c.handleCrash,
	}
	w := recovery.New(c.bus, cfg)
	for name := range c.handles {
		w.Track(name)
	}
	w.Start(context.Background())
	return w
}

// crashedProcesses はクラッシュ済みのプロセス名を返す
func (c *Cluster) crashedProcesses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for name, h := range c.handles {
		if h.State() == process.StateCrashed {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// handleCrash は稼働中のクラッシュを Failed として記録する
func (c *Cluster) handleCrash(processID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return
	}
	c.setStateLocked(StateFailed, fmt.Errorf("%w: %s: %s", ErrProcessCrashed, processID, reason))
}

// Stop は起動の逆順に全プロセスを停止する
//
// Failed からも呼べる。起動中であれば起動を中断してから停止する。
// 2回目以降の呼び出しは何もしない。
func (c *Cluster) Stop() error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	if c.state == StateStarting {
		cancel := c.cancelStart
		done := c.startDone
		c.mu.Unlock()

		logger.Info("", "Stop requested during startup, cancelling")
		if cancel != nil {
			cancel()
		}
		<-done
		c.mu.Lock()
	}

	switch c.state {
	case StateUnconfigured, StateConfigured, StateStopped:
		c.mu.Unlock()
		return nil
	}

	plan := c.plan
	watcher := c.watcher
	c.watcher = nil
	c.setStateLocked(StateStopping, nil)
	c.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}

	var err error
	if plan != nil {
		err = c.stopProcesses(plan)
	}

	c.mu.Lock()
	c.setStateLocked(StateStopped, nil)
	c.mu.Unlock()

	if err != nil {
		logger.Warn("", "Cluster stopped with errors: %v", err)
		return err
	}
	logger.Info("", "Cluster stopped")
	return nil
}

// KillProcess は指定したプロセスを強制終了する
//
// 意図した停止として扱うため、クラスタは Failed にならない。
func (c *Cluster) KillProcess(role config.ServerType, index int) error {
	c.mu.RLock()
	var h *process.Handle
	if c.plan != nil {
		if pp, ok := c.plan.Process(role, index); ok {
			h = c.handles[pp.Name]
		}
	}
	c.mu.RUnlock()

	if h == nil || !h.State().IsAlive() {
		return fmt.Errorf("%w: %s", ErrNoSuchProcess, allocator.ProcessName(role, index))
	}
	logger.Warn(h.ID(), "Killing process on request")
	return c.sup.Stop(h, false)
}

// State は現在の状態を返す
//
// 稼働中にクラッシュしたプロセスがあれば Failed へ遷移させてから返す。
func (c *Cluster) State() State {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state != StateRunning {
		return state
	}
	crashed := c.crashedProcesses()
	if len(crashed) == 0 {
		return state
	}

	c.handleCrash(crashed[0], "exit observed by status query")

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err は最後の失敗の原因を返す
func (c *Cluster) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Config は構成を返す（未設定ならnil）
func (c *Cluster) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Dir はルートディレクトリを返す
func (c *Cluster) Dir() string {
	if cfg := c.Config(); cfg != nil {
		return cfg.Dir()
	}
	return ""
}

// IsDebugEnabled はデバッグモードかどうかを返す
func (c *Cluster) IsDebugEnabled() bool {
	if cfg := c.Config(); cfg != nil {
		return cfg.IsDebugEnabled()
	}
	return false
}

// InstanceName はインスタンス名を返す
func (c *Cluster) InstanceName() string {
	if cfg := c.Config(); cfg != nil {
		return cfg.InstanceName()
	}
	return ""
}

// Memory は役割ごとのメモリ量をバイト数で返す
func (c *Cluster) Memory(role config.ServerType) int64 {
	if cfg := c.Config(); cfg != nil {
		return cfg.Memory(role)
	}
	return config.DefaultMemory.Bytes()
}

// CoordinationPort はコーディネーションサービスのポートを返す
//
// 起動前は明示的に設定されたポート（未設定なら0）を返す。
func (c *Cluster) CoordinationPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.plan != nil {
		return c.plan.CoordinationPort
	}
	if c.cfg != nil {
		return c.cfg.CoordinationPort()
	}
	return 0
}

// ConnectString はコーディネーションサービスの接続文字列を返す
func (c *Cluster) ConnectString() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.plan != nil {
		return c.plan.Coordination
	}
	if c.cfg != nil {
		if c.cfg.UsesExistingCoordination() {
			return c.cfg.ExistingCoordination()
		}
		if port := c.cfg.CoordinationPort(); port != 0 {
			return fmt.Sprintf("localhost:%d", port)
		}
	}
	return ""
}

// Plan は解決済みの実行計画を返す（起動前はnil）
func (c *Cluster) Plan() *allocator.Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan
}

// Processes は起動したプロセスのスナップショットを計画の順に返す
func (c *Cluster) Processes() []process.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.plan == nil {
		return nil
	}
	out := make([]process.Info, 0, len(c.handles))
	for _, pp := range c.plan.Processes {
		if h, ok := c.handles[pp.Name]; ok {
			out = append(out, h.Info())
		}
	}
	return out
}

// RunningCount は稼働中のプロセス数を返す
func (c *Cluster) RunningCount() int {
	count := 0
	for _, info := range c.Processes() {
		if info.State == process.StateRunning {
			count++
		}
	}
	return count
}

// Supervisor はプロセスを管理するSupervisorを返す
func (c *Cluster) Supervisor() *process.Supervisor {
	return c.sup
}

// EventBus はイベントバスを返す
func (c *Cluster) EventBus() *events.Bus {
	return c.bus
}

// Metrics はメトリクスを返す（未設定ならnil）
func (c *Cluster) Metrics() *metrics.Metrics {
	return c.metrics
}

// CrashStats はクラッシュ監視の統計を返す
func (c *Cluster) CrashStats() recovery.Stats {
	c.mu.RLock()
	watcher := c.watcher
	c.mu.RUnlock()
	if watcher == nil {
		return recovery.Stats{CrashesByRole: map[string]uint64{}}
	}
	return watcher.Stats()
}
