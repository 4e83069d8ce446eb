package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"minicluster/internal/events"
	"minicluster/internal/logger"
)

// Config はWatcherの設定
type Config struct {
	// SweepInterval は定期確認の間隔（0で無効）
	SweepInterval time.Duration
	// Sweep は終了済みプロセス名を返す（イベント取りこぼし対策）
	Sweep func() []string
	// OnCrash は追跡中プロセスの予期しない終了時に1度だけ呼ばれる
	OnCrash func(processID, reason string)
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Second,
	}
}

// ProcessState はプロセスごとの観測状態
type ProcessState struct {
	Role      string
	LastEvent events.EventType
	LastSeen  time.Time
	CrashedAt time.Time
	ExitCode  *int
}

// Stats は監視統計
type Stats struct {
	EventsSeen      uint64            `json:"events_seen"`
	TotalCrashes    uint64            `json:"total_crashes"`
	CrashesByRole   map[string]uint64 `json:"crashes_by_role"`
	SweepDetections uint64            `json:"sweep_detections"`
}

// Watcher はイベントバスを購読し、プロセスの予期しない終了を検出する
type Watcher struct {
	config Config
	bus    *events.Bus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	tracked  map[string]bool
	reported map[string]bool
	states   map[string]*ProcessState
	stats    Stats
}

// New は新しいWatcherを作成する
func New(bus *events.Bus, config Config) *Watcher {
	return &Watcher{
		config:   config,
		bus:      bus,
		tracked:  make(map[string]bool),
		reported: make(map[string]bool),
		states:   make(map[string]*ProcessState),
		stats:    Stats{CrashesByRole: make(map[string]uint64)},
	}
}

// Track は監視対象のプロセスを追加する
func (w *Watcher) Track(processIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range processIDs {
		w.tracked[id] = true
		delete(w.reported, id)
	}
}

// Untrack は監視対象から外す（意図した停止の前に呼ぶ）
func (w *Watcher) Untrack(processIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range processIDs {
		delete(w.tracked, id)
	}
}

// Start は監視を開始する
func (w *Watcher) Start(ctx context.Context) {
	if w.running.Swap(true) {
		return
	}

	w.ctx, w.cancel = context.WithCancel(ctx)

	// 開始前に購読し、直後のイベントを取りこぼさない
	if w.bus != nil {
		ch := w.bus.Subscribe()
		w.wg.Add(1)
		go w.eventLoop(ch)
	}

	if w.config.SweepInterval > 0 && w.config.Sweep != nil {
		w.wg.Add(1)
		go w.sweepLoop()
	}

	logger.Debug("", "Watcher started (sweep interval: %v)", w.config.SweepInterval)
}

// Stop は監視を停止する
func (w *Watcher) Stop() {
	if !w.running.Swap(false) {
		return
	}

	w.cancel()
	w.wg.Wait()

	stats := w.Stats()
	logger.Debug("", "Watcher stopped (events: %d, crashes: %d)", stats.EventsSeen, stats.TotalCrashes)
}

// eventLoop はバスからのイベントを処理する
func (w *Watcher) eventLoop(ch <-chan events.Event) {
	defer w.wg.Done()
	defer w.bus.Unsubscribe(ch)

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

// sweepLoop は定期的に終了済みプロセスを確認する
func (w *Watcher) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range w.config.Sweep() {
				if w.recordCrash(id, "", nil, true) {
					w.notify(id, "exit observed by sweep")
				}
			}
		}
	}
}

// handleEvent は1件のイベントを処理する
func (w *Watcher) handleEvent(ev events.Event) {
	if !ev.IsProcessEvent() {
		return
	}

	w.mu.Lock()
	w.stats.EventsSeen++
	state, exists := w.states[ev.ProcessID]
	if !exists {
		state = &ProcessState{Role: ev.Data.Role}
		w.states[ev.ProcessID] = state
	}
	state.LastEvent = ev.Type
	state.LastSeen = ev.Timestamp
	w.mu.Unlock()

	if ev.Type != events.EventProcessCrashed {
		return
	}
	if w.recordCrash(ev.ProcessID, ev.Data.Role, ev.Data.ExitCode, false) {
		reason := "exited unexpectedly"
		if ev.Data.Error != "" {
			reason = ev.Data.Error
		}
		w.notify(ev.ProcessID, reason)
	}
}

// recordCrash は追跡中プロセスの初回のクラッシュのみ記録し、通知すべきかを返す
func (w *Watcher) recordCrash(id, role string, exitCode *int, bySweep bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.tracked[id] || w.reported[id] {
		return false
	}
	w.reported[id] = true

	state, exists := w.states[id]
	if !exists {
		state = &ProcessState{Role: role}
		w.states[id] = state
	}
	if role != "" {
		state.Role = role
	}
	state.CrashedAt = time.Now()
	state.ExitCode = exitCode

	w.stats.TotalCrashes++
	w.stats.CrashesByRole[state.Role]++
	if bySweep {
		w.stats.SweepDetections++
	}
	return true
}

func (w *Watcher) notify(id, reason string) {
	logger.Warn(id, "Crash detected: %s", reason)
	if w.config.OnCrash != nil {
		w.config.OnCrash(id, reason)
	}
}

// IsRunning は実行中かどうかを返す
func (w *Watcher) IsRunning() bool {
	return w.running.Load()
}

// ProcessState は指定プロセスの観測状態を返す
func (w *Watcher) ProcessState(processID string) (ProcessState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	state, ok := w.states[processID]
	if !ok {
		return ProcessState{}, false
	}
	return *state, true
}

// Stats は監視統計を返す
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	byRole := make(map[string]uint64, len(w.stats.CrashesByRole))
	for role, n := range w.stats.CrashesByRole {
		byRole[role] = n
	}
	stats := w.stats
	stats.CrashesByRole = byRole
	return stats
}

// ResetStats は統計をリセットする
func (w *Watcher) ResetStats() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats = Stats{CrashesByRole: make(map[string]uint64)}
}
