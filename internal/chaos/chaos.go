package chaos

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"minicluster/internal/config"
	"minicluster/internal/events"
	"minicluster/internal/logger"
	"minicluster/internal/process"
)

// AttackType は障害の種類を表す
type AttackType int

const (
	AttackKill AttackType = iota
	AttackSuspend
)

func (a AttackType) String() string {
	switch a {
	case AttackKill:
		return "kill"
	case AttackSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

func (a AttackType) eventType() events.AttackType {
	if a == AttackSuspend {
		return events.AttackTypeSuspend
	}
	return events.AttackTypeKill
}

// Target は障害注入の対象となるプロセス群
//
// *process.Supervisor がこれを満たす。
type Target interface {
	Handles() []*process.Handle
	Signal(h *process.Handle, sig os.Signal) error
	Suspend(h *process.Handle) error
	Resume(h *process.Handle) error
}

// Config はChaosMonkeyの設定
type Config struct {
	Interval    time.Duration       // 攻撃間隔（0で自動攻撃しない）
	TargetCount int                 // 同時攻撃対象数
	AttackTypes []AttackType        // 有効な攻撃タイプ
	SuspendTime time.Duration       // Suspend攻撃の継続時間（0で手動Resume）
	Roles       []config.ServerType // 攻撃対象の役割
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		TargetCount: 1,
		AttackTypes: []AttackType{AttackKill, AttackSuspend},
		SuspendTime: 3 * time.Second,
		Roles:       []config.ServerType{config.ServerStorage},
	}
}

// Stats はカオス攻撃の統計情報
type Stats struct {
	TotalAttacks uint64            `json:"total_attacks"`
	ByType       map[string]uint64 `json:"attacks_by_type"`
	Suspended    int               `json:"suspended"`
}

// Monkey は稼働中のプロセスに障害を注入する
type Monkey struct {
	config   Config
	target   Target
	eventBus *events.Bus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu           sync.RWMutex
	attackCount  uint64
	attackByType map[AttackType]uint64
	lastAttack   time.Time
	suspended    map[*process.Handle]time.Time
}

// New は新しいChaosMonkeyを作成する
func New(target Target, config Config) *Monkey {
	return &Monkey{
		config:       config,
		target:       target,
		suspended:    make(map[*process.Handle]time.Time),
		attackByType: make(map[AttackType]uint64),
	}
}

// SetEventBus はイベントバスを設定する
func (m *Monkey) SetEventBus(bus *events.Bus) {
	m.eventBus = bus
}

// Start はカオス注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	cfg := m.currentConfig()

	if cfg.Interval > 0 {
		m.wg.Add(1)
		go m.attackLoop(cfg.Interval)
	}

	if cfg.SuspendTime > 0 {
		m.wg.Add(1)
		go m.resumeLoop()
	}

	logger.Info("", "ChaosMonkey started (interval: %v, targets: %d)", cfg.Interval, cfg.TargetCount)
}

// Stop はカオス注入を停止し、一時停止中のプロセスを再開する
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()
	m.resumeAll()

	logger.Info("", "ChaosMonkey stopped (total attacks: %d)", m.AttackCount())
}

func (m *Monkey) currentConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// attackLoop は定期的に攻撃を実行する
func (m *Monkey) attackLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Attack(m.selectAttackType())
		}
	}
}

// resumeLoop は一時停止したプロセスを自動的に再開する
func (m *Monkey) resumeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAndResume()
		}
	}
}

// Attack は指定した攻撃を1回実行し、攻撃したプロセス数を返す
func (m *Monkey) Attack(attackType AttackType) int {
	targets := m.selectTargets()
	if len(targets) == 0 {
		return 0
	}

	hit := 0
	for _, h := range targets {
		if m.executeAttack(h, attackType) {
			hit++
		}
	}
	if hit == 0 {
		return 0
	}

	m.mu.Lock()
	m.attackCount++
	m.attackByType[attackType] += uint64(hit)
	m.lastAttack = time.Now()
	m.mu.Unlock()
	return hit
}

// selectTargets は稼働中で一時停止していない対象プロセスを選択する
func (m *Monkey) selectTargets() []*process.Handle {
	cfg := m.currentConfig()
	roles := make(map[config.ServerType]bool, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles[r] = true
	}

	m.mu.RLock()
	var running []*process.Handle
	for _, h := range m.target.Handles() {
		if len(roles) > 0 && !roles[h.Role()] {
			continue
		}
		if _, paused := m.suspended[h]; paused {
			continue
		}
		if h.State() == process.StateRunning {
			running = append(running, h)
		}
	}
	m.mu.RUnlock()

	if len(running) == 0 {
		return nil
	}

	count := cfg.TargetCount
	if count <= 0 {
		count = 1
	}
	if count > len(running) {
		count = len(running)
	}

	rand.Shuffle(len(running), func(i, j int) {
		running[i], running[j] = running[j], running[i]
	})
	return running[:count]
}

// selectAttackType は攻撃タイプをランダムに選択する
func (m *Monkey) selectAttackType() AttackType {
	types := m.currentConfig().AttackTypes
	if len(types) == 0 {
		return AttackKill
	}
	return types[rand.IntN(len(types))]
}

// executeAttack は指定された攻撃を実行する
func (m *Monkey) executeAttack(h *process.Handle, attackType AttackType) bool {
	var err error
	switch attackType {
	case AttackKill:
		err = m.target.Signal(h, os.Kill)
	case AttackSuspend:
		err = m.target.Suspend(h)
		if err == nil {
			m.mu.Lock()
			m.suspended[h] = time.Now()
			m.mu.Unlock()
		}
	default:
		return false
	}

	if err != nil {
		logger.Warn(h.ID(), "ChaosMonkey: %s failed: %v", attackType, err)
		return false
	}

	logger.Warn(h.ID(), "ChaosMonkey: %s", attackType)
	m.eventBus.Publish(events.NewChaosAttackEvent(h.ID(), attackType.eventType()))
	return true
}

// checkAndResume は一時停止時間が経過したプロセスを再開する
func (m *Monkey) checkAndResume() {
	suspendTime := m.currentConfig().SuspendTime

	m.mu.Lock()
	var due []*process.Handle
	now := time.Now()
	for h, at := range m.suspended {
		if now.Sub(at) >= suspendTime {
			due = append(due, h)
			delete(m.suspended, h)
		}
	}
	m.mu.Unlock()

	for _, h := range due {
		m.resume(h, "auto-resumed")
	}
}

// resumeAll は全ての一時停止中のプロセスを再開する
func (m *Monkey) resumeAll() {
	m.mu.Lock()
	handles := make([]*process.Handle, 0, len(m.suspended))
	for h := range m.suspended {
		handles = append(handles, h)
	}
	m.suspended = make(map[*process.Handle]time.Time)
	m.mu.Unlock()

	for _, h := range handles {
		m.resume(h, "resumed on shutdown")
	}
}

func (m *Monkey) resume(h *process.Handle, msg string) {
	if err := m.target.Resume(h); err != nil {
		logger.Debug(h.ID(), "ChaosMonkey: resume skipped: %v", err)
		return
	}
	logger.Info(h.ID(), "ChaosMonkey: %s", msg)
	m.eventBus.Publish(events.NewChaosResumeEvent(h.ID()))
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

// AttackCount は攻撃回数を返す
func (m *Monkey) AttackCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attackCount
}

// SetConfig は設定を更新する（間隔の変更は次のStartから有効）
func (m *Monkey) SetConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// Stats は攻撃統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[string]uint64)
	for t, count := range m.attackByType {
		byType[t.String()] = count
	}

	return Stats{
		TotalAttacks: m.attackCount,
		ByType:       byType,
		Suspended:    len(m.suspended),
	}
}
