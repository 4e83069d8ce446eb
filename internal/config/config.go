package config

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	DefaultInstanceName               = "miniInstance"
	DefaultStorageServers             = 2
	DefaultCoordinationStartupTimeout = 20 * time.Second
	DefaultServerStartupTimeout       = 30 * time.Second
	DefaultStartupTimeout             = 2 * time.Minute
	DefaultShutdownGrace              = 10 * time.Second
)

// DefaultMemory は役割ごとの指定がない場合のメモリ量
var DefaultMemory = Memory{Amount: 128, Unit: Megabyte}

// DefaultDebugArgs はデバッグモードで各プロセスに付与する引数
var DefaultDebugArgs = []string{
	"-agentlib:jdwp=transport=dt_socket,server=y,suspend=n,address=127.0.0.1:{{.DebugPort}}",
}

// Config はクラスタの構成を表す（Build後は不変）
type Config struct {
	dir            string
	rootCredential string
	instanceName   string

	serverCounts  map[ServerType]int
	memory        map[ServerType]Memory
	defaultMemory Memory

	coordinationPort           int
	existingCoordination       string
	coordinationStartupTimeout time.Duration
	serverStartupTimeout       time.Duration
	startupTimeout             time.Duration
	shutdownGrace              time.Duration

	debug     bool
	debugArgs []string

	nativeLibPaths []string
	classpath      []string
	siteConfig     map[string]string
	commands       map[ServerType]Command
}

// Dir はクラスタのルートディレクトリを返す
func (c *Config) Dir() string {
	return c.dir
}

// RootCredential は初期スーパーユーザーの認証情報を返す
func (c *Config) RootCredential() string {
	return c.rootCredential
}

// InstanceName はインスタンス名を返す
func (c *Config) InstanceName() string {
	return c.instanceName
}

// ServerCount は役割ごとに起動するプロセス数を返す
func (c *Config) ServerCount(role ServerType) int {
	switch role {
	case ServerCoordination:
		if c.UsesExistingCoordination() {
			return 0
		}
		return 1
	case ServerManager:
		return 1
	case ServerStorage:
		if n, ok := c.serverCounts[role]; ok {
			return n
		}
		return DefaultStorageServers
	default:
		return 0
	}
}

// TotalProcesses は起動するプロセスの総数を返す
func (c *Config) TotalProcesses() int {
	total := 0
	for _, role := range ServerTypes {
		total += c.ServerCount(role)
	}
	return total
}

// MemoryFor は役割に適用されるメモリ設定を返す
func (c *Config) MemoryFor(role ServerType) Memory {
	if m, ok := c.memory[role]; ok {
		return m
	}
	return c.defaultMemory
}

// Memory は役割に適用されるメモリ量をバイト数で返す
func (c *Config) Memory(role ServerType) int64 {
	return c.MemoryFor(role).Bytes()
}

// DefaultMemory はデフォルトのメモリ量をバイト数で返す
func (c *Config) DefaultMemory() int64 {
	return c.defaultMemory.Bytes()
}

// CoordinationPort は明示的に指定されたポートを返す（0は自動割り当て）
func (c *Config) CoordinationPort() int {
	return c.coordinationPort
}

// ExistingCoordination は既存のコーディネーションサービスの接続文字列を返す
func (c *Config) ExistingCoordination() string {
	return c.existingCoordination
}

// UsesExistingCoordination は外部のコーディネーションサービスを使うかどうかを返す
func (c *Config) UsesExistingCoordination() bool {
	return c.existingCoordination != ""
}

// CoordinationStartupTimeout はコーディネーションサービスの起動待ち時間を返す
func (c *Config) CoordinationStartupTimeout() time.Duration {
	return c.coordinationStartupTimeout
}

// ServerStartupTimeout はマネージャーとストレージサーバーの起動待ち時間を返す
func (c *Config) ServerStartupTimeout() time.Duration {
	return c.serverStartupTimeout
}

// StartupTimeout はクラスタ起動全体の制限時間を返す
func (c *Config) StartupTimeout() time.Duration {
	return c.startupTimeout
}

// ShutdownGrace は正常停止を待つ時間を返す
func (c *Config) ShutdownGrace() time.Duration {
	return c.shutdownGrace
}

// IsDebugEnabled はデバッガ接続モードかどうかを返す
func (c *Config) IsDebugEnabled() bool {
	return c.debug
}

// DebugArgs はデバッグ用引数テンプレートのコピーを返す
func (c *Config) DebugArgs() []string {
	return append([]string(nil), c.debugArgs...)
}

// NativeLibPaths はネイティブライブラリのパスのコピーを返す
func (c *Config) NativeLibPaths() []string {
	return append([]string(nil), c.nativeLibPaths...)
}

// Classpath はクラスパスのコピーを返す
func (c *Config) Classpath() []string {
	return append([]string(nil), c.classpath...)
}

// SiteConfig はサイト設定のコピーを返す
func (c *Config) SiteConfig() map[string]string {
	return maps.Clone(c.siteConfig)
}

// Command は役割に対応する起動コマンドを返す
func (c *Config) Command(role ServerType) (Command, bool) {
	cmd, ok := c.commands[role]
	if !ok {
		return Command{}, false
	}
	return cmd.clone(), true
}

// Builder はConfigを段階的に構築する
//
// 各セッターは引数を検証して同じBuilderを返す。検証エラーは蓄積され、Buildでまとめて返される。
type Builder struct {
	cfg Config
	err error
}

// NewBuilder はルートディレクトリと初期認証情報を指定してBuilderを作成する
func NewBuilder(dir, rootCredential string) *Builder {
	b := &Builder{
		cfg: Config{
			dir:                        dir,
			rootCredential:             rootCredential,
			instanceName:               DefaultInstanceName,
			serverCounts:               make(map[ServerType]int),
			memory:                     make(map[ServerType]Memory),
			defaultMemory:              DefaultMemory,
			coordinationStartupTimeout: DefaultCoordinationStartupTimeout,
			serverStartupTimeout:       DefaultServerStartupTimeout,
			startupTimeout:             DefaultStartupTimeout,
			shutdownGrace:              DefaultShutdownGrace,
			debugArgs:                  append([]string(nil), DefaultDebugArgs...),
			siteConfig:                 make(map[string]string),
			commands:                   make(map[ServerType]Command),
		},
	}

	if strings.TrimSpace(dir) == "" {
		b.fail("root directory must be set")
	}
	if rootCredential == "" {
		b.fail("root credential must be non-empty")
	}
	return b
}

func (b *Builder) fail(format string, args ...any) {
	b.err = multierr.Append(b.err, fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...)))
}

// SetInstanceName はインスタンス名を設定する
func (b *Builder) SetInstanceName(name string) *Builder {
	if strings.TrimSpace(name) == "" {
		b.fail("instance name must be non-empty")
		return b
	}
	b.cfg.instanceName = name
	return b
}

// SetNumServers は役割ごとのプロセス数を設定する（ストレージサーバーのみ）
func (b *Builder) SetNumServers(role ServerType, count int) *Builder {
	if role != ServerStorage {
		b.fail("server count can only be set for %s, got %q", ServerStorage, role)
		return b
	}
	if count < 0 {
		b.fail("server count for %s must be non-negative, got %d", role, count)
		return b
	}
	b.cfg.serverCounts[role] = count
	return b
}

// SetNumStorageServers はストレージサーバー数を設定する
func (b *Builder) SetNumStorageServers(count int) *Builder {
	return b.SetNumServers(ServerStorage, count)
}

// SetMemory は役割ごとのメモリ量を設定する
func (b *Builder) SetMemory(role ServerType, amount int64, unit MemoryUnit) *Builder {
	if !role.Valid() {
		b.fail("unknown server type %q", role)
		return b
	}
	if err := checkMemory(amount, unit); err != nil {
		b.fail("memory for %s: %v", role, err)
		return b
	}
	b.cfg.memory[role] = Memory{Amount: amount, Unit: unit}
	return b
}

// SetDefaultMemory はデフォルトのメモリ量を設定する
func (b *Builder) SetDefaultMemory(amount int64, unit MemoryUnit) *Builder {
	if err := checkMemory(amount, unit); err != nil {
		b.fail("default memory: %v", err)
		return b
	}
	b.cfg.defaultMemory = Memory{Amount: amount, Unit: unit}
	return b
}

// SetCoordinationPort はコーディネーションサービスのポートを設定する
func (b *Builder) SetCoordinationPort(port int) *Builder {
	if port <= 0 || port > 65535 {
		b.fail("coordination port must be 1-65535, got %d", port)
		return b
	}
	b.cfg.coordinationPort = port
	return b
}

// SetExistingCoordination は既存のコーディネーションサービスを使うよう設定する（空文字で無効化）
func (b *Builder) SetExistingCoordination(connect string) *Builder {
	b.cfg.existingCoordination = strings.TrimSpace(connect)
	return b
}

// SetCoordinationStartupTimeout はコーディネーションサービスの起動待ち時間を設定する
func (b *Builder) SetCoordinationStartupTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("coordination startup timeout must be positive, got %v", d)
		return b
	}
	b.cfg.coordinationStartupTimeout = d
	return b
}

// SetServerStartupTimeout はマネージャーとストレージサーバーの起動待ち時間を設定する
func (b *Builder) SetServerStartupTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("server startup timeout must be positive, got %v", d)
		return b
	}
	b.cfg.serverStartupTimeout = d
	return b
}

// SetStartupTimeout はクラスタ起動全体の制限時間を設定する
func (b *Builder) SetStartupTimeout(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("startup timeout must be positive, got %v", d)
		return b
	}
	b.cfg.startupTimeout = d
	return b
}

// SetShutdownGrace は正常停止を待つ時間を設定する
func (b *Builder) SetShutdownGrace(d time.Duration) *Builder {
	if d <= 0 {
		b.fail("shutdown grace must be positive, got %v", d)
		return b
	}
	b.cfg.shutdownGrace = d
	return b
}

// SetDebugEnabled はデバッガ接続モードを設定する
func (b *Builder) SetDebugEnabled(enabled bool) *Builder {
	b.cfg.debug = enabled
	return b
}

// SetDebugArgs はデバッグ用引数テンプレートを設定する
func (b *Builder) SetDebugArgs(args ...string) *Builder {
	if len(args) == 0 {
		b.fail("debug args must not be empty")
		return b
	}
	b.cfg.debugArgs = append([]string(nil), args...)
	return b
}

// SetNativeLibPaths はネイティブライブラリのパスを設定する
func (b *Builder) SetNativeLibPaths(paths ...string) *Builder {
	b.cfg.nativeLibPaths = append([]string(nil), paths...)
	return b
}

// SetClasspath はクラスパスを設定する
func (b *Builder) SetClasspath(items ...string) *Builder {
	b.cfg.classpath = append([]string(nil), items...)
	return b
}

// SetSiteConfig はサイト設定を置き換える
func (b *Builder) SetSiteConfig(site map[string]string) *Builder {
	for k := range site {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "=\n") {
			b.fail("invalid site config key %q", k)
			return b
		}
	}
	b.cfg.siteConfig = maps.Clone(site)
	if b.cfg.siteConfig == nil {
		b.cfg.siteConfig = make(map[string]string)
	}
	return b
}

// SetCommand は役割ごとの起動コマンドを設定する
func (b *Builder) SetCommand(role ServerType, path string, args ...string) *Builder {
	if !role.Valid() {
		b.fail("unknown server type %q", role)
		return b
	}
	if strings.TrimSpace(path) == "" {
		b.fail("command path for %s must be non-empty", role)
		return b
	}
	b.cfg.commands[role] = Command{Path: path, Args: append([]string(nil), args...)}
	return b
}

// Build は検証済みのConfigを返す
func (b *Builder) Build() (*Config, error) {
	err := b.err

	// 起動するプロセスにはコマンドが必要
	for _, role := range ServerTypes {
		if b.cfg.ServerCount(role) == 0 {
			continue
		}
		if _, ok := b.cfg.commands[role]; !ok {
			err = multierr.Append(err, fmt.Errorf("%w: no command configured for %s", ErrInvalidConfiguration, role))
		}
	}

	if err != nil {
		return nil, err
	}

	cfg := b.cfg
	cfg.serverCounts = maps.Clone(b.cfg.serverCounts)
	cfg.memory = maps.Clone(b.cfg.memory)
	cfg.siteConfig = maps.Clone(b.cfg.siteConfig)
	cfg.commands = make(map[ServerType]Command, len(b.cfg.commands))
	for role, cmd := range b.cfg.commands {
		cfg.commands[role] = cmd.clone()
	}
	cfg.debugArgs = append([]string(nil), b.cfg.debugArgs...)
	cfg.nativeLibPaths = append([]string(nil), b.cfg.nativeLibPaths...)
	cfg.classpath = append([]string(nil), b.cfg.classpath...)
	return &cfg, nil
}
