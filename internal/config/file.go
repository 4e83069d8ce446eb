package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Cluster ClusterFileConfig `yaml:"cluster" json:"cluster"`
}

// ClusterFileConfig はクラスタ設定
type ClusterFileConfig struct {
	Dir            string `yaml:"dir" json:"dir" validate:"required"`
	RootCredential string `yaml:"root_credential" json:"root_credential" validate:"required"`
	InstanceName   string `yaml:"instance_name" json:"instance_name"`
	StorageServers *int   `yaml:"storage_servers" json:"storage_servers" validate:"omitempty,gte=0"`

	DefaultMemory string            `yaml:"default_memory" json:"default_memory"`
	Memory        map[string]string `yaml:"memory" json:"memory" validate:"dive,keys,oneof=coordination manager storage-server,endkeys,required"`

	Coordination CoordinationFileConfig `yaml:"coordination" json:"coordination"`

	ServerStartupTimeout string `yaml:"server_startup_timeout" json:"server_startup_timeout"`
	StartupTimeout       string `yaml:"startup_timeout" json:"startup_timeout"`
	ShutdownGrace        string `yaml:"shutdown_grace" json:"shutdown_grace"`

	Debug     bool     `yaml:"debug" json:"debug"`
	DebugArgs []string `yaml:"debug_args" json:"debug_args"`

	NativeLibPaths []string          `yaml:"native_lib_paths" json:"native_lib_paths"`
	Classpath      []string          `yaml:"classpath" json:"classpath"`
	SiteConfig     map[string]string `yaml:"site_config" json:"site_config"`

	Commands map[string]CommandFileConfig `yaml:"commands" json:"commands" validate:"dive"`
}

// CoordinationFileConfig はコーディネーションサービスの設定
type CoordinationFileConfig struct {
	Port           int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Existing       string `yaml:"existing" json:"existing"`
	StartupTimeout string `yaml:"startup_timeout" json:"startup_timeout"`
}

// CommandFileConfig は起動コマンドの設定
type CommandFileConfig struct {
	Path string   `yaml:"path" json:"path" validate:"required"`
	Args []string `yaml:"args" json:"args"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// ToBuilder はFileConfigをBuilderに変換する
func (f *FileConfig) ToBuilder() (*Builder, error) {
	fc := f.Cluster
	b := NewBuilder(fc.Dir, fc.RootCredential)

	if fc.InstanceName != "" {
		b.SetInstanceName(fc.InstanceName)
	}
	if fc.StorageServers != nil {
		b.SetNumStorageServers(*fc.StorageServers)
	}

	// メモリ設定
	if fc.DefaultMemory != "" {
		m, err := ParseMemory(fc.DefaultMemory)
		if err != nil {
			return nil, fmt.Errorf("default_memory: %w", err)
		}
		b.SetDefaultMemory(m.Amount, m.Unit)
	}
	for name, value := range fc.Memory {
		role, err := ParseServerType(name)
		if err != nil {
			return nil, err
		}
		m, err := ParseMemory(value)
		if err != nil {
			return nil, fmt.Errorf("memory.%s: %w", name, err)
		}
		b.SetMemory(role, m.Amount, m.Unit)
	}

	// コーディネーション設定
	if fc.Coordination.Port != 0 {
		b.SetCoordinationPort(fc.Coordination.Port)
	}
	if fc.Coordination.Existing != "" {
		b.SetExistingCoordination(fc.Coordination.Existing)
	}

	durations := []struct {
		name  string
		value string
		set   func(time.Duration) *Builder
	}{
		{"coordination.startup_timeout", fc.Coordination.StartupTimeout, b.SetCoordinationStartupTimeout},
		{"server_startup_timeout", fc.ServerStartupTimeout, b.SetServerStartupTimeout},
		{"startup_timeout", fc.StartupTimeout, b.SetStartupTimeout},
		{"shutdown_grace", fc.ShutdownGrace, b.SetShutdownGrace},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s: %v", ErrInvalidConfiguration, d.name, err)
		}
		d.set(parsed)
	}

	b.SetDebugEnabled(fc.Debug)
	if len(fc.DebugArgs) > 0 {
		b.SetDebugArgs(fc.DebugArgs...)
	}
	if len(fc.NativeLibPaths) > 0 {
		b.SetNativeLibPaths(fc.NativeLibPaths...)
	}
	if len(fc.Classpath) > 0 {
		b.SetClasspath(fc.Classpath...)
	}
	if len(fc.SiteConfig) > 0 {
		b.SetSiteConfig(fc.SiteConfig)
	}

	for name, cmd := range fc.Commands {
		role, err := ParseServerType(name)
		if err != nil {
			return nil, err
		}
		b.SetCommand(role, cmd.Path, cmd.Args...)
	}

	return b, nil
}

// Load は設定ファイルを読み込み、検証してConfigを構築する
func Load(path string) (*Config, error) {
	fileConfig, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := fileConfig.Validate(); err != nil {
		return nil, err
	}
	b, err := fileConfig.ToBuilder()
	if err != nil {
		return nil, err
	}
	return b.Build()
}
