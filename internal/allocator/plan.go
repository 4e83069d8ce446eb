package allocator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"minicluster/internal/config"
	"minicluster/internal/logger"
)

// ProcessPlan は1プロセス分の解決済みパラメータ
type ProcessPlan struct {
	Role      config.ServerType
	Index     int
	Name      string
	Dir       string
	Port      int
	DebugPort int
	Memory    config.Memory
	Path      string
	Args      []string
	Env       []string
}

// Plan は構成から導出された衝突のない実行計画
//
// 作成後は変更されない。
type Plan struct {
	InstanceID       string
	InstanceName     string
	Root             string
	Coordination     string
	CoordinationPort int
	SiteConfigPath   string
	Processes        []ProcessPlan

	mu          sync.Mutex
	createdRoot bool
	created     []string
}

// ByRole は指定した役割のプロセス計画を起動順に返す
func (p *Plan) ByRole(role config.ServerType) []ProcessPlan {
	var out []ProcessPlan
	for _, pp := range p.Processes {
		if pp.Role == role {
			out = append(out, pp)
		}
	}
	return out
}

// Process は役割とインデックスでプロセス計画を取得する
func (p *Plan) Process(role config.ServerType, index int) (ProcessPlan, bool) {
	for _, pp := range p.Processes {
		if pp.Role == role && pp.Index == index {
			return pp, true
		}
	}
	return ProcessPlan{}, false
}

// Ports はプロセス名ごとのサービスポートを返す
func (p *Plan) Ports() map[string]int {
	out := make(map[string]int, len(p.Processes))
	for _, pp := range p.Processes {
		out[pp.Name] = pp.Port
	}
	return out
}

// Release は指定したプロセスのディレクトリを削除する（起動されなかったプロセス用）
func (p *Plan) Release(names ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	release := make(map[string]bool, len(names))
	for _, n := range names {
		release[filepath.Join(p.Root, n)] = true
	}

	var errs error
	kept := p.created[:0]
	for _, dir := range p.created {
		if !release[dir] {
			kept = append(kept, dir)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", dir, err))
			kept = append(kept, dir)
			continue
		}
		logger.Debug("", "Released directory %s", dir)
	}
	p.created = kept
	return errs
}

// discard は作成したディレクトリとファイルを全て削除する
func (p *Plan) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.created) - 1; i >= 0; i-- {
		_ = os.RemoveAll(p.created[i])
	}
	p.created = nil
	_ = os.Remove(p.SiteConfigPath)
	if p.createdRoot {
		_ = os.RemoveAll(p.Root)
	}
}

// materialize はルートとプロセスごとのディレクトリ、共有設定ファイルを作成する
func (a *Allocator) materialize(cfg *config.Config, plan *Plan) error {
	if err := prepareRoot(plan); err != nil {
		return err
	}

	for _, pp := range plan.Processes {
		if err := plan.mkdir(pp.Dir); err != nil {
			return err
		}
	}

	if err := writeSiteConfig(cfg, plan); err != nil {
		return err
	}

	for _, pp := range plan.ByRole(config.ServerCoordination) {
		if err := writeCoordinationConfig(pp); err != nil {
			return err
		}
	}
	return nil
}

// prepareRoot はルートディレクトリが空か存在しないことを確認し、作成する
//
// 既に中身があるルートは他のクラスタが使用中とみなす。
func prepareRoot(plan *Plan) error {
	info, err := os.Stat(plan.Root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(plan.Root, 0755); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDirectoryCreationFailed, plan.Root, err)
		}
		plan.createdRoot = true
		return nil
	case err != nil:
		return fmt.Errorf("%w: %s: %v", ErrDirectoryCreationFailed, plan.Root, err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s exists and is not a directory", ErrDirectoryCreationFailed, plan.Root)
	}

	entries, err := os.ReadDir(plan.Root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryCreationFailed, plan.Root, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s contains %d entries", ErrRootInUse, plan.Root, len(entries))
	}
	return nil
}

// mkdir は mkdir -p と同じ動作でディレクトリを作成し、作成したものを記録する
func (p *Plan) mkdir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s exists and is not a directory", ErrDirectoryCreationFailed, dir)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryCreationFailed, dir, err)
	}

	p.mu.Lock()
	p.created = append(p.created, dir)
	p.mu.Unlock()
	return nil
}

// writeSiteConfig は全プロセス共通のサイト設定を書き出す
func writeSiteConfig(cfg *config.Config, plan *Plan) error {
	props := cfg.SiteConfig()
	if props == nil {
		props = make(map[string]string)
	}
	// 生成値はユーザー設定より優先する
	props["instance.name"] = plan.InstanceName
	props["instance.id"] = plan.InstanceID
	props["instance.coordination"] = plan.Coordination
	props["instance.coordination.timeout"] = cfg.CoordinationStartupTimeout().String()

	if err := os.WriteFile(plan.SiteConfigPath, []byte(FormatProperties(props)), 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrDirectoryCreationFailed, plan.SiteConfigPath, err)
	}
	return nil
}

// FormatProperties はキーでソートした key=value 形式の文字列を返す
func FormatProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Auto-generated by minicluster. DO NOT EDIT MANUALLY\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(props[k], "\n", `\n`))
		b.WriteByte('\n')
	}
	return b.String()
}

// writeCoordinationConfig はコーディネーションサービスの設定を書き出す
func writeCoordinationConfig(pp ProcessPlan) error {
	dataDir := filepath.Join(pp.Dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirectoryCreationFailed, dataDir, err)
	}

	lines := []string{
		"tickTime=2000",
		"initLimit=10",
		"syncLimit=5",
		"dataDir=" + dataDir,
		"clientPort=" + strconv.Itoa(pp.Port),
		"clientPortAddress=127.0.0.1",
		"maxClientCnxns=1000",
		"admin.enableServer=false",
		"4lw.commands.whitelist=ruok,stat,srvr,mntr",
	}
	path := filepath.Join(pp.Dir, CoordinationConfigFile)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrDirectoryCreationFailed, path, err)
	}
	return nil
}
