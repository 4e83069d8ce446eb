// Package main is the entry point for minicluster.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"minicluster/internal/api"
	"minicluster/internal/chaos"
	"minicluster/internal/cluster"
	"minicluster/internal/config"
	"minicluster/internal/logger"
	"minicluster/internal/metrics"
)

var (
	version = "dev"
)

// options はコマンドラインフラグの値
type options struct {
	configFile    string
	dir           string
	servers       int
	debug         bool
	addr          string
	logLevel      string
	timeout       time.Duration
	ruok          bool
	chaosInterval time.Duration
}

func main() {
	var opts options
	showVersion := flag.Bool("version", false, "バージョンを表示")
	flag.StringVar(&opts.configFile, "config", "", "設定ファイルパス (YAML/JSON、必須)")
	flag.StringVar(&opts.dir, "dir", "", "クラスタのルートディレクトリ（設定ファイルを上書き）")
	flag.IntVar(&opts.servers, "servers", -1, "ストレージサーバー数（設定ファイルを上書き）")
	flag.BoolVar(&opts.debug, "debug", false, "デバッグポートを割り当てる")
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:8080", "APIサーバーアドレス（空で無効）")
	flag.StringVar(&opts.logLevel, "log-level", "info", "ログレベル (debug, info, warn, error)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "起動全体のタイムアウト（設定ファイルを上書き）")
	flag.BoolVar(&opts.ruok, "ruok", false, "コーディネーションの準備完了をruokで確認する")
	flag.DurationVar(&opts.chaosInterval, "chaos", 0, "ストレージサーバーへの障害注入間隔（0で無効）")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `minicluster - local multi-process cluster for integration tests

Usage:
  minicluster -config cluster.yaml [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # 設定ファイルからクラスタを起動
  minicluster -config cluster.yaml

  # ストレージサーバー数とディレクトリを上書き
  minicluster -config cluster.yaml -servers 3 -dir /tmp/mc

  # 10秒ごとにストレージサーバーを攻撃
  minicluster -config cluster.yaml -chaos 10s
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("minicluster version %s\n", version)
		return
	}

	logger.Default = logger.NewConsole(os.Stderr, logger.ParseLevel(opts.logLevel))

	cfg, err := buildConfig(opts)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(2)
	}

	if err := run(cfg, opts); err != nil {
		logger.Error("", "%v", err)
		os.Exit(1)
	}
}

// buildConfig は設定ファイルを読み込み、フラグで上書きする
func buildConfig(opts options) (*config.Config, error) {
	if opts.configFile == "" {
		return nil, errors.New("-config is required")
	}

	fileConfig, err := config.LoadFile(opts.configFile)
	if err != nil {
		return nil, err
	}

	fc := &fileConfig.Cluster
	if opts.dir != "" {
		fc.Dir = opts.dir
	}
	if opts.servers >= 0 {
		fc.StorageServers = &opts.servers
	}
	if opts.debug {
		fc.Debug = true
	}
	if opts.timeout > 0 {
		fc.StartupTimeout = opts.timeout.String()
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

// run はクラスタを起動し、シグナルを受信するか障害が起きるまで待機する
func run(cfg *config.Config, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clusterOpts := []cluster.Option{cluster.WithMetrics(m)}
	if opts.ruok {
		clusterOpts = append(clusterOpts, cluster.WithCoordinationRuok())
	}

	c, err := cluster.Launch(ctx, cfg, clusterOpts...)
	if err != nil {
		return fmt.Errorf("クラスタ起動エラー: %w", err)
	}
	printInfo(c)

	var monkey *chaos.Monkey
	if opts.chaosInterval > 0 {
		chaosConfig := chaos.DefaultConfig()
		chaosConfig.Interval = opts.chaosInterval
		monkey = chaos.New(c.Supervisor(), chaosConfig)
		monkey.SetEventBus(c.EventBus())
		monkey.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.addr != "" {
		serverOpts := []api.Option{api.WithMetrics(m)}
		if monkey != nil {
			serverOpts = append(serverOpts, api.WithChaos(monkey))
		}
		server := api.NewServer(opts.addr, c, serverOpts...)
		g.Go(func() error { return server.Start(gctx) })
	}
	g.Go(func() error { return watch(gctx, c, monkey != nil) })

	waitErr := g.Wait()
	if errors.Is(waitErr, errStopped) {
		waitErr = nil
	}

	if monkey != nil {
		monkey.Stop()
	}
	logger.Info("", "Shutting down cluster...")
	stopErr := c.Stop()

	return multierr.Append(waitErr, stopErr)
}

// watch はクラスタの状態を監視し、障害や停止を検出したら戻る
func watch(ctx context.Context, c *cluster.Cluster, chaosEnabled bool) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			switch c.State() {
			case cluster.StateFailed:
				if chaosEnabled {
					// 障害注入中は失敗を想定内として扱う
					continue
				}
				return fmt.Errorf("クラスタ障害: %w", c.Err())
			case cluster.StateStopped:
				return errStopped
			}
		}
	}
}

var errStopped = errors.New("cluster stopped")

func printInfo(c *cluster.Cluster) {
	fmt.Println("minicluster")
	fmt.Println("====================================================")
	fmt.Printf("Instance:     %s\n", c.InstanceName())
	fmt.Printf("Directory:    %s\n", c.Dir())
	fmt.Printf("Coordination: %s\n", c.ConnectString())
	for _, p := range c.Processes() {
		line := fmt.Sprintf("  %-18s pid=%-7d port=%d", p.Name, p.Pid, p.Port)
		if p.DebugPort != 0 {
			line += fmt.Sprintf(" debug=%d", p.DebugPort)
		}
		fmt.Println(line)
	}
	fmt.Println("====================================================")
}
