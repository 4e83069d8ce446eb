// Package chaos はクラスタのプロセスに障害を注入する。
//
// ChaosMonkeyは稼働中のプロセス（既定ではストレージサーバー）を選んで
// 強制終了または一時停止し、クラスタの障害検出を結合テストで確認するために使用される。
//
// # 障害タイプ
//
// - Kill: SIGKILLで強制終了（クラスタからは予期しない終了に見える）
// - Suspend: SIGSTOPで一時停止し、SuspendTime経過後にSIGCONTで再開
//
// # 使用例
//
//	config := chaos.DefaultConfig()
//	config.Interval = 3 * time.Second
//	config.TargetCount = 2
//
//	monkey := chaos.New(c.Supervisor(), config)
//	monkey.SetEventBus(c.EventBus())
//	monkey.Start(ctx)
//	defer monkey.Stop()
//
// 定期攻撃を使わずに、Attackで1回だけ攻撃することもできる。
package chaos
