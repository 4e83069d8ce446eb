// Package recovery はプロセスの予期しない終了を検出する。
//
// Watcherはイベントバスを購読し、追跡中のプロセスがクラッシュした場合に
// コールバックを呼び出す。イベントはバッファが溢れると失われるため、
// Sweepを設定すると定期的にプロセスの状態を直接確認して補う。
//
// # 機能
//
// - イベント監視: process_crashed イベントからクラッシュを検出
// - 定期確認: Sweepで取りこぼしたクラッシュを検出
// - 統計: 役割ごとのクラッシュ数
//
// # 使用例
//
//	config := recovery.DefaultConfig()
//	config.OnCrash = func(id, reason string) {
//	    log.Printf("%s crashed: %s", id, reason)
//	}
//
//	w := recovery.New(bus, config)
//	w.Track("storage-server-0", "storage-server-1")
//	w.Start(ctx)
//	defer w.Stop()
package recovery
