package process

import (
	"context"
	"net"
	"strconv"
)

// Probe はプロセスの準備完了を判定する
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc は関数をProbeとして扱うアダプタ
type ProbeFunc func(ctx context.Context) error

// Check はfを呼び出す
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// AlwaysReady は常に準備完了とみなすProbe
var AlwaysReady Probe = ProbeFunc(func(context.Context) error { return nil })

// TCPProbe はaddrへの接続が受け付けられたら準備完了とみなす
func TCPProbe(addr string) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// LocalPortProbe はループバックの指定ポートに対するTCPProbe
func LocalPortProbe(port int) Probe {
	return TCPProbe(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}
