package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"minicluster/internal/logger"
	"minicluster/internal/process"
)

// ErrNotReady はコーディネーションサービスが応答しない場合のエラー
var ErrNotReady = errors.New("coordination service not ready")

const (
	defaultTimeout        = time.Second
	defaultSessionTimeout = 10 * time.Second
	logID                 = "coordination"
)

// zkLogger はzkクライアントのログをデバッグレベルに流す
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	logger.Debug(logID, format, args...)
}

// Servers は接続文字列をサーバーのリストに分解する（chroot は除く）
func Servers(connect string) []string {
	if i := strings.Index(connect, "/"); i >= 0 {
		connect = connect[:i]
	}
	var servers []string
	for _, s := range strings.Split(connect, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

func timeoutFor(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < defaultTimeout {
			return d
		}
	}
	return defaultTimeout
}

// RuokProbe は全サーバーが ruok に imok を返したら準備完了とみなす
func RuokProbe(connect string) process.Probe {
	servers := Servers(connect)
	return process.ProbeFunc(func(ctx context.Context) error {
		if len(servers) == 0 {
			return fmt.Errorf("%w: empty connect string", ErrNotReady)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, ok := range zk.FLWRuok(servers, timeoutFor(ctx)) {
			if !ok {
				return fmt.Errorf("%w: %s did not answer ruok", ErrNotReady, servers[i])
			}
		}
		return nil
	})
}

// connect はセッションが確立するまで待ってから接続を返す
func connect(ctx context.Context, connectString string) (*zk.Conn, error) {
	servers := Servers(connectString)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: empty connect string", ErrNotReady)
	}

	conn, evCh, err := zk.Connect(servers, defaultSessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("%w: connection closed", ErrNotReady)
			}
			if ev.State == zk.StateHasSession {
				return conn, nil
			}
			if ev.State == zk.StateAuthFailed {
				conn.Close()
				return nil, fmt.Errorf("%w: authentication failed", ErrNotReady)
			}
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrNotReady, connectString, ctx.Err())
		}
	}
}

// Ping は既存のコーディネーションサービスにセッションを張れるか確認する
func Ping(ctx context.Context, connectString string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := connect(ctx, connectString)
	if err != nil {
		return err
	}
	conn.Close()
	logger.Debug(logID, "Ping %s ok", connectString)
	return nil
}

// RegistrationProbe は path のznodeが存在したら準備完了とみなす
//
// サーバーが起動時に自身を登録するノードを指定する。
func RegistrationProbe(connectString, path string) process.Probe {
	return process.ProbeFunc(func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeoutFor(ctx))
		defer cancel()

		conn, err := connect(attemptCtx, connectString)
		if err != nil {
			return err
		}
		defer conn.Close()

		exists, _, err := conn.Exists(path)
		if err != nil {
			return fmt.Errorf("%w: exists %s: %v", ErrNotReady, path, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s not registered", ErrNotReady, path)
		}
		return nil
	})
}
