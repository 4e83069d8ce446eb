// Package coordtest provides an in-process stand-in for a ZooKeeper server.
//
// The server speaks just enough of the client protocol for the probes in
// package coord: the "ruok" four-letter word, session establishment, pings,
// exists requests against a set of registered paths, and session close.
//
//	srv := coordtest.NewServer(t)
//	srv.Register("/servers/storage-server-0")
//	err := coord.Ping(ctx, srv.Addr(), time.Second)
package coordtest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	opExists = 3
	opClose  = -11

	errNoNode = -101

	sessionTimeoutMs = 10000
	passwordLen      = 16
	statLen          = 68
	maxFrame         = 1 << 20
)

// Server はテスト用のコーディネーションサービス
type Server struct {
	l        net.Listener
	wg       sync.WaitGroup
	sessions atomic.Int64

	mu    sync.Mutex
	nodes map[string]bool
	conns map[net.Conn]bool
}

// NewServer は127.0.0.1の空きポートで待ち受けるサーバーを起動する
//
// テスト終了時に停止する。
func NewServer(t testing.TB) *Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("coordtest: listen: %v", err)
	}

	s := &Server{
		l:     l,
		nodes: make(map[string]bool),
		conns: make(map[net.Conn]bool),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr は接続文字列を返す
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// Register は path のznodeを存在する状態にする
func (s *Server) Register(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[path] = true
}

// Sessions は確立したセッション数を返す
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

// Close はサーバーと全ての接続を閉じる
func (s *Server) Close() {
	_ = s.l.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			_ = s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) error {
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return err
	}
	if string(head[:]) == "ruok" {
		_, err := conn.Write([]byte("imok"))
		return err
	}

	// 接続要求の中身は使わない
	if _, err := readBody(conn, head); err != nil {
		return err
	}
	session := s.sessions.Add(1)

	resp := make([]byte, 4+4+8+4+passwordLen)
	binary.BigEndian.PutUint32(resp[4:8], sessionTimeoutMs)
	binary.BigEndian.PutUint64(resp[8:16], uint64(session))
	binary.BigEndian.PutUint32(resp[16:20], passwordLen)
	if err := writeFrame(conn, resp); err != nil {
		return err
	}

	for {
		if _, err := io.ReadFull(conn, head[:]); err != nil {
			return err
		}
		req, err := readBody(conn, head)
		if err != nil {
			return err
		}
		if len(req) < 8 {
			return errors.New("short request")
		}
		xid := binary.BigEndian.Uint32(req[0:4])
		op := int32(binary.BigEndian.Uint32(req[4:8]))

		switch op {
		case opExists:
			if s.exists(req[8:]) {
				err = writeFrame(conn, append(replyHeader(xid, 0), make([]byte, statLen)...))
			} else {
				err = writeFrame(conn, replyHeader(xid, errNoNode))
			}
		case opClose:
			_ = writeFrame(conn, replyHeader(xid, 0))
			return nil
		default:
			err = writeFrame(conn, replyHeader(xid, 0))
		}
		if err != nil {
			return err
		}
	}
}

// exists は existsRequest のパスが登録済みか返す
func (s *Server) exists(body []byte) bool {
	if len(body) < 4 {
		return false
	}
	n := int(binary.BigEndian.Uint32(body[0:4]))
	if n < 0 || 4+n > len(body) {
		return false
	}
	path := string(body[4 : 4+n])

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[path]
}

func replyHeader(xid uint32, code int32) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:4], xid)
	binary.BigEndian.PutUint32(b[12:16], uint32(code))
	return b
}

func readBody(r io.Reader, head [4]byte) ([]byte, error) {
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrame {
		return nil, errors.New("frame too large")
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func writeFrame(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}
