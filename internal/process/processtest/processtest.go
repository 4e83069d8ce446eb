// Package processtest provides a stand-in server process for tests.
//
// A test binary re-executes itself as the server: call MaybeRun at the top of
// TestMain, and launch Path() with Args(mode, ...) as the process command.
//
//	func TestMain(m *testing.M) {
//	    processtest.MaybeRun()
//	    os.Exit(m.Run())
//	}
//
// Modes:
//
//	listen    listen on the port after -delay, exit 0 on SIGTERM
//	          (or exit with -code once -lifetime has passed)
//	stubborn  like listen, but ignore SIGTERM
//	exit      exit with -code after -delay without listening
//	sleep     block until SIGTERM without listening
package processtest

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

const (
	// Marker は補助プロセスとして起動されたことを示す最初の引数
	Marker = "minicluster-helper"

	ModeListen   = "listen"
	ModeStubborn = "stubborn"
	ModeExit     = "exit"
	ModeSleep    = "sleep"
)

// Path は補助プロセスとして起動する実行ファイルのパスを返す
func Path() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return os.Args[0]
}

// Args は補助プロセスの引数を組み立てる
func Args(mode string, flags ...string) []string {
	return append([]string{Marker, mode}, flags...)
}

// MaybeRun は補助プロセスとして起動された場合に動作を実行して終了する
func MaybeRun() {
	if len(os.Args) < 3 || os.Args[1] != Marker {
		return
	}
	os.Exit(run(os.Args[2], os.Args[3:]))
}

func run(mode string, args []string) int {
	fs := flag.NewFlagSet(Marker, flag.ContinueOnError)
	delay := fs.Duration("delay", 0, "wait before becoming ready")
	code := fs.Int("code", 1, "exit code for exit mode")
	port := fs.Int("port", envPort(), "port to listen on")
	lifetime := fs.Duration("lifetime", 0, "exit with -code this long after becoming ready (listen mode)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	switch mode {
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM, os.Interrupt)
	default:
		signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	}

	if *delay > 0 {
		select {
		case <-time.After(*delay):
		case <-sigCh:
			return 0
		}
	}

	switch mode {
	case ModeExit:
		fmt.Fprintf(os.Stderr, "exiting with code %d\n", *code)
		return *code
	case ModeSleep:
		<-sigCh
		return 0
	case ModeListen, ModeStubborn:
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "listen: %v\n", err)
			return 3
		}
		fmt.Fprintf(os.Stdout, "listening on %s\n", l.Addr())
		go serve(l)
		var expired <-chan time.Time
		if *lifetime > 0 {
			expired = time.After(*lifetime)
		}
		select {
		case <-sigCh:
			_ = l.Close()
			return 0
		case <-expired:
			fmt.Fprintf(os.Stderr, "lifetime over, exiting with code %d\n", *code)
			return *code
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		return 2
	}
}

func serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}

func envPort() int {
	port, _ := strconv.Atoi(os.Getenv("MINICLUSTER_PORT"))
	return port
}
