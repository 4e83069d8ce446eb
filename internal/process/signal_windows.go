//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

var errUnsupported = errors.New("not supported on windows")

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Windowsには穏やかな終了シグナルがないため即時終了する
func terminate(p *os.Process) error {
	return ignoreDone(p.Kill())
}

func kill(p *os.Process) error {
	return ignoreDone(p.Kill())
}

func suspend(*os.Process) error {
	return errUnsupported
}

func resume(*os.Process) error {
	return errUnsupported
}

func sendSignal(p *os.Process, sig os.Signal) error {
	if sig == os.Kill {
		return kill(p)
	}
	return errUnsupported
}
