//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// プロセスグループごとシグナルを送り、子孫プロセスを残さない
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func terminate(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func suspend(p *os.Process) error {
	return signalGroup(p, syscall.SIGSTOP)
}

func resume(p *os.Process) error {
	return signalGroup(p, syscall.SIGCONT)
}

func sendSignal(p *os.Process, sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		return signalGroup(p, s)
	}
	return p.Signal(sig)
}
