//go:build !windows

package osproc

import (
	"errors"
	"os/exec"
	"syscall"
)

const groupSignals = true

func configureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func sigOf(s Sig) syscall.Signal {
	switch s {
	case SigTerm:
		return syscall.SIGTERM
	case SigKill:
		return syscall.SIGKILL
	default:
		return 0
	}
}

func signalGroup(pgid int, s Sig) error {
	if pgid <= 0 {
		return errors.New("invalid pgid")
	}
	return syscall.Kill(-pgid, sigOf(s))
}

func signalProcess(pid int, s Sig) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	return syscall.Kill(pid, sigOf(s))
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func groupID(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}
