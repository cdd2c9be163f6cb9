//go:build windows

package osproc

import (
	"os/exec"
	"syscall"
	"unsafe"
)

// Windows has no group-wide signal delivery; SignalGroup degrades to
// terminating the leader only.
const groupSignals = false

const createNewProcessGroup = 0x00000200

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
	procGetProcessTimes  = kernel32.NewProc("GetProcessTimes")
)

const (
	processTerminate = 0x0001
	processQueryInfo = 0x0400
)

func configureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

func signalGroup(pgid int, s Sig) error {
	// best effort: treat the recorded group id as the leader pid
	return signalProcess(pgid, s)
}

func signalProcess(pid int, s Sig) error {
	if pid <= 0 {
		return nil
	}
	if s == SigCheck {
		if alive(pid) {
			return nil
		}
		return syscall.ESRCH
	}
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// already gone; common during rapid teardown
		return nil
	}
	defer closeHandle(h)
	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := openProcess(processQueryInfo, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(h)
	return true
}

// groupID is not recoverable on Windows; callers fall back to the recorded
// value.
func groupID(pid int) int { return 0 }

func startTimeUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	h, err := syscall.OpenProcess(processQueryInfo, false, uint32(pid))
	if err != nil {
		return 0
	}
	defer func() { _ = syscall.CloseHandle(h) }()

	var creation, exit, kernel, user syscall.Filetime
	ret, _, _ := procGetProcessTimes.Call(uintptr(h),
		uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)),
		uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return 0
	}
	// FILETIME: 100ns ticks since 1601-01-01 UTC
	const ticksPerSecond = 10000000
	const epochDiff = 11644473600
	ft := (uint64(creation.HighDateTime) << 32) | uint64(creation.LowDateTime)
	return int64(ft/ticksPerSecond) - epochDiff
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(h))
	if ret == 0 {
		return err
	}
	return nil
}
