package proc

import (
	"fmt"
	"net"
	"strconv"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/loykin/devsup/internal/osproc"
)

// PortProber reports whether a local TCP port currently accepts
// connections. Injected so tests can substitute deterministic probes.
type PortProber func(port int) bool

// DialProbe is the default prober: a short non-blocking connect against
// loopback.
func DialProbe(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// PortOwnerPID returns the PID of the process listening on port, or 0 when
// it cannot be determined (no listener, or insufficient rights to inspect
// connection tables).
func PortOwnerPID(port int) int {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return 0
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			return int(c.Pid)
		}
	}
	return 0
}

// TerminatePortOwner signals the foreign process occupying port. Used for
// an explicit stop of an External server. Permission failures are reported
// to the caller, never fatal to the supervisor.
func TerminatePortOwner(port int) error {
	pid := PortOwnerPID(port)
	if pid == 0 {
		return fmt.Errorf("%w: no identifiable listener on port %d", ErrPermissionDenied, port)
	}
	if err := osproc.SignalProcess(pid, osproc.SigTerm); err != nil {
		return fmt.Errorf("%w: terminate pid %d on port %d: %v", ErrPermissionDenied, pid, port, err)
	}
	return nil
}
