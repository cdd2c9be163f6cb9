package proc

import (
	"net"
	"testing"
)

func TestDialProbe(t *testing.T) {
	if DialProbe(0) || DialProbe(-1) {
		t.Fatal("probe of invalid port succeeded")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if !DialProbe(port) {
		t.Fatalf("probe of live listener on %d failed", port)
	}
	_ = ln.Close()
	if DialProbe(port) {
		t.Fatalf("probe of closed port %d succeeded", port)
	}
}

func TestPortOwnerPIDNoListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	if pid := PortOwnerPID(port); pid != 0 {
		t.Fatalf("owner of free port: %d", pid)
	}
}
