package proc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestIdleMonitorDisabledByZeroTimeout(t *testing.T) {
	m := NewIdleMonitor(0, func() time.Duration { return time.Hour }, func() { t.Fatal("fired") })
	if m != nil {
		t.Fatal("zero timeout should return nil monitor")
	}
	m.Cancel() // nil-safe
}

func TestIdleMonitorFiresOnce(t *testing.T) {
	var fired atomic.Int32
	idle := func() time.Duration { return time.Hour }
	m := NewIdleMonitor(200*time.Millisecond, idle, func() { fired.Add(1) })
	defer m.Cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && fired.Load() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("fired %d times", fired.Load())
	}
	// the monitor retired after firing; waiting longer must not re-fire
	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("re-fired: %d", fired.Load())
	}
}

func TestIdleMonitorDoesNotFireWhileActive(t *testing.T) {
	var fired atomic.Int32
	m := NewIdleMonitor(300*time.Millisecond, func() time.Duration { return 0 }, func() { fired.Add(1) })
	defer m.Cancel()
	time.Sleep(500 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired despite activity: %d", fired.Load())
	}
}

func TestIdleMonitorCancelSuppressesFire(t *testing.T) {
	var fired atomic.Int32
	m := NewIdleMonitor(200*time.Millisecond, func() time.Duration { return time.Hour }, func() { fired.Add(1) })
	m.Cancel()
	m.Cancel() // idempotent
	time.Sleep(400 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired after cancel: %d", fired.Load())
	}
}
