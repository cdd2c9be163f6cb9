package proc

import (
	"sync"
	"time"
)

// IdleMonitor stops a server that has gone unaccessed for its configured
// timeout. Each monitor belongs to one running instance: it fires at most
// once, then retires; a fresh start creates a fresh monitor. A timeout of
// zero disables monitoring entirely.
type IdleMonitor struct {
	timeout time.Duration
	idleFor func() time.Duration
	stopFn  func()
	done    chan struct{}
	once    sync.Once
}

// NewIdleMonitor begins watching. idleFor reports the current idle
// duration; stopFn is invoked exactly once when it exceeds timeout.
// Returns nil when timeout <= 0.
func NewIdleMonitor(timeout time.Duration, idleFor func() time.Duration, stopFn func()) *IdleMonitor {
	if timeout <= 0 {
		return nil
	}
	m := &IdleMonitor{
		timeout: timeout,
		idleFor: idleFor,
		stopFn:  stopFn,
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *IdleMonitor) run() {
	interval := m.timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			if m.idleFor() >= m.timeout {
				m.once.Do(func() { go m.stopFn() })
				return
			}
		}
	}
}

// Cancel retires the monitor without firing. Idempotent; nil-safe.
func (m *IdleMonitor) Cancel() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.done) })
}
