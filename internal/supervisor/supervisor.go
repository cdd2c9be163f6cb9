// Package supervisor composes the process machinery into the operation
// surface consumers call: start, stop, status, logs, subscribe. It owns
// every ProcessHandle, runs the startup reclaim pass, autostarts flagged
// servers, and coordinates graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devsup/internal/history"
	"github.com/loykin/devsup/internal/logger"
	"github.com/loykin/devsup/internal/logring"
	"github.com/loykin/devsup/internal/metrics"
	"github.com/loykin/devsup/internal/proc"
	"github.com/loykin/devsup/internal/statestore"
)

// ErrUnknownServer is returned for names absent from the configuration.
var ErrUnknownServer = errors.New("unknown server")

// Config assembles a Supervisor.
type Config struct {
	ProjectDir      string
	StateDir        string // empty means statestore.DefaultDir()
	Definitions     []proc.Definition
	Mirror          logger.Config
	Logger          *slog.Logger
	Probe           proc.PortProber // nil means proc.DialProbe
	StopWait        time.Duration   // graceful window before kill; 0 means proc.DefaultStopWait
	ShutdownTimeout time.Duration   // global bound on parallel shutdown
	CleanupInterval time.Duration   // dead-entry sweep period; 0 means 2s
	Sinks           []history.Sink
}

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
)

type ctrlMsg struct {
	typ   ctrlType
	wait  time.Duration
	reply chan ctrlReply
}

type ctrlReply struct {
	snap    proc.Snapshot
	err     error
	started bool // this message performed the spawn
	stopped bool // this message took a live process down
}

// entry pairs one handle with the control goroutine serializing its
// lifecycle transitions. Status and log reads bypass the channel; they only
// touch in-memory state.
type entry struct {
	h      *proc.Handle
	ctrl   chan ctrlMsg
	cancel context.CancelFunc

	mu      sync.Mutex
	idle    *proc.IdleMonitor
	deadObs int // consecutive dead observations, flap damping
}

// Supervisor owns the collection of handles, indexed by case-insensitive
// server name.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	store  *statestore.Store
	bc     *logring.Broadcaster
	probe  proc.PortProber

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // display order, config order

	cleanStop chan struct{}
	closed    bool
	closeOnce sync.Once
}

// New builds the supervisor and its handles. Call Open to run the reclaim
// and autostart passes.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Probe == nil {
		cfg.Probe = proc.DialProbe
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = proc.DefaultStopWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 2 * time.Second
	}
	st, err := statestore.New(cfg.StateDir, cfg.ProjectDir, cfg.Logger)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger,
		store:   st,
		bc:      logring.NewBroadcaster(),
		probe:   cfg.Probe,
		entries: make(map[string]*entry),
	}
	for _, def := range cfg.Definitions {
		key := proc.Key(def.Name)
		if key == "" {
			return nil, fmt.Errorf("server with empty name in configuration")
		}
		if _, dup := s.entries[key]; dup {
			return nil, fmt.Errorf("duplicate server name %q", def.Name)
		}
		e := &entry{
			h:    proc.NewHandle(def, st, s.bc, cfg.Mirror, cfg.Logger),
			ctrl: make(chan ctrlMsg, 16),
		}
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go s.runEntry(ctx, e)
		s.entries[key] = e
		s.order = append(s.order, key)
	}
	return s, nil
}

// Open runs the startup sequence: reclaim recorded PIDs, then start
// autostart-flagged servers that are not already running, then begin the
// periodic dead-entry cleanup.
func (s *Supervisor) Open(ctx context.Context) error {
	for _, key := range s.orderedKeys() {
		e := s.entries[key]
		def := e.h.Definition()
		if rec, ok := s.store.Load(def.Name); ok {
			if e.h.Reclaim(rec) {
				metrics.IncReclaim(def.Name)
				s.emit(history.EventReclaim, e.h.Snapshot(nil), "")
				s.armIdle(e)
			}
		}
	}
	for _, key := range s.orderedKeys() {
		e := s.entries[key]
		def := e.h.Definition()
		if !def.Autostart {
			continue
		}
		if snap := e.h.Snapshot(s.probe); snap.Status == proc.StatusRunning {
			continue
		}
		if _, err := s.Start(ctx, def.Name); err != nil {
			s.logger.Error("autostart failed", "server", def.Name, "error", err)
		}
	}
	s.mu.Lock()
	if s.cleanStop == nil {
		s.cleanStop = make(chan struct{})
		go s.cleanupLoop(s.cleanStop)
	}
	s.mu.Unlock()
	s.updateRunningGauge()
	return nil
}

// runEntry is the per-server control loop: at most one lifecycle transition
// is ever in flight for a given name, while different servers proceed
// independently.
func (s *Supervisor) runEntry(ctx context.Context, e *entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.ctrl:
			var rep ctrlReply
			switch msg.typ {
			case ctrlStart:
				// the before-state is read here, inside the serialized
				// section, so only the call that spawned reports started
				before := e.h.Snapshot(s.probe)
				rep.snap, rep.err = e.h.Start(ctx, s.probe)
				rep.started = rep.err == nil &&
					rep.snap.Status == proc.StatusRunning &&
					before.Status != proc.StatusRunning
			case ctrlStop:
				before := e.h.Snapshot(s.probe)
				rep.snap, rep.err = e.h.Stop(msg.wait)
				rep.stopped = before.Status == proc.StatusRunning ||
					before.Status == proc.StatusStarting
			}
			if msg.reply != nil {
				msg.reply <- rep
			}
		}
	}
}

func (s *Supervisor) entryFor(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("supervisor is shut down")
	}
	e := s.entries[proc.Key(name)]
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return e, nil
}

// Start launches the named server. Starting a live server is a no-op
// returning its current status; concurrent callers serialize on the entry's
// control channel and observe the same resulting status.
func (s *Supervisor) Start(ctx context.Context, name string) (proc.Snapshot, error) {
	e, err := s.entryFor(name)
	if err != nil {
		return proc.Snapshot{}, err
	}
	rep, err := s.send(ctx, e, ctrlMsg{typ: ctrlStart})
	if err != nil {
		return proc.Snapshot{}, err
	}
	e.h.Touch()
	if rep.err == nil && rep.snap.Status == proc.StatusRunning {
		if rep.started {
			metrics.IncStart(name)
			s.emit(history.EventStart, rep.snap, "")
		}
		s.armIdle(e)
	}
	if rep.err != nil {
		s.emit(history.EventError, rep.snap, rep.err.Error())
	}
	s.resetDeadObs(e)
	s.updateRunningGauge()
	return rep.snap, rep.err
}

// Stop terminates the named server. For an External occupant it signals the
// foreign PID found via the port table; a permission failure is reported to
// the caller and changes nothing. Stopping cancels the idle monitor and the
// output readers before returning.
func (s *Supervisor) Stop(ctx context.Context, name string) (proc.Snapshot, error) {
	e, err := s.entryFor(name)
	if err != nil {
		return proc.Snapshot{}, err
	}
	snap := e.h.Snapshot(s.probe)
	if snap.Status == proc.StatusExternal {
		def := e.h.Definition()
		if err := proc.TerminatePortOwner(def.Port); err != nil {
			return snap, err
		}
		s.emit(history.EventStop, snap, "external occupant terminated")
		return e.h.Snapshot(s.probe), nil
	}

	s.disarmIdle(e)
	rep, err := s.send(ctx, e, ctrlMsg{typ: ctrlStop, wait: s.cfg.StopWait})
	if err != nil {
		return proc.Snapshot{}, err
	}
	if rep.stopped {
		metrics.IncStop(name)
		s.emit(history.EventStop, rep.snap, "")
	}
	s.resetDeadObs(e)
	s.updateRunningGauge()
	return rep.snap, rep.err
}

func (s *Supervisor) send(ctx context.Context, e *entry, msg ctrlMsg) (ctrlReply, error) {
	msg.reply = make(chan ctrlReply, 1)
	select {
	case e.ctrl <- msg:
	case <-ctx.Done():
		return ctrlReply{}, ctx.Err()
	}
	select {
	case rep := <-msg.reply:
		return rep, nil
	case <-ctx.Done():
		return ctrlReply{}, ctx.Err()
	}
}

// Status resolves one server's current state. Counts as access for idle
// purposes.
func (s *Supervisor) Status(name string) (proc.Snapshot, error) {
	e, err := s.entryFor(name)
	if err != nil {
		return proc.Snapshot{}, err
	}
	e.h.Touch()
	return e.h.Snapshot(s.probe), nil
}

// StatusAll reports every configured server in configuration order.
func (s *Supervisor) StatusAll() []proc.Snapshot {
	keys := s.orderedKeys()
	out := make([]proc.Snapshot, 0, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range keys {
		if e := s.entries[key]; e != nil {
			out = append(out, e.h.Snapshot(s.probe))
		}
	}
	return out
}

// Logs reads from the server's ring buffer. offset addresses the monotonic
// sequence space; truncated reports that the request reached evicted lines.
// With reverse set, offset 0 reads from the newest line rather than anchoring
// at sequence 0 (see logring.Ring.Read).
func (s *Supervisor) Logs(name string, offset uint64, limit int, reverse bool) ([]logring.Line, bool, error) {
	e, err := s.entryFor(name)
	if err != nil {
		return nil, false, err
	}
	e.h.Touch()
	lines, truncated := e.h.Ring().Read(offset, limit, reverse)
	return lines, truncated, nil
}

// Subscribe attaches a live log stream for one server or, with
// logring.TopicAll, for all of them.
func (s *Supervisor) Subscribe(topic string) (*logring.Subscription, error) {
	if topic != logring.TopicAll {
		e, err := s.entryFor(topic)
		if err != nil {
			return nil, err
		}
		e.h.Touch()
		topic = e.h.Definition().Name
	}
	sub := s.bc.Subscribe(topic)
	metrics.SetSubscribers(s.bc.SubscriberCount())
	return sub, nil
}

// Unsubscribe releases sub. Idempotent.
func (s *Supervisor) Unsubscribe(sub *logring.Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
	metrics.SetSubscribers(s.bc.SubscriberCount())
}

// Definitions returns the configured servers in order.
func (s *Supervisor) Definitions() []proc.Definition {
	keys := s.orderedKeys()
	out := make([]proc.Definition, 0, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range keys {
		if e := s.entries[key]; e != nil {
			out = append(out, e.h.Definition())
		}
	}
	return out
}

// StorePath exposes the record file location for diagnostics.
func (s *Supervisor) StorePath() string { return s.store.Path() }

// armIdle installs a fresh idle monitor for a newly running instance.
func (s *Supervisor) armIdle(e *entry) {
	def := e.h.Definition()
	if def.IdleTimeout <= 0 {
		return
	}
	e.mu.Lock()
	if e.idle != nil {
		e.idle.Cancel()
	}
	e.idle = proc.NewIdleMonitor(def.IdleTimeout, e.h.IdleFor, func() {
		s.logger.Info("idle timeout, stopping server", "server", def.Name, "timeout", def.IdleTimeout)
		metrics.IncIdleStop(def.Name)
		s.emit(history.EventIdleStop, e.h.Snapshot(nil), "idle timeout")
		if _, err := s.Stop(context.Background(), def.Name); err != nil {
			s.logger.Warn("idle stop failed", "server", def.Name, "error", err)
		}
	})
	e.mu.Unlock()
}

func (s *Supervisor) disarmIdle(e *entry) {
	e.mu.Lock()
	if e.idle != nil {
		e.idle.Cancel()
		e.idle = nil
	}
	e.mu.Unlock()
}

func (s *Supervisor) resetDeadObs(e *entry) {
	e.mu.Lock()
	e.deadObs = 0
	e.mu.Unlock()
}

// cleanupLoop periodically reconciles handles against reality: a Running
// entry whose PID has vanished is marked dead and its record cleared.
// Two consecutive dead observations are required before rewriting state so
// a process mid-exit does not flap between Running and External.
func (s *Supervisor) cleanupLoop(stop <-chan struct{}) {
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.CleanupOnce()
		}
	}
}

// CleanupOnce runs one reconciliation pass. Exported for tests and for the
// debug endpoint.
func (s *Supervisor) CleanupOnce() {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		snap := e.h.Snapshot(nil) // PID evidence only; no port probe here
		if snap.Status == proc.StatusRunning || snap.Status == proc.StatusStarting || snap.Status == proc.StatusStopping {
			s.resetDeadObs(e)
			continue
		}
		// a record with no live process behind it is a dead entry
		if _, recorded := s.store.Load(e.h.Definition().Name); !recorded {
			s.resetDeadObs(e)
			continue
		}
		e.mu.Lock()
		e.deadObs++
		fire := e.deadObs >= 2
		e.mu.Unlock()
		if fire {
			s.disarmIdle(e)
			e.h.MarkDead()
			_ = s.store.Clear(e.h.Definition().Name)
			s.emit(history.EventStop, e.h.Snapshot(nil), "process lost")
			s.logger.Info("cleared dead server record", "server", e.h.Definition().Name)
			s.resetDeadObs(e)
		}
	}
	s.updateRunningGauge()
}

// Shutdown stops all idle monitors, then every handle in parallel bounded
// by the global shutdown timeout, then closes sinks and subscriptions.
// Idempotent and safe to invoke twice.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		stop := s.cleanStop
		s.cleanStop = nil
		entries := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.Unlock()
		if stop != nil {
			close(stop)
		}

		for _, e := range entries {
			s.disarmIdle(e)
		}

		deadline := s.cfg.ShutdownTimeout
		if d, ok := ctx.Deadline(); ok {
			if until := time.Until(d); until < deadline {
				deadline = until
			}
		}
		var wg sync.WaitGroup
		for _, e := range entries {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				if _, err := e.h.Stop(s.cfg.StopWait); err != nil {
					s.logger.Warn("shutdown stop failed", "server", e.h.Definition().Name, "error", err)
				}
			}(e)
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(deadline):
			s.logger.Warn("shutdown timed out waiting for servers")
		}

		for _, e := range entries {
			e.cancel()
		}
		for _, sink := range s.cfg.Sinks {
			if err := sink.Close(); err != nil {
				s.logger.Warn("history sink close failed", "error", err)
			}
		}
		s.bc.Close()
		metrics.SetRunning(0)
		metrics.SetSubscribers(0)
	})
}

func (s *Supervisor) orderedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, len(s.order))
	copy(keys, s.order)
	return keys
}

func (s *Supervisor) updateRunningGauge() {
	n := 0
	s.mu.RLock()
	for _, e := range s.entries {
		if e.h.Snapshot(nil).Status == proc.StatusRunning {
			n++
		}
	}
	s.mu.RUnlock()
	metrics.SetRunning(n)
}

// emit forwards a lifecycle event to every configured sink. Sink failures
// are logged and never affect supervision.
func (s *Supervisor) emit(t history.EventType, snap proc.Snapshot, detail string) {
	if len(s.cfg.Sinks) == 0 {
		return
	}
	evt := history.Event{
		Type:       t,
		Server:     snap.Name,
		PID:        snap.PID,
		Status:     string(snap.Status),
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sink := range s.cfg.Sinks {
		if err := sink.Send(ctx, evt); err != nil {
			s.logger.Warn("history sink send failed", "error", err)
		}
	}
}
