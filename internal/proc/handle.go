package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/devsup/internal/logger"
	"github.com/loykin/devsup/internal/logring"
	"github.com/loykin/devsup/internal/metrics"
	"github.com/loykin/devsup/internal/osproc"
	"github.com/loykin/devsup/internal/statestore"
)

const (
	// graceWindow is how long a spawned process must stay up before the
	// handle reports Running instead of Starting.
	graceWindow = 500 * time.Millisecond

	// DefaultStopWait bounds the graceful-signal phase of a stop before
	// escalating to a forced kill.
	DefaultStopWait = 5 * time.Second

	reapWait = 200 * time.Millisecond
)

// Handle owns one OS process (or a reclaimed reference to one), its output
// readers, and its ring buffer. It is created on start or startup reclaim
// and destroyed on confirmed stop. Lifecycle calls on the same handle are
// serialized by the supervisor; internal state is still guarded for the
// benefit of concurrent status/log reads.
type Handle struct {
	def    Definition
	store  *statestore.Store
	ring   *logring.Ring
	bc     *logring.Broadcaster
	mirror logger.Config
	logger *slog.Logger

	// pubMu spans ring append and broadcast so the two reader goroutines
	// cannot deliver lines to subscribers out of sequence order.
	pubMu sync.Mutex

	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	pgid       int
	status     Status
	startedAt  time.Time
	lastAccess time.Time
	exitCode   int
	lastErr    string
	stopping   bool
	reclaimed  bool
	waitDone   chan struct{} // closed when the exit watcher reaps the process
	readers    sync.WaitGroup
	outW, errW io.WriteCloser
}

func NewHandle(def Definition, store *statestore.Store, bc *logring.Broadcaster, mirror logger.Config, lg *slog.Logger) *Handle {
	if lg == nil {
		lg = slog.Default()
	}
	return &Handle{
		def:    def,
		store:  store,
		ring:   logring.NewRing(logring.DefaultCapacity),
		bc:     bc,
		mirror: mirror,
		logger: lg.With("server", def.Name),
		status: StatusStopped,
	}
}

func (h *Handle) Definition() Definition { return h.def }
func (h *Handle) Ring() *logring.Ring    { return h.ring }

// Touch refreshes the last-access time used by the idle monitor.
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastAccess = time.Now()
	h.mu.Unlock()
}

// IdleFor returns how long the server has gone without access or output.
// Zero when the server is not running.
func (h *Handle) IdleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusRunning || h.lastAccess.IsZero() {
		return 0
	}
	return time.Since(h.lastAccess)
}

// Snapshot resolves the externally visible state on demand; liveness truth
// can change between calls, so nothing here is cached.
func (h *Handle) Snapshot(probe PortProber) Snapshot {
	h.mu.Lock()
	pid := h.pid
	st := h.status
	startedAt := h.startedAt
	lastErr := h.lastErr
	exitCode := h.exitCode
	reclaimed := h.reclaimed
	h.mu.Unlock()

	alive := pid > 0 && osproc.Alive(pid)
	portOpen := false
	if h.def.Port > 0 && probe != nil {
		portOpen = probe(h.def.Port)
	}
	resolved := ResolveStatus(Evidence{
		PIDKnown:     pid > 0,
		PIDAlive:     alive,
		SpawnErrored: lastErr != "",
		PortOpen:     portOpen,
	})
	// in-flight transitions stay authoritative over the probe
	if st == StatusStarting || st == StatusStopping {
		resolved = st
	}

	snap := Snapshot{
		Name:      h.def.Name,
		Status:    resolved,
		Port:      h.def.Port,
		ExitCode:  exitCode,
		Error:     lastErr,
		Reclaimed: reclaimed,
	}
	if resolved == StatusRunning || resolved == StatusStarting || resolved == StatusStopping {
		snap.PID = pid
		snap.StartedAt = startedAt
		if !startedAt.IsZero() {
			snap.UptimeSec = int64(time.Since(startedAt).Seconds())
		}
	}
	return snap
}

// Start spawns the definition's command in a new process group. Starting an
// already live handle is a no-op returning the current status. An External
// occupant on the configured port fails with ErrPortConflict; the caller
// must stop it explicitly first.
func (h *Handle) Start(ctx context.Context, probe PortProber) (Snapshot, error) {
	cur := h.Snapshot(probe)
	switch cur.Status {
	case StatusRunning, StatusStarting, StatusStopping:
		return cur, nil
	case StatusExternal:
		return cur, fmt.Errorf("%w: port %d", ErrPortConflict, h.def.Port)
	}

	workDir, err := h.resolveWorkDir()
	if err != nil {
		h.failStart(err.Error())
		return h.Snapshot(probe), err
	}

	cmd := h.def.BuildCommand()
	cmd.Dir = workDir
	cmd.Env = h.buildEnv()
	cmd.Stdin = nil
	osproc.ConfigureGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.failStart(err.Error())
		return h.Snapshot(probe), fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.failStart(err.Error())
		return h.Snapshot(probe), fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		msg := spawnHint(err)
		h.failStart(msg)
		return h.Snapshot(probe), fmt.Errorf("%w: %s", ErrSpawn, msg)
	}

	pid := cmd.Process.Pid
	pgid := osproc.GroupID(pid)
	if pgid <= 0 {
		pgid = pid
	}

	h.mu.Lock()
	h.cmd = cmd
	h.pid = pid
	h.pgid = pgid
	h.status = StatusStarting
	h.startedAt = time.Now()
	h.lastAccess = time.Now()
	h.exitCode = 0
	h.lastErr = ""
	h.stopping = false
	h.reclaimed = false
	h.waitDone = make(chan struct{})
	wd := h.waitDone
	h.mu.Unlock()

	if err := h.store.Save(h.def.Name, statestore.Record{
		PID:       pid,
		PGID:      pgid,
		StartUnix: osproc.StartTimeUnix(pid),
	}); err != nil {
		h.logger.Warn("state record write failed", "error", err)
	}

	h.attachReaders(stdout, stderr)
	go h.watchExit(cmd, wd)

	h.logger.Debug("spawned", "pid", pid, "pgid", pgid)

	// grace window: the process must outlive it to count as Running
	select {
	case <-wd:
		h.mu.Lock()
		code := h.exitCode
		h.mu.Unlock()
		msg := exitHint(code)
		h.failStart(msg)
		_ = h.store.Clear(h.def.Name)
		return h.Snapshot(probe), fmt.Errorf("%w: %s", ErrSpawn, msg)
	case <-time.After(graceWindow):
	case <-ctx.Done():
		// caller gave up waiting; the process keeps running
	}

	h.mu.Lock()
	if h.status == StatusStarting {
		h.status = StatusRunning
	}
	h.mu.Unlock()
	h.system("started (pid %d)", pid)
	return h.Snapshot(probe), nil
}

// Reclaim re-establishes bookkeeping over a process spawned by a previous
// supervisor run. It never spawns anything. Returns true when the recorded
// PID was verified as ours and reattached as Running; false clears the
// record (ReclaimMismatch or plain death) and leaves the handle Stopped.
func (h *Handle) Reclaim(rec statestore.Record) bool {
	if rec.PID <= 0 || !osproc.Alive(rec.PID) {
		_ = h.store.Clear(h.def.Name)
		return false
	}
	// Ownership proof: the live PID must still lead the recorded group and
	// carry the recorded start time. A recycled PID fails both.
	if rec.StartUnix > 0 {
		if cur := osproc.StartTimeUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			h.logger.Warn("recorded pid recycled by another process, dropping record", "pid", rec.PID)
			_ = h.store.Clear(h.def.Name)
			return false
		}
	}
	if rec.PGID > 0 {
		if cur := osproc.GroupID(rec.PID); cur > 0 && cur != rec.PGID {
			h.logger.Warn("recorded pid left its process group, dropping record", "pid", rec.PID)
			_ = h.store.Clear(h.def.Name)
			return false
		}
	}

	h.mu.Lock()
	h.cmd = nil // descriptors from the previous run are unrecoverable
	h.pid = rec.PID
	h.pgid = rec.PGID
	if h.pgid <= 0 {
		h.pgid = rec.PID
	}
	h.status = StatusRunning
	h.startedAt = rec.RecordedAt
	h.lastAccess = time.Now()
	h.lastErr = ""
	h.stopping = false
	h.reclaimed = true
	h.waitDone = nil
	h.mu.Unlock()

	h.system("reattached to pid %d from previous run; earlier output was not retained", rec.PID)
	h.logger.Info("reclaimed running server", "pid", rec.PID)
	return true
}

// Stop terminates the managed process group: graceful signal first, forced
// kill after wait. The state record is cleared and readers have finished
// before Stop returns. The handle ends Stopped regardless of how the
// process went down; a kill escalation is logged, not an error.
func (h *Handle) Stop(wait time.Duration) (Snapshot, error) {
	if wait <= 0 {
		wait = DefaultStopWait
	}

	h.mu.Lock()
	pid := h.pid
	pgid := h.pgid
	wd := h.waitDone
	alreadyDown := h.status.Terminal()
	if !alreadyDown {
		h.status = StatusStopping
		h.stopping = true
	}
	h.mu.Unlock()

	if alreadyDown || pid <= 0 || !osproc.Alive(pid) {
		h.finalizeStop()
		return h.Snapshot(nil), nil
	}

	if err := osproc.SignalGroup(pgid, osproc.SigTerm); err != nil {
		h.logger.Debug("group terminate failed, signaling leader", "error", err)
		_ = osproc.SignalProcess(pid, osproc.SigTerm)
	}

	if wd != nil {
		// a watcher owns cmd.Wait; wait for it to reap, then escalate
		select {
		case <-wd:
		case <-time.After(wait):
			h.logger.Warn("graceful stop timed out, killing group", "pid", pid)
			_ = osproc.SignalGroup(pgid, osproc.SigKill)
			select {
			case <-wd:
			case <-time.After(reapWait):
				// best effort
			}
		}
	} else {
		// reclaimed process: nothing to reap, poll liveness
		if !waitGone(pid, wait) {
			h.logger.Warn("graceful stop timed out, killing group", "pid", pid)
			_ = osproc.SignalGroup(pgid, osproc.SigKill)
			waitGone(pid, reapWait)
		}
	}

	h.finalizeStop()
	h.system("stopped")
	return h.Snapshot(nil), nil
}

// finalizeStop clears bookkeeping after the process is down (or was never
// up). Idempotent.
func (h *Handle) finalizeStop() {
	h.mu.Lock()
	h.status = StatusStopped
	h.stopping = false
	h.pid = 0
	h.pgid = 0
	h.cmd = nil
	h.reclaimed = false
	h.startedAt = time.Time{}
	h.lastAccess = time.Time{}
	outW, errW := h.outW, h.errW
	h.outW, h.errW = nil, nil
	h.mu.Unlock()

	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
	_ = h.store.Clear(h.def.Name)
}

// MarkDead transitions a handle whose process died out-of-band (observed by
// the supervisor's cleanup pass) to Stopped and clears its record.
func (h *Handle) MarkDead() {
	h.mu.Lock()
	wasUp := h.status == StatusRunning || h.status == StatusStarting
	h.mu.Unlock()
	if wasUp {
		h.finalizeStop()
		h.system("process disappeared")
	}
}

func (h *Handle) resolveWorkDir() (string, error) {
	dir := h.def.WorkDir
	if dir == "" {
		dir = "."
	}
	if home, err := os.UserHomeDir(); err == nil && len(dir) > 1 && dir[0] == '~' {
		dir = filepath.Join(home, dir[1:])
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadWorkDir, dir)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBadWorkDir, abs)
	}
	return abs, nil
}

// buildEnv layers the definition's env over the supervisor's, forcing the
// color variables dev tools look for so captured output keeps its ANSI
// styling.
func (h *Handle) buildEnv() []string {
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		"COLORTERM=truecolor",
	)
	return append(env, h.def.Env...)
}

func (h *Handle) failStart(msg string) {
	h.mu.Lock()
	h.status = StatusError
	h.lastErr = msg
	h.pid = 0
	h.pgid = 0
	h.cmd = nil
	h.mu.Unlock()
	h.system("start failed: %s", msg)
	h.logger.Error("start failed", "error", msg)
}

// attachReaders starts the two output-reader goroutines. Each decoded line
// lands in the ring, goes out through the broadcaster, mirrors to the log
// files when configured, and refreshes the idle clock. Reader failures are
// logged and never crash the supervisor.
func (h *Handle) attachReaders(stdout, stderr io.Reader) {
	outW, errW, err := h.mirror.Writers(h.def.Name)
	if err != nil {
		h.logger.Warn("output mirror unavailable", "error", err)
	}
	h.mu.Lock()
	h.outW, h.errW = outW, errW
	h.mu.Unlock()

	h.readers.Add(2)
	go h.readLines(stdout, logring.SourceStdout, outW)
	go h.readLines(stderr, logring.SourceStderr, errW)
}

func (h *Handle) readLines(r io.Reader, src logring.Source, mirror io.Writer) {
	defer h.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		h.Touch()
		h.publish(src, text)
		metrics.IncLogLine(h.def.Name, string(src))
		if mirror != nil {
			_, _ = mirror.Write(append([]byte(text), '\n'))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Debug("output reader ended", "source", src, "error", err)
	}
}

// watchExit reaps the process exactly once and publishes the terminal
// transition. An unexpected death (no stop requested) leaves the handle
// Stopped with the exit code retained for the next status query.
func (h *Handle) watchExit(cmd *exec.Cmd, wd chan struct{}) {
	// Wait would close the pipes; let the readers drain to EOF first.
	h.readers.Wait()
	err := cmd.Wait()

	code := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = code
	requested := h.stopping
	starting := h.status == StatusStarting
	if !requested && !starting {
		h.status = StatusStopped
		h.pid = 0
		h.pgid = 0
		h.cmd = nil
	}
	h.mu.Unlock()
	close(wd)

	if !requested && !starting {
		_ = h.store.Clear(h.def.Name)
		h.system("exited with code %d", code)
		h.logger.Info("server exited", "code", code)
	}
}

// publish appends one line to the ring and hands it to the broadcaster under
// the publish lock, so every subscriber sees this server's lines in ring
// order.
func (h *Handle) publish(src logring.Source, text string) {
	h.pubMu.Lock()
	ln := h.ring.Append(src, text)
	h.bc.Publish(logring.Event{Server: h.def.Name, Line: ln})
	h.pubMu.Unlock()
}

// system appends a supervisor-generated notice to the ring and broadcast.
func (h *Handle) system(format string, args ...any) {
	h.publish(logring.SourceSystem, fmt.Sprintf(format, args...))
}

func waitGone(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !osproc.Alive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !osproc.Alive(pid)
}

func spawnHint(err error) string {
	var ee *exec.Error
	if errors.As(err, &ee) {
		return "command not found: " + ee.Name
	}
	if errors.Is(err, os.ErrPermission) {
		return "permission denied running command"
	}
	return err.Error()
}

func exitHint(code int) string {
	switch code {
	case 127:
		return "exited immediately: command not found (127)"
	case 126:
		return "exited immediately: permission denied (126)"
	default:
		return fmt.Sprintf("exited immediately with code %d", code)
	}
}
