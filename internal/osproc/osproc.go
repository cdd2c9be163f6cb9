// Package osproc isolates OS process-group primitives behind a small
// capability surface. On Unix a managed server runs as the leader of a new
// process group so the whole tree can be signaled as a unit. Platforms
// without group signaling fall back to single-process termination; callers
// can inspect GroupSignals to surface the reduced guarantee.
package osproc

import "os/exec"

// ConfigureGroup sets the platform attributes on cmd so the child starts in
// its own process group (or the closest platform equivalent). Must be called
// before cmd.Start.
func ConfigureGroup(cmd *exec.Cmd) { configureGroup(cmd) }

// GroupSignals reports whether this platform can signal a whole process
// group. When false, SignalGroup degrades to signaling the single leader.
func GroupSignals() bool { return groupSignals }

// Signal numbers accepted by SignalGroup/SignalProcess, kept abstract so
// callers never import syscall.
type Sig int

const (
	SigCheck Sig = iota // existence probe, delivers nothing
	SigTerm             // graceful termination request
	SigKill             // forced kill
)

// SignalGroup delivers sig to the process group led by pgid.
func SignalGroup(pgid int, sig Sig) error { return signalGroup(pgid, sig) }

// SignalProcess delivers sig to a single process.
func SignalProcess(pid int, sig Sig) error { return signalProcess(pid, sig) }

// Alive reports whether pid exists. A process we lack permission to signal
// still counts as alive.
func Alive(pid int) bool { return alive(pid) }

// GroupID returns the process group id for pid, or 0 when unavailable.
func GroupID(pid int) int { return groupID(pid) }

// StartTimeUnix returns the kernel-recorded start time of pid in Unix
// seconds, or 0 when unavailable. Two observations of the same PID with
// different start times are different processes; this is the defence against
// PID recycling.
func StartTimeUnix(pid int) int64 { return startTimeUnix(pid) }
