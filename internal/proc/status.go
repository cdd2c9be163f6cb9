package proc

import "time"

// Status is the externally visible state of one server. The values are
// mutually exclusive and drive all user-visible behavior.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"  // managed by this supervisor
	StatusExternal Status = "external" // configured port held by a foreign process
	StatusError    Status = "error"
	StatusStopping Status = "stopping"
)

// Terminal reports whether a new start may proceed from this status.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusExternal || s == ""
}

// Snapshot is the structured status returned by every supervisor operation.
type Snapshot struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UptimeSec int64     `json:"uptime_seconds,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reclaimed bool      `json:"reclaimed,omitempty"` // reattached from a previous supervisor run
}

// Evidence is everything ResolveStatus may consider. Keeping it a plain
// value makes the decision table directly unit-testable.
type Evidence struct {
	PIDKnown     bool // a managed (or reclaimed) PID is on record
	PIDAlive     bool // that PID currently exists
	SpawnErrored bool // the last start attempt failed to spawn or died in the grace window
	PortOpen     bool // the configured port accepts connections
}

// ResolveStatus computes the visible state from liveness evidence.
// PID-ownership evidence always wins over the port probe: a managed process
// may be between bind calls, or serving a port the config never declared.
func ResolveStatus(ev Evidence) Status {
	switch {
	case ev.PIDKnown && ev.PIDAlive:
		return StatusRunning
	case ev.SpawnErrored:
		return StatusError
	case ev.PortOpen:
		return StatusExternal
	default:
		return StatusStopped
	}
}
