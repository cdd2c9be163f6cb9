package proc

import "errors"

// Error taxonomy surfaced by lifecycle operations. Callers match with
// errors.Is; messages carry the human-readable detail.
var (
	// ErrPortConflict: the configured port is held by a process this
	// supervisor does not own. Never auto-resolved; the caller must stop the
	// external occupant explicitly.
	ErrPortConflict = errors.New("port held by external process")

	// ErrPermissionDenied: signaling a foreign process was refused.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBadWorkDir: the definition's working directory is missing or not a
	// directory. Fails fast, no retry.
	ErrBadWorkDir = errors.New("working directory invalid")

	// ErrSpawn: the OS refused to create the process.
	ErrSpawn = errors.New("spawn failed")
)
