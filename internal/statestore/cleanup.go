package statestore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/devsup/internal/osproc"
)

// CleanupOrphans sweeps every project's record file under baseDir,
// terminating process groups left behind by supervisors that died without a
// clean shutdown and dropping entries whose PIDs are gone. It returns the
// number of processes terminated.
//
// Entries whose recorded start time no longer matches the live PID are
// dropped without signaling: the PID was recycled to an unrelated process.
func CleanupOrphans(baseDir string, logger *slog.Logger) int {
	if baseDir == "" {
		baseDir = DefaultDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	matches, err := filepath.Glob(filepath.Join(baseDir, "*_servers.json"))
	if err != nil {
		return 0
	}
	terminated := 0
	self := os.Getpid()
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var state map[string]Record
		if err := json.Unmarshal(b, &state); err != nil || state == nil {
			continue
		}
		changed := false
		for name, rec := range state {
			switch {
			case rec.PID <= 0 || rec.PID == self:
				delete(state, name)
				changed = true
			case !osproc.Alive(rec.PID):
				delete(state, name)
				changed = true
			case rec.StartUnix > 0 && osproc.StartTimeUnix(rec.PID) != rec.StartUnix:
				// recycled PID; not ours to kill
				delete(state, name)
				changed = true
			default:
				pgid := rec.PGID
				if pgid <= 0 {
					pgid = rec.PID
				}
				if err := osproc.SignalGroup(pgid, osproc.SigTerm); err != nil {
					logger.Debug("orphan terminate failed", "name", name, "pid", rec.PID, "error", err)
				} else {
					logger.Info("terminated orphaned server", "name", name, "pid", rec.PID)
					terminated++
				}
				delete(state, name)
				changed = true
			}
		}
		if changed {
			if b, err := json.MarshalIndent(state, "", "  "); err == nil {
				tmp := path + ".tmp"
				if os.WriteFile(tmp, b, 0o600) == nil {
					_ = os.Rename(tmp, path)
				}
			}
		}
	}
	return terminated
}
