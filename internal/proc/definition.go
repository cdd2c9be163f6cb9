// Package proc owns the per-server process machinery: the definition a
// server is started from, the handle tracking one OS process, the status
// resolution table, and the idle monitor.
package proc

import (
	"os/exec"
	"strings"
	"time"
)

// Definition describes one configured development server. Loaded once at
// startup and never mutated. Name is the case-insensitive identity; the
// original casing is preserved for display.
type Definition struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"workdir" mapstructure:"workdir"`
	Port        int           `json:"port,omitempty" mapstructure:"port"`             // 0 means no port probing
	Autostart   bool          `json:"autostart" mapstructure:"autostart"`             // start with the supervisor
	PrefixLogs  bool          `json:"prefix_logs" mapstructure:"prefix_logs"`         // rendering hint for consumers
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" mapstructure:"idle_timeout"` // 0 disables idle stop
	Env         []string      `json:"env,omitempty" mapstructure:"env"`               // KEY=VALUE pairs
}

// Key returns the canonical lookup identity for the definition's name.
func Key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// BuildCommand constructs the *exec.Cmd for the definition's command line.
// It avoids a shell when the command has no metacharacters, and honors an
// explicit "sh -c ..." prefix without wrapping it in a second shell.
func (d *Definition) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(d.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := cutExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// cutExplicitShell detects a leading "sh -c <ARG>" (or an absolute-path
// variant) and returns the script after -c with one layer of outer quoting
// stripped, so redirections inside the script keep working.
func cutExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
