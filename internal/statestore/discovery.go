package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Discovery is published so external clients (the CLI, automation tooling)
// can find a live supervisor for a project without scanning ports. The file
// is written owner-only: it is the sole basis of trust for API access.
type Discovery struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
}

func discoveryPath(baseDir, projectDir string) string {
	if baseDir == "" {
		baseDir = DefaultDir()
	}
	return filepath.Join(baseDir, ProjectKey(projectDir)+"_discovery.json")
}

// WriteDiscovery publishes the supervisor's endpoint for projectDir.
func WriteDiscovery(baseDir, projectDir string, d Discovery) error {
	if baseDir == "" {
		baseDir = DefaultDir()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	path := discoveryPath(baseDir, projectDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadDiscovery loads the published endpoint, if any.
func ReadDiscovery(baseDir, projectDir string) (Discovery, bool) {
	b, err := os.ReadFile(discoveryPath(baseDir, projectDir))
	if err != nil {
		return Discovery{}, false
	}
	var d Discovery
	if err := json.Unmarshal(b, &d); err != nil {
		return Discovery{}, false
	}
	return d, true
}

// RemoveDiscovery unpublishes the endpoint. Best effort.
func RemoveDiscovery(baseDir, projectDir string) {
	_ = os.Remove(discoveryPath(baseDir, projectDir))
}
