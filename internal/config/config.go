// Package config loads the project's server definitions and supervisor
// settings from a YAML file via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/devsup/internal/logger"
	"github.com/loykin/devsup/internal/proc"
)

// DefaultFileName is looked up when no explicit path is given.
const DefaultFileName = "devsup.yaml"

// FileConfig is the top-level YAML structure:
//
//	log:
//	  level: info
//	  color: true
//	mirror:
//	  dir: .devsup/logs
//	history: sqlite://.devsup/history.db
//	listen: 127.0.0.1:7911
//	servers:
//	  - name: web
//	    command: npm run dev
//	    workdir: ./frontend
//	    port: 3000
//	    autostart: true
//	    idle_timeout: 30m
type FileConfig struct {
	Log     LogSettings       `mapstructure:"log"`
	Mirror  logger.Config     `mapstructure:"mirror"`
	History string            `mapstructure:"history"` // sink DSN, empty disables
	Listen  string            `mapstructure:"listen"`  // HTTP API bind address
	Servers []proc.Definition `mapstructure:"servers"`

	// ProjectDir is the directory the config file was found in; it scopes
	// the state file. Not read from YAML.
	ProjectDir string `mapstructure:"-"`
}

// LogSettings controls the supervisor's own console logging.
type LogSettings struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// Load reads and validates the config at path.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("listen", "127.0.0.1:7911")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fc.ProjectDir = filepath.Dir(abs)
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) validate() error {
	if len(fc.Servers) == 0 {
		return fmt.Errorf("config declares no servers")
	}
	seen := make(map[string]string, len(fc.Servers))
	for i := range fc.Servers {
		d := &fc.Servers[i]
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("server %d: name required", i)
		}
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("server %q: command required", d.Name)
		}
		key := proc.Key(d.Name)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("server names %q and %q collide (identity is case-insensitive)", prev, d.Name)
		}
		seen[key] = d.Name
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("server %q: invalid port %d", d.Name, d.Port)
		}
		// workdir is relative to the project unless absolute
		if d.WorkDir != "" && !filepath.IsAbs(d.WorkDir) && !strings.HasPrefix(d.WorkDir, "~") {
			d.WorkDir = filepath.Join(fc.ProjectDir, d.WorkDir)
		}
		if d.WorkDir == "" {
			d.WorkDir = fc.ProjectDir
		}
	}
	return nil
}

// ResolvePath locates the config file: an absolute or existing path wins;
// otherwise parent directories are searched upward, stopping at a .git
// boundary, so devsup can run from anywhere inside a project.
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultFileName
	}
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	dir, err := os.Getwd()
	if err != nil {
		return path
	}
	for depth := 0; depth < 20; depth++ {
		candidate := filepath.Join(dir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return path
}
