// Package daemon runs the bot as a background service under the platform
// service manager (systemd user units on Linux, LaunchAgents on macOS).
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/clawplaza/monody/internal/config"
)

const (
	label       = "ai.clawplaza.monody"
	serviceName = "monody"
)

// Manager defines platform-specific service management operations.
type Manager interface {
	Install() error
	Uninstall() error
	Start() error
	Stop() error
	Restart() error
	Status() (*Status, error)
}

// Status describes the current state of the background service.
type Status struct {
	Installed bool
	Running   bool
	PID       int
	LogPath   string
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(config.Dir(), "daemon.log")
}

// ExecPath returns the resolved absolute path of the running binary.
func ExecPath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate binary: %w", err)
	}
	p, err = filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve binary path: %w", err)
	}
	return p, nil
}

// unit is what every service definition needs to know.
type unit struct {
	Exec    string
	LogPath string
	Home    string
}

func currentUnit() (unit, error) {
	execPath, err := ExecPath()
	if err != nil {
		return unit{}, err
	}
	logPath := LogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return unit{}, fmt.Errorf("create log directory: %w", err)
	}
	return unit{Exec: execPath, LogPath: logPath, Home: config.Dir()}, nil
}
