//go:build linux

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

const unitName = serviceName + ".service"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Monody Discord bot
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Exec}} run
Environment=MONODY_HOME={{.Home}}
Restart=on-failure
RestartSec=30
StandardOutput=append:{{.LogPath}}
StandardError=append:{{.LogPath}}

[Install]
WantedBy=default.target
`))

// New returns a Linux systemd user service manager.
func New() (Manager, error) {
	return &systemdManager{}, nil
}

type systemdManager struct{}

func unitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", unitName)
}

func renderUnit(u unit) (string, error) {
	var b strings.Builder
	if err := unitTemplate.Execute(&b, u); err != nil {
		return "", err
	}
	return b.String(), nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s (%w)", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *systemdManager) Install() error {
	u, err := currentUnit()
	if err != nil {
		return err
	}
	text, err := renderUnit(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath()), 0755); err != nil {
		return fmt.Errorf("create systemd directory: %w", err)
	}
	if err := os.WriteFile(unitPath(), []byte(text), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", serviceName)
}

func (m *systemdManager) Uninstall() error {
	if _, err := os.Stat(unitPath()); os.IsNotExist(err) {
		return fmt.Errorf("service not installed")
	}
	_ = systemctl("disable", "--now", serviceName)
	if err := os.Remove(unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	_ = systemctl("daemon-reload")
	return nil
}

func (m *systemdManager) Start() error   { return systemctl("start", serviceName) }
func (m *systemdManager) Stop() error    { return systemctl("stop", serviceName) }
func (m *systemdManager) Restart() error { return systemctl("restart", serviceName) }

func (m *systemdManager) Status() (*Status, error) {
	s := &Status{LogPath: LogPath()}
	if _, err := os.Stat(unitPath()); err == nil {
		s.Installed = true
	}

	out, err := exec.Command("systemctl", "--user", "is-active", serviceName).Output()
	if err == nil && strings.TrimSpace(string(out)) == "active" {
		s.Running = true
		pidOut, err := exec.Command("systemctl", "--user", "show", serviceName, "--property=MainPID", "--value").Output()
		if err == nil {
			if pid, e := strconv.Atoi(strings.TrimSpace(string(pidOut))); e == nil && pid > 0 {
				s.PID = pid
			}
		}
	}
	if !s.Running {
		// Started by hand rather than by systemd.
		s.PID, s.Running = runningPID()
	}
	return s, nil
}
