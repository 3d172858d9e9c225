//go:build darwin

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
  "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + label + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>run</string>
    </array>
    <key>EnvironmentVariables</key>
    <dict>
        <key>MONODY_HOME</key>
        <string>{{.Home}}</string>
    </dict>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>
</dict>
</plist>
`))

// New returns a macOS LaunchAgent service manager.
func New() (Manager, error) {
	return &launchdManager{}, nil
}

type launchdManager struct{}

func plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
}

func launchctl(args ...string) error {
	if out, err := exec.Command("launchctl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl %s: %s (%w)", args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *launchdManager) Install() error {
	u, err := currentUnit()
	if err != nil {
		return err
	}
	var b strings.Builder
	if err := plistTemplate.Execute(&b, u); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath()), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(plistPath(), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return launchctl("load", "-w", plistPath())
}

func (m *launchdManager) Uninstall() error {
	pp := plistPath()
	if _, err := os.Stat(pp); os.IsNotExist(err) {
		return fmt.Errorf("service not installed")
	}
	_ = launchctl("unload", pp)
	if err := os.Remove(pp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (m *launchdManager) Start() error { return launchctl("start", label) }
func (m *launchdManager) Stop() error  { return launchctl("stop", label) }

func (m *launchdManager) Restart() error {
	_ = m.Stop()
	return m.Start()
}

func (m *launchdManager) Status() (*Status, error) {
	s := &Status{LogPath: LogPath()}
	if _, err := os.Stat(plistPath()); err == nil {
		s.Installed = true
	}
	s.PID, s.Running = runningPID()
	return s, nil
}
