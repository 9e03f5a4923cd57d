// Package systemd installs and manages the user-level timer that runs
// periodic credential refreshes. Units live under
// ~/.config/systemd/user and are driven with systemctl --user, so no
// root is involved.
package systemd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"pianm/common"
)

// Unit names.
const (
	ServiceUnit = "pia-nm-refresh.service"
	TimerUnit   = "pia-nm-refresh.timer"
)

// Manager installs the refresh service and timer for the current user.
type Manager struct {
	// execPath is the binary the service unit runs; defaults to the
	// running executable.
	execPath string
}

// NewManager creates a manager targeting the running executable.
func NewManager() (*Manager, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, common.WrapError(err, "resolving executable path")
	}
	// Resolve symlinks so the unit keeps working if the link moves.
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return &Manager{execPath: path}, nil
}

// serviceContent renders the oneshot refresh service.
func (m *Manager) serviceContent() string {
	return fmt.Sprintf(`[Unit]
Description=PIA WireGuard Token Refresh
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart=%s refresh
StandardOutput=journal
StandardError=journal
SyslogIdentifier=pia-nm-refresh
PrivateTmp=true
NoNewPrivileges=true
`, m.execPath)
}

// timerContent renders the refresh timer. Persistent=true catches up
// after suspend or downtime, which matters for credentials with a
// bounded lifetime.
func (m *Manager) timerContent() string {
	return `[Unit]
Description=PIA WireGuard Token Refresh Timer

[Timer]
OnBootSec=5min
OnUnitActiveSec=12h
Persistent=true

[Install]
WantedBy=timers.target
`
}

// Install writes both units, reloads the user daemon, and enables the
// timer immediately.
func (m *Manager) Install() error {
	dir, err := unitDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return common.WrapError(err, "creating systemd user directory")
	}

	if err := os.WriteFile(filepath.Join(dir, ServiceUnit), []byte(m.serviceContent()), 0644); err != nil {
		return common.WrapError(err, "writing service unit")
	}
	if err := os.WriteFile(filepath.Join(dir, TimerUnit), []byte(m.timerContent()), 0644); err != nil {
		return common.WrapError(err, "writing timer unit")
	}

	if _, err := systemctl("daemon-reload"); err != nil {
		return err
	}
	if _, err := systemctl("enable", "--now", TimerUnit); err != nil {
		return err
	}

	common.LogInfo("Installed and enabled %s", TimerUnit)
	return nil
}

// Uninstall disables the timer, removes both unit files, and reloads
// the user daemon. A timer that was never installed is not an error.
func (m *Manager) Uninstall() error {
	if out, err := systemctl("disable", "--now", TimerUnit); err != nil {
		if !strings.Contains(strings.ToLower(out), "not found") &&
			!strings.Contains(strings.ToLower(out), "does not exist") {
			return err
		}
	}

	dir, err := unitDir()
	if err != nil {
		return err
	}
	for _, unit := range []string{ServiceUnit, TimerUnit} {
		path := filepath.Join(dir, unit)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return common.WrapError(err, "removing "+unit)
		}
	}

	if _, err := systemctl("daemon-reload"); err != nil {
		return err
	}

	common.LogInfo("Uninstalled %s", TimerUnit)
	return nil
}

// Enable turns the timer on without reinstalling units.
func (m *Manager) Enable() error {
	_, err := systemctl("enable", "--now", TimerUnit)
	return err
}

// Disable turns the timer off but leaves the unit files in place.
func (m *Manager) Disable() error {
	_, err := systemctl("disable", "--now", TimerUnit)
	return err
}

// Status reports whether the timer is active, plus the schedule line
// from list-timers for display.
func (m *Manager) Status() (active bool, detail string, err error) {
	out, err := systemctl("is-active", TimerUnit)
	state := strings.TrimSpace(out)
	// is-active exits non-zero for every state but "active"; the state
	// text is still the answer, not a failure.
	if err != nil && state == "" {
		return false, "", err
	}
	active = state == "active"

	if active {
		if timers, err := systemctl("list-timers", TimerUnit, "--no-pager"); err == nil {
			detail = strings.TrimSpace(timers)
		}
	}
	return active, detail, nil
}

// systemctl runs a systemctl --user command with the standard timeout
// and returns its combined output.
func systemctl(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), common.CommandTimeout)
	defer cancel()

	full := append([]string{"--user"}, args...)
	out, err := exec.CommandContext(ctx, "systemctl", full...).CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), fmt.Errorf("systemctl %s timed out", strings.Join(args, " "))
		}
		return string(out), common.WrapError(err,
			fmt.Sprintf("systemctl %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out))))
	}
	return string(out), nil
}

func unitDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", common.WrapError(err, "resolving home directory")
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}
