// Package dispatcher installs NetworkManager dispatcher scripts that
// react to tunnel state system-wide: an IPv6 guard that turns IPv6 off
// while a PIA profile is connected (and back on when the last one goes
// down), and a notifier that watches for WireGuard handshake
// completion and raises a desktop notification. The scripts live under
// /etc/NetworkManager/dispatcher.d; installing them needs root, so
// writes fall back to sudo when the directory is not writable.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"pianm/common"
)

// Script names. The numeric prefixes order execution: the notifier
// runs before the guard so the handshake monitor starts before IPv6
// state changes.
const (
	GuardScript  = "99-pia-nm-ipv6-guard.sh"
	NotifyScript = "98-pia-nm-connection-notify.sh"
)

const (
	defaultDir    = "/etc/NetworkManager/dispatcher.d"
	guardLogFile  = "/var/log/pia-nm-ipv6.log"
	notifyLogFile = "/var/log/pia-nm-notify.log"
	notifyPIDDir  = "/run/pia-nm"
)

const guardTemplate = `#!/bin/bash
#
# Disables IPv6 system-wide while a PIA profile is connected, to keep
# traffic from leaking around the IPv4-only tunnel. Restores IPv6 when
# the last PIA profile disconnects.
#

PROFILE_PREFIX="@PREFIX@"
LOGFILE="@LOGFILE@"

[ -e "$LOGFILE" ] || touch "$LOGFILE"
chmod 644 "$LOGFILE"

log() {
    echo "$(date '+%Y-%m-%d %H:%M:%S') - $1" >> "$LOGFILE"
}

disable_ipv6() {
    log "Disabling IPv6 system-wide (PIA profile active)"
    sysctl -w net.ipv6.conf.all.disable_ipv6=1 >/dev/null 2>&1
    sysctl -w net.ipv6.conf.default.disable_ipv6=1 >/dev/null 2>&1
}

enable_ipv6() {
    log "Re-enabling IPv6 system-wide (no PIA profile active)"
    sysctl -w net.ipv6.conf.all.disable_ipv6=0 >/dev/null 2>&1
    sysctl -w net.ipv6.conf.default.disable_ipv6=0 >/dev/null 2>&1
}

pia_is_active() {
    nmcli -t -f STATE,CONNECTION device 2>/dev/null \
        | grep -E "^connected:${PROFILE_PREFIX}" >/dev/null 2>&1
}

ACTION="$2"

case "$ACTION" in
    up)
        if [[ "$CONNECTION_ID" == "${PROFILE_PREFIX}"* ]]; then
            log "Profile $CONNECTION_ID went UP"
            disable_ipv6
        fi
        ;;
    down)
        if [[ "$CONNECTION_ID" == "${PROFILE_PREFIX}"* ]]; then
            log "Profile $CONNECTION_ID went DOWN"
            if pia_is_active; then
                log "Another PIA profile still active, keeping IPv6 disabled"
            else
                enable_ipv6
            fi
        fi
        ;;
    *)
        # NetworkManager restart, sleep/resume, and similar events land
        # here: reconcile the sysctl state with the actual profile state.
        current=$(sysctl -n net.ipv6.conf.all.disable_ipv6 2>/dev/null)
        if pia_is_active; then
            if [ "$current" != "1" ]; then
                log "Profile active but IPv6 enabled (event=$ACTION), correcting"
                disable_ipv6
            fi
        else
            if [ "$current" != "0" ]; then
                log "No profile active but IPv6 disabled (event=$ACTION), correcting"
                enable_ipv6
            fi
        fi
        ;;
esac

exit 0
`

const notifyTemplate = `#!/bin/bash
#
# Watches a freshly-activated PIA tunnel for WireGuard handshake
# completion and sends a desktop notification once the tunnel is
# actually passing traffic (activation alone does not prove that).
#

PROFILE_PREFIX="@PREFIX@"
LOGFILE="@LOGFILE@"
PID_DIR="@PIDDIR@"

[ -e "$LOGFILE" ] || touch "$LOGFILE"
chmod 644 "$LOGFILE"
[ -d "$PID_DIR" ] || mkdir -p "$PID_DIR"

log() {
    echo "$(date '+%Y-%m-%d %H:%M:%S') - $1" >> "$LOGFILE"
}

send_notification() {
    local title="$1" message="$2" icon="$3" urgency="$4"

    local user
    user=$(who | grep -E '\(:0\)' | head -1 | awk '{print $1}')
    if [[ -z "$user" ]]; then
        log "No active desktop session, skipping notification"
        return 1
    fi

    local uid
    uid=$(id -u "$user" 2>/dev/null)
    [[ -z "$uid" ]] && return 1

    sudo -u "$user" \
        DISPLAY=:0 \
        DBUS_SESSION_BUS_ADDRESS="unix:path=/run/user/${uid}/bus" \
        notify-send -i "$icon" -u "$urgency" "$title" "$message" 2>/dev/null \
        && log "Notification sent: $title"
}

wait_for_handshake() {
    local interface="$1"
    local pid_file="$PID_DIR/$interface.pid"
    local start
    start=$(date +%s)

    if ! command -v wg &>/dev/null; then
        log "wg not found, cannot monitor handshakes"
        return 1
    fi

    # 30s at 0.5s intervals.
    for ((i = 1; i <= 60; i++)); do
        # The down event removes the PID file to stop us.
        [[ -f "$pid_file" ]] || exit 0

        local handshake
        handshake=$(wg show "$interface" latest-handshakes 2>/dev/null | awk '{print $2}')
        if [[ -n "$handshake" && "$handshake" != "0" ]]; then
            local elapsed=$(($(date +%s) - start))
            local endpoint
            endpoint=$(wg show "$interface" endpoints 2>/dev/null | awk '{print $2}')
            log "Handshake completed for $interface in ${elapsed}s"
            send_notification "PIA VPN Connected" \
                "WireGuard tunnel ready (${elapsed}s) $endpoint" \
                "network-vpn" "normal"
            rm -f "$pid_file"
            exit 0
        fi
        sleep 0.5
    done

    log "Handshake timeout for $interface"
    send_notification "PIA VPN Connection" \
        "Unable to verify connection for $interface" \
        "dialog-warning" "critical"
    rm -f "$pid_file"
    exit 1
}

kill_existing_monitor() {
    local pid_file="$PID_DIR/$1.pid"
    local pid

    if [[ -f "$pid_file" ]]; then
        pid=$(cat "$pid_file" 2>/dev/null)
        if [[ -n "$pid" ]] && kill -0 "$pid" 2>/dev/null; then
            kill "$pid" 2>/dev/null
        fi
        rm -f "$pid_file"
    fi
}

INTERFACE="$1"
ACTION="$2"

case "$ACTION" in
    up)
        if [[ "$CONNECTION_ID" == "${PROFILE_PREFIX}"* ]]; then
            log "Profile $CONNECTION_ID up on $INTERFACE, starting handshake monitor"
            kill_existing_monitor "$INTERFACE"
            (
                echo $$ > "$PID_DIR/$INTERFACE.pid"
                wait_for_handshake "$INTERFACE"
            ) &
        fi
        ;;
    down)
        if [[ "$CONNECTION_ID" == "${PROFILE_PREFIX}"* ]]; then
            log "Profile $CONNECTION_ID down on $INTERFACE"
            kill_existing_monitor "$INTERFACE"
        fi
        ;;
esac

exit 0
`

// Manager installs and removes the dispatcher scripts.
type Manager struct {
	dir string
}

// NewManager targets the system dispatcher directory.
func NewManager() *Manager {
	return &Manager{dir: defaultDir}
}

func guardContent() []byte {
	return []byte(strings.NewReplacer(
		"@PREFIX@", common.ProfilePrefix,
		"@LOGFILE@", guardLogFile,
	).Replace(guardTemplate))
}

func notifyContent() []byte {
	return []byte(strings.NewReplacer(
		"@PREFIX@", common.ProfilePrefix,
		"@LOGFILE@", notifyLogFile,
		"@PIDDIR@", notifyPIDDir,
	).Replace(notifyTemplate))
}

// InstallGuard writes the IPv6 guard script. The dispatcher directory
// must already exist; it ships with NetworkManager.
func (m *Manager) InstallGuard() error {
	return m.install(GuardScript, guardContent())
}

// InstallNotify writes the connection notification script.
func (m *Manager) InstallNotify() error {
	return m.install(NotifyScript, notifyContent())
}

// RemoveGuard deletes the IPv6 guard script. A script that was never
// installed is not an error.
func (m *Manager) RemoveGuard() error {
	return m.remove(GuardScript)
}

// RemoveNotify deletes the connection notification script.
func (m *Manager) RemoveNotify() error {
	return m.remove(NotifyScript)
}

// GuardInstalled reports whether the IPv6 guard script is in place.
func (m *Manager) GuardInstalled() bool {
	return common.FileExists(filepath.Join(m.dir, GuardScript))
}

// NotifyInstalled reports whether the notification script is in place.
func (m *Manager) NotifyInstalled() bool {
	return common.FileExists(filepath.Join(m.dir, NotifyScript))
}

func (m *Manager) install(name string, content []byte) error {
	if info, err := os.Stat(m.dir); err != nil || !info.IsDir() {
		return fmt.Errorf("dispatcher directory %s does not exist; is NetworkManager installed?", m.dir)
	}

	path := filepath.Join(m.dir, name)
	err := os.WriteFile(path, content, 0755)
	if os.IsPermission(err) {
		// Not root: route the write through sudo, the way a user
		// invoking this from a terminal expects.
		if err := sudo(content, "tee", path); err != nil {
			return err
		}
		if err := sudo(nil, "chmod", "755", path); err != nil {
			return err
		}
		err = sudo(nil, "chown", "root:root", path)
	}
	if err != nil {
		return common.WrapError(err, "installing "+name)
	}

	common.LogInfo("Installed dispatcher script %s", path)
	return nil
}

func (m *Manager) remove(name string) error {
	path := filepath.Join(m.dir, name)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	if os.IsPermission(err) {
		err = sudo(nil, "rm", path)
	}
	if err != nil {
		return common.WrapError(err, "removing "+name)
	}

	common.LogInfo("Removed dispatcher script %s", path)
	return nil
}

// sudo runs a privileged command with the standard timeout, feeding
// stdin when given (used for tee).
func sudo(stdin []byte, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), common.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sudo", args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("sudo %s timed out", strings.Join(args, " "))
		}
		return common.WrapError(err,
			fmt.Sprintf("sudo %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out))))
	}
	return nil
}
