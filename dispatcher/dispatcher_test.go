package dispatcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pianm/common"
)

func TestGuardScriptContent(t *testing.T) {
	content := string(guardContent())

	if !strings.HasPrefix(content, "#!/bin/bash") {
		t.Error("guard script lacks a bash shebang")
	}
	if !strings.Contains(content, `PROFILE_PREFIX="`+common.ProfilePrefix+`"`) {
		t.Error("guard script does not match on the profile prefix")
	}
	for _, want := range []string{
		"net.ipv6.conf.all.disable_ipv6=1",
		"net.ipv6.conf.all.disable_ipv6=0",
		"net.ipv6.conf.default.disable_ipv6=1",
		"CONNECTION_ID",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("guard script missing %q", want)
		}
	}
	if strings.Contains(content, "@PREFIX@") || strings.Contains(content, "@LOGFILE@") {
		t.Error("guard script contains unexpanded placeholders")
	}
}

func TestNotifyScriptContent(t *testing.T) {
	content := string(notifyContent())

	if !strings.HasPrefix(content, "#!/bin/bash") {
		t.Error("notify script lacks a bash shebang")
	}
	for _, want := range []string{
		"wg show", "latest-handshakes", "notify-send", notifyPIDDir,
	} {
		if !strings.Contains(content, want) {
			t.Errorf("notify script missing %q", want)
		}
	}
	if strings.Contains(content, "@PIDDIR@") {
		t.Error("notify script contains unexpanded placeholders")
	}
}

func TestInstallAndRemoveGuard(t *testing.T) {
	m := &Manager{dir: t.TempDir()}

	if m.GuardInstalled() {
		t.Fatal("guard reported installed before install")
	}
	if err := m.InstallGuard(); err != nil {
		t.Fatalf("InstallGuard failed: %v", err)
	}
	if !m.GuardInstalled() {
		t.Error("guard not reported installed after install")
	}

	info, err := os.Stat(filepath.Join(m.dir, GuardScript))
	if err != nil {
		t.Fatalf("stat guard script: %v", err)
	}
	if info.Mode().Perm()&0111 == 0 {
		t.Errorf("guard script mode = %v, want executable", info.Mode().Perm())
	}

	if err := m.RemoveGuard(); err != nil {
		t.Fatalf("RemoveGuard failed: %v", err)
	}
	if m.GuardInstalled() {
		t.Error("guard still reported installed after removal")
	}
	// Removing an absent script is not an error.
	if err := m.RemoveGuard(); err != nil {
		t.Errorf("second RemoveGuard failed: %v", err)
	}
}

func TestInstallNotify(t *testing.T) {
	m := &Manager{dir: t.TempDir()}

	if err := m.InstallNotify(); err != nil {
		t.Fatalf("InstallNotify failed: %v", err)
	}
	if !m.NotifyInstalled() {
		t.Error("notify script not reported installed")
	}
}

func TestInstallMissingDispatcherDir(t *testing.T) {
	m := &Manager{dir: filepath.Join(t.TempDir(), "no-such-dir")}

	if err := m.InstallGuard(); err == nil {
		t.Error("install into a missing dispatcher directory succeeded")
	}
}
