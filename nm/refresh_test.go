package nm

import (
	"errors"
	"testing"

	"pianm/common"
)

// newTestEngine builds a refresh engine over the in-memory service,
// with the loop started.
func newTestEngine(t *testing.T) (*RefreshEngine, *fakeService) {
	t.Helper()
	loop := NewLoop()
	svc := newFakeService(loop)
	client, err := NewClient(loop, svc)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return NewRefreshEngine(client), svc
}

// seedProfile registers a profile with saved settings, optionally
// active on a device with the same settings applied.
func seedProfile(svc *fakeService, id string, active bool) {
	conn := &fakeConn{id: id, uuid: "uuid-" + id}
	svc.connections = append(svc.connections, conn)
	svc.saved[id] = wireguardSettings(id, "old-key", "10.0.0.1:1337")
	if active {
		dev := &fakeDevice{iface: "wg-" + id}
		svc.actives = append(svc.actives, &fakeActive{conn: conn, devices: []DeviceRef{dev}})
		svc.applied[dev.Interface()] = wireguardSettings(id, "old-key", "10.0.0.1:1337")
	}
}

func TestRefreshActiveConnection(t *testing.T) {
	engine, svc := newTestEngine(t)
	seedProfile(svc, "PIA-US", true)
	svc.versionID = 7

	didLive, err := engine.Refresh(RefreshRequest{
		ID:         "PIA-US",
		PrivateKey: "new-key",
		Endpoint:   "10.9.9.9:1337",
	})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !didLive {
		t.Error("active profile did not take the live path")
	}

	// The live path snapshots the applied settings and reapplies them
	// under the snapshot's version token. It never touches the saved
	// profile.
	if !svc.called("AppliedConnection") || !svc.called("Reapply") {
		t.Errorf("live path calls = %v, want AppliedConnection and Reapply", svc.calls)
	}
	if svc.called("SavedSettings") || svc.called("UpdateSettings") {
		t.Errorf("live path touched the saved profile: %v", svc.calls)
	}
	if got := svc.lastReapply.versionID; got != 7 {
		t.Errorf("Reapply version token = %d, want 7", got)
	}

	applied := svc.applied["wg-PIA-US"]
	if got := applied[sectionWireGuard][keyPrivateKey]; got != "new-key" {
		t.Errorf("applied private key = %v, want new-key", got)
	}
	peer := applied[sectionWireGuard][keyPeers].([]map[string]any)[0]
	if got := peer[keyEndpoint]; got != "10.9.9.9:1337" {
		t.Errorf("applied endpoint = %v, want 10.9.9.9:1337", got)
	}
}

func TestRefreshInactiveConnection(t *testing.T) {
	engine, svc := newTestEngine(t)
	seedProfile(svc, "PIA-DE", false)

	didLive, err := engine.Refresh(RefreshRequest{
		ID:         "PIA-DE",
		PrivateKey: "new-key",
		Endpoint:   "10.9.9.9:1337",
	})
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if didLive {
		t.Error("inactive profile took the live path")
	}

	// The inactive path updates the saved profile and never reapplies:
	// there is no device to reapply to.
	if !svc.called("SavedSettings") || !svc.called("UpdateSettings") {
		t.Errorf("inactive path calls = %v, want SavedSettings and UpdateSettings", svc.calls)
	}
	if svc.called("AppliedConnection") || svc.called("Reapply") {
		t.Errorf("inactive path touched the device: %v", svc.calls)
	}

	saved := svc.saved["PIA-DE"]
	if got := saved[sectionWireGuard][keyPrivateKey]; got != "new-key" {
		t.Errorf("saved private key = %v, want new-key", got)
	}
}

func TestRefreshUnknownConnection(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Refresh(RefreshRequest{ID: "PIA-Nowhere"})
	if !errors.Is(err, common.ErrConnectionNotFound) {
		t.Errorf("Refresh = %v, want ErrConnectionNotFound", err)
	}
}

func TestRefreshActiveWithoutDevice(t *testing.T) {
	engine, svc := newTestEngine(t)
	conn := &fakeConn{id: "PIA-US", uuid: "uuid-PIA-US"}
	svc.connections = append(svc.connections, conn)
	svc.actives = append(svc.actives, &fakeActive{conn: conn})

	didLive, err := engine.Refresh(RefreshRequest{ID: "PIA-US"})
	if !errors.Is(err, common.ErrDeviceNotFound) {
		t.Errorf("Refresh = %v, want ErrDeviceNotFound", err)
	}
	if didLive {
		t.Error("failed refresh reported connectivity as preserved")
	}
}

func TestRefreshSnapshotFailure(t *testing.T) {
	engine, svc := newTestEngine(t)
	seedProfile(svc, "PIA-US", true)
	svc.appliedErr = common.NewOperationError(
		"org.freedesktop.NetworkManager.Device.Failed", 0, "device is not active")

	didLive, err := engine.Refresh(RefreshRequest{ID: "PIA-US"})
	if !errors.Is(err, common.ErrSnapshotUnavailable) {
		t.Errorf("Refresh = %v, want ErrSnapshotUnavailable", err)
	}
	if didLive {
		t.Error("failed refresh reported connectivity as preserved")
	}
	if svc.called("Reapply") {
		t.Error("Reapply ran without a snapshot")
	}
}

func TestRefreshStaleVersionRetry(t *testing.T) {
	engine, svc := newTestEngine(t)
	seedProfile(svc, "PIA-US", true)
	svc.reapplyErr = common.NewOperationError(
		"org.freedesktop.NetworkManager.Device.VersionIdMismatch", 0,
		"The version id of the applied connection does not match")

	req := RefreshRequest{ID: "PIA-US", PrivateKey: "new-key", Endpoint: "10.9.9.9:1337"}
	didLive, err := engine.Refresh(req)
	if !errors.Is(err, common.ErrReapplyFailed) {
		t.Fatalf("Refresh = %v, want ErrReapplyFailed", err)
	}
	if didLive {
		t.Error("rejected reapply reported connectivity as preserved")
	}

	// Callers retry the whole refresh; the retry re-snapshots and picks
	// up the fresh version token.
	svc.reapplyErr = nil
	didLive, err = engine.Refresh(req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !didLive {
		t.Error("retry did not take the live path")
	}
}

func TestRefreshInactiveUpdateFailure(t *testing.T) {
	engine, svc := newTestEngine(t)
	seedProfile(svc, "PIA-DE", false)
	svc.updateErr = common.NewOperationError(
		"org.freedesktop.NetworkManager.Settings.Connection.PermissionDenied", 0,
		"Insufficient privileges")

	_, err := engine.Refresh(RefreshRequest{ID: "PIA-DE", PrivateKey: "new-key", Endpoint: "10.9.9.9:1337"})
	if !errors.Is(err, common.ErrUpdateSavedFailed) {
		t.Errorf("Refresh = %v, want ErrUpdateSavedFailed", err)
	}
}

func TestIsPermissionDenied(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			"dbus permission domain",
			common.NewOperationError("org.freedesktop.NetworkManager.Settings.Connection.PermissionDenied", 0, "no"),
			true,
		},
		{
			"message text",
			common.NewOperationError("org.freedesktop.DBus.Error.Failed", 0, "Insufficient privileges"),
			true,
		},
		{
			"unrelated failure",
			common.NewOperationError("org.freedesktop.DBus.Error.Failed", 0, "timeout"),
			false,
		},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isPermissionDenied(tt.err); got != tt.want {
				t.Errorf("isPermissionDenied = %v, want %v", got, tt.want)
			}
		})
	}
}
