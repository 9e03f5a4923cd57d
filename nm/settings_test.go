package nm

import (
	"errors"
	"reflect"
	"testing"

	"pianm/common"
)

func TestCloneSharesNoState(t *testing.T) {
	orig := wireguardSettings("PIA-Test", "old-key", "10.0.0.1:1337")
	clone := orig.Clone()

	if !reflect.DeepEqual(orig, clone) {
		t.Fatal("clone differs from original")
	}

	clone[sectionWireGuard][keyPrivateKey] = "mutated"
	clone[sectionWireGuard][keyPeers].([]map[string]any)[0][keyEndpoint] = "1.2.3.4:51820"

	if orig[sectionWireGuard][keyPrivateKey] != "old-key" {
		t.Error("mutating the clone changed the original private key")
	}
	peer := orig[sectionWireGuard][keyPeers].([]map[string]any)[0]
	if peer[keyEndpoint] != "10.0.0.1:1337" {
		t.Error("mutating the clone changed the original peer endpoint")
	}
}

func TestCloneNil(t *testing.T) {
	var s SettingsMap
	if got := s.Clone(); got != nil {
		t.Errorf("Clone of nil = %v, want nil", got)
	}
}

func TestApplyCredentialChange(t *testing.T) {
	orig := wireguardSettings("PIA-Test", "old-key", "10.0.0.1:1337")
	snapshot := orig.Clone()

	updated, err := ApplyCredentialChange(orig, "new-key", "10.9.9.9:1337")
	if err != nil {
		t.Fatalf("ApplyCredentialChange failed: %v", err)
	}

	// Only the private key and first peer endpoint change.
	if got := updated[sectionWireGuard][keyPrivateKey]; got != "new-key" {
		t.Errorf("private key = %v, want new-key", got)
	}
	peer := updated[sectionWireGuard][keyPeers].([]map[string]any)[0]
	if got := peer[keyEndpoint]; got != "10.9.9.9:1337" {
		t.Errorf("endpoint = %v, want 10.9.9.9:1337", got)
	}

	// Everything else is preserved.
	if got := peer["public-key"]; got != "server-public-key" {
		t.Errorf("peer public key changed: %v", got)
	}
	if !reflect.DeepEqual(updated[sectionConnection], orig[sectionConnection]) {
		t.Error("connection section changed")
	}
	if !reflect.DeepEqual(updated["ipv4"], orig["ipv4"]) {
		t.Error("ipv4 section changed")
	}

	// The input map is never mutated.
	if !reflect.DeepEqual(orig, snapshot) {
		t.Error("input settings were mutated")
	}
}

func TestApplyCredentialChangeIdempotent(t *testing.T) {
	orig := wireguardSettings("PIA-Test", "old-key", "10.0.0.1:1337")

	once, err := ApplyCredentialChange(orig, "new-key", "10.9.9.9:1337")
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	twice, err := ApplyCredentialChange(once, "new-key", "10.9.9.9:1337")
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Error("applying the same change twice is not idempotent")
	}
}

func TestApplyCredentialChangeMissingSection(t *testing.T) {
	settings := SettingsMap{
		sectionConnection: {"id": "PIA-Test", "type": "ethernet"},
	}
	_, err := ApplyCredentialChange(settings, "new-key", "10.9.9.9:1337")
	if !errors.Is(err, common.ErrMissingConfigSection) {
		t.Errorf("error = %v, want ErrMissingConfigSection", err)
	}
}

func TestApplyCredentialChangeNoPeers(t *testing.T) {
	tests := []struct {
		name  string
		peers any
	}{
		{"absent", nil},
		{"empty typed slice", []map[string]any{}},
		{"empty any slice", []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := SettingsMap{
				sectionWireGuard: {keyPrivateKey: "old-key"},
			}
			if tt.peers != nil {
				settings[sectionWireGuard][keyPeers] = tt.peers
			}

			updated, err := ApplyCredentialChange(settings, "new-key", "10.9.9.9:1337")
			if err != nil {
				t.Fatalf("ApplyCredentialChange failed: %v", err)
			}
			// Degraded, not fatal: the key is still rotated.
			if got := updated[sectionWireGuard][keyPrivateKey]; got != "new-key" {
				t.Errorf("private key = %v, want new-key", got)
			}
		})
	}
}

func TestApplyCredentialChangeDecodedPeerShape(t *testing.T) {
	// Settings decoded from the bus carry peers as []any of maps.
	settings := SettingsMap{
		sectionWireGuard: {
			keyPrivateKey: "old-key",
			keyPeers: []any{
				map[string]any{
					"public-key": "server-public-key",
					keyEndpoint:  "10.0.0.1:1337",
				},
			},
		},
	}

	updated, err := ApplyCredentialChange(settings, "new-key", "10.9.9.9:1337")
	if err != nil {
		t.Fatalf("ApplyCredentialChange failed: %v", err)
	}
	peer := updated[sectionWireGuard][keyPeers].([]any)[0].(map[string]any)
	if got := peer[keyEndpoint]; got != "10.9.9.9:1337" {
		t.Errorf("endpoint = %v, want 10.9.9.9:1337", got)
	}
}
