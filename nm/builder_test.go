package nm

import (
	"strings"
	"testing"
)

func testProfile() WireGuardProfile {
	return WireGuardProfile{
		Name:            "PIA-US-East",
		InterfaceName:   "wg-pia0",
		PrivateKey:      "client-private-key",
		ServerPublicKey: "server-public-key",
		ServerEndpoint:  "10.0.0.1:1337",
		PeerIP:          "10.32.0.5",
		DNSServers:      []string{"10.0.0.241"},
		UseVPNDNS:       true,
		DisableIPv6:     true,
	}
}

func TestBuildWireGuardSettings(t *testing.T) {
	settings, err := BuildWireGuardSettings(testProfile())
	if err != nil {
		t.Fatalf("BuildWireGuardSettings failed: %v", err)
	}

	conn := settings[sectionConnection]
	if got := conn["id"]; got != "PIA-US-East" {
		t.Errorf("id = %v, want PIA-US-East", got)
	}
	if got := conn["type"]; got != "wireguard" {
		t.Errorf("type = %v, want wireguard", got)
	}
	if uuid, _ := conn["uuid"].(string); len(uuid) != 36 {
		t.Errorf("uuid = %q, want canonical form", conn["uuid"])
	}
	if got := conn["autoconnect"]; got != false {
		t.Errorf("autoconnect = %v, want false", got)
	}

	wg := settings[sectionWireGuard]
	if got := wg[keyPrivateKey]; got != "client-private-key" {
		t.Errorf("private key = %v", got)
	}
	peers := wg[keyPeers].([]map[string]any)
	if len(peers) != 1 {
		t.Fatalf("peer count = %d, want 1", len(peers))
	}
	if got := peers[0][keyEndpoint]; got != "10.0.0.1:1337" {
		t.Errorf("endpoint = %v", got)
	}
	if got := peers[0]["allowed-ips"].([]string); len(got) != 1 || got[0] != "0.0.0.0/0" {
		t.Errorf("allowed-ips = %v, want default full-tunnel", got)
	}
	if got := peers[0]["persistent-keepalive"]; got != uint32(25) {
		t.Errorf("persistent-keepalive = %v, want 25", got)
	}

	ipv4 := settings["ipv4"]
	if got := ipv4["method"]; got != "manual" {
		t.Errorf("ipv4 method = %v, want manual", got)
	}
	addrs := ipv4["address-data"].([]map[string]any)
	if got := addrs[0]["prefix"]; got != uint32(32) {
		t.Errorf("prefix = %v, want 32", got)
	}
	if got := ipv4["gateway"]; got != "0.0.0.0" {
		t.Errorf("gateway = %v, want 0.0.0.0", got)
	}

	if got := settings["ipv6"]["method"]; got != "disabled" {
		t.Errorf("ipv6 method = %v, want disabled", got)
	}
}

func TestBuildWireGuardSettingsIPv6Kept(t *testing.T) {
	p := testProfile()
	p.DisableIPv6 = false

	settings, err := BuildWireGuardSettings(p)
	if err != nil {
		t.Fatalf("BuildWireGuardSettings failed: %v", err)
	}
	if got := settings["ipv6"]["method"]; got != "ignore" {
		t.Errorf("ipv6 method = %v, want ignore", got)
	}
}

func TestBuildWireGuardSettingsVPNDNS(t *testing.T) {
	settings, err := BuildWireGuardSettings(testProfile())
	if err != nil {
		t.Fatalf("BuildWireGuardSettings failed: %v", err)
	}

	ipv4 := settings["ipv4"]
	dns := ipv4["dns"].([]uint32)
	// 10.0.0.241 in network byte order loaded as a native value.
	if want := uint32(241)<<24 | uint32(10); len(dns) != 1 || dns[0] != want {
		t.Errorf("dns = %v, want [%d]", dns, want)
	}
	if got := ipv4["dns-priority"]; got != int32(-1500) {
		t.Errorf("dns-priority = %v, want -1500", got)
	}
	if got := ipv4["ignore-auto-dns"]; got != true {
		t.Errorf("ignore-auto-dns = %v, want true", got)
	}
	if got := ipv4["dns-search"].([]string); len(got) != 1 || got[0] != "~" {
		t.Errorf("dns-search = %v, want [~]", got)
	}
}

func TestBuildWireGuardSettingsSystemDNS(t *testing.T) {
	p := testProfile()
	p.UseVPNDNS = false

	settings, err := BuildWireGuardSettings(p)
	if err != nil {
		t.Fatalf("BuildWireGuardSettings failed: %v", err)
	}
	ipv4 := settings["ipv4"]
	for _, key := range []string{"dns", "dns-priority", "ignore-auto-dns", "dns-search"} {
		if _, ok := ipv4[key]; ok {
			t.Errorf("ipv4 carries %q although VPN DNS is off", key)
		}
	}
}

func TestBuildWireGuardSettingsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WireGuardProfile)
	}{
		{"empty name", func(p *WireGuardProfile) { p.Name = "" }},
		{"empty interface", func(p *WireGuardProfile) { p.InterfaceName = "" }},
		{"interface too long", func(p *WireGuardProfile) { p.InterfaceName = "wg-very-long-interface" }},
		{"empty private key", func(p *WireGuardProfile) { p.PrivateKey = "" }},
		{"empty server key", func(p *WireGuardProfile) { p.ServerPublicKey = "" }},
		{"empty endpoint", func(p *WireGuardProfile) { p.ServerEndpoint = "" }},
		{"endpoint without port", func(p *WireGuardProfile) { p.ServerEndpoint = "10.0.0.1" }},
		{"empty peer IP", func(p *WireGuardProfile) { p.PeerIP = "" }},
		{"no dns servers", func(p *WireGuardProfile) { p.DNSServers = nil }},
		{"bad dns server", func(p *WireGuardProfile) { p.DNSServers = []string{"not-an-ip"} }},
		{"ipv6 dns server", func(p *WireGuardProfile) { p.DNSServers = []string{"2001:db8::1"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProfile()
			tt.mutate(&p)
			if _, err := BuildWireGuardSettings(p); err == nil {
				t.Error("invalid profile was accepted")
			}
		})
	}
}

func TestInterfaceNameFor(t *testing.T) {
	name := InterfaceNameFor("PIA-US-East")
	if len(name) > 15 {
		t.Errorf("interface name %q exceeds 15 characters", name)
	}
	if !strings.HasPrefix(name, "wg-") {
		t.Errorf("interface name %q lacks wg- prefix", name)
	}
	if name != InterfaceNameFor("PIA-US-East") {
		t.Error("interface name is not deterministic")
	}
	if name == InterfaceNameFor("PIA-DE-Berlin") {
		t.Error("distinct profiles mapped to the same interface name")
	}
}
