package nm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os/user"
	"strings"

	"github.com/google/uuid"

	"pianm/common"
)

// WireGuardProfile contains everything needed to build a WireGuard
// connection profile for NetworkManager.
type WireGuardProfile struct {
	// Name is the human-readable profile name (e.g. "PIA-US-East").
	Name string
	// InterfaceName is the kernel interface name, at most 15 characters.
	InterfaceName string
	// PrivateKey is the client's WireGuard private key (base64).
	PrivateKey string
	// ServerPublicKey is the server's WireGuard public key (base64).
	ServerPublicKey string
	// ServerEndpoint is the server endpoint in "ip:port" form.
	ServerEndpoint string
	// PeerIP is the client address assigned by the provider.
	PeerIP string
	// DNSServers lists the VPN DNS server addresses.
	DNSServers []string
	// AllowedIPs is the CIDR range routed through the tunnel.
	// Defaults to "0.0.0.0/0".
	AllowedIPs string
	// PersistentKeepalive is the keepalive interval in seconds.
	// Defaults to 25.
	PersistentKeepalive uint32
	// FWMark is the firewall mark, 0 to disable.
	FWMark uint32
	// UseVPNDNS routes all DNS queries through the tunnel's servers.
	UseVPNDNS bool
	// DisableIPv6 turns IPv6 off on the tunnel interface. When false
	// the IPv6 stack is left untouched.
	DisableIPv6 bool
}

// InterfaceNameFor derives a kernel interface name from a profile name.
// Interface names are capped at 15 characters, so a short hash of the
// profile name keeps them unique.
func InterfaceNameFor(profileName string) string {
	sum := sha256.Sum256([]byte(profileName))
	return "wg-" + hex.EncodeToString(sum[:])[:8]
}

// BuildWireGuardSettings builds the complete settings map for a new
// WireGuard profile: connection identity with per-user permissions,
// the WireGuard peer, manual IPv4 addressing with VPN DNS, and IPv6
// disabled to prevent leaks when the profile asks for it.
func BuildWireGuardSettings(p WireGuardProfile) (SettingsMap, error) {
	if p.AllowedIPs == "" {
		p.AllowedIPs = "0.0.0.0/0"
	}
	if p.PersistentKeepalive == 0 {
		p.PersistentKeepalive = 25
	}

	if err := validateProfile(p); err != nil {
		return nil, err
	}

	settings := SettingsMap{
		sectionConnection: connectionSection(p),
		sectionWireGuard:  wireguardSection(p),
	}

	ipv4, err := ipv4Section(p)
	if err != nil {
		return nil, err
	}
	settings["ipv4"] = ipv4

	// PIA assigns IPv4-only tunnel addresses, so an unconfigured IPv6
	// path would leak traffic around the tunnel. "ignore" leaves the
	// stack alone for users who manage IPv6 themselves.
	if p.DisableIPv6 {
		settings["ipv6"] = map[string]any{"method": "disabled"}
	} else {
		settings["ipv6"] = map[string]any{"method": "ignore"}
	}

	return settings, nil
}

func validateProfile(p WireGuardProfile) error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile name cannot be empty")
	case p.InterfaceName == "":
		return fmt.Errorf("interface name cannot be empty")
	case len(p.InterfaceName) > 15:
		return fmt.Errorf("interface name too long: %d chars (max 15): %s",
			len(p.InterfaceName), p.InterfaceName)
	case p.PrivateKey == "":
		return fmt.Errorf("private key cannot be empty")
	case p.ServerPublicKey == "":
		return fmt.Errorf("server public key cannot be empty")
	case p.ServerEndpoint == "":
		return fmt.Errorf("server endpoint cannot be empty")
	case !strings.Contains(p.ServerEndpoint, ":"):
		return fmt.Errorf("server endpoint must be in 'ip:port' form: %s", p.ServerEndpoint)
	case p.PeerIP == "":
		return fmt.Errorf("peer IP cannot be empty")
	case len(p.DNSServers) == 0:
		return fmt.Errorf("dns servers cannot be empty")
	}
	return nil
}

func connectionSection(p WireGuardProfile) map[string]any {
	section := map[string]any{
		"id":             p.Name,
		"uuid":           uuid.NewString(),
		"type":           "wireguard",
		"interface-name": p.InterfaceName,
		"autoconnect":    false,
	}

	// Granting the current user modify permission avoids "Insufficient
	// privileges" failures when the saved profile is updated later.
	if u, err := user.Current(); err == nil && u.Username != "" {
		section["permissions"] = []string{"user:" + u.Username + ":"}
	} else {
		common.LogWarn("Could not determine current user; profile will be "+
			"system-wide and may require root to modify: %v", err)
	}

	return section
}

func wireguardSection(p WireGuardProfile) map[string]any {
	peer := map[string]any{
		"public-key":  p.ServerPublicKey,
		keyEndpoint:   p.ServerEndpoint,
		"allowed-ips": []string{p.AllowedIPs},
	}
	if p.PersistentKeepalive > 0 {
		peer["persistent-keepalive"] = p.PersistentKeepalive
	}

	return map[string]any{
		keyPrivateKey: p.PrivateKey,
		"fwmark":      p.FWMark,
		keyPeers:      []map[string]any{peer},
	}
}

func ipv4Section(p WireGuardProfile) (map[string]any, error) {
	section := map[string]any{
		"method": "manual",
		// /32 marks the tunnel as point-to-point; 0.0.0.0 tells
		// NetworkManager this is a valid default route without a
		// traditional gateway.
		"address-data": []map[string]any{
			{"address": p.PeerIP, "prefix": uint32(32)},
		},
		"gateway": "0.0.0.0",
		// Auto-default-route policy routing adds a 20000 offset, so
		// this lands at 20050 in the dedicated table, ahead of regular
		// connections.
		"route-metric": int64(50),
	}

	if p.UseVPNDNS {
		dns := make([]uint32, 0, len(p.DNSServers))
		for _, server := range p.DNSServers {
			addr, err := nmIPv4(server)
			if err != nil {
				return nil, fmt.Errorf("invalid dns server %q: %w", server, err)
			}
			dns = append(dns, addr)
		}
		section["dns"] = dns
		// Highest priority so the tunnel's resolvers win over system
		// DNS, and "~" routes queries for every domain through them.
		section["dns-priority"] = int32(-1500)
		section["ignore-auto-dns"] = true
		section["dns-search"] = []string{"~"}
	}

	return section, nil
}

// nmIPv4 packs an IPv4 address the way NetworkManager's legacy "au"
// properties expect it: the four octets in network byte order loaded
// as a native 32-bit value.
func nmIPv4(addr string) (uint32, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0, fmt.Errorf("not an IP address")
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address")
	}
	return binary.LittleEndian.Uint32(v4), nil
}
