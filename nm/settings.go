package nm

import (
	"fmt"

	"pianm/common"
)

// SettingsMap mirrors NetworkManager's a{sa{sv}} connection settings
// shape: section name -> key -> value. Values of nested structures
// (the WireGuard peer list) are plain Go maps and slices.
type SettingsMap map[string]map[string]any

// Setting section and key names used by the refresh path.
const (
	sectionConnection = "connection"
	sectionWireGuard  = "wireguard"

	keyPrivateKey = "private-key"
	keyPeers      = "peers"
	keyEndpoint   = "endpoint"
)

// Clone returns a deep copy of the settings map. The copy shares no
// mutable state with the original, so a snapshot stays valid for retry
// and diagnostics after the copy is modified.
func (s SettingsMap) Clone() SettingsMap {
	if s == nil {
		return nil
	}
	out := make(SettingsMap, len(s))
	for section, keys := range s {
		m := make(map[string]any, len(keys))
		for k, v := range keys {
			m[k] = cloneValue(v)
		}
		out[section] = m
	}
	return out
}

// cloneValue deep-copies the value shapes that occur in connection
// settings: nested maps, peer lists, and plain slices. Scalars are
// returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []map[string]any:
		s := make([]map[string]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e).(map[string]any)
		}
		return s
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	case []uint32:
		s := make([]uint32, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// ApplyCredentialChange derives a new settings map with the WireGuard
// private key and the first peer's endpoint replaced. Every other key
// is preserved byte for byte; the input map is never mutated.
//
// A settings map without a wireguard section is a contract violation
// by the caller (the profile is not a WireGuard profile) and fails with
// ErrMissingConfigSection. A missing or empty peer list is degraded but
// not fatal: the private key is still updated and the condition is
// logged, since there is no way to add an endpoint to a peer that was
// never configured.
func ApplyCredentialChange(settings SettingsMap, privateKey, endpoint string) (SettingsMap, error) {
	if _, ok := settings[sectionWireGuard]; !ok {
		return nil, fmt.Errorf("%w", common.ErrMissingConfigSection)
	}

	updated := settings.Clone()
	wg := updated[sectionWireGuard]

	wg[keyPrivateKey] = privateKey

	if !setFirstPeerEndpoint(wg, endpoint) {
		common.LogWarn("No peers in wireguard settings; endpoint %s not applied", endpoint)
	}

	return updated, nil
}

// setFirstPeerEndpoint updates the endpoint of the first peer, if any.
// Peer lists arrive either as []map[string]any (built locally) or
// []any of maps (decoded from the bus).
func setFirstPeerEndpoint(wg map[string]any, endpoint string) bool {
	switch peers := wg[keyPeers].(type) {
	case []map[string]any:
		if len(peers) == 0 {
			return false
		}
		peers[0][keyEndpoint] = endpoint
		return true
	case []any:
		if len(peers) == 0 {
			return false
		}
		peer, ok := peers[0].(map[string]any)
		if !ok {
			common.LogWarn("Unexpected peer structure %T in wireguard settings", peers[0])
			return false
		}
		peer[keyEndpoint] = endpoint
		return true
	default:
		return false
	}
}
