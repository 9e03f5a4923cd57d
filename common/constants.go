package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the tool.
	AppName = "pia-nm"
	// ConfigDirName is the name of the configuration directory under ~/.config.
	ConfigDirName = "pia-nm"
	// ProfilePrefix marks NetworkManager profiles managed by this tool.
	ProfilePrefix = "PIA-"
)

// File names used by the tool.
const (
	ConfigFileName = "config.yaml"
	LogFileName    = "pia-nm.log"
	CACertFileName = "ca.rsa.4096.crt"
)

// Default timeouts and intervals.
const (
	// CommandTimeout is the maximum time to wait for an external command
	// (wg, systemctl) to finish.
	CommandTimeout = 10 * time.Second
	// RequestTimeout is the HTTP timeout for PIA API requests.
	RequestTimeout = 10 * time.Second
	// OperationTimeout is the default wait for an asynchronous
	// NetworkManager operation to settle.
	OperationTimeout = 30 * time.Second
	// KeyMaxAge is how old a WireGuard key may get before rotation.
	KeyMaxAge = 30 * 24 * time.Hour
	// RefreshRetries bounds re-attempts of a live refresh after a
	// rejected reapply (stale version token).
	RefreshRetries = 3
)

// Keyring entries.
const (
	// KeyringService is the service identifier used in the system keyring.
	KeyringService = "pia-nm"
	KeyringUserKey = "username"
	KeyringPassKey = "password"
)
