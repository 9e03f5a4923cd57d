package common

// CredentialStore defines the interface for PIA account credential storage.
// Implementations may use the system keyring or anything equivalent.
type CredentialStore interface {
	// StoreCredentials saves the account username and password.
	StoreCredentials(username, password string) error
	// Credentials retrieves the stored username and password.
	Credentials() (username, password string, err error)
	// DeleteCredentials removes all stored credentials.
	DeleteCredentials() error
	// HasCredentials reports whether credentials are stored.
	HasCredentials() bool
}

// KeySource produces and persists WireGuard key material.
type KeySource interface {
	// Generate produces a fresh private/public key pair.
	Generate() (privateKey, publicKey string, err error)
	// Save persists a keypair for a region.
	Save(regionID, privateKey, publicKey string) error
	// Load reads the stored keypair for a region.
	Load(regionID string) (privateKey, publicKey string, err error)
	// ShouldRotate reports whether the region's key is due for rotation.
	ShouldRotate(regionID string) bool
	// Delete removes the stored keypair for a region.
	Delete(regionID string) error
}

// Logger defines the interface for leveled logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
