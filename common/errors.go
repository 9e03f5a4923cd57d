package common

import (
	"errors"
	"fmt"
)

// Sentinel errors for NetworkManager and refresh operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Startup and threading errors.
	ErrStartupFailed   = errors.New("event loop startup failed")
	ErrNotOnLoopThread = errors.New("not running on the event loop thread")
	ErrTimeout         = errors.New("operation timed out")

	// Refresh errors.
	ErrDeviceNotFound       = errors.New("no device for active connection")
	ErrSnapshotUnavailable  = errors.New("applied connection snapshot unavailable")
	ErrMissingConfigSection = errors.New("settings do not contain a wireguard section")
	ErrReapplyFailed        = errors.New("live reapply rejected")
	ErrUpdateSavedFailed    = errors.New("saved profile update failed")

	// Lookup errors.
	ErrConnectionNotFound = errors.New("connection profile not found")
	ErrRegionNotFound     = errors.New("region not configured")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// OperationError is a genuine service-level failure reported by
// NetworkManager over D-Bus. Domain and Code identify the originating
// error quark, mirroring what the bus delivers.
type OperationError struct {
	Domain  string
	Code    int
	Message string
}

func (e *OperationError) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("operation failed: %s", e.Message)
	}
	return fmt.Sprintf("%s (%s: %d)", e.Message, e.Domain, e.Code)
}

// NewOperationError builds an OperationError from a service error.
func NewOperationError(domain string, code int, message string) *OperationError {
	return &OperationError{Domain: domain, Code: code, Message: message}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
