// Package common provides shared constants, types, utilities, and interfaces
// used throughout the pia-nm tool.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: application-wide constants like timeouts, file names, and
//     the managed-profile naming convention
//   - Errors: sentinel and typed errors for consistent handling across packages
//   - Interfaces: abstractions for credential storage, key material, and logging
//   - Logger: leveled logging with file rotation
//   - Utils: common helpers for directory and file handling
//
// # Usage
//
//	import "pianm/common"
//
//	// Use constants
//	timeout := common.CommandTimeout
//
//	// Use logger
//	common.LogInfo("Refreshing region %s", regionID)
//
//	// Check errors
//	if errors.Is(err, common.ErrReapplyFailed) {
//	    // Re-query active state and retry
//	}
package common
