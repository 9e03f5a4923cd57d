package nm

import (
	"errors"
	"fmt"
	"strings"

	"pianm/common"
)

// RefreshRequest carries new credential material for one profile.
// Only the WireGuard private key and first peer endpoint change; the
// rest of the profile is preserved.
type RefreshRequest struct {
	// ID is the profile display name (e.g. "PIA-US-East").
	ID string
	// PrivateKey is the replacement WireGuard private key.
	PrivateKey string
	// Endpoint is the replacement server endpoint in "ip:port" form.
	Endpoint string
}

// RefreshEngine rotates a profile's credentials with zero downtime.
//
// When the profile is active it reapplies the new settings in place on
// the bound device, protected by the service's optimistic-concurrency
// version token; a live profile is never deleted and recreated. When
// the profile is inactive, the saved profile is updated instead and
// Reapply is never called (there is no device to reapply to).
type RefreshEngine struct {
	client *Client
}

// NewRefreshEngine creates a refresh engine on top of a client.
func NewRefreshEngine(client *Client) *RefreshEngine {
	return &RefreshEngine{client: client}
}

// Refresh rotates the credentials of one profile. didLiveRefresh
// reports whether connectivity was preserved by a completed live
// refresh; it is false on every error path, including failures of the
// live path itself.
//
// A rejected reapply surfaces as ErrReapplyFailed: the usual cause is a
// version token gone stale between snapshot and reapply, which is an
// accepted race of the lock-free design. Callers retry the whole
// refresh a bounded number of times rather than locking.
func (e *RefreshEngine) Refresh(req RefreshRequest) (didLiveRefresh bool, err error) {
	ref, ok := e.client.GetByID(req.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", common.ErrConnectionNotFound, req.ID)
	}

	if _, active := e.client.GetActive(req.ID); active {
		if err := e.refreshActive(ref, req); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, e.refreshInactive(ref, req)
}

// refreshActive performs the live (zero-interruption) path:
// resolve device, snapshot applied settings, derive updated settings,
// reapply under the snapshot's version token.
func (e *RefreshEngine) refreshActive(ref ConnectionRef, req RefreshRequest) error {
	common.LogInfo("Refreshing active connection: %s", req.ID)

	dev, ok := e.client.DeviceFor(ref)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrDeviceNotFound, req.ID)
	}

	settings, versionID, ok := e.client.GetAppliedConnection(dev)
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrSnapshotUnavailable, req.ID)
	}

	updated, err := ApplyCredentialChange(settings, req.PrivateKey, req.Endpoint)
	if err != nil {
		return fmt.Errorf("%s: %w", req.ID, err)
	}

	if !e.client.Reapply(dev, updated, versionID) {
		return fmt.Errorf("%w: %s (version token may be stale)", common.ErrReapplyFailed, req.ID)
	}

	common.LogInfo("Connection %s updated live (no disconnection)", req.ID)
	return nil
}

// refreshInactive updates the saved profile; the new settings take
// effect on the next activation.
func (e *RefreshEngine) refreshInactive(ref ConnectionRef, req RefreshRequest) error {
	common.LogInfo("Updating saved profile for inactive connection: %s", req.ID)

	settings, err := e.client.SavedSettings(ref)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrSnapshotUnavailable, req.ID, err)
	}

	updated, err := ApplyCredentialChange(settings, req.PrivateKey, req.Endpoint)
	if err != nil {
		return fmt.Errorf("%s: %w", req.ID, err)
	}

	if _, err := e.client.UpdateSaved(ref, updated).Await(common.OperationTimeout); err != nil {
		if isPermissionDenied(err) {
			common.LogError("Permission denied updating %s: the profile may be system-owned; "+
				"recreate it with 'pia-nm add-region' to fix ownership", req.ID)
		}
		return fmt.Errorf("%w: %s: %v", common.ErrUpdateSavedFailed, req.ID, err)
	}

	common.LogInfo("Connection %s updated saved profile (will apply on next activation)", req.ID)
	return nil
}

// isPermissionDenied recognizes the "insufficient privileges" failure
// mode of saved-profile updates, which usually means the profile's
// permission list does not include the calling user.
func isPermissionDenied(err error) bool {
	var opErr *common.OperationError
	if errors.As(err, &opErr) {
		if strings.Contains(opErr.Domain, "PermissionDenied") {
			return true
		}
		if strings.Contains(opErr.Message, "Insufficient privileges") {
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "Insufficient privileges")
}
