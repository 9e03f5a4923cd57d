package nm

import (
	"pianm/common"
)

// Client is the facade for NetworkManager profile lifecycle and state
// queries. Every mutating method marshals its work onto the event loop
// and returns a future; read paths block internally on the loop with
// the default operation timeout and report absence as a boolean rather
// than an error, since "not there" is an expected outcome.
type Client struct {
	loop    *Loop
	service Service
}

// NewClient starts the loop (idempotently) with the service's Init and
// returns the facade. A startup failure is fatal: no service calls are
// possible without the loop.
func NewClient(loop *Loop, service Service) (*Client, error) {
	if err := loop.EnsureStarted(service.Init); err != nil {
		return nil, err
	}
	return &Client{loop: loop, service: service}, nil
}

// Loop exposes the event loop, mainly so collaborators can schedule
// follow-up work on the service thread.
func (c *Client) Loop() *Loop {
	return c.loop
}

// Add persists a new connection profile. Once the future resolves the
// profile is enumerable via GetByID and List.
func (c *Client) Add(settings SettingsMap) *Future[ConnectionRef] {
	p := NewPending[ConnectionRef](c.loop)
	if err := c.loop.RunOn(func() {
		c.loop.AssertOnLoopThread()
		c.service.AddConnection(settings, func(source any, ref ConnectionRef, err error) {
			p.Complete(source, ref, err)
		})
	}); err != nil {
		p.Resolve(nil, err)
	}
	return p.Future()
}

// Activate activates a profile. A nil device asks the service to
// auto-select one.
func (c *Client) Activate(ref ConnectionRef, dev DeviceRef) *Future[ActiveRef] {
	p := NewPending[ActiveRef](c.loop)
	if err := c.loop.RunOn(func() {
		c.loop.AssertOnLoopThread()
		c.service.ActivateConnection(ref, dev, func(source any, active ActiveRef, err error) {
			p.Complete(source, active, err)
		})
	}); err != nil {
		p.Resolve(nil, err)
	}
	return p.Future()
}

// Remove deletes a profile. The reference is invalid once the future
// resolves.
func (c *Client) Remove(ref ConnectionRef) *Future[struct{}] {
	p := NewPending[struct{}](c.loop)
	if err := c.loop.RunOn(func() {
		c.loop.AssertOnLoopThread()
		c.service.DeleteConnection(ref, func(source any, err error) {
			p.Complete(source, struct{}{}, err)
		})
	}); err != nil {
		p.Resolve(struct{}{}, err)
	}
	return p.Future()
}

// UpdateSaved persists settings to the saved (non-active) profile.
func (c *Client) UpdateSaved(ref ConnectionRef, settings SettingsMap) *Future[struct{}] {
	p := NewPending[struct{}](c.loop)
	if err := c.loop.RunOn(func() {
		c.loop.AssertOnLoopThread()
		c.service.UpdateSettings(ref, settings, func(source any, err error) {
			p.Complete(source, struct{}{}, err)
		})
	}); err != nil {
		p.Resolve(struct{}{}, err)
	}
	return p.Future()
}

// GetByID looks up a profile by display name. Absence is reported as
// ok=false, not an error.
func (c *Client) GetByID(id string) (ConnectionRef, bool) {
	ref, err := runRead(c, func() (ConnectionRef, error) {
		r, ok := c.service.ConnectionByID(id)
		if !ok {
			return nil, common.ErrConnectionNotFound
		}
		return r, nil
	})
	return ref, err == nil
}

// GetByUUID looks up a profile by UUID.
func (c *Client) GetByUUID(uuid string) (ConnectionRef, bool) {
	ref, err := runRead(c, func() (ConnectionRef, error) {
		r, ok := c.service.ConnectionByUUID(uuid)
		if !ok {
			return nil, common.ErrConnectionNotFound
		}
		return r, nil
	})
	return ref, err == nil
}

// List returns all profiles known to the service.
func (c *Client) List() []ConnectionRef {
	refs, err := runRead(c, func() ([]ConnectionRef, error) {
		return c.service.Connections(), nil
	})
	if err != nil {
		common.LogError("Listing connections failed: %v", err)
		return nil
	}
	return refs
}

// GetActive scans the currently-activated instances for one whose
// underlying profile has the given display name. First match wins;
// NetworkManager keeps at most one active instance per profile here.
func (c *Client) GetActive(id string) (ActiveRef, bool) {
	active, err := runRead(c, func() (ActiveRef, error) {
		for _, a := range c.service.ActiveConnections() {
			if conn := a.Connection(); conn != nil && conn.ID() == id {
				return a, nil
			}
		}
		return nil, common.ErrConnectionNotFound
	})
	return active, err == nil
}

// DeviceFor resolves the device bound to the first active instance of
// the profile, or ok=false if the profile is inactive or its active
// instance reports no devices.
func (c *Client) DeviceFor(ref ConnectionRef) (DeviceRef, bool) {
	active, ok := c.GetActive(ref.ID())
	if !ok {
		return nil, false
	}
	devices := active.Devices()
	if len(devices) == 0 {
		return nil, false
	}
	return devices[0], true
}

// GetAppliedConnection retrieves the settings currently enforced on a
// device and the version token a reapply must present. Any retrieval
// failure (device gone, service error) is reported as absence.
func (c *Client) GetAppliedConnection(dev DeviceRef) (SettingsMap, uint64, bool) {
	type applied struct {
		settings  SettingsMap
		versionID uint64
	}
	res, err := runRead(c, func() (applied, error) {
		settings, versionID, err := c.service.AppliedConnection(dev)
		if err != nil {
			return applied{}, err
		}
		return applied{settings, versionID}, nil
	})
	if err != nil {
		common.LogError("Failed to get applied connection: %v", err)
		return nil, 0, false
	}
	return res.settings, res.versionID, true
}

// Reapply updates an active device's configuration in place. It never
// returns an error: a failure (commonly a stale version token) is
// logged and reported as false, since the refresh engine treats this
// as a retryable condition.
func (c *Client) Reapply(dev DeviceRef, settings SettingsMap, versionID uint64) bool {
	_, err := runRead(c, func() (struct{}, error) {
		return struct{}{}, c.service.Reapply(dev, settings, versionID)
	})
	if err != nil {
		common.LogError("Failed to reapply connection: %v", err)
		return false
	}
	return true
}

// SavedSettings reads the persisted settings of a profile (the read
// path used when the profile is not active).
func (c *Client) SavedSettings(ref ConnectionRef) (SettingsMap, error) {
	return runRead(c, func() (SettingsMap, error) {
		return c.service.SavedSettings(ref)
	})
}

// runRead marshals a synchronous service read onto the loop and blocks
// the caller until it completes or the operation timeout elapses.
func runRead[T any](c *Client, fn func() (T, error)) (T, error) {
	p := NewPending[T](c.loop)
	if err := c.loop.RunOn(func() {
		c.loop.AssertOnLoopThread()
		v, err := fn()
		p.Resolve(v, err)
	}); err != nil {
		var zero T
		p.Resolve(zero, err)
	}
	return p.Future().Await(common.OperationTimeout)
}
