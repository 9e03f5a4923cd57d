package nm

// ConnectionRef is an opaque handle to a connection profile owned by
// NetworkManager, addressable by display name or UUID. It does not own
// the underlying state: Add creates it, Remove invalidates it.
type ConnectionRef interface {
	// ID returns the human-readable profile name (e.g. "PIA-US-East").
	ID() string
	// UUID returns the profile's stable unique identifier.
	UUID() string
}

// ActiveRef is a currently-activated instance of a ConnectionRef,
// bound to one or more network devices. It exists only while the
// profile is active.
type ActiveRef interface {
	// Connection returns the profile this activation belongs to.
	Connection() ConnectionRef
	// Devices returns the devices the activation is bound to.
	Devices() []DeviceRef
}

// DeviceRef identifies a network device known to NetworkManager.
type DeviceRef interface {
	// Interface returns the kernel interface name (e.g. "wg-a1b2c3d4").
	Interface() string
}

// Service is the configuration service consumed by Client. Every
// method must be invoked on the event loop thread; asynchronous
// methods deliver their completion callback on that same thread.
//
// The production implementation is DBusService; tests use an
// in-memory fake.
type Service interface {
	// Init establishes the service connection. Called once, on the
	// loop thread, before any other method.
	Init() error

	// AddConnection persists a new profile and reports the resulting
	// reference. source carries the service's native completion handle
	// and is nil only on internal failure paths.
	AddConnection(settings SettingsMap, done func(source any, ref ConnectionRef, err error))

	// ActivateConnection activates a profile. A nil device requests
	// auto-selection by the service.
	ActivateConnection(ref ConnectionRef, dev DeviceRef, done func(source any, active ActiveRef, err error))

	// DeleteConnection removes a profile.
	DeleteConnection(ref ConnectionRef, done func(source any, err error))

	// UpdateSettings persists new settings to the saved profile.
	UpdateSettings(ref ConnectionRef, settings SettingsMap, done func(source any, err error))

	// ConnectionByID looks up a profile by display name.
	ConnectionByID(id string) (ConnectionRef, bool)

	// ConnectionByUUID looks up a profile by UUID.
	ConnectionByUUID(uuid string) (ConnectionRef, bool)

	// Connections lists all profiles.
	Connections() []ConnectionRef

	// ActiveConnections lists all currently-activated instances.
	ActiveConnections() []ActiveRef

	// SavedSettings reads the persisted settings of a profile.
	SavedSettings(ref ConnectionRef) (SettingsMap, error)

	// AppliedConnection returns the settings currently enforced on a
	// device together with the optimistic-concurrency version token a
	// subsequent Reapply must present.
	AppliedConnection(dev DeviceRef) (SettingsMap, uint64, error)

	// Reapply updates an active device's configuration in place,
	// without disconnecting. The service rejects the call when
	// versionID is stale.
	Reapply(dev DeviceRef, settings SettingsMap, versionID uint64) error
}
