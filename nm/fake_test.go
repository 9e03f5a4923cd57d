package nm

import (
	"fmt"

	"pianm/common"
)

// fakeConn, fakeActive and fakeDevice are in-memory stand-ins for the
// service's reference types.
type fakeConn struct {
	id   string
	uuid string
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) UUID() string { return c.uuid }

type fakeActive struct {
	conn    ConnectionRef
	devices []DeviceRef
}

func (a *fakeActive) Connection() ConnectionRef { return a.conn }
func (a *fakeActive) Devices() []DeviceRef      { return a.devices }

type fakeDevice struct {
	iface string
}

func (d *fakeDevice) Interface() string { return d.iface }

// fakeSource stands in for the native completion handle.
var fakeSource = &struct{ name string }{"fake-call"}

// fakeService is an in-memory Service that records the order of calls
// it receives, so tests can assert which code path ran, not just the
// outcome.
type fakeService struct {
	loop *Loop

	connections []*fakeConn
	actives     []*fakeActive
	saved       map[string]SettingsMap // by profile id
	applied     map[string]SettingsMap // by device interface
	versionID   uint64

	initErr    error
	addErr     error
	reapplyErr error
	updateErr  error
	appliedErr error
	savedErr   error

	// nilSourceCompletions simulates the native layer delivering a
	// completion with a null source object.
	nilSourceCompletions bool

	calls []string

	// lastReapply captures the arguments of the most recent Reapply.
	lastReapply struct {
		settings  SettingsMap
		versionID uint64
	}
	// lastUpdate captures the settings of the most recent UpdateSettings.
	lastUpdate SettingsMap
}

func newFakeService(loop *Loop) *fakeService {
	return &fakeService{
		loop:    loop,
		saved:   make(map[string]SettingsMap),
		applied: make(map[string]SettingsMap),
	}
}

func (f *fakeService) record(call string) {
	f.calls = append(f.calls, call)
}

// called reports whether a call was recorded at least once.
func (f *fakeService) called(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeService) Init() error {
	f.record("Init")
	return f.initErr
}

func (f *fakeService) AddConnection(settings SettingsMap, done func(source any, ref ConnectionRef, err error)) {
	f.record("AddConnection")
	if f.nilSourceCompletions {
		done(nil, nil, nil)
		return
	}
	if f.addErr != nil {
		done(fakeSource, nil, f.addErr)
		return
	}
	conn, _ := settings[sectionConnection]
	id, _ := conn["id"].(string)
	uuid, _ := conn["uuid"].(string)
	ref := &fakeConn{id: id, uuid: uuid}
	f.connections = append(f.connections, ref)
	f.saved[id] = settings.Clone()
	done(fakeSource, ref, nil)
}

func (f *fakeService) ActivateConnection(ref ConnectionRef, dev DeviceRef, done func(source any, active ActiveRef, err error)) {
	f.record("ActivateConnection")
	if f.nilSourceCompletions {
		done(nil, nil, nil)
		return
	}
	active := &fakeActive{conn: ref}
	if dev != nil {
		active.devices = []DeviceRef{dev}
	}
	f.actives = append(f.actives, active)
	done(fakeSource, active, nil)
}

func (f *fakeService) DeleteConnection(ref ConnectionRef, done func(source any, err error)) {
	f.record("DeleteConnection")
	for i, c := range f.connections {
		if c.id == ref.ID() {
			f.connections = append(f.connections[:i], f.connections[i+1:]...)
			delete(f.saved, ref.ID())
			done(fakeSource, nil)
			return
		}
	}
	done(fakeSource, fmt.Errorf("%w: %s", common.ErrConnectionNotFound, ref.ID()))
}

func (f *fakeService) UpdateSettings(ref ConnectionRef, settings SettingsMap, done func(source any, err error)) {
	f.record("UpdateSettings")
	if f.updateErr != nil {
		done(fakeSource, f.updateErr)
		return
	}
	f.saved[ref.ID()] = settings.Clone()
	f.lastUpdate = settings
	done(fakeSource, nil)
}

func (f *fakeService) ConnectionByID(id string) (ConnectionRef, bool) {
	f.record("ConnectionByID")
	for _, c := range f.connections {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeService) ConnectionByUUID(uuid string) (ConnectionRef, bool) {
	f.record("ConnectionByUUID")
	for _, c := range f.connections {
		if c.uuid == uuid {
			return c, true
		}
	}
	return nil, false
}

func (f *fakeService) Connections() []ConnectionRef {
	f.record("Connections")
	refs := make([]ConnectionRef, len(f.connections))
	for i, c := range f.connections {
		refs[i] = c
	}
	return refs
}

func (f *fakeService) ActiveConnections() []ActiveRef {
	f.record("ActiveConnections")
	refs := make([]ActiveRef, len(f.actives))
	for i, a := range f.actives {
		refs[i] = a
	}
	return refs
}

func (f *fakeService) SavedSettings(ref ConnectionRef) (SettingsMap, error) {
	f.record("SavedSettings")
	if f.savedErr != nil {
		return nil, f.savedErr
	}
	settings, ok := f.saved[ref.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrConnectionNotFound, ref.ID())
	}
	return settings.Clone(), nil
}

func (f *fakeService) AppliedConnection(dev DeviceRef) (SettingsMap, uint64, error) {
	f.record("AppliedConnection")
	if f.appliedErr != nil {
		return nil, 0, f.appliedErr
	}
	settings, ok := f.applied[dev.Interface()]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", common.ErrDeviceNotFound, dev.Interface())
	}
	return settings.Clone(), f.versionID, nil
}

func (f *fakeService) Reapply(dev DeviceRef, settings SettingsMap, versionID uint64) error {
	f.record("Reapply")
	f.lastReapply.settings = settings
	f.lastReapply.versionID = versionID
	if f.reapplyErr != nil {
		return f.reapplyErr
	}
	if versionID != f.versionID {
		return common.NewOperationError("org.freedesktop.NetworkManager.Device.VersionIdMismatch", 0,
			"The version id of the applied connection does not match")
	}
	f.applied[dev.Interface()] = settings.Clone()
	f.versionID++
	return nil
}

// wireguardSettings builds a minimal profile settings map for tests.
func wireguardSettings(id, privateKey, endpoint string) SettingsMap {
	return SettingsMap{
		sectionConnection: {
			"id":   id,
			"uuid": "11111111-2222-3333-4444-555555555555",
			"type": "wireguard",
		},
		sectionWireGuard: {
			keyPrivateKey: privateKey,
			"fwmark":      uint32(0),
			keyPeers: []map[string]any{
				{
					"public-key":  "server-public-key",
					keyEndpoint:   endpoint,
					"allowed-ips": []string{"0.0.0.0/0"},
				},
			},
		},
		"ipv4": {
			"method":  "manual",
			"gateway": "0.0.0.0",
		},
		"ipv6": {
			"method": "disabled",
		},
	}
}
