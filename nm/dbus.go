package nm

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"pianm/common"
)

const (
	nmDest         = "org.freedesktop.NetworkManager"
	nmPath         = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	nmIface           = "org.freedesktop.NetworkManager"
	nmSettingsIface   = "org.freedesktop.NetworkManager.Settings"
	nmConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
)

// Update2 flag asking NetworkManager to persist the settings to disk.
const updateToDisk = uint32(0x1)

// DBusService talks to NetworkManager over the system bus. All methods
// run on the event loop thread; asynchronous bus calls deliver their
// completion back onto the loop, so callbacks observe the same
// single-threaded discipline as direct calls.
type DBusService struct {
	loop *Loop
	conn *dbus.Conn
}

// NewDBusService creates the service. The bus connection is established
// by Init, on the loop thread.
func NewDBusService(loop *Loop) *DBusService {
	return &DBusService{loop: loop}
}

// Init connects to the system bus. NetworkManager lives there; a
// session-bus fallback would only ever fail later.
func (s *DBusService) Init() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return common.WrapError(err, "connecting to system bus")
	}
	s.conn = conn
	common.LogDebug("Connected to system bus as %s", conn.Names()[0])
	return nil
}

// dbusConnection is a ConnectionRef backed by a Settings.Connection
// object path. ID and UUID are cached at construction so the accessors
// are safe off the loop thread.
type dbusConnection struct {
	path dbus.ObjectPath
	id   string
	uuid string
}

func (c *dbusConnection) ID() string   { return c.id }
func (c *dbusConnection) UUID() string { return c.uuid }

// dbusActive is an ActiveRef backed by a Connection.Active object path,
// with its profile and device bindings resolved at construction.
type dbusActive struct {
	path    dbus.ObjectPath
	conn    ConnectionRef
	devices []DeviceRef
}

func (a *dbusActive) Connection() ConnectionRef { return a.conn }
func (a *dbusActive) Devices() []DeviceRef      { return a.devices }

// dbusDevice is a DeviceRef backed by a Device object path.
type dbusDevice struct {
	path  dbus.ObjectPath
	iface string
}

func (d *dbusDevice) Interface() string { return d.iface }

// AddConnection persists a new profile via Settings.AddConnection and
// resolves the returned object path into a full reference.
func (s *DBusService) AddConnection(settings SettingsMap, done func(source any, ref ConnectionRef, err error)) {
	s.loop.AssertOnLoopThread()

	ch := make(chan *dbus.Call, 1)
	s.conn.Object(nmDest, nmSettingsPath).Go(nmSettingsIface+".AddConnection", 0, ch, toDBus(settings))
	s.completeOnLoop(ch, func(call *dbus.Call) {
		if call.Err != nil {
			done(call, nil, busError(call.Err))
			return
		}
		var path dbus.ObjectPath
		if err := call.Store(&path); err != nil {
			done(call, nil, common.WrapError(err, "decoding AddConnection reply"))
			return
		}
		ref, err := s.connectionAt(path)
		done(call, ref, err)
	})
}

// ActivateConnection activates a profile. A nil device passes the root
// object path, which asks NetworkManager to pick the device itself.
func (s *DBusService) ActivateConnection(ref ConnectionRef, dev DeviceRef, done func(source any, active ActiveRef, err error)) {
	s.loop.AssertOnLoopThread()

	connPath, err := s.pathOf(ref)
	if err != nil {
		done(nil, nil, err)
		return
	}
	devPath := dbus.ObjectPath("/")
	if d, ok := dev.(*dbusDevice); ok {
		devPath = d.path
	}

	ch := make(chan *dbus.Call, 1)
	s.conn.Object(nmDest, nmPath).Go(nmIface+".ActivateConnection", 0, ch,
		connPath, devPath, dbus.ObjectPath("/"))
	s.completeOnLoop(ch, func(call *dbus.Call) {
		if call.Err != nil {
			done(call, nil, busError(call.Err))
			return
		}
		var activePath dbus.ObjectPath
		if err := call.Store(&activePath); err != nil {
			done(call, nil, common.WrapError(err, "decoding ActivateConnection reply"))
			return
		}
		active, err := s.activeAt(activePath)
		done(call, active, err)
	})
}

// DeleteConnection removes a saved profile.
func (s *DBusService) DeleteConnection(ref ConnectionRef, done func(source any, err error)) {
	s.loop.AssertOnLoopThread()

	path, err := s.pathOf(ref)
	if err != nil {
		done(nil, err)
		return
	}

	ch := make(chan *dbus.Call, 1)
	s.conn.Object(nmDest, path).Go(nmConnectionIface+".Delete", 0, ch)
	s.completeOnLoop(ch, func(call *dbus.Call) {
		done(call, busError(call.Err))
	})
}

// UpdateSettings persists new settings to the saved profile via
// Update2, asking for a write to disk.
func (s *DBusService) UpdateSettings(ref ConnectionRef, settings SettingsMap, done func(source any, err error)) {
	s.loop.AssertOnLoopThread()

	path, err := s.pathOf(ref)
	if err != nil {
		done(nil, err)
		return
	}

	ch := make(chan *dbus.Call, 1)
	s.conn.Object(nmDest, path).Go(nmConnectionIface+".Update2", 0, ch,
		toDBus(settings), updateToDisk, map[string]dbus.Variant{})
	s.completeOnLoop(ch, func(call *dbus.Call) {
		done(call, busError(call.Err))
	})
}

// ConnectionByID scans the profile list for a display name match.
// NetworkManager has no by-name lookup on the bus.
func (s *DBusService) ConnectionByID(id string) (ConnectionRef, bool) {
	for _, ref := range s.Connections() {
		if ref.ID() == id {
			return ref, true
		}
	}
	return nil, false
}

// ConnectionByUUID resolves a profile via Settings.GetConnectionByUuid.
func (s *DBusService) ConnectionByUUID(uuid string) (ConnectionRef, bool) {
	s.loop.AssertOnLoopThread()

	var path dbus.ObjectPath
	err := s.conn.Object(nmDest, nmSettingsPath).
		Call(nmSettingsIface+".GetConnectionByUuid", 0, uuid).Store(&path)
	if err != nil {
		return nil, false
	}
	ref, err := s.connectionAt(path)
	if err != nil {
		common.LogError("Failed to resolve connection %s: %v", path, err)
		return nil, false
	}
	return ref, true
}

// Connections lists every saved profile. Profiles whose settings cannot
// be read (racing deletion, permission) are skipped.
func (s *DBusService) Connections() []ConnectionRef {
	s.loop.AssertOnLoopThread()

	var paths []dbus.ObjectPath
	err := s.conn.Object(nmDest, nmSettingsPath).
		Call(nmSettingsIface+".ListConnections", 0).Store(&paths)
	if err != nil {
		common.LogError("Failed to list connections: %v", busError(err))
		return nil
	}

	refs := make([]ConnectionRef, 0, len(paths))
	for _, path := range paths {
		ref, err := s.connectionAt(path)
		if err != nil {
			common.LogDebug("Skipping unreadable connection %s: %v", path, err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// ActiveConnections lists the currently-activated instances from the
// manager's ActiveConnections property.
func (s *DBusService) ActiveConnections() []ActiveRef {
	s.loop.AssertOnLoopThread()

	prop, err := s.conn.Object(nmDest, nmPath).GetProperty(nmIface + ".ActiveConnections")
	if err != nil {
		common.LogError("Failed to read active connections: %v", busError(err))
		return nil
	}
	var paths []dbus.ObjectPath
	if err := prop.Store(&paths); err != nil {
		common.LogError("Unexpected ActiveConnections shape: %v", err)
		return nil
	}

	actives := make([]ActiveRef, 0, len(paths))
	for _, path := range paths {
		active, err := s.activeAt(path)
		if err != nil {
			// Activations come and go underneath us; a vanished one is
			// not an error for the caller.
			common.LogDebug("Skipping active connection %s: %v", path, err)
			continue
		}
		actives = append(actives, active)
	}
	return actives
}

// SavedSettings reads the persisted settings of a profile.
func (s *DBusService) SavedSettings(ref ConnectionRef) (SettingsMap, error) {
	s.loop.AssertOnLoopThread()

	path, err := s.pathOf(ref)
	if err != nil {
		return nil, err
	}
	return s.settingsAt(path)
}

// AppliedConnection snapshots the settings currently enforced on a
// device together with the version token Reapply must present.
func (s *DBusService) AppliedConnection(dev DeviceRef) (SettingsMap, uint64, error) {
	s.loop.AssertOnLoopThread()

	d, ok := dev.(*dbusDevice)
	if !ok {
		return nil, 0, common.NewOperationError("", 0, fmt.Sprintf("foreign device reference %T", dev))
	}

	var raw map[string]map[string]dbus.Variant
	var versionID uint64
	err := s.conn.Object(nmDest, d.path).
		Call(nmDeviceIface+".GetAppliedConnection", 0, uint32(0)).Store(&raw, &versionID)
	if err != nil {
		return nil, 0, busError(err)
	}
	return fromDBus(raw), versionID, nil
}

// Reapply pushes updated settings to an active device under the given
// version token. NetworkManager rejects the call if the token is stale.
func (s *DBusService) Reapply(dev DeviceRef, settings SettingsMap, versionID uint64) error {
	s.loop.AssertOnLoopThread()

	d, ok := dev.(*dbusDevice)
	if !ok {
		return common.NewOperationError("", 0, fmt.Sprintf("foreign device reference %T", dev))
	}

	err := s.conn.Object(nmDest, d.path).
		Call(nmDeviceIface+".Reapply", 0, toDBus(settings), versionID, uint32(0)).Err
	return busError(err)
}

// completeOnLoop waits for the bus call off-loop and forwards its
// completion back onto the loop thread, where deliver runs.
func (s *DBusService) completeOnLoop(ch chan *dbus.Call, deliver func(call *dbus.Call)) {
	go func() {
		call := <-ch
		if err := s.loop.RunOn(func() { deliver(call) }); err != nil {
			common.LogError("Dropping bus completion, loop unavailable: %v", err)
		}
	}()
}

// pathOf recovers the object path behind a ConnectionRef.
func (s *DBusService) pathOf(ref ConnectionRef) (dbus.ObjectPath, error) {
	c, ok := ref.(*dbusConnection)
	if !ok {
		return "", common.NewOperationError("", 0, fmt.Sprintf("foreign connection reference %T", ref))
	}
	return c.path, nil
}

// connectionAt builds a ConnectionRef from a Settings.Connection path,
// caching the profile's name and UUID.
func (s *DBusService) connectionAt(path dbus.ObjectPath) (*dbusConnection, error) {
	settings, err := s.settingsAt(path)
	if err != nil {
		return nil, err
	}
	ref := &dbusConnection{path: path}
	if conn, ok := settings[sectionConnection]; ok {
		ref.id, _ = conn["id"].(string)
		ref.uuid, _ = conn["uuid"].(string)
	}
	return ref, nil
}

// settingsAt reads and decodes a profile's saved settings.
func (s *DBusService) settingsAt(path dbus.ObjectPath) (SettingsMap, error) {
	var raw map[string]map[string]dbus.Variant
	err := s.conn.Object(nmDest, path).Call(nmConnectionIface+".GetSettings", 0).Store(&raw)
	if err != nil {
		return nil, busError(err)
	}
	return fromDBus(raw), nil
}

// activeAt builds an ActiveRef from a Connection.Active path, resolving
// its profile and devices.
func (s *DBusService) activeAt(path dbus.ObjectPath) (*dbusActive, error) {
	obj := s.conn.Object(nmDest, path)

	connProp, err := obj.GetProperty(nmActiveIface + ".Connection")
	if err != nil {
		return nil, busError(err)
	}
	var connPath dbus.ObjectPath
	if err := connProp.Store(&connPath); err != nil {
		return nil, common.WrapError(err, "decoding active connection path")
	}
	conn, err := s.connectionAt(connPath)
	if err != nil {
		return nil, err
	}

	devsProp, err := obj.GetProperty(nmActiveIface + ".Devices")
	if err != nil {
		return nil, busError(err)
	}
	var devPaths []dbus.ObjectPath
	if err := devsProp.Store(&devPaths); err != nil {
		return nil, common.WrapError(err, "decoding active device paths")
	}

	devices := make([]DeviceRef, 0, len(devPaths))
	for _, devPath := range devPaths {
		devices = append(devices, s.deviceAt(devPath))
	}
	return &dbusActive{path: path, conn: conn, devices: devices}, nil
}

// deviceAt builds a DeviceRef. The interface name is best-effort; a
// device object that cannot report one still works for applied-settings
// calls, which address it by path.
func (s *DBusService) deviceAt(path dbus.ObjectPath) *dbusDevice {
	dev := &dbusDevice{path: path}
	if prop, err := s.conn.Object(nmDest, path).GetProperty(nmDeviceIface + ".Interface"); err == nil {
		prop.Store(&dev.iface)
	}
	return dev
}

// busError converts a D-Bus error into the operation error taxonomy,
// keeping the bus error name as the domain so callers can classify
// failures (permission denied, stale version token).
func busError(err error) error {
	if err == nil {
		return nil
	}
	var dbErr dbus.Error
	if errors.As(err, &dbErr) {
		msg := dbErr.Name
		if len(dbErr.Body) > 0 {
			if s, ok := dbErr.Body[0].(string); ok {
				msg = s
			}
		}
		return common.NewOperationError(dbErr.Name, 0, msg)
	}
	return err
}

// toDBus converts a settings map into the a{sa{sv}} wire shape.
func toDBus(settings SettingsMap) map[string]map[string]dbus.Variant {
	out := make(map[string]map[string]dbus.Variant, len(settings))
	for section, keys := range settings {
		m := make(map[string]dbus.Variant, len(keys))
		for k, v := range keys {
			m[k] = dbus.MakeVariant(toDBusValue(v))
		}
		out[section] = m
	}
	return out
}

// toDBusValue lifts nested maps into variant dictionaries so peer and
// address-data lists marshal as aa{sv}.
func toDBusValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return toDBusDict(t)
	case []map[string]any:
		s := make([]map[string]dbus.Variant, len(t))
		for i, e := range t {
			s[i] = toDBusDict(e)
		}
		return s
	case []any:
		s := make([]dbus.Variant, len(t))
		for i, e := range t {
			s[i] = dbus.MakeVariant(toDBusValue(e))
		}
		return s
	default:
		return v
	}
}

func toDBusDict(m map[string]any) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(m))
	for k, v := range m {
		out[k] = dbus.MakeVariant(toDBusValue(v))
	}
	return out
}

// fromDBus decodes the a{sa{sv}} wire shape into a settings map,
// unwrapping variants recursively.
func fromDBus(raw map[string]map[string]dbus.Variant) SettingsMap {
	out := make(SettingsMap, len(raw))
	for section, keys := range raw {
		m := make(map[string]any, len(keys))
		for k, v := range keys {
			m[k] = fromDBusValue(v.Value())
		}
		out[section] = m
	}
	return out
}

func fromDBusValue(v any) any {
	switch t := v.(type) {
	case dbus.Variant:
		return fromDBusValue(t.Value())
	case map[string]dbus.Variant:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = fromDBusValue(e.Value())
		}
		return m
	case []map[string]dbus.Variant:
		s := make([]map[string]any, len(t))
		for i, e := range t {
			s[i] = fromDBusValue(e).(map[string]any)
		}
		return s
	case []dbus.Variant:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = fromDBusValue(e.Value())
		}
		return s
	default:
		return v
	}
}
