package nmdbus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nikicat/netctld/internal/engine"
	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/network"
)

// manager implements org.freedesktop.NetworkManager.
type manager struct {
	s *Server
}

// methods is the exported method table. NetworkManager has a lower-case
// "state" method, which a Go method name cannot express.
func (m *manager) methods() map[string]any {
	return map[string]any{
		"GetDevices":               m.GetDevices,
		"GetAllDevices":            m.GetDevices,
		"GetDeviceByIpIface":       m.GetDeviceByIpIface,
		"ActivateConnection":       m.ActivateConnection,
		"ActivateConnection2":      m.ActivateConnection2,
		"AddAndActivateConnection": m.AddAndActivateConnection,
		"DeactivateConnection":     m.DeactivateConnection,
		"CheckConnectivity":        m.CheckConnectivity,
		"GetPermissions":           m.GetPermissions,
		"state":                    m.State,
	}
}

// GetDevices returns every device.
// Signature: GetDevices() -> (devices Array<ObjectPath>)
func (m *manager) GetDevices() ([]dbus.ObjectPath, *dbus.Error) {
	return m.s.devicePaths(), nil
}

// GetDeviceByIpIface returns the device with the given interface name.
// Signature: GetDeviceByIpIface(iface String) -> (device ObjectPath)
func (m *manager) GetDeviceByIpIface(iface string) (dbus.ObjectPath, *dbus.Error) {
	if _, ok := m.s.reg.Device(iface); !ok {
		return NoObject, NewDBusError(ErrNameUnknownDevice, "No device found for interface "+iface)
	}
	return m.s.devices.path(iface), nil
}

// ActivateConnection activates a stored connection on a device. It returns
// once the activation left the Requested stage; later failures are reported
// through the active connection's state.
// Signature: ActivateConnection(connection ObjectPath, device ObjectPath, specific_object ObjectPath) -> (active ObjectPath)
func (m *manager) ActivateConnection(msg dbus.Message, connPath, devPath, specific dbus.ObjectPath) (dbus.ObjectPath, *dbus.Error) {
	return m.activate(msg, "ActivateConnection", connPath, devPath, false)
}

// ActivateConnection2 is ActivateConnection with options. The boolean
// option "replace" cancels an activation already running on the device
// instead of failing.
// Signature: ActivateConnection2(connection ObjectPath, device ObjectPath, specific_object ObjectPath, options Dict<String,Variant>) -> (active ObjectPath, result Dict<String,Variant>)
func (m *manager) ActivateConnection2(msg dbus.Message, connPath, devPath, specific dbus.ObjectPath, options map[string]dbus.Variant) (dbus.ObjectPath, map[string]dbus.Variant, *dbus.Error) {
	replace, _ := options["replace"].Value().(bool)
	path, derr := m.activate(msg, "ActivateConnection2", connPath, devPath, replace)
	return path, map[string]dbus.Variant{}, derr
}

func (m *manager) activate(msg dbus.Message, method string, connPath, devPath dbus.ObjectPath, replace bool) (dbus.ObjectPath, *dbus.Error) {
	log, derr := m.s.callers.authorize(msg, method)
	if derr != nil {
		return NoObject, derr
	}
	conn, derr := m.s.lookupConnection(connPath)
	if derr != nil {
		log.LogActivate(m.s.ctx, string(connPath), string(devPath), "", "error", derr)
		return NoObject, derr
	}
	return m.start(log, conn, devPath, replace)
}

// start resolves the device and runs the activation.
func (m *manager) start(log *logging.Logger, conn network.Connection, devPath dbus.ObjectPath, replace bool) (dbus.ObjectPath, *dbus.Error) {
	dev, derr := m.s.resolveDevice(devPath, conn)
	if derr != nil {
		log.LogActivate(m.s.ctx, conn.Name, string(devPath), "", "error", derr)
		return NoObject, derr
	}

	ctx, cancel := m.s.callContext()
	defer cancel()
	a, err := m.s.engine.Activate(ctx, conn, dev, engine.ActivateOptions{Replace: replace})
	var se *network.StageError
	if err != nil && (a.ID == "" || !errors.As(err, &se)) {
		log.LogActivate(m.s.ctx, conn.Name, dev, a.ID, "error", err)
		return NoObject, dbusError(err, ErrNameUnknownDevice)
	}
	// A stage failure is an outcome of the activation, not of the call.
	log.LogActivate(m.s.ctx, conn.Name, dev, a.ID, a.Stage.String(), err)
	return activePath(a.ID), nil
}

// AddAndActivateConnection stores a new connection and activates it. When
// specific_object is an access point, missing wireless settings are taken
// from it.
// Signature: AddAndActivateConnection(connection Dict<String,Dict<String,Variant>>, device ObjectPath, specific_object ObjectPath) -> (path ObjectPath, active_connection ObjectPath)
func (m *manager) AddAndActivateConnection(msg dbus.Message, settings map[string]map[string]dbus.Variant, devPath, specific dbus.ObjectPath) (dbus.ObjectPath, dbus.ObjectPath, *dbus.Error) {
	log, derr := m.s.callers.authorize(msg, "AddAndActivateConnection")
	if derr != nil {
		return NoObject, NoObject, derr
	}
	s := Settings(settings)
	if key, ok := m.s.aps.lookup(specific); ok {
		if ap, ok := m.s.accessPoint(key); ok {
			s = completeFromAccessPoint(s, ap)
		}
	}
	conn, err := fromSettings(s)
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if err == nil && conn.Name == "" {
		conn.Name = m.s.defaultName(conn, devPath)
	}
	if err == nil {
		conn, err = m.s.profiles.Add(conn)
	}
	if err != nil {
		log.LogSettings(m.s.ctx, "AddAndActivateConnection", conn.ID, conn.Name, "error", err)
		return NoObject, NoObject, dbusError(err, ErrNameUnknownConnection)
	}
	log.LogSettings(m.s.ctx, "AddConnection", conn.ID, conn.Name, "ok", nil)

	active, derr := m.start(log, conn, devPath, false)
	return m.s.settings.path(conn.ID), active, derr
}

// DeactivateConnection tears an active connection down and returns once it
// is deactivated.
// Signature: DeactivateConnection(active_connection ObjectPath) -> ()
func (m *manager) DeactivateConnection(msg dbus.Message, activePath dbus.ObjectPath) *dbus.Error {
	log, derr := m.s.callers.authorize(msg, "DeactivateConnection")
	if derr != nil {
		return derr
	}
	id, ok := activeID(activePath, ActivePath)
	if !ok {
		log.LogDeactivate(m.s.ctx, "DeactivateConnection", string(activePath), "error", nil)
		return NewDBusError(ErrNameNotActive, "Not an active connection: "+string(activePath))
	}
	ctx, cancel := m.s.callContext()
	defer cancel()
	err := m.s.engine.Deactivate(ctx, id)
	log.LogDeactivate(m.s.ctx, "DeactivateConnection", string(activePath), result(err), err)
	return dbusError(err, ErrNameNotActive)
}

// CheckConnectivity returns the current connectivity. netctld derives it
// from device state and does not probe.
// Signature: CheckConnectivity() -> (connectivity UInt32)
func (m *manager) CheckConnectivity() (uint32, *dbus.Error) {
	_, c := m.s.reg.State()
	return uint32(c), nil
}

// State returns the global state.
// Signature: state() -> (state UInt32)
func (m *manager) State() (uint32, *dbus.Error) {
	g, _ := m.s.reg.State()
	return uint32(g), nil
}

// Permission names reported by GetPermissions.
var permissions = []string{
	"org.freedesktop.NetworkManager.network-control",
	"org.freedesktop.NetworkManager.settings.modify.system",
	"org.freedesktop.NetworkManager.enable-disable-network",
	"org.freedesktop.NetworkManager.enable-disable-wifi",
	"org.freedesktop.NetworkManager.wifi.scan",
}

// GetPermissions reports what the caller may do.
// Signature: GetPermissions() -> (permissions Dict<String,String>)
func (m *manager) GetPermissions(msg dbus.Message) (map[string]string, *dbus.Error) {
	c := m.s.callers.resolve(messageSender(msg))
	answer := "no"
	if c.Known && (c.UID == 0 || (m.s.callers.auth != nil && m.s.callers.auth.VerifyStored(c.UID))) {
		answer = "yes"
	}
	out := make(map[string]string, len(permissions))
	for _, p := range permissions {
		out[p] = answer
	}
	out["org.freedesktop.NetworkManager.wifi.scan"] = "yes"
	return out, nil
}

func (s *Server) lookupConnection(path dbus.ObjectPath) (network.Connection, *dbus.Error) {
	uuid, ok := s.settings.lookup(path)
	if !ok {
		return network.Connection{}, NewDBusError(ErrNameUnknownConnection, "Connection "+string(path)+" does not exist")
	}
	c, err := s.profiles.Get(uuid)
	if err != nil {
		return network.Connection{}, dbusError(err, ErrNameUnknownConnection)
	}
	return c, nil
}

// resolveDevice maps the device argument of an activation call to an
// interface name. "/" means the connection's bound interface, or else the
// first idle managed device of the right kind.
func (s *Server) resolveDevice(path dbus.ObjectPath, conn network.Connection) (string, *dbus.Error) {
	if path != "" && path != NoObject {
		name, ok := s.devices.lookup(path)
		if !ok {
			return "", NewDBusError(ErrNameUnknownDevice, "Device "+string(path)+" does not exist")
		}
		return name, nil
	}
	name, err := s.reg.DeviceFor(conn)
	if err != nil {
		return "", NewDBusError(ErrNameUnknownDevice, fmt.Sprintf("No %s device available", conn.Kind))
	}
	return name, nil
}

// defaultName names a connection added without an id.
func (s *Server) defaultName(c network.Connection, devPath dbus.ObjectPath) string {
	if c.Wireless != nil && c.Wireless.SSID != "" {
		return c.Wireless.SSID
	}
	if name, ok := s.devices.lookup(devPath); ok {
		return string(c.Kind) + "-" + name
	}
	return string(c.Kind) + "-" + c.ID
}
