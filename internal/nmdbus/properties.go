package nmdbus

import (
	"context"
	"encoding/binary"
	"net/netip"
	"slices"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/network"
)

// stateAndReason is the (uu) StateReason property.
type stateAndReason struct {
	State  uint32
	Reason uint32
}

// properties implements org.freedesktop.DBus.Properties for every object,
// routing on the message path.
type properties struct {
	s *Server
}

// Get implements org.freedesktop.DBus.Properties.Get.
func (p *properties) Get(msg dbus.Message, iface, property string) (dbus.Variant, *dbus.Error) {
	all, derr := p.s.objectProperties(messagePath(msg))
	if derr != nil {
		return dbus.Variant{}, derr
	}
	props, ok := all[iface]
	if !ok {
		return dbus.Variant{}, NewDBusError(ErrNameUnknownInterface, "No interface "+iface)
	}
	v, ok := props[property]
	if !ok {
		return dbus.Variant{}, ErrUnknownProperty(iface, property)
	}
	return v, nil
}

// GetAll implements org.freedesktop.DBus.Properties.GetAll. An empty
// interface name returns the properties of every interface.
func (p *properties) GetAll(msg dbus.Message, iface string) (map[string]dbus.Variant, *dbus.Error) {
	all, derr := p.s.objectProperties(messagePath(msg))
	if derr != nil {
		return nil, derr
	}
	if iface == "" {
		out := make(map[string]dbus.Variant)
		for _, props := range all {
			for k, v := range props {
				out[k] = v
			}
		}
		return out, nil
	}
	props, ok := all[iface]
	if !ok {
		return nil, NewDBusError(ErrNameUnknownInterface, "No interface "+iface)
	}
	return props, nil
}

// Set implements org.freedesktop.DBus.Properties.Set. Only Device.Managed
// is writable.
func (p *properties) Set(msg dbus.Message, iface, property string, value dbus.Variant) *dbus.Error {
	path := messagePath(msg)
	all, derr := p.s.objectProperties(path)
	if derr != nil {
		return derr
	}
	if _, ok := all[iface][property]; !ok {
		return ErrUnknownProperty(iface, property)
	}
	if iface != DeviceInterface || property != "Managed" {
		return NewDBusError(ErrNameReadOnly, property+" is read-only")
	}
	managed, ok := value.Value().(bool)
	if !ok {
		return NewDBusError(ErrNameInvalidArgs, "Managed must be a boolean")
	}
	log, derr := p.s.callers.authorize(msg, "Device.Managed")
	if derr != nil {
		return derr
	}
	name, _ := p.s.devices.lookup(path)
	var err error
	if !managed {
		ctx, cancel := p.s.callContext()
		err = p.s.engine.DeactivateDevice(ctx, name)
		cancel()
	}
	if err == nil {
		err = p.s.reg.SetManaged(name, managed)
	}
	log.LogMethod(context.Background(), "Device.SetManaged", map[string]any{"device": name, "managed": managed}, result(err), err)
	return dbusError(err, ErrNameUnknownDevice)
}

// objectProperties returns the properties of the object at path, keyed by
// interface.
func (s *Server) objectProperties(path dbus.ObjectPath) (map[string]map[string]dbus.Variant, *dbus.Error) {
	switch {
	case path == ManagerPath:
		return map[string]map[string]dbus.Variant{ManagerInterface: s.managerProps()}, nil
	case path == SettingsPath:
		return map[string]map[string]dbus.Variant{SettingsInterface: s.settingsProps()}, nil
	}

	if name, ok := s.devices.lookup(path); ok {
		d, ok := s.reg.Device(name)
		if !ok {
			return nil, ErrUnknownObject(path)
		}
		var owner *network.ActiveConnection
		if a, ok := s.reg.Active(d.ActiveID); ok {
			owner = &a
		}
		out := map[string]map[string]dbus.Variant{DeviceInterface: s.deviceProps(d, owner)}
		if d.Kind == network.KindWireless {
			out[WirelessInterface] = s.wirelessProps(d)
		}
		return out, nil
	}
	if id, ok := activeID(path, ActivePath); ok {
		if a, ok := s.reg.Active(id); ok {
			return map[string]map[string]dbus.Variant{ActiveInterface: s.activeProps(a)}, nil
		}
	}
	if id, ok := activeID(path, IP4ConfigPath); ok {
		if a, ok := s.reg.Active(id); ok && a.IP4 != nil {
			return map[string]map[string]dbus.Variant{IP4ConfigInterface: ip4ConfigProps(a.IP4)}, nil
		}
	}
	if uuid, ok := s.settings.lookup(path); ok {
		if _, err := s.profiles.Get(uuid); err == nil {
			return map[string]map[string]dbus.Variant{ConnectionInterface: connectionProps()}, nil
		}
	}
	if key, ok := s.aps.lookup(path); ok {
		if ap, ok := s.accessPoint(key); ok {
			return map[string]map[string]dbus.Variant{AccessPointInterface: accessPointProps(ap)}, nil
		}
	}
	return nil, ErrUnknownObject(path)
}

func (s *Server) managerProps() map[string]dbus.Variant {
	global, conn := s.reg.State()
	devices := s.devicePaths()
	primary := s.primary()
	primaryType := ""
	if id, ok := activeID(primary, ActivePath); ok {
		if a, ok := s.reg.Active(id); ok {
			primaryType = connectionType(a.Kind)
		}
	}
	return map[string]dbus.Variant{
		"Devices":                    dbus.MakeVariant(devices),
		"AllDevices":                 dbus.MakeVariant(devices),
		"ActiveConnections":          dbus.MakeVariant(s.activePaths()),
		"State":                      dbus.MakeVariant(uint32(global)),
		"Connectivity":               dbus.MakeVariant(uint32(conn)),
		"NetworkingEnabled":          dbus.MakeVariant(true),
		"WirelessEnabled":            dbus.MakeVariant(true),
		"WirelessHardwareEnabled":    dbus.MakeVariant(true),
		"WwanEnabled":                dbus.MakeVariant(false),
		"Version":                    dbus.MakeVariant(Version),
		"PrimaryConnection":          dbus.MakeVariant(primary),
		"PrimaryConnectionType":      dbus.MakeVariant(primaryType),
		"ActivatingConnection":       dbus.MakeVariant(s.activating()),
		"Startup":                    dbus.MakeVariant(false),
		"ConnectivityCheckAvailable": dbus.MakeVariant(false),
		"ConnectivityCheckEnabled":   dbus.MakeVariant(false),
	}
}

// deviceChanging holds the device properties that move with state changes.
func (s *Server) deviceChanging(d network.Device, owner *network.ActiveConnection) map[string]dbus.Variant {
	ip4Config := NoObject
	var ip4Addr uint32
	if owner != nil && owner.IP4 != nil {
		ip4Config = ip4ConfigPath(owner.ID)
		ip4Addr = legacyIP4(owner.IP4)
	}
	state := deviceState(d.State)
	return map[string]dbus.Variant{
		"State":            dbus.MakeVariant(state),
		"StateReason":      dbus.MakeVariant(stateAndReason{state, s.reason(d.Name)}),
		"ActiveConnection": dbus.MakeVariant(activePath(d.ActiveID)),
		"Managed":          dbus.MakeVariant(d.Managed),
		"Ip4Config":        dbus.MakeVariant(ip4Config),
		"Ip4Address":       dbus.MakeVariant(ip4Addr),
	}
}

func (s *Server) deviceProps(d network.Device, owner *network.ActiveConnection) map[string]dbus.Variant {
	props := s.deviceChanging(d, owner)
	props["Interface"] = dbus.MakeVariant(d.Name)
	props["IpInterface"] = dbus.MakeVariant(d.Name)
	props["Udi"] = dbus.MakeVariant("/sys/class/net/" + d.Name)
	props["DeviceType"] = dbus.MakeVariant(deviceType(d.Kind))
	props["HwAddress"] = dbus.MakeVariant(d.HwAddress)
	props["Autoconnect"] = dbus.MakeVariant(true)
	props["Real"] = dbus.MakeVariant(true)
	props["Ip6Config"] = dbus.MakeVariant(NoObject)
	props["Dhcp4Config"] = dbus.MakeVariant(NoObject)
	props["AvailableConnections"] = dbus.MakeVariant(s.availableConnections(d))
	return props
}

// availableConnections lists the profiles that could be activated on d.
func (s *Server) availableConnections(d network.Device) []dbus.ObjectPath {
	out := []dbus.ObjectPath{}
	for _, c := range s.profiles.List() {
		if c.Kind == d.Kind && (c.Interface == "" || c.Interface == d.Name) {
			out = append(out, s.settings.path(c.ID))
		}
	}
	return out
}

func (s *Server) activeProps(a network.ActiveConnection) map[string]dbus.Variant {
	devices := []dbus.ObjectPath{}
	if _, ok := s.reg.Device(a.Device); ok {
		devices = append(devices, s.devices.path(a.Device))
	}
	return map[string]dbus.Variant{
		"Id":             dbus.MakeVariant(a.ConnectionName),
		"Uuid":           dbus.MakeVariant(a.ConnectionID),
		"Type":           dbus.MakeVariant(connectionType(a.Kind)),
		"State":          dbus.MakeVariant(activeState(a.Stage)),
		"StateReason":    dbus.MakeVariant(a.Reason()),
		"Devices":        dbus.MakeVariant(devices),
		"Connection":     dbus.MakeVariant(s.settings.path(a.ConnectionID)),
		"SpecificObject": dbus.MakeVariant(NoObject),
		"Ip4Config":      dbus.MakeVariant(s.ip4ConfigPath(a)),
		"Ip6Config":      dbus.MakeVariant(NoObject),
		"Default":        dbus.MakeVariant(s.primary() == activePath(a.ID)),
		"Vpn":            dbus.MakeVariant(a.Kind == network.KindVPN),
		"Master":         dbus.MakeVariant(NoObject),
	}
}

func (s *Server) ip4ConfigPath(a network.ActiveConnection) dbus.ObjectPath {
	if a.IP4 == nil {
		return NoObject
	}
	return ip4ConfigPath(a.ID)
}

func ip4ConfigProps(c *network.IPConfig) map[string]dbus.Variant {
	addrs := []map[string]dbus.Variant{}
	for _, p := range c.Addresses {
		addrs = append(addrs, map[string]dbus.Variant{
			"address": dbus.MakeVariant(p.Addr().String()),
			"prefix":  dbus.MakeVariant(uint32(p.Bits())),
		})
	}
	servers := []map[string]dbus.Variant{}
	for _, a := range c.DNS {
		servers = append(servers, map[string]dbus.Variant{"address": dbus.MakeVariant(a.String())})
	}
	gw := ""
	if c.Gateway.IsValid() {
		gw = c.Gateway.String()
	}
	return map[string]dbus.Variant{
		"AddressData":    dbus.MakeVariant(addrs),
		"Gateway":        dbus.MakeVariant(gw),
		"NameserverData": dbus.MakeVariant(servers),
	}
}

func (s *Server) settingsProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Connections": dbus.MakeVariant(s.connectionPaths()),
		"CanModify":   dbus.MakeVariant(true),
		"Hostname":    dbus.MakeVariant(""),
	}
}

func connectionProps() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Unsaved": dbus.MakeVariant(false),
		"Flags":   dbus.MakeVariant(uint32(0)),
	}
}

func (s *Server) devicePaths() []dbus.ObjectPath {
	out := []dbus.ObjectPath{}
	for _, d := range s.reg.Devices() {
		out = append(out, s.devices.path(d.Name))
	}
	return out
}

// activePaths lists activations that have not reached a terminal stage.
func (s *Server) activePaths() []dbus.ObjectPath {
	out := []dbus.ObjectPath{}
	for _, a := range s.reg.ActiveConnections() {
		if !a.Stage.Terminal() {
			out = append(out, activePath(a.ID))
		}
	}
	return out
}

func (s *Server) connectionPaths() []dbus.ObjectPath {
	out := []dbus.ObjectPath{}
	for _, c := range s.profiles.List() {
		out = append(out, s.settings.path(c.ID))
	}
	return out
}

// primary picks the activated connection that carries the default route,
// falling back to any activated one.
func (s *Server) primary() dbus.ObjectPath {
	var fallback string
	for _, a := range s.reg.ActiveConnections() {
		if a.Stage != network.StageActivated {
			continue
		}
		if a.IP4 != nil && a.IP4.Gateway.IsValid() {
			return activePath(a.ID)
		}
		if fallback == "" {
			fallback = a.ID
		}
	}
	return activePath(fallback)
}

func (s *Server) activating() dbus.ObjectPath {
	for _, a := range s.reg.ActiveConnections() {
		if activeState(a.Stage) == nmActiveActivating {
			return activePath(a.ID)
		}
	}
	return NoObject
}

// legacyIP4 encodes the first address the way NetworkManager's deprecated
// uint32 properties do: network byte order read as a little-endian word.
func legacyIP4(c *network.IPConfig) uint32 {
	i := slices.IndexFunc(c.Addresses, func(p netip.Prefix) bool { return p.Addr().Is4() })
	if i < 0 {
		return 0
	}
	b := c.Addresses[i].Addr().As4()
	return binary.LittleEndian.Uint32(b[:])
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
