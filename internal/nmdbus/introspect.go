package nmdbus

import (
	"encoding/xml"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// introspector implements org.freedesktop.DBus.Introspectable for the whole
// tree. Property lists are derived from the live property maps, so they
// cannot drift from what Get returns.
type introspector struct {
	s *Server
}

// Introspect implements org.freedesktop.DBus.Introspectable.Introspect.
func (i *introspector) Introspect(msg dbus.Message) (string, *dbus.Error) {
	path := messagePath(msg)
	node := introspect.Node{Name: string(path)}

	if ifaces, derr := i.s.objectProperties(path); derr == nil {
		for name, props := range ifaces {
			node.Interfaces = append(node.Interfaces, describe(name, props))
		}
		slices.SortFunc(node.Interfaces, func(a, b introspect.Interface) int { return strings.Compare(a.Name, b.Name) })
		node.Interfaces = append(node.Interfaces, propertiesData, introspect.IntrospectData)
	}
	for _, child := range i.s.children(path) {
		node.Children = append(node.Children, introspect.Node{Name: child})
	}

	b, err := xml.Marshal(node)
	if err != nil {
		return "", NewDBusError(ErrNameFailed, err.Error())
	}
	return strings.TrimSpace(introspect.IntrospectDeclarationString) + string(b), nil
}

// children lists the names of the nodes directly below path.
func (s *Server) children(path dbus.ObjectPath) []string {
	var paths []dbus.ObjectPath
	switch path {
	case "/":
		return []string{"org"}
	case "/org":
		return []string{"freedesktop"}
	case "/org/freedesktop":
		return []string{"NetworkManager"}
	case ManagerPath:
		return []string{"AccessPoint", "ActiveConnection", "Devices", "IP4Config", "Settings"}
	case DevicesPath:
		paths = s.devicePaths()
	case ActivePath:
		paths = s.activePaths()
	case SettingsPath:
		paths = s.connectionPaths()
	case IP4ConfigPath:
		for _, a := range s.reg.ActiveConnections() {
			if a.IP4 != nil {
				paths = append(paths, ip4ConfigPath(a.ID))
			}
		}
	case AccessPointPath:
		for _, d := range s.reg.Devices() {
			paths = append(paths, s.accessPointPaths(d.Name)...)
		}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, string(p[strings.LastIndexByte(string(p), '/')+1:]))
	}
	return out
}

func describe(iface string, props map[string]dbus.Variant) introspect.Interface {
	out := introspect.Interface{
		Name:    iface,
		Methods: interfaceMethods[iface],
		Signals: interfaceSignals[iface],
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		access := "read"
		if iface == DeviceInterface && name == "Managed" {
			access = "readwrite"
		}
		out.Properties = append(out.Properties, introspect.Property{
			Name:   name,
			Type:   props[name].Signature().String(),
			Access: access,
		})
	}
	return out
}

func args(dir string, pairs ...string) []introspect.Arg {
	out := make([]introspect.Arg, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, introspect.Arg{Name: pairs[i], Type: pairs[i+1], Direction: dir})
	}
	return out
}

func method(name string, in, out []introspect.Arg) introspect.Method {
	return introspect.Method{Name: name, Args: append(in, out...)}
}

const settingsSig = "a{sa{sv}}"

var propertiesData = introspect.Interface{
	Name: PropertiesInterface,
	Methods: []introspect.Method{
		method("Get", args("in", "interface_name", "s", "property_name", "s"), args("out", "value", "v")),
		method("GetAll", args("in", "interface_name", "s"), args("out", "properties", "a{sv}")),
		method("Set", args("in", "interface_name", "s", "property_name", "s", "value", "v"), nil),
	},
	Signals: []introspect.Signal{
		{Name: "PropertiesChanged", Args: args("", "interface_name", "s", "changed_properties", "a{sv}", "invalidated_properties", "as")},
	},
}

var interfaceMethods = map[string][]introspect.Method{
	ManagerInterface: {
		method("GetDevices", nil, args("out", "devices", "ao")),
		method("GetAllDevices", nil, args("out", "devices", "ao")),
		method("GetDeviceByIpIface", args("in", "iface", "s"), args("out", "device", "o")),
		method("ActivateConnection", args("in", "connection", "o", "device", "o", "specific_object", "o"), args("out", "active_connection", "o")),
		method("ActivateConnection2", args("in", "connection", "o", "device", "o", "specific_object", "o", "options", "a{sv}"), args("out", "active_connection", "o", "result", "a{sv}")),
		method("AddAndActivateConnection", args("in", "connection", settingsSig, "device", "o", "specific_object", "o"), args("out", "path", "o", "active_connection", "o")),
		method("DeactivateConnection", args("in", "active_connection", "o"), nil),
		method("CheckConnectivity", nil, args("out", "connectivity", "u")),
		method("GetPermissions", nil, args("out", "permissions", "a{ss}")),
		method("state", nil, args("out", "state", "u")),
	},
	DeviceInterface: {
		method("Disconnect", nil, nil),
	},
	WirelessInterface: {
		method("RequestScan", args("in", "options", "a{sv}"), nil),
		method("GetAccessPoints", nil, args("out", "access_points", "ao")),
		method("GetAllAccessPoints", nil, args("out", "access_points", "ao")),
	},
	SettingsInterface: {
		method("ListConnections", nil, args("out", "connections", "ao")),
		method("GetConnectionByUuid", args("in", "uuid", "s"), args("out", "connection", "o")),
		method("AddConnection", args("in", "connection", settingsSig), args("out", "path", "o")),
		method("AddConnectionUnsaved", args("in", "connection", settingsSig), args("out", "path", "o")),
		method("ReloadConnections", nil, args("out", "status", "b")),
	},
	ConnectionInterface: {
		method("GetSettings", nil, args("out", "settings", settingsSig)),
		method("GetSecrets", args("in", "setting_name", "s"), args("out", "secrets", settingsSig)),
		method("Update", args("in", "properties", settingsSig), nil),
		method("UpdateUnsaved", args("in", "properties", settingsSig), nil),
		method("Delete", nil, nil),
		method("Save", nil, nil),
	},
}

var interfaceSignals = map[string][]introspect.Signal{
	ManagerInterface: {
		{Name: "StateChanged", Args: args("", "state", "u")},
		{Name: "DeviceAdded", Args: args("", "device_path", "o")},
		{Name: "DeviceRemoved", Args: args("", "device_path", "o")},
	},
	DeviceInterface: {
		{Name: "StateChanged", Args: args("", "new_state", "u", "old_state", "u", "reason", "u")},
	},
	WirelessInterface: {
		{Name: "AccessPointAdded", Args: args("", "access_point", "o")},
		{Name: "AccessPointRemoved", Args: args("", "access_point", "o")},
	},
	ActiveInterface: {
		{Name: "StateChanged", Args: args("", "state", "u", "reason", "u")},
	},
	SettingsInterface: {
		{Name: "NewConnection", Args: args("", "connection", "o")},
		{Name: "ConnectionRemoved", Args: args("", "connection", "o")},
	},
	ConnectionInterface: {
		{Name: "Updated"},
		{Name: "Removed"},
	},
}
