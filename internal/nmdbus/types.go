// Package nmdbus exports the registry, the store and the engine on D-Bus under
// NetworkManager's names, so NetworkManager clients can drive netctld.
package nmdbus

import (
	"errors"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/store"
)

// D-Bus interface and path constants for NetworkManager.
const (
	BusName = "org.freedesktop.NetworkManager"

	ManagerInterface        = "org.freedesktop.NetworkManager"
	DeviceInterface         = "org.freedesktop.NetworkManager.Device"
	WirelessInterface       = "org.freedesktop.NetworkManager.Device.Wireless"
	ActiveInterface         = "org.freedesktop.NetworkManager.Connection.Active"
	SettingsInterface       = "org.freedesktop.NetworkManager.Settings"
	ConnectionInterface     = "org.freedesktop.NetworkManager.Settings.Connection"
	IP4ConfigInterface      = "org.freedesktop.NetworkManager.IP4Config"
	AccessPointInterface    = "org.freedesktop.NetworkManager.AccessPoint"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"

	ManagerPath     dbus.ObjectPath = "/org/freedesktop/NetworkManager"
	DevicesPath     dbus.ObjectPath = ManagerPath + "/Devices"
	ActivePath      dbus.ObjectPath = ManagerPath + "/ActiveConnection"
	SettingsPath    dbus.ObjectPath = ManagerPath + "/Settings"
	IP4ConfigPath   dbus.ObjectPath = ManagerPath + "/IP4Config"
	AccessPointPath dbus.ObjectPath = ManagerPath + "/AccessPoint"

	// NoObject is NetworkManager's "none" object path.
	NoObject dbus.ObjectPath = "/"

	// Version is reported in the Version property; clients gate features on it.
	Version = "1.46.0"
)

// Error names.
const (
	ErrNameUnknownDevice     = "org.freedesktop.NetworkManager.UnknownDevice"
	ErrNameUnknownConnection = "org.freedesktop.NetworkManager.UnknownConnection"
	ErrNamePermissionDenied  = "org.freedesktop.NetworkManager.PermissionDenied"
	ErrNameInvalidConnection = "org.freedesktop.NetworkManager.Settings.Connection.InvalidProperty"
	ErrNameConnectionAlready = "org.freedesktop.NetworkManager.ConnectionAlreadyActive"
	ErrNameDeviceBusy        = "org.freedesktop.NetworkManager.Device.NotAllowed"
	ErrNameNotActive         = "org.freedesktop.NetworkManager.ConnectionNotActive"
	ErrNameTimeout           = "org.freedesktop.DBus.Error.Timeout"
	ErrNameUnavailable       = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameUnknownObject     = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownProperty   = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNameUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameReadOnly          = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameFailed            = "org.freedesktop.DBus.Error.Failed"
	ErrNameInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameRateLimited       = "org.freedesktop.NetworkManager.Device.Wireless.ScanNotAllowed"
)

// NewDBusError creates a D-Bus error with the given name and message.
func NewDBusError(name, message string) *dbus.Error {
	return &dbus.Error{
		Name: name,
		Body: []any{message},
	}
}

// ErrUnknownObject returns an UnknownObject error for path.
func ErrUnknownObject(path dbus.ObjectPath) *dbus.Error {
	return NewDBusError(ErrNameUnknownObject, "Object "+string(path)+" does not exist")
}

// ErrPermissionDenied returns a PermissionDenied error.
func ErrPermissionDenied(method string) *dbus.Error {
	return NewDBusError(ErrNamePermissionDenied, "Not authorized to call "+method)
}

// ErrUnknownProperty returns an UnknownProperty error.
func ErrUnknownProperty(iface, name string) *dbus.Error {
	return NewDBusError(ErrNameUnknownProperty, "No property "+name+" on "+iface)
}

// dbusError maps an error from the engine, the registry or the store onto
// a D-Bus error name. notFound is used for ErrNotFound, since the right name
// depends on what was looked up.
func dbusError(err error, notFound string) *dbus.Error {
	if err == nil {
		return nil
	}
	var de *dbus.Error
	if errors.As(err, &de) {
		return de
	}
	msg := err.Error()
	switch {
	case errors.Is(err, network.ErrNotFound):
		return NewDBusError(notFound, msg)
	case errors.Is(err, network.ErrValidation):
		return NewDBusError(ErrNameInvalidConnection, msg)
	case errors.Is(err, store.ErrExists):
		return NewDBusError(ErrNameInvalidConnection, msg)
	case errors.Is(err, network.ErrConflict):
		return NewDBusError(ErrNameDeviceBusy, msg)
	case errors.Is(err, network.ErrPermission):
		return NewDBusError(ErrNamePermissionDenied, msg)
	case errors.Is(err, network.ErrTimeout):
		return NewDBusError(ErrNameTimeout, msg)
	case errors.Is(err, network.ErrServiceUnavailable):
		return NewDBusError(ErrNameUnavailable, msg)
	default:
		return NewDBusError(ErrNameFailed, msg)
	}
}

// NetworkManager device states.
const (
	nmDeviceUnknown      uint32 = 0
	nmDeviceUnmanaged    uint32 = 10
	nmDeviceUnavailable  uint32 = 20
	nmDeviceDisconnected uint32 = 30
	nmDevicePrepare      uint32 = 40
	nmDeviceConfig       uint32 = 50
	nmDeviceIPConfig     uint32 = 70
	nmDeviceActivated    uint32 = 100
	nmDeviceDeactivating uint32 = 110
	nmDeviceFailed       uint32 = 120
)

func deviceState(s network.DeviceState) uint32 {
	switch s {
	case network.DeviceUnmanaged:
		return nmDeviceUnmanaged
	case network.DeviceUnavailable:
		return nmDeviceUnavailable
	case network.DeviceDisconnected:
		return nmDeviceDisconnected
	case network.DevicePrepare:
		return nmDevicePrepare
	case network.DeviceConfig:
		return nmDeviceConfig
	case network.DeviceIPConfig:
		return nmDeviceIPConfig
	case network.DeviceActivated:
		return nmDeviceActivated
	case network.DeviceDeactivating:
		return nmDeviceDeactivating
	case network.DeviceFailed:
		return nmDeviceFailed
	default:
		return nmDeviceUnknown
	}
}

// NetworkManager device state reasons.
const (
	reasonNone              uint32 = 0
	reasonUnknown           uint32 = 1
	reasonConfigFailed      uint32 = 4
	reasonIPUnavailable     uint32 = 5
	reasonSupplicantFailed  uint32 = 10
	reasonSupplicantTimeout uint32 = 11
	reasonUserRequest       uint32 = 39
	reasonCarrier           uint32 = 40
)

// failureReason picks the device state reason for a failed activation.
func failureReason(err error) uint32 {
	var se *network.StageError
	if !errors.As(err, &se) {
		return reasonUnknown
	}
	switch se.Kind {
	case network.StageKindWifi:
		if errors.Is(err, network.ErrTimeout) {
			return reasonSupplicantTimeout
		}
		return reasonSupplicantFailed
	case network.StageKindIPConfig:
		return reasonIPUnavailable
	default:
		return reasonConfigFailed
	}
}

// stateReason picks the reason reported with a device state change.
func stateReason(prev, cur network.DeviceState, cause error) uint32 {
	switch {
	case cur == network.DeviceFailed:
		return failureReason(cause)
	case cur == network.DeviceUnavailable:
		return reasonCarrier
	case prev == network.DeviceDeactivating || cur == network.DeviceDeactivating:
		return reasonUserRequest
	default:
		return reasonNone
	}
}

// NetworkManager active connection states.
const (
	nmActiveUnknown      uint32 = 0
	nmActiveActivating   uint32 = 1
	nmActiveActivated    uint32 = 2
	nmActiveDeactivating uint32 = 3
	nmActiveDeactivated  uint32 = 4
)

func activeState(s network.Stage) uint32 {
	switch s {
	case network.StageRequested, network.StageInterfaceUp, network.StageWifiAssociating,
		network.StageVPNConnecting, network.StageIPConfiguring:
		return nmActiveActivating
	case network.StageActivated:
		return nmActiveActivated
	case network.StageDeactivating:
		return nmActiveDeactivating
	case network.StageDeactivated, network.StageFailed:
		return nmActiveDeactivated
	default:
		return nmActiveUnknown
	}
}

// NetworkManager active connection state reasons.
const (
	activeReasonNone        uint32 = 1
	activeReasonUserRequest uint32 = 2
	activeReasonDeviceFail  uint32 = 5
)

func activeReason(a network.ActiveConnection) uint32 {
	switch a.Stage {
	case network.StageFailed:
		return activeReasonDeviceFail
	case network.StageDeactivated:
		return activeReasonUserRequest
	default:
		return activeReasonNone
	}
}

// NetworkManager device types.
const (
	nmTypeUnknown  uint32 = 0
	nmTypeEthernet uint32 = 1
	nmTypeWifi     uint32 = 2
	nmTypeTun      uint32 = 16
	nmTypeLoopback uint32 = 32
)

func deviceType(k network.Kind) uint32 {
	switch k {
	case network.KindEthernet:
		return nmTypeEthernet
	case network.KindWireless:
		return nmTypeWifi
	case network.KindVPN:
		return nmTypeTun
	case network.KindLoopback:
		return nmTypeLoopback
	default:
		return nmTypeUnknown
	}
}

// objectIndex parses the trailing number of path under prefix.
func objectIndex(path, prefix dbus.ObjectPath) (uint64, bool) {
	rest, ok := strings.CutPrefix(string(path), string(prefix)+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

func messagePath(msg dbus.Message) dbus.ObjectPath {
	v, ok := msg.Headers[dbus.FieldPath]
	if !ok {
		return ""
	}
	p, _ := v.Value().(dbus.ObjectPath)
	return p
}

func messageSender(msg dbus.Message) string {
	v, ok := msg.Headers[dbus.FieldSender]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
