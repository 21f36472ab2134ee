package network

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"
)

// DeviceState is the runtime state of a device. The activating states follow
// the stage of the owning activation.
type DeviceState int

const (
	DeviceUnknown DeviceState = iota
	DeviceUnmanaged
	DeviceUnavailable
	DeviceDisconnected
	DevicePrepare
	DeviceConfig
	DeviceIPConfig
	DeviceActivated
	DeviceDeactivating
	DeviceFailed
)

var deviceStateNames = [...]string{
	DeviceUnknown:      "unknown",
	DeviceUnmanaged:    "unmanaged",
	DeviceUnavailable:  "unavailable",
	DeviceDisconnected: "disconnected",
	DevicePrepare:      "prepare",
	DeviceConfig:       "config",
	DeviceIPConfig:     "ip-config",
	DeviceActivated:    "activated",
	DeviceDeactivating: "deactivating",
	DeviceFailed:       "failed",
}

func (s DeviceState) String() string {
	if s < 0 || int(s) >= len(deviceStateNames) {
		return "unknown"
	}
	return deviceStateNames[s]
}

// MarshalJSON encodes the state by name.
func (s DeviceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a state name.
func (s *DeviceState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range deviceStateNames {
		if n == name {
			*s = DeviceState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown device state %q", name)
}

// Activating reports whether an activation is between Requested and Activated.
func (s DeviceState) Activating() bool {
	return s == DevicePrepare || s == DeviceConfig || s == DeviceIPConfig
}

// Device is a physical or virtual network interface.
type Device struct {
	Name      string      `json:"name"`
	Kind      Kind        `json:"type"`
	HwAddress string      `json:"hw_address,omitempty"`
	IfIndex   int         `json:"ifindex,omitempty"`
	State     DeviceState `json:"state"`
	ActiveID  string      `json:"active_id,omitempty"`
	Managed   bool        `json:"managed"`
	// Virtual devices are created by a VPN backend and removed with it.
	Virtual bool `json:"virtual,omitempty"`
}

// Stage is the engine state of one activation attempt.
type Stage int

const (
	StageRequested Stage = iota
	StageInterfaceUp
	StageWifiAssociating
	StageVPNConnecting
	StageIPConfiguring
	StageActivated
	StageDeactivating
	StageDeactivated
	StageFailed
)

var stageNames = [...]string{
	StageRequested:       "requested",
	StageInterfaceUp:     "interface-up",
	StageWifiAssociating: "wifi-associating",
	StageVPNConnecting:   "vpn-connecting",
	StageIPConfiguring:   "ip-configuring",
	StageActivated:       "activated",
	StageDeactivating:    "deactivating",
	StageDeactivated:     "deactivated",
	StageFailed:          "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalJSON encodes the stage by name.
func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a stage name.
func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stageNames {
		if n == name {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", name)
}

// Terminal reports whether no further transitions can happen.
func (s Stage) Terminal() bool {
	return s == StageDeactivated || s == StageFailed
}

// DeviceState is the state the owning device is in while the activation is
// at stage s.
func (s Stage) DeviceState() DeviceState {
	switch s {
	case StageRequested, StageInterfaceUp:
		return DevicePrepare
	case StageWifiAssociating, StageVPNConnecting:
		return DeviceConfig
	case StageIPConfiguring:
		return DeviceIPConfig
	case StageActivated:
		return DeviceActivated
	case StageDeactivating:
		return DeviceDeactivating
	case StageFailed:
		return DeviceFailed
	default:
		return DeviceDisconnected
	}
}

// IPConfig is the configuration obtained during IPConfiguring.
type IPConfig struct {
	Addresses []netip.Prefix `json:"addresses,omitempty"`
	Gateway   netip.Addr     `json:"gateway,omitzero"`
	DNS       []netip.Addr   `json:"dns,omitempty"`
}

func (c *IPConfig) clone() *IPConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Addresses = append([]netip.Prefix(nil), c.Addresses...)
	out.DNS = append([]netip.Addr(nil), c.DNS...)
	return &out
}

// ActiveConnection binds one connection to one device for one attempt.
type ActiveConnection struct {
	ID             string    `json:"id"`
	ConnectionID   string    `json:"connection_uuid"`
	ConnectionName string    `json:"connection_name"`
	Kind           Kind      `json:"type"`
	Device         string    `json:"device"`
	Generation     uint64    `json:"generation"`
	Stage          Stage     `json:"stage"`
	IP4            *IPConfig `json:"ip4,omitempty"`
	Err            error     `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FinishedAt     time.Time `json:"finished_at,omitzero"`
}

// Clone returns a copy that shares no mutable state with a.
func (a ActiveConnection) Clone() ActiveConnection {
	a.IP4 = a.IP4.clone()
	return a
}

// Reason returns the failure cause, or "" if the attempt has not failed.
func (a ActiveConnection) Reason() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

// LinkState is the debounced operational state of an interface.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkDown
	LinkUp
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkUp:
		return "up"
	default:
		return "unknown"
	}
}

// LinkEvent reports one settled link transition.
type LinkEvent struct {
	Interface string
	Previous  LinkState
	Current   LinkState
	Time      time.Time
}

// GlobalState is the aggregate manager state, using NetworkManager's values.
type GlobalState uint32

const (
	GlobalUnknown         GlobalState = 0
	GlobalAsleep          GlobalState = 10
	GlobalDisconnected    GlobalState = 20
	GlobalDisconnecting   GlobalState = 30
	GlobalConnecting      GlobalState = 40
	GlobalConnectedLocal  GlobalState = 50
	GlobalConnectedSite   GlobalState = 60
	GlobalConnectedGlobal GlobalState = 70
)

// Connectivity uses NetworkManager's values.
type Connectivity uint32

const (
	ConnectivityUnknown Connectivity = 0
	ConnectivityNone    Connectivity = 1
	ConnectivityPortal  Connectivity = 2
	ConnectivityLimited Connectivity = 3
	ConnectivityFull    Connectivity = 4
)

// Summarize computes the aggregate state from the managed devices and the
// activations they own. A device counts as globally connected when its
// activation obtained a default gateway.
func Summarize(devices []Device, active map[string]ActiveConnection) (GlobalState, Connectivity) {
	var activated, withGateway, activating, deactivating bool
	for _, d := range devices {
		if !d.Managed {
			continue
		}
		switch {
		case d.State == DeviceActivated:
			activated = true
			if a, ok := active[d.ActiveID]; ok && a.IP4 != nil && a.IP4.Gateway.IsValid() {
				withGateway = true
			}
		case d.State.Activating():
			activating = true
		case d.State == DeviceDeactivating:
			deactivating = true
		}
	}
	switch {
	case withGateway:
		return GlobalConnectedGlobal, ConnectivityFull
	case activated:
		return GlobalConnectedLocal, ConnectivityLimited
	case activating:
		return GlobalConnecting, ConnectivityNone
	case deactivating:
		return GlobalDisconnecting, ConnectivityNone
	default:
		return GlobalDisconnected, ConnectivityNone
	}
}
