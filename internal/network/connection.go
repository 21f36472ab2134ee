// Package network holds the domain types shared by the store, the engine,
// the registry and the D-Bus layer.
package network

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/nikicat/netctld/internal/validate"
)

// Kind is the connection or device type.
type Kind string

const (
	KindEthernet Kind = "ethernet"
	KindWireless Kind = "wireless"
	KindVPN      Kind = "vpn"
	KindLoopback Kind = "loopback"
)

// IPMethod selects how an address family is configured.
type IPMethod string

const (
	IPMethodAuto     IPMethod = "auto"
	IPMethodManual   IPMethod = "manual"
	IPMethodDisabled IPMethod = "disabled"
)

// Security is the wireless key management scheme.
type Security string

const (
	SecurityNone Security = "none"
	SecurityPSK  Security = "psk"
)

// Wireless modes.
const (
	ModeInfrastructure = "infrastructure"
	ModeAdhoc          = "adhoc"
)

// IPSettings configures one address family.
type IPSettings struct {
	Method  IPMethod `json:"method"`
	Address string   `json:"address,omitempty"` // CIDR, manual only
	Gateway string   `json:"gateway,omitempty"`
	DNS     []string `json:"dns,omitempty"`
}

// WirelessSettings is present iff the connection kind is wireless.
type WirelessSettings struct {
	SSID     string   `json:"ssid"`
	Mode     string   `json:"mode,omitempty"`
	BSSID    string   `json:"bssid,omitempty"`
	Security Security `json:"security"`
	PSK      string   `json:"-"`
}

// VPNSettings is present iff the connection kind is vpn. Settings are passed
// to the named backend verbatim after validation.
type VPNSettings struct {
	Backend  string            `json:"backend"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Connection is a persisted profile.
type Connection struct {
	ID          string            `json:"uuid"`
	Name        string            `json:"name"`
	Kind        Kind              `json:"type"`
	Interface   string            `json:"interface,omitempty"`
	AutoConnect bool              `json:"autoconnect"`
	Wireless    *WirelessSettings `json:"wireless,omitempty"`
	VPN         *VPNSettings      `json:"vpn,omitempty"`
	IPv4        IPSettings        `json:"ipv4"`
	IPv6        IPSettings        `json:"ipv6"`
}

// Clone returns a deep copy. The engine activates clones so that concurrent
// edits in the store never reach an in-flight activation.
func (c Connection) Clone() Connection {
	out := c
	if c.Wireless != nil {
		w := *c.Wireless
		out.Wireless = &w
	}
	if c.VPN != nil {
		v := VPNSettings{Backend: c.VPN.Backend, Settings: maps.Clone(c.VPN.Settings)}
		out.VPN = &v
	}
	out.IPv4.DNS = slices.Clone(c.IPv4.DNS)
	out.IPv6.DNS = slices.Clone(c.IPv6.DNS)
	return out
}

// ApplyDefaults fills unset optional fields.
func (c *Connection) ApplyDefaults() {
	if c.IPv4.Method == "" {
		c.IPv4.Method = IPMethodAuto
	}
	if c.IPv6.Method == "" {
		c.IPv6.Method = IPMethodDisabled
	}
	if c.Wireless != nil {
		if c.Wireless.Mode == "" {
			c.Wireless.Mode = ModeInfrastructure
		}
		if c.Wireless.Security == "" {
			if c.Wireless.PSK != "" {
				c.Wireless.Security = SecurityPSK
			} else {
				c.Wireless.Security = SecurityNone
			}
		}
	}
}

// Validate checks the structural invariants of the profile and runs every
// string through the validator.
func (c *Connection) Validate() error {
	if err := validate.ConnectionName(c.Name); err != nil {
		return err
	}
	if c.Interface != "" {
		if err := validate.InterfaceName(c.Interface); err != nil {
			return err
		}
	}
	switch c.Kind {
	case KindEthernet:
		if c.Wireless != nil || c.VPN != nil {
			return &validate.Error{Field: "connection", Reason: "ethernet connection carries wireless or vpn settings"}
		}
	case KindWireless:
		if c.Wireless == nil {
			return &validate.Error{Field: "wireless", Reason: "missing for wireless connection"}
		}
		if c.VPN != nil {
			return &validate.Error{Field: "vpn", Reason: "present on wireless connection"}
		}
		if err := c.Wireless.validate(); err != nil {
			return err
		}
	case KindVPN:
		if c.VPN == nil {
			return &validate.Error{Field: "vpn", Reason: "missing for vpn connection"}
		}
		if c.Wireless != nil {
			return &validate.Error{Field: "wireless", Reason: "present on vpn connection"}
		}
		if err := c.VPN.validate(); err != nil {
			return err
		}
	default:
		return &validate.Error{Field: "type", Reason: fmt.Sprintf("unknown connection type %q", c.Kind)}
	}
	if err := c.IPv4.validate("ipv4", true); err != nil {
		return err
	}
	return c.IPv6.validate("ipv6", false)
}

func (w *WirelessSettings) validate() error {
	if err := validate.SSID(w.SSID); err != nil {
		return err
	}
	if err := validate.ConfigValue("ssid", w.SSID); err != nil {
		return err
	}
	switch w.Mode {
	case "", ModeInfrastructure, ModeAdhoc:
	default:
		return &validate.Error{Field: "wifi mode", Reason: fmt.Sprintf("unsupported mode %q", w.Mode)}
	}
	if w.BSSID != "" {
		if err := validate.MAC(w.BSSID); err != nil {
			return err
		}
	}
	switch w.Security {
	case SecurityNone, "":
		if w.PSK != "" {
			return &validate.Error{Field: "psk", Reason: "set on open network"}
		}
	case SecurityPSK:
		if err := validate.PSK(w.PSK); err != nil {
			return err
		}
		return validate.ConfigValue("psk", w.PSK)
	default:
		return &validate.Error{Field: "security", Reason: fmt.Sprintf("unsupported key management %q", w.Security)}
	}
	return nil
}

func (v *VPNSettings) validate() error {
	if v.Backend == "" {
		return &validate.Error{Field: "vpn backend", Reason: "empty"}
	}
	if err := validate.ConfigValue("vpn backend", v.Backend); err != nil {
		return err
	}
	for k, val := range v.Settings {
		if err := validate.ConfigValue("vpn setting name", k); err != nil {
			return err
		}
		if err := validate.ConfigValue("vpn."+k, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *IPSettings) validate(family string, v4 bool) error {
	matches := func(a netip.Addr) bool { return a.Unmap().Is4() == v4 }
	switch s.Method {
	case IPMethodAuto, IPMethodDisabled:
		if s.Address != "" || s.Gateway != "" {
			return &validate.Error{Field: family, Reason: fmt.Sprintf("address set with method %s", s.Method)}
		}
	case IPMethodManual:
		if s.Address == "" {
			return &validate.Error{Field: family, Reason: "manual method without address"}
		}
		p, err := validate.Prefix(s.Address)
		if err != nil {
			return err
		}
		if !matches(p.Addr()) {
			return &validate.Error{Field: family, Reason: fmt.Sprintf("address %s has wrong family", s.Address)}
		}
		if s.Gateway != "" {
			gw, err := validate.IPAddress(s.Gateway)
			if err != nil {
				return err
			}
			if !matches(gw) {
				return &validate.Error{Field: family, Reason: fmt.Sprintf("gateway %s has wrong family", s.Gateway)}
			}
		}
	default:
		return &validate.Error{Field: family, Reason: fmt.Sprintf("unknown method %q", s.Method)}
	}
	for _, d := range s.DNS {
		if _, err := validate.IPAddress(d); err != nil {
			return err
		}
	}
	return nil
}
