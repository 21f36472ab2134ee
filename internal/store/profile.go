package store

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// Extension is the profile file suffix.
const Extension = ".nctl"

type connectionSection struct {
	Name          string `toml:"name"`
	UUID          string `toml:"uuid"`
	Type          string `toml:"type"`
	AutoConnect   bool   `toml:"autoconnect"`
	InterfaceName string `toml:"interface-name,omitempty"`
	Plugin        string `toml:"plugin,omitempty"`
}

type wifiSection struct {
	SSID  string `toml:"ssid"`
	Mode  string `toml:"mode,omitempty"`
	BSSID string `toml:"bssid,omitempty"`
}

type wifiSecuritySection struct {
	KeyMgmt string `toml:"key-mgmt"`
	PSK     string `toml:"psk,omitempty"`
}

type ipSection struct {
	Method  string   `toml:"method"`
	Address string   `toml:"address,omitempty"`
	Gateway string   `toml:"gateway,omitempty"`
	DNS     []string `toml:"dns,omitempty"`
}

type profileFile struct {
	Connection   connectionSection    `toml:"connection"`
	WiFi         *wifiSection         `toml:"wifi,omitempty"`
	WiFiSecurity *wifiSecuritySection `toml:"wifi-security,omitempty"`
	VPN          map[string]any       `toml:"vpn,omitempty"`
	IPv4         *ipSection           `toml:"ipv4,omitempty"`
	IPv6         *ipSection           `toml:"ipv6,omitempty"`
}

const vpnTypeKey = "connection-type"

// Decode parses a profile file. The result has defaults applied but is not
// validated.
func Decode(data []byte) (network.Connection, error) {
	var f profileFile
	// Sections the daemon does not act on, such as [ethernet], are ignored.
	if _, err := toml.Decode(string(data), &f); err != nil {
		return network.Connection{}, &validate.Error{Field: "profile", Reason: err.Error()}
	}

	c := network.Connection{
		ID:          f.Connection.UUID,
		Name:        f.Connection.Name,
		Interface:   f.Connection.InterfaceName,
		AutoConnect: f.Connection.AutoConnect,
	}
	switch f.Connection.Type {
	case "ethernet", "802-3-ethernet":
		c.Kind = network.KindEthernet
	case "wifi", "wireless", "802-11-wireless":
		c.Kind = network.KindWireless
	case "vpn", "wireguard":
		c.Kind = network.KindVPN
	default:
		return network.Connection{}, &validate.Error{Field: "type", Reason: fmt.Sprintf("unknown connection type %q", f.Connection.Type)}
	}

	if f.WiFi != nil {
		c.Wireless = &network.WirelessSettings{SSID: f.WiFi.SSID, Mode: f.WiFi.Mode, BSSID: f.WiFi.BSSID}
		if s := f.WiFiSecurity; s != nil {
			switch s.KeyMgmt {
			case "none", "":
				c.Wireless.Security = network.SecurityNone
			case "wpa-psk", "psk":
				c.Wireless.Security = network.SecurityPSK
			default:
				return network.Connection{}, &validate.Error{Field: "key-mgmt", Reason: fmt.Sprintf("unsupported key management %q", s.KeyMgmt)}
			}
			c.Wireless.PSK = s.PSK
		}
	}

	if f.VPN != nil || c.Kind == network.KindVPN {
		c.VPN = &network.VPNSettings{Backend: f.Connection.Plugin, Settings: make(map[string]string)}
		for k, v := range f.VPN {
			if k == vpnTypeKey {
				c.VPN.Backend, _ = v.(string)
				continue
			}
			s, err := scalarString(v)
			if err != nil {
				return network.Connection{}, &validate.Error{Field: "vpn." + k, Reason: err.Error()}
			}
			c.VPN.Settings[k] = s
		}
		if f.Connection.Type == "wireguard" && c.VPN.Backend == "" {
			c.VPN.Backend = "wireguard"
		}
	}

	if f.IPv4 != nil {
		c.IPv4 = network.IPSettings{Method: ipMethod(f.IPv4.Method), Address: f.IPv4.Address, Gateway: f.IPv4.Gateway, DNS: f.IPv4.DNS}
	}
	if f.IPv6 != nil {
		c.IPv6 = network.IPSettings{Method: ipMethod(f.IPv6.Method), Address: f.IPv6.Address, Gateway: f.IPv6.Gateway, DNS: f.IPv6.DNS}
	}
	c.ApplyDefaults()
	return c, nil
}

// Encode renders c as a profile file.
func Encode(c network.Connection) ([]byte, error) {
	f := profileFile{
		Connection: connectionSection{
			Name:          c.Name,
			UUID:          c.ID,
			Type:          string(c.Kind),
			AutoConnect:   c.AutoConnect,
			InterfaceName: c.Interface,
		},
		IPv4: &ipSection{Method: string(c.IPv4.Method), Address: c.IPv4.Address, Gateway: c.IPv4.Gateway, DNS: c.IPv4.DNS},
		IPv6: &ipSection{Method: string(c.IPv6.Method), Address: c.IPv6.Address, Gateway: c.IPv6.Gateway, DNS: c.IPv6.DNS},
	}
	if c.Kind == network.KindWireless {
		f.Connection.Type = "wifi"
	}
	if w := c.Wireless; w != nil {
		f.WiFi = &wifiSection{SSID: w.SSID, Mode: w.Mode, BSSID: w.BSSID}
		sec := &wifiSecuritySection{KeyMgmt: "none"}
		if w.Security == network.SecurityPSK {
			sec.KeyMgmt = "wpa-psk"
			sec.PSK = w.PSK
		}
		f.WiFiSecurity = sec
	}
	if v := c.VPN; v != nil {
		f.VPN = map[string]any{vpnTypeKey: v.Backend}
		keys := make([]string, 0, len(v.Settings))
		for k := range v.Settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f.VPN[k] = v.Settings[k]
		}
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("encode profile %s: %w", c.Name, err)
	}
	return buf.Bytes(), nil
}

func ipMethod(s string) network.IPMethod {
	switch s {
	case "auto", "dhcp":
		return network.IPMethodAuto
	case "manual", "static":
		return network.IPMethodManual
	case "disabled", "ignore":
		return network.IPMethodDisabled
	default:
		return network.IPMethod(s)
	}
}

func scalarString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
