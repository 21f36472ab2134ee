package nmdbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// Settings is a connection in NetworkManager's a{sa{sv}} layout.
type Settings map[string]map[string]dbus.Variant

// Setting and connection type names.
const (
	secConnection    = "connection"
	secWired         = "802-3-ethernet"
	secWireless      = "802-11-wireless"
	secWirelessSec   = "802-11-wireless-security"
	secVPN           = "vpn"
	secIPv4          = "ipv4"
	secIPv6          = "ipv6"
	vpnServicePrefix = "org.freedesktop.NetworkManager."
)

func connectionType(k network.Kind) string {
	switch k {
	case network.KindEthernet:
		return secWired
	case network.KindWireless:
		return secWireless
	default:
		return string(k)
	}
}

// toSettings renders c. Secrets are included only when withSecrets is set.
func toSettings(c network.Connection, withSecrets bool) Settings {
	s := Settings{
		secConnection: {
			"id":          dbus.MakeVariant(c.Name),
			"uuid":        dbus.MakeVariant(c.ID),
			"type":        dbus.MakeVariant(connectionType(c.Kind)),
			"autoconnect": dbus.MakeVariant(c.AutoConnect),
		},
		secIPv4: ipSettings(c.IPv4, true),
		secIPv6: ipSettings(c.IPv6, false),
	}
	if c.Interface != "" {
		s[secConnection]["interface-name"] = dbus.MakeVariant(c.Interface)
	}

	switch c.Kind {
	case network.KindEthernet:
		s[secWired] = map[string]dbus.Variant{}
	case network.KindWireless:
		w := c.Wireless
		sec := map[string]dbus.Variant{
			"ssid": dbus.MakeVariant([]byte(w.SSID)),
			"mode": dbus.MakeVariant(w.Mode),
		}
		if hw, err := net.ParseMAC(w.BSSID); err == nil {
			sec["bssid"] = dbus.MakeVariant([]byte(hw))
		}
		s[secWireless] = sec
		if w.Security == network.SecurityPSK {
			sec["security"] = dbus.MakeVariant(secWirelessSec)
			ws := map[string]dbus.Variant{"key-mgmt": dbus.MakeVariant("wpa-psk")}
			if withSecrets {
				ws["psk"] = dbus.MakeVariant(w.PSK)
			}
			s[secWirelessSec] = ws
		}
	case network.KindVPN:
		data := make(map[string]string, len(c.VPN.Settings))
		for k, v := range c.VPN.Settings {
			data[k] = v
		}
		s[secVPN] = map[string]dbus.Variant{
			"service-type": dbus.MakeVariant(vpnServicePrefix + c.VPN.Backend),
			"data":         dbus.MakeVariant(data),
		}
	}
	return s
}

func ipSettings(ip network.IPSettings, v4 bool) map[string]dbus.Variant {
	sec := map[string]dbus.Variant{"method": dbus.MakeVariant(string(ip.Method))}
	if p, err := netip.ParsePrefix(ip.Address); err == nil {
		sec["address-data"] = dbus.MakeVariant([]map[string]dbus.Variant{{
			"address": dbus.MakeVariant(p.Addr().String()),
			"prefix":  dbus.MakeVariant(uint32(p.Bits())),
		}})
	}
	if ip.Gateway != "" {
		sec["gateway"] = dbus.MakeVariant(ip.Gateway)
	}
	if len(ip.DNS) > 0 {
		sec["dns-data"] = dbus.MakeVariant(append([]string(nil), ip.DNS...))
		if v4 {
			var legacy []uint32
			for _, d := range ip.DNS {
				if a, err := netip.ParseAddr(d); err == nil && a.Is4() {
					b := a.As4()
					legacy = append(legacy, binary.LittleEndian.Uint32(b[:]))
				}
			}
			sec["dns"] = dbus.MakeVariant(legacy)
		}
	}
	return sec
}

// fromSettings parses a client-supplied connection. Unknown settings and
// keys are ignored, as NetworkManager clients routinely send defaults for
// features netctld does not implement.
func fromSettings(s Settings) (network.Connection, error) {
	var c network.Connection
	conn := s[secConnection]
	if conn == nil {
		return c, &validate.Error{Field: secConnection, Reason: "missing"}
	}
	var err error
	if c.Name, err = str(conn, secConnection, "id"); err != nil {
		return c, err
	}
	if c.ID, err = str(conn, secConnection, "uuid"); err != nil {
		return c, err
	}
	if c.Interface, err = str(conn, secConnection, "interface-name"); err != nil {
		return c, err
	}
	c.AutoConnect = true
	if v, ok := conn["autoconnect"]; ok {
		b, ok := v.Value().(bool)
		if !ok {
			return c, typeError(secConnection, "autoconnect", "boolean")
		}
		c.AutoConnect = b
	}
	typ, err := str(conn, secConnection, "type")
	if err != nil {
		return c, err
	}

	switch typ {
	case secWired, "ethernet":
		c.Kind = network.KindEthernet
	case secWireless, "wifi":
		c.Kind = network.KindWireless
		if c.Wireless, err = wirelessFrom(s); err != nil {
			return c, err
		}
	case secVPN:
		c.Kind = network.KindVPN
		if c.VPN, err = vpnFrom(s[secVPN]); err != nil {
			return c, err
		}
	default:
		return c, &validate.Error{Field: "connection.type", Reason: fmt.Sprintf("unsupported type %q", typ)}
	}

	if c.IPv4, err = ipFrom(s[secIPv4], secIPv4); err != nil {
		return c, err
	}
	if c.IPv6, err = ipFrom(s[secIPv6], secIPv6); err != nil {
		return c, err
	}
	return c, nil
}

func wirelessFrom(s Settings) (*network.WirelessSettings, error) {
	sec := s[secWireless]
	if sec == nil {
		return nil, &validate.Error{Field: secWireless, Reason: "missing"}
	}
	w := &network.WirelessSettings{Security: network.SecurityNone}
	ssid, ok := sec["ssid"].Value().([]byte)
	if !ok {
		return nil, typeError(secWireless, "ssid", "byte array")
	}
	w.SSID = string(ssid)
	var err error
	if w.Mode, err = str(sec, secWireless, "mode"); err != nil {
		return nil, err
	}
	if v, ok := sec["bssid"]; ok {
		switch b := v.Value().(type) {
		case []byte:
			w.BSSID = net.HardwareAddr(b).String()
		case string:
			w.BSSID = strings.ToLower(b)
		default:
			return nil, typeError(secWireless, "bssid", "byte array")
		}
	}

	if ws := s[secWirelessSec]; ws != nil {
		mgmt, err := str(ws, secWirelessSec, "key-mgmt")
		if err != nil {
			return nil, err
		}
		switch mgmt {
		case "wpa-psk":
			w.Security = network.SecurityPSK
		case "":
		default:
			return nil, &validate.Error{Field: secWirelessSec + ".key-mgmt", Reason: fmt.Sprintf("unsupported %q", mgmt)}
		}
		if w.PSK, err = str(ws, secWirelessSec, "psk"); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func vpnFrom(sec map[string]dbus.Variant) (*network.VPNSettings, error) {
	if sec == nil {
		return nil, &validate.Error{Field: secVPN, Reason: "missing"}
	}
	service, err := str(sec, secVPN, "service-type")
	if err != nil {
		return nil, err
	}
	backend := service[strings.LastIndexByte(service, '.')+1:]
	v := &network.VPNSettings{Backend: backend, Settings: map[string]string{}}
	if d, ok := sec["data"]; ok {
		data, ok := d.Value().(map[string]string)
		if !ok {
			return nil, typeError(secVPN, "data", "string dictionary")
		}
		for k, val := range data {
			v.Settings[k] = val
		}
	}
	return v, nil
}

func ipFrom(sec map[string]dbus.Variant, family string) (network.IPSettings, error) {
	var ip network.IPSettings
	if sec == nil {
		return ip, nil
	}
	method, err := str(sec, family, "method")
	if err != nil {
		return ip, err
	}
	switch method {
	case "":
	case "auto", "manual":
		ip.Method = network.IPMethod(method)
	case "disabled", "ignore", "link-local":
		ip.Method = network.IPMethodDisabled
	default:
		return ip, &validate.Error{Field: family + ".method", Reason: fmt.Sprintf("unsupported %q", method)}
	}

	if v, ok := sec["address-data"]; ok {
		list, ok := v.Value().([]map[string]dbus.Variant)
		if !ok {
			return ip, typeError(family, "address-data", "array of dictionaries")
		}
		if len(list) > 1 {
			return ip, &validate.Error{Field: family + ".address-data", Reason: "only one address is supported"}
		}
		if len(list) == 1 {
			addr, _ := list[0]["address"].Value().(string)
			prefix, ok := list[0]["prefix"].Value().(uint32)
			if !ok {
				return ip, typeError(family, "address-data.prefix", "uint32")
			}
			ip.Address = fmt.Sprintf("%s/%d", addr, prefix)
		}
	}
	if ip.Gateway, err = str(sec, family, "gateway"); err != nil {
		return ip, err
	}

	switch dns := sec["dns-data"].Value().(type) {
	case []string:
		ip.DNS = dns
	case nil:
		if legacy, ok := sec["dns"].Value().([]uint32); ok && family == secIPv4 {
			for _, n := range legacy {
				var b [4]byte
				binary.LittleEndian.PutUint32(b[:], n)
				ip.DNS = append(ip.DNS, netip.AddrFrom4(b).String())
			}
		}
	default:
		return ip, typeError(family, "dns-data", "string array")
	}
	return ip, nil
}

// str reads an optional string key.
func str(sec map[string]dbus.Variant, section, key string) (string, error) {
	v, ok := sec[key]
	if !ok {
		return "", nil
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", typeError(section, key, "string")
	}
	return s, nil
}

func typeError(section, key, want string) error {
	return &validate.Error{Field: section + "." + key, Reason: "must be a " + want}
}
