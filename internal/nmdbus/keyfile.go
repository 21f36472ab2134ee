package nmdbus

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// KeyfileExt is the extension of NetworkManager's on-disk profiles.
const KeyfileExt = ".nmconnection"

// keyfileAliases maps keyfile section names to setting names.
var keyfileAliases = map[string]string{
	"ethernet":      secWired,
	"wifi":          secWireless,
	"wifi-security": secWirelessSec,
}

// ParseKeyfile reads a NetworkManager keyfile (.nmconnection) into a
// connection. The file is mapped onto the settings layout clients send over
// D-Bus, so both paths accept the same profiles.
func ParseKeyfile(r io.Reader) (network.Connection, error) {
	sections, err := readKeyfile(r)
	if err != nil {
		return network.Connection{}, err
	}
	s, err := keyfileSettings(sections)
	if err != nil {
		return network.Connection{}, err
	}
	return fromSettings(s)
}

func readKeyfile(r io.Reader) (map[string]map[string]string, error) {
	sections := make(map[string]map[string]string)
	var cur string
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", line[0] == '#', line[0] == ';':
		case line[0] == '[' && line[len(line)-1] == ']':
			cur = line[1 : len(line)-1]
			if alias, ok := keyfileAliases[cur]; ok {
				cur = alias
			}
			if sections[cur] == nil {
				sections[cur] = make(map[string]string)
			}
		default:
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("line %d: expected key=value", n)
			}
			if cur == "" {
				return nil, fmt.Errorf("line %d: key outside a section", n)
			}
			sections[cur][strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return sections, sc.Err()
}

func keyfileSettings(sections map[string]map[string]string) (Settings, error) {
	s := Settings{}

	conn := sections[secConnection]
	if conn == nil {
		return nil, &validate.Error{Field: secConnection, Reason: "missing"}
	}
	c := map[string]dbus.Variant{}
	for _, k := range []string{"id", "uuid", "type", "interface-name"} {
		if v, ok := conn[k]; ok {
			c[k] = dbus.MakeVariant(v)
		}
	}
	if v, ok := conn["autoconnect"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, typeError(secConnection, "autoconnect", "boolean")
		}
		c["autoconnect"] = dbus.MakeVariant(b)
	}
	s[secConnection] = c

	if w := sections[secWireless]; w != nil {
		sec := map[string]dbus.Variant{"ssid": dbus.MakeVariant(keyfileBytes(w["ssid"]))}
		for _, k := range []string{"mode", "bssid"} {
			if v, ok := w[k]; ok {
				sec[k] = dbus.MakeVariant(v)
			}
		}
		s[secWireless] = sec
	}
	if ws := sections[secWirelessSec]; ws != nil {
		sec := map[string]dbus.Variant{}
		for _, k := range []string{"key-mgmt", "psk"} {
			if v, ok := ws[k]; ok {
				sec[k] = dbus.MakeVariant(v)
			}
		}
		s[secWirelessSec] = sec
	}
	if v := sections[secVPN]; v != nil {
		data := map[string]string{}
		sec := map[string]dbus.Variant{}
		for k, val := range v {
			if k == "service-type" {
				sec[k] = dbus.MakeVariant(val)
				continue
			}
			data[k] = val
		}
		for k, val := range sections["vpn-secrets"] {
			data[k] = val
		}
		sec["data"] = dbus.MakeVariant(data)
		s[secVPN] = sec
	}
	for _, family := range []string{secIPv4, secIPv6} {
		if ip := sections[family]; ip != nil {
			sec, err := keyfileIP(ip, family)
			if err != nil {
				return nil, err
			}
			s[family] = sec
		}
	}
	return s, nil
}

// keyfileIP converts address1="addr/prefix[,gateway]" and dns="a;b;".
func keyfileIP(ip map[string]string, family string) (map[string]dbus.Variant, error) {
	sec := map[string]dbus.Variant{}
	if v, ok := ip["method"]; ok {
		sec["method"] = dbus.MakeVariant(v)
	}
	gateway := ip["gateway"]
	addr := ip["address1"]
	if addr == "" {
		addr = ip["address"]
	}
	if addr != "" {
		a, gw, _ := strings.Cut(addr, ",")
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return nil, &validate.Error{Field: family + ".address1", Reason: fmt.Sprintf("invalid address %q", a)}
		}
		sec["address-data"] = dbus.MakeVariant([]map[string]dbus.Variant{{
			"address": dbus.MakeVariant(p.Addr().String()),
			"prefix":  dbus.MakeVariant(uint32(p.Bits())),
		}})
		if gw != "" {
			gateway = gw
		}
	}
	if gateway != "" {
		sec["gateway"] = dbus.MakeVariant(gateway)
	}
	if dns := ip["dns"]; dns != "" {
		var list []string
		for _, d := range strings.Split(dns, ";") {
			if d = strings.TrimSpace(d); d != "" {
				list = append(list, d)
			}
		}
		sec["dns-data"] = dbus.MakeVariant(list)
	}
	return sec, nil
}

// keyfileBytes decodes an SSID. Older keyfiles store it as a list of
// decimal bytes ("72;111;109;101;").
func keyfileBytes(v string) []byte {
	if strings.HasSuffix(v, ";") {
		var out []byte
		for _, f := range strings.Split(strings.TrimSuffix(v, ";"), ";") {
			n, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				return []byte(v)
			}
			out = append(out, byte(n))
		}
		return out
	}
	return []byte(v)
}
