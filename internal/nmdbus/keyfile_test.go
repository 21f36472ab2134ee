package nmdbus

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

func TestParseKeyfile(t *testing.T) {
	tests := []struct {
		name string
		file string
		want network.Connection
	}{
		{
			name: "wifi psk dhcp",
			file: `# written by NetworkManager
[connection]
id=Home
uuid=5d1c1a2e-0000-4000-8000-000000000001
type=wifi
interface-name=wlan0

[wifi]
mode=infrastructure
ssid=Home Net

[wifi-security]
key-mgmt=wpa-psk
psk=correct horse

[ipv4]
method=auto

[ipv6]
method=ignore
`,
			want: network.Connection{
				ID: "5d1c1a2e-0000-4000-8000-000000000001", Name: "Home", Kind: network.KindWireless,
				Interface: "wlan0", AutoConnect: true,
				Wireless: &network.WirelessSettings{SSID: "Home Net", Mode: "infrastructure", Security: network.SecurityPSK, PSK: "correct horse"},
				IPv4:     network.IPSettings{Method: network.IPMethodAuto},
				IPv6:     network.IPSettings{Method: network.IPMethodDisabled},
			},
		},
		{
			name: "ethernet manual",
			file: `[connection]
id=Office
uuid=u2
type=ethernet
autoconnect=false

[ethernet]
mtu=1500

[ipv4]
method=manual
address1=192.168.1.100/24,192.168.1.1
dns=1.1.1.1;9.9.9.9;
`,
			want: network.Connection{
				ID: "u2", Name: "Office", Kind: network.KindEthernet,
				IPv4: network.IPSettings{
					Method:  network.IPMethodManual,
					Address: "192.168.1.100/24",
					Gateway: "192.168.1.1",
					DNS:     []string{"1.1.1.1", "9.9.9.9"},
				},
			},
		},
		{
			name: "legacy ssid bytes",
			file: "[connection]\nid=Cafe\ntype=802-11-wireless\n[802-11-wireless]\nssid=67;97;102;101;\n",
			want: network.Connection{
				Name: "Cafe", Kind: network.KindWireless, AutoConnect: true,
				Wireless: &network.WirelessSettings{SSID: "Cafe", Security: network.SecurityNone},
			},
		},
		{
			name: "vpn with secrets",
			file: `[connection]
id=Work
uuid=u3
type=vpn

[vpn]
service-type=org.freedesktop.NetworkManager.openvpn
remote=vpn.example.com

[vpn-secrets]
password=hunter22
`,
			want: network.Connection{
				ID: "u3", Name: "Work", Kind: network.KindVPN, AutoConnect: true,
				VPN: &network.VPNSettings{Backend: "openvpn", Settings: map[string]string{
					"remote":   "vpn.example.com",
					"password": "hunter22",
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKeyfile(strings.NewReader(tt.file))
			if err != nil {
				t.Fatalf("ParseKeyfile() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseKeyfile() =\n%+v\nwant\n%+v", got, tt.want)
			}
		})
	}
}

func TestParseKeyfileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		invalid bool
	}{
		{"no connection section", "[wifi]\nssid=x\n", true},
		{"key before section", "id=x\n[connection]\n", false},
		{"not key value", "[connection]\nid\n", false},
		{"bad autoconnect", "[connection]\nid=x\ntype=ethernet\nautoconnect=maybe\n", true},
		{"bad address", "[connection]\nid=x\ntype=ethernet\n[ipv4]\nmethod=manual\naddress1=300.1.1.1/24\n", true},
		{"unsupported type", "[connection]\nid=x\ntype=bridge\n", true},
		{"wifi without ssid section", "[connection]\nid=x\ntype=wifi\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKeyfile(strings.NewReader(tt.file))
			if err == nil {
				t.Fatal("ParseKeyfile() succeeded")
			}
			if got := errors.Is(err, validate.ErrInvalid); got != tt.invalid {
				t.Errorf("ParseKeyfile() error = %v, errors.Is(ErrInvalid) = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}
