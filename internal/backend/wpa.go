package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nikicat/netctld/internal/procutil"
	"github.com/nikicat/netctld/internal/validate"
)

// Parameters understood by WPASupervisor.Start.
const (
	ParamSSID    = "ssid"
	ParamPSK     = "psk"
	ParamBSSID   = "bssid"
	ParamMode    = "mode"
	ParamKeyMgmt = "key_mgmt"
)

// DefaultCtrlInterface is the control socket directory wpa_supplicant uses.
const DefaultCtrlInterface = "/var/run/wpa_supplicant"

// WPASupervisor runs one wpa_supplicant per wireless interface.
type WPASupervisor struct {
	Runner Runner
	// Bin and CliBin are the wpa_supplicant and wpa_cli programs.
	Bin    string
	CliBin string
	// ConfigDir holds the generated <iface>.conf and <iface>.pid files.
	ConfigDir     string
	CtrlInterface string
	// Alive reports whether the daemon recorded in pidFile is running.
	Alive func(pidFile string) bool
}

// NewWPASupervisor returns a supervisor with default program names.
func NewWPASupervisor(r Runner, configDir string) *WPASupervisor {
	return &WPASupervisor{
		Runner:        r,
		Bin:           "wpa_supplicant",
		CliBin:        "wpa_cli",
		ConfigDir:     configDir,
		CtrlInterface: DefaultCtrlInterface,
		Alive: func(pidFile string) bool {
			_, ok := procutil.AliveFromPIDFile(pidFile, "wpa_supplicant")
			return ok
		},
	}
}

func (s *WPASupervisor) configPath(iface string) string {
	return filepath.Join(s.ConfigDir, iface+".conf")
}

func (s *WPASupervisor) pidPath(iface string) string {
	return filepath.Join(s.ConfigDir, iface+".pid")
}

// Start writes the supplicant configuration and launches the daemon in the
// background.
func (s *WPASupervisor) Start(ctx context.Context, iface string, params Params) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	if s.Alive(s.pidPath(iface)) {
		return &OpError{Op: "start wpa_supplicant", Interface: iface, Err: ErrAlreadyRunning}
	}
	conf, err := GenerateWPAConfig(s.CtrlInterface, params)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.ConfigDir, 0o700); err != nil {
		return &OpError{Op: "start wpa_supplicant", Interface: iface, Err: err}
	}
	confPath, err := validate.Path(iface+".conf", s.ConfigDir)
	if err != nil {
		return err
	}
	if err := os.WriteFile(confPath, conf, 0o600); err != nil {
		return &OpError{Op: "write supplicant config", Interface: iface, Err: err}
	}
	_, err = s.Runner.Run(ctx, Cmd(s.Bin, "-B", "-i", iface, "-c", confPath, "-P", s.pidPath(iface)))
	if err != nil {
		os.Remove(confPath)
		return &OpError{Op: "start wpa_supplicant", Interface: iface, Err: err}
	}
	return nil
}

// Stop terminates the daemon and removes its files. Stopping a daemon that is
// not running is not an error.
func (s *WPASupervisor) Stop(ctx context.Context, iface string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	defer os.Remove(s.configPath(iface))
	defer os.Remove(s.pidPath(iface))

	if !s.Alive(s.pidPath(iface)) {
		return nil
	}
	_, err := s.Runner.Run(ctx, Cmd(s.CliBin, "-p", s.CtrlInterface, "-i", iface, "terminate"))
	if err == nil {
		return nil
	}
	slog.Debug("wpa_cli terminate failed, signalling", "interface", iface, "error", err)
	pid, err := procutil.ReadPIDFile(s.pidPath(iface))
	if err != nil {
		return &OpError{Op: "stop wpa_supplicant", Interface: iface, Err: err}
	}
	if err := unix.Kill(int(pid), unix.SIGTERM); err != nil && err != unix.ESRCH {
		return &OpError{Op: "stop wpa_supplicant", Interface: iface, Err: err}
	}
	return nil
}

// Status reports liveness and association as seen by wpa_cli.
func (s *WPASupervisor) Status(ctx context.Context, iface string) (*Status, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return nil, err
	}
	if !s.Alive(s.pidPath(iface)) {
		return &Status{}, nil
	}
	out, err := s.Runner.Run(ctx, Cmd(s.CliBin, "-p", s.CtrlInterface, "-i", iface, "status"))
	if err != nil {
		return nil, &OpError{Op: "wpa_cli status", Interface: iface, Err: err}
	}
	st := &Status{Running: true}
	kv := parseKeyValues(out)
	st.Associated = kv["wpa_state"] == "COMPLETED"
	st.SSID = kv["ssid"]
	st.BSSID = kv["bssid"]
	return st, nil
}

func parseKeyValues(out []byte) map[string]string {
	kv := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return kv
}

// wpaString quotes printable ASCII as is. Anything else is written in
// wpa_supplicant's unquoted hex form, which takes arbitrary bytes.
func wpaString(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return hex.EncodeToString([]byte(s))
		}
	}
	return `"` + s + `"`
}

// GenerateWPAConfig renders a wpa_supplicant configuration for one network.
// Every value is validated before it is written.
func GenerateWPAConfig(ctrlInterface string, p Params) ([]byte, error) {
	ssid := p[ParamSSID]
	if err := validate.SSID(ssid); err != nil {
		return nil, err
	}
	if err := validate.ConfigValue("ssid", ssid); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ctrl_interface=%s\n", ctrlInterface)
	b.WriteString("update_config=0\n\n")
	b.WriteString("network={\n")
	b.WriteString("\tssid=" + wpaString(ssid) + "\n")

	if bssid := p[ParamBSSID]; bssid != "" {
		if err := validate.MAC(bssid); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "\tbssid=%s\n", bssid)
	}
	if p[ParamMode] == "adhoc" {
		b.WriteString("\tmode=1\n")
	}

	switch psk := p[ParamPSK]; {
	case psk == "":
		b.WriteString("\tkey_mgmt=NONE\n")
	default:
		if err := validate.PSK(psk); err != nil {
			return nil, err
		}
		if err := validate.ConfigValue("psk", psk); err != nil {
			return nil, err
		}
		if len(psk) == 64 {
			fmt.Fprintf(&b, "\tpsk=%s\n", psk)
		} else {
			b.WriteString("\tpsk=\"" + psk + "\"\n")
		}
		b.WriteString("\tkey_mgmt=WPA-PSK\n")
	}
	b.WriteString("}\n")
	return []byte(b.String()), nil
}
