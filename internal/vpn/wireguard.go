package vpn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/validate"
)

// Settings understood by the WireGuard backend. A single peer is supported.
const (
	WGPrivateKey          = "private_key"
	WGAddress             = "address"
	WGListenPort          = "listen_port"
	WGDNS                 = "dns"
	WGMTU                 = "mtu"
	WGPublicKey           = "public_key"
	WGPresharedKey        = "preshared_key"
	WGEndpoint            = "endpoint"
	WGAllowedIPs          = "allowed_ips"
	WGPersistentKeepalive = "persistent_keepalive"
)

// WireGuard drives wg-quick with a generated configuration file.
type WireGuard struct {
	Runner backend.Runner
	// QuickBin and WgBin are the wg-quick and wg programs.
	QuickBin string
	WgBin    string
	// ConfigDir holds <iface>.conf; wg-quick names the interface after the file.
	ConfigDir string
}

// NewWireGuard returns a WireGuard backend with default program names.
func NewWireGuard(r backend.Runner, configDir string) *WireGuard {
	return &WireGuard{Runner: r, QuickBin: "wg-quick", WgBin: "wg", ConfigDir: configDir}
}

func (w *WireGuard) Name() string { return "wireguard" }

func (w *WireGuard) configPath(iface string) string {
	return filepath.Join(w.ConfigDir, iface+".conf")
}

func (w *WireGuard) Available(ctx context.Context) bool {
	_, err := w.Runner.Run(ctx, backend.Cmd(w.WgBin, "--version"))
	return !errors.Is(err, backend.ErrNotInstalled)
}

func (w *WireGuard) Validate(settings map[string]string) error {
	if err := required(settings, WGPrivateKey, WGPublicKey); err != nil {
		return err
	}
	if err := checkValues(settings); err != nil {
		return err
	}
	if a := settings[WGAddress]; a != "" {
		for _, p := range splitList(a) {
			if _, err := validate.Prefix(p); err != nil {
				return err
			}
		}
	}
	if p := settings[WGListenPort]; p != "" {
		if _, err := validate.Port(p); err != nil {
			return err
		}
	}
	if m := settings[WGMTU]; m != "" {
		n, err := strconv.Atoi(m)
		if err != nil {
			return &validate.Error{Field: "vpn." + WGMTU, Reason: "not a number"}
		}
		if err := validate.MTU(n); err != nil {
			return err
		}
	}
	for _, d := range splitList(settings[WGDNS]) {
		if _, err := validate.IPAddress(d); err != nil {
			return err
		}
	}
	if k := settings[WGPersistentKeepalive]; k != "" {
		if n, err := strconv.Atoi(k); err != nil || n < 0 || n > 65535 {
			return &validate.Error{Field: "vpn." + WGPersistentKeepalive, Reason: "must be 0-65535"}
		}
	}
	return nil
}

// GenerateConfig renders a wg-quick configuration.
func GenerateConfig(settings map[string]string) []byte {
	var b strings.Builder
	line := func(key, setting string) {
		if v := settings[setting]; v != "" {
			fmt.Fprintf(&b, "%s = %s\n", key, v)
		}
	}
	b.WriteString("[Interface]\n")
	line("PrivateKey", WGPrivateKey)
	line("Address", WGAddress)
	line("ListenPort", WGListenPort)
	line("DNS", WGDNS)
	line("MTU", WGMTU)
	b.WriteString("\n[Peer]\n")
	line("PublicKey", WGPublicKey)
	line("PresharedKey", WGPresharedKey)
	line("Endpoint", WGEndpoint)
	if settings[WGAllowedIPs] == "" {
		b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	} else {
		line("AllowedIPs", WGAllowedIPs)
	}
	line("PersistentKeepalive", WGPersistentKeepalive)
	return []byte(b.String())
}

func (w *WireGuard) Activate(ctx context.Context, iface string, settings map[string]string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	if err := w.Validate(settings); err != nil {
		return err
	}
	if err := os.MkdirAll(w.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", w.ConfigDir, err)
	}
	path, err := validate.Path(w.configPath(iface), w.ConfigDir)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, GenerateConfig(settings), 0o600); err != nil {
		return fmt.Errorf("write wireguard config: %w", err)
	}
	if _, err := w.Runner.Run(ctx, backend.Cmd(w.QuickBin, "up", path)); err != nil {
		os.Remove(path)
		return &backend.OpError{Op: "wg-quick up", Interface: iface, Err: err}
	}
	return nil
}

// Deactivate tears the tunnel down. A tunnel that was never brought up is
// not an error.
func (w *WireGuard) Deactivate(ctx context.Context, iface string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	path := w.configPath(iface)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	defer os.Remove(path)
	if _, err := w.Runner.Run(ctx, backend.Cmd(w.QuickBin, "down", path)); err != nil {
		return &backend.OpError{Op: "wg-quick down", Interface: iface, Err: err}
	}
	return nil
}

// Status reads `wg show <iface> dump`. A missing interface is reported as
// down.
func (w *WireGuard) Status(ctx context.Context, iface string) (Status, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return Status{}, err
	}
	out, err := w.Runner.Run(ctx, backend.Cmd(w.WgBin, "show", iface, "dump"))
	if err != nil {
		var ce *backend.CommandError
		if errors.As(err, &ce) {
			return Status{}, nil
		}
		return Status{}, err
	}
	return parseDump(out), nil
}

// parseDump sums transfer counters over all peers. The first line describes
// the interface itself.
func parseDump(out []byte) Status {
	st := Status{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if first {
			first = false
			st.Up = len(fields) >= 3
			continue
		}
		if len(fields) < 7 {
			continue
		}
		if ts, err := strconv.ParseInt(fields[4], 10, 64); err == nil && ts > 0 {
			hs := time.Unix(ts, 0)
			if hs.After(st.LastHandshake) {
				st.LastHandshake = hs
			}
		}
		rx, _ := strconv.ParseUint(fields[5], 10, 64)
		tx, _ := strconv.ParseUint(fields[6], 10, 64)
		st.RxBytes += rx
		st.TxBytes += tx
	}
	return st
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
