package vpn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/validate"
)

// Plugin is a backend implemented by an external executable. It is invoked as
//
//	<path> activate|deactivate|status <iface>
//
// with the connection settings in NETCTL_VPN_<KEY> environment variables.
// status prints key=value lines: state (up or down), rx_bytes, tx_bytes.
type Plugin struct {
	Runner backend.Runner
	name   string
	path   string
}

// NewPlugin returns a backend running the executable at path.
func NewPlugin(r backend.Runner, name, path string) *Plugin {
	return &Plugin{Runner: r, name: name, path: path}
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) Available(context.Context) bool {
	fi, err := os.Stat(p.path)
	return err == nil && fi.Mode().Perm()&0o111 != 0
}

func (p *Plugin) Validate(settings map[string]string) error {
	for k := range settings {
		if envKey(k) == "" {
			return &validate.Error{Field: "vpn." + k, Reason: "key must be alphanumeric"}
		}
	}
	return checkValues(settings)
}

func (p *Plugin) command(verb, iface string, settings map[string]string) backend.Command {
	cmd := backend.Cmd(p.path, verb, iface)
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmd.Env = append(cmd.Env, "NETCTL_INTERFACE="+iface)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, "NETCTL_VPN_"+envKey(k)+"="+settings[k])
	}
	return cmd
}

func (p *Plugin) Activate(ctx context.Context, iface string, settings map[string]string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	if err := p.Validate(settings); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, p.command("activate", iface, settings)); err != nil {
		return &backend.OpError{Op: p.name + " activate", Interface: iface, Err: err}
	}
	return nil
}

func (p *Plugin) Deactivate(ctx context.Context, iface string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, p.command("deactivate", iface, nil)); err != nil {
		return &backend.OpError{Op: p.name + " deactivate", Interface: iface, Err: err}
	}
	return nil
}

func (p *Plugin) Status(ctx context.Context, iface string) (Status, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return Status{}, err
	}
	out, err := p.Runner.Run(ctx, p.command("status", iface, nil))
	if err != nil {
		var ce *backend.CommandError
		if errors.As(err, &ce) {
			return Status{}, nil
		}
		return Status{}, err
	}
	var st Status
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "state":
			st.Up = v == "up" || v == "connected"
		case "rx_bytes":
			st.RxBytes, _ = strconv.ParseUint(v, 10, 64)
		case "tx_bytes":
			st.TxBytes, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	return st, nil
}

// envKey maps a setting name to its environment suffix, or "" if the name
// contains characters other than letters, digits, '-' and '_'.
func envKey(k string) string {
	if k == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteByte('_')
		default:
			return ""
		}
	}
	return b.String()
}
