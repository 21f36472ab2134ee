package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/nikicat/netctld/internal/validate"
)

// LinkController is the interface and routing backend used by the engine.
type LinkController interface {
	SetLinkState(ctx context.Context, iface string, up bool) error
	AssignAddress(ctx context.Context, iface string, addr netip.Prefix) error
	AddDefaultRoute(ctx context.Context, iface string, gw netip.Addr) error
	FlushAddresses(ctx context.Context, iface string) error
}

// IPLink implements LinkController with iproute2.
type IPLink struct {
	Runner Runner
	IPPath string
}

// NewIPLink returns an IPLink using the ip binary at path ("ip" if empty).
func NewIPLink(r Runner, path string) *IPLink {
	if path == "" {
		path = "ip"
	}
	return &IPLink{Runner: r, IPPath: path}
}

func (l *IPLink) run(ctx context.Context, op, iface string, args ...string) ([]byte, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return nil, err
	}
	out, err := l.Runner.Run(ctx, Cmd(l.IPPath, args...))
	if err != nil {
		return nil, &OpError{Op: op, Interface: iface, Err: err}
	}
	return out, nil
}

// SetLinkState brings iface administratively up or down.
func (l *IPLink) SetLinkState(ctx context.Context, iface string, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	_, err := l.run(ctx, "set link "+state, iface, "link", "set", "dev", iface, state)
	return err
}

// AssignAddress adds addr to iface.
func (l *IPLink) AssignAddress(ctx context.Context, iface string, addr netip.Prefix) error {
	_, err := l.run(ctx, "assign address", iface, "addr", "replace", addr.String(), "dev", iface)
	return err
}

// AddDefaultRoute installs a default route through gw on iface.
func (l *IPLink) AddDefaultRoute(ctx context.Context, iface string, gw netip.Addr) error {
	args := []string{"route", "replace", "default", "via", gw.String(), "dev", iface}
	if gw.Is6() {
		args = append([]string{"-6"}, args...)
	}
	_, err := l.run(ctx, "add default route", iface, args...)
	return err
}

// FlushAddresses removes every address from iface.
func (l *IPLink) FlushAddresses(ctx context.Context, iface string) error {
	_, err := l.run(ctx, "flush addresses", iface, "addr", "flush", "dev", iface)
	return err
}

type ipAddrInfo struct {
	Family    string `json:"family"`
	Local     string `json:"local"`
	PrefixLen int    `json:"prefixlen"`
	Scope     string `json:"scope"`
	Dynamic   bool   `json:"dynamic"`
}

type ipAddrEntry struct {
	IfName   string       `json:"ifname"`
	AddrInfo []ipAddrInfo `json:"addr_info"`
}

// Addresses returns the global-scope IPv4 addresses on iface.
func (l *IPLink) Addresses(ctx context.Context, iface string) ([]netip.Prefix, error) {
	out, err := l.run(ctx, "list addresses", iface, "-j", "-4", "addr", "show", "dev", iface)
	if err != nil {
		return nil, err
	}
	var entries []ipAddrEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, &OpError{Op: "list addresses", Interface: iface, Err: fmt.Errorf("parse ip output: %w", err)}
	}
	var addrs []netip.Prefix
	for _, e := range entries {
		for _, a := range e.AddrInfo {
			if a.Scope != "global" {
				continue
			}
			addr, err := netip.ParseAddr(a.Local)
			if err != nil {
				continue
			}
			addrs = append(addrs, netip.PrefixFrom(addr, a.PrefixLen))
		}
	}
	return addrs, nil
}

type ipRouteEntry struct {
	Dst     string `json:"dst"`
	Gateway string `json:"gateway"`
	Dev     string `json:"dev"`
}

// DefaultGateway returns the IPv4 default gateway routed through iface, or
// the zero Addr if there is none.
func (l *IPLink) DefaultGateway(ctx context.Context, iface string) (netip.Addr, error) {
	out, err := l.run(ctx, "list routes", iface, "-j", "-4", "route", "show", "default", "dev", iface)
	if err != nil {
		return netip.Addr{}, err
	}
	var routes []ipRouteEntry
	if err := json.Unmarshal(out, &routes); err != nil {
		return netip.Addr{}, &OpError{Op: "list routes", Interface: iface, Err: fmt.Errorf("parse ip output: %w", err)}
	}
	for _, r := range routes {
		if gw, err := netip.ParseAddr(r.Gateway); err == nil {
			return gw, nil
		}
	}
	return netip.Addr{}, nil
}
