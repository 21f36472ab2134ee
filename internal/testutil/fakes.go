package testutil

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/vpn"
)

// Recorder collects operation names in call order.
type Recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *Recorder) record(format string, args ...any) {
	r.mu.Lock()
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Ops returns the recorded operations.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// Link is a backend.LinkController that records calls. Fail, when set, is
// consulted with the operation name ("up", "down", "addr", "route",
// "flush") before recording.
type Link struct {
	Recorder
	Fail func(op, iface string) error
}

func (l *Link) do(op, iface, format string, args ...any) error {
	if l.Fail != nil {
		if err := l.Fail(op, iface); err != nil {
			return err
		}
	}
	l.record(format, args...)
	return nil
}

func (l *Link) SetLinkState(ctx context.Context, iface string, up bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if up {
		return l.do("up", iface, "up %s", iface)
	}
	return l.do("down", iface, "down %s", iface)
}

func (l *Link) AssignAddress(ctx context.Context, iface string, addr netip.Prefix) error {
	return l.do("addr", iface, "addr %s %s", iface, addr)
}

func (l *Link) AddDefaultRoute(ctx context.Context, iface string, gw netip.Addr) error {
	return l.do("route", iface, "route %s %s", iface, gw)
}

func (l *Link) FlushAddresses(ctx context.Context, iface string) error {
	return l.do("flush", iface, "flush %s", iface)
}

// Supervisor is a backend.Supervisor for the supplicant or the DHCP client.
// After Start, Status reports association and the lease once Delay has
// passed. Block makes the daemon never associate or obtain a lease; change
// it with SetBlock once the supervisor is in use.
type Supervisor struct {
	Recorder
	Name  string
	Delay time.Duration
	Lease *backend.Lease
	Block bool
	// StartErr is returned by Start.
	StartErr error

	mu      sync.Mutex
	started map[string]time.Time
}

func (s *Supervisor) Start(ctx context.Context, iface string, params backend.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.record("%s start %s", s.Name, iface)
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(map[string]time.Time)
	}
	s.started[iface] = time.Now()
	return nil
}

func (s *Supervisor) Stop(ctx context.Context, iface string) error {
	s.record("%s stop %s", s.Name, iface)
	s.mu.Lock()
	delete(s.started, iface)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) Release(ctx context.Context, iface string) error {
	s.record("%s release %s", s.Name, iface)
	return nil
}

func (s *Supervisor) Status(ctx context.Context, iface string) (*backend.Status, error) {
	s.mu.Lock()
	at, ok := s.started[iface]
	block := s.Block
	s.mu.Unlock()
	if !ok {
		return &backend.Status{}, nil
	}
	st := &backend.Status{Running: true}
	if block || time.Since(at) < s.Delay {
		return st, nil
	}
	st.Associated = true
	if s.Lease != nil {
		l := *s.Lease
		st.Lease = &l
	}
	return st, nil
}

// SetBlock changes Block.
func (s *Supervisor) SetBlock(block bool) {
	s.mu.Lock()
	s.Block = block
	s.mu.Unlock()
}

// Running reports whether Start was called for iface without a later Stop.
func (s *Supervisor) Running(iface string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.started[iface]
	return ok
}

// DNS records resolver updates.
type DNS struct {
	Recorder
	mu      sync.Mutex
	servers map[string][]netip.Addr
}

func (d *DNS) Set(iface string, servers []netip.Addr) error {
	d.record("dns set %s %v", iface, servers)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.servers == nil {
		d.servers = make(map[string][]netip.Addr)
	}
	d.servers[iface] = servers
	return nil
}

func (d *DNS) Clear(iface string) error {
	d.record("dns clear %s", iface)
	d.mu.Lock()
	delete(d.servers, iface)
	d.mu.Unlock()
	return nil
}

// Servers returns the servers set for iface.
func (d *DNS) Servers(iface string) []netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[iface]
}

// VPN is a vpn.Backend whose tunnels come up immediately.
type VPN struct {
	Recorder
	BackendName string
	ActivateErr error

	mu sync.Mutex
	up map[string]bool
}

func (v *VPN) Name() string { return v.BackendName }

func (v *VPN) Available(context.Context) bool { return true }

func (v *VPN) Validate(settings map[string]string) error { return nil }

func (v *VPN) Activate(ctx context.Context, iface string, settings map[string]string) error {
	v.record("vpn activate %s", iface)
	if v.ActivateErr != nil {
		return v.ActivateErr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.up == nil {
		v.up = make(map[string]bool)
	}
	v.up[iface] = true
	return nil
}

func (v *VPN) Deactivate(ctx context.Context, iface string) error {
	v.record("vpn deactivate %s", iface)
	v.mu.Lock()
	delete(v.up, iface)
	v.mu.Unlock()
	return nil
}

func (v *VPN) Status(ctx context.Context, iface string) (vpn.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return vpn.Status{Up: v.up[iface]}, nil
}

// VPNBackends resolves only the name of Backend.
type VPNBackends struct {
	Backend vpn.Backend
}

func (b VPNBackends) Get(name string) (vpn.Backend, error) {
	if b.Backend == nil || name != b.Backend.Name() {
		return nil, fmt.Errorf("%q: %w", name, vpn.ErrUnknownBackend)
	}
	return b.Backend, nil
}
