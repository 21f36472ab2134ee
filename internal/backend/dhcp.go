package backend

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/validate"
)

// Default crdhcpc locations.
const (
	DefaultDHCPBin    = "/usr/local/bin/crdhcpc"
	DefaultDHCPConfig = "/etc/dhcp-client.toml"
)

// AddressReader reads the kernel's view of an interface's configuration. The
// DHCP supervisor uses it when the client's status output carries no lease.
type AddressReader interface {
	Addresses(ctx context.Context, iface string) ([]netip.Prefix, error)
	DefaultGateway(ctx context.Context, iface string) (netip.Addr, error)
}

// DHCPSupervisor controls the crdhcpc DHCP client.
type DHCPSupervisor struct {
	Runner Runner
	Bin    string
	Config string
	Addrs  AddressReader

	mu       sync.Mutex
	obtained map[string]time.Time
}

// NewDHCPSupervisor returns a supervisor for the crdhcpc binary at bin using
// the client config at config.
func NewDHCPSupervisor(r Runner, bin, config string, addrs AddressReader) *DHCPSupervisor {
	if bin == "" {
		bin = DefaultDHCPBin
	}
	if config == "" {
		config = DefaultDHCPConfig
	}
	return &DHCPSupervisor{Runner: r, Bin: bin, Config: config, Addrs: addrs, obtained: make(map[string]time.Time)}
}

func (s *DHCPSupervisor) run(ctx context.Context, verb, iface string) ([]byte, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return nil, err
	}
	return s.Runner.Run(ctx, Cmd(s.Bin, "-c", s.Config, verb, iface))
}

// Start asks the client to acquire a lease on iface.
func (s *DHCPSupervisor) Start(ctx context.Context, iface string, _ Params) error {
	out, err := s.run(ctx, "start", iface)
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Stderr+string(out)), "already running") {
			return &OpError{Op: "start dhcp", Interface: iface, Err: ErrAlreadyRunning}
		}
		if errors.Is(err, ErrNotInstalled) || errors.Is(err, validate.ErrInvalid) {
			return err
		}
		return &OpError{Op: "start dhcp", Interface: iface, Err: err}
	}
	s.mu.Lock()
	delete(s.obtained, iface)
	s.mu.Unlock()
	return nil
}

// Stop stops the client on iface.
func (s *DHCPSupervisor) Stop(ctx context.Context, iface string) error {
	s.mu.Lock()
	delete(s.obtained, iface)
	s.mu.Unlock()
	if _, err := s.run(ctx, "stop", iface); err != nil {
		return &OpError{Op: "stop dhcp", Interface: iface, Err: err}
	}
	return nil
}

// Release gives the lease on iface back to the server.
func (s *DHCPSupervisor) Release(ctx context.Context, iface string) error {
	if _, err := s.run(ctx, "release", iface); err != nil {
		return &OpError{Op: "release dhcp", Interface: iface, Err: err}
	}
	return nil
}

// Renew asks the client to renew the lease on iface.
func (s *DHCPSupervisor) Renew(ctx context.Context, iface string) error {
	if _, err := s.run(ctx, "renew", iface); err != nil {
		return &OpError{Op: "renew dhcp", Interface: iface, Err: err}
	}
	return nil
}

// Status reports whether the client runs on iface and the lease it holds.
func (s *DHCPSupervisor) Status(ctx context.Context, iface string) (*Status, error) {
	out, err := s.run(ctx, "status", iface)
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) {
			// crdhcpc exits non-zero when it does not manage iface.
			return &Status{}, nil
		}
		return nil, &OpError{Op: "dhcp status", Interface: iface, Err: err}
	}
	st := &Status{Running: true}
	lease := parseLease(out)
	if !lease.Address.IsValid() && s.Addrs != nil {
		addrs, err := s.Addrs.Addresses(ctx, iface)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			lease.Address = addrs[0]
			if !lease.Gateway.IsValid() {
				lease.Gateway, _ = s.Addrs.DefaultGateway(ctx, iface)
			}
		}
	}
	if lease.Address.IsValid() {
		s.mu.Lock()
		if _, ok := s.obtained[iface]; !ok {
			s.obtained[iface] = time.Now()
		}
		lease.Obtained = s.obtained[iface]
		s.mu.Unlock()
		st.Lease = &lease
	}
	return st, nil
}

// parseLease reads "key: value" or "key=value" lines from crdhcpc status.
func parseLease(out []byte) Lease {
	var l Lease
	var addr netip.Addr
	bits := -1
	for _, line := range strings.Split(string(out), "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.Contains(k, "=") {
			k, v, ok = strings.Cut(line, "=")
		}
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "address", "ip_address", "ip":
			if p, err := netip.ParsePrefix(v); err == nil {
				addr, bits = p.Addr(), p.Bits()
			} else if a, err := netip.ParseAddr(v); err == nil {
				addr = a
			}
		case "prefix", "prefixlen":
			if n, err := strconv.Atoi(v); err == nil {
				bits = n
			}
		case "subnet_mask", "netmask":
			if m, err := netip.ParseAddr(v); err == nil && m.Is4() {
				bits = maskBits(m)
			}
		case "gateway", "router":
			if a, err := netip.ParseAddr(v); err == nil {
				l.Gateway = a
			}
		case "dns", "dns_servers", "nameservers":
			for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
				if a, err := netip.ParseAddr(f); err == nil {
					l.DNS = append(l.DNS, a)
				}
			}
		}
	}
	if addr.IsValid() {
		if bits < 0 {
			bits = addr.BitLen()
		}
		l.Address = netip.PrefixFrom(addr, bits)
	}
	return l
}

func maskBits(m netip.Addr) int {
	b := m.As4()
	n := 0
	for _, octet := range b {
		for i := 7; i >= 0; i-- {
			if octet&(1<<i) == 0 {
				return n
			}
			n++
		}
	}
	return n
}
