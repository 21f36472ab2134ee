package backend

import (
	"context"
	"net/netip"
	"time"
)

// Params are daemon-specific start parameters, already validated.
type Params map[string]string

// Lease is the IP configuration obtained by the DHCP client.
type Lease struct {
	Address netip.Prefix
	Gateway netip.Addr
	DNS     []netip.Addr
	// Obtained is when the lease was first observed.
	Obtained time.Time
}

// Status is the liveness and result of a supervised daemon.
type Status struct {
	Running bool
	// Wireless supplicant only.
	Associated bool
	SSID       string
	BSSID      string
	// DHCP client only. Nil until a lease is held.
	Lease *Lease
}

// Supervisor manages the lifecycle of a per-interface daemon.
type Supervisor interface {
	Start(ctx context.Context, iface string, params Params) error
	Stop(ctx context.Context, iface string) error
	Status(ctx context.Context, iface string) (*Status, error)
}

// Releaser is implemented by supervisors that can give a lease back before
// stopping.
type Releaser interface {
	Release(ctx context.Context, iface string) error
}
