package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
	"github.com/nikicat/netctld/internal/testutil"
)

type harness struct {
	e    *Engine
	reg  *registry.Registry
	link *testutil.Link
	wifi *testutil.Supervisor
	dhcp *testutil.Supervisor
	dns  *testutil.DNS
	vpn  *testutil.VPN
	prof *profiles
}

type profiles struct {
	mu    sync.Mutex
	byDev map[string]network.Connection
}

func (p *profiles) set(dev string, c network.Connection) {
	p.mu.Lock()
	p.byDev[dev] = c
	p.mu.Unlock()
}

func (p *profiles) AutoConnectFor(d network.Device) (network.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byDev[d.Name]
	return c, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		reg:  registry.New(),
		link: &testutil.Link{},
		wifi: &testutil.Supervisor{Name: "wpa"},
		dhcp: &testutil.Supervisor{Name: "dhcp", Lease: &backend.Lease{
			Address: netip.MustParsePrefix("192.168.1.50/24"),
			Gateway: netip.MustParseAddr("192.168.1.1"),
			DNS:     []netip.Addr{netip.MustParseAddr("192.168.1.1")},
		}},
		dns:  &testutil.DNS{},
		vpn:  &testutil.VPN{BackendName: "wireguard"},
		prof: &profiles{byDev: make(map[string]network.Connection)},
	}
	h.reg.AddDevice(network.Device{Name: "eth0", Kind: network.KindEthernet, Managed: true})
	h.reg.AddDevice(network.Device{Name: "wlan0", Kind: network.KindWireless, Managed: true})
	h.reg.AddDevice(network.Device{Name: "lo", Kind: network.KindLoopback})

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.AssociationTimeout == 0 {
		cfg.AssociationTimeout = 3 * time.Second
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = 3 * time.Second
	}
	if cfg.PruneGrace == 0 {
		cfg.PruneGrace = time.Hour
	}
	h.e = New(Deps{
		Registry: h.reg,
		Link:     h.link,
		WiFi:     h.wifi,
		DHCP:     h.dhcp,
		DNS:      h.dns,
		VPN:      testutil.VPNBackends{Backend: h.vpn},
		Profiles: h.prof,
		Logger:   quietLogger(),
	}, cfg)
	t.Cleanup(h.e.Close)
	return h
}

func wired(name string) network.Connection {
	return network.Connection{ID: "uuid-" + name, Name: name, Kind: network.KindEthernet, AutoConnect: true}
}

func wireless(name, ssid string) network.Connection {
	return network.Connection{
		ID:       "uuid-" + name,
		Name:     name,
		Kind:     network.KindWireless,
		Wireless: &network.WirelessSettings{SSID: ssid, PSK: "correct horse"},
	}
}

func waitStage(t *testing.T, reg *registry.Registry, id string, want network.Stage) network.ActiveConnection {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := reg.Active(id); ok && a.Stage == want {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	a, _ := reg.Active(id)
	t.Fatalf("activation %s stage = %s, want %s", id, a.Stage, want)
	return a
}

func drain(sub *registry.Subscription) []registry.Change {
	var out []registry.Change
	for sub.Pending() > 0 {
		c, err := sub.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, c)
	}
	return out
}

func TestActivateEthernetDHCP(t *testing.T) {
	h := newHarness(t, Config{})
	ac, err := h.e.Activate(context.Background(), wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if ac.Stage == network.StageRequested {
		t.Errorf("Activate returned before the first transition")
	}
	a := waitStage(t, h.reg, ac.ID, network.StageActivated)
	if a.IP4 == nil || a.IP4.Addresses[0] != netip.MustParsePrefix("192.168.1.50/24") || a.IP4.Gateway != netip.MustParseAddr("192.168.1.1") {
		t.Errorf("IP4 = %+v", a.IP4)
	}
	d, _ := h.reg.Device("eth0")
	if d.State != network.DeviceActivated || d.ActiveID != ac.ID {
		t.Errorf("device = %+v", d)
	}
	if g, c := h.reg.State(); g != network.GlobalConnectedGlobal || c != network.ConnectivityFull {
		t.Errorf("State = %d/%d, want connected global/full", g, c)
	}
	if got := h.link.Ops(); !slices.Equal(got, []string{"up eth0"}) {
		t.Errorf("link ops = %q", got)
	}
}

func TestWirelessStageSequence(t *testing.T) {
	h := newHarness(t, Config{})
	h.wifi.Delay = 20 * time.Millisecond
	sub := h.reg.Subscribe()
	defer sub.Close()

	ac, err := h.e.Activate(context.Background(), wireless("Home", "HomeNet"), "wlan0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)

	var stages []network.Stage
	for _, c := range drain(sub) {
		if c.Active != nil && c.Active.ID == ac.ID && (c.Kind == registry.ActiveAdded || c.StageChanged()) {
			stages = append(stages, c.Active.Stage)
		}
	}
	want := []network.Stage{
		network.StageRequested,
		network.StageInterfaceUp,
		network.StageWifiAssociating,
		network.StageIPConfiguring,
		network.StageActivated,
	}
	if !slices.Equal(stages, want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}
	if !h.wifi.Running("wlan0") || !h.dhcp.Running("wlan0") {
		t.Error("supplicant or dhcp client not running")
	}
}

func TestConflictAndReplace(t *testing.T) {
	h := newHarness(t, Config{})
	h.wifi.Block = true
	ctx := context.Background()

	first, err := h.e.Activate(ctx, wireless("Home", "HomeNet"), "wlan0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, first.ID, network.StageWifiAssociating)

	if _, err := h.e.Activate(ctx, wireless("Cafe", "CafeNet"), "wlan0", ActivateOptions{}); !errors.Is(err, network.ErrConflict) {
		t.Fatalf("second Activate err = %v, want ErrConflict", err)
	}
	if a, _ := h.reg.Active(first.ID); a.Stage != network.StageWifiAssociating {
		t.Errorf("first attempt disturbed by conflicting request: %s", a.Stage)
	}

	h.wifi.SetBlock(false)
	second, err := h.e.Activate(ctx, wireless("Cafe", "CafeNet"), "wlan0", ActivateOptions{Replace: true})
	if err != nil {
		t.Fatalf("replacing Activate: %v", err)
	}
	if a, _ := h.reg.Active(first.ID); a.Stage != network.StageDeactivated {
		t.Errorf("replaced attempt stage = %s, want deactivated", a.Stage)
	}
	waitStage(t, h.reg, second.ID, network.StageActivated)

	// The cancelled worker must never overwrite the record it lost.
	time.Sleep(50 * time.Millisecond)
	if a, _ := h.reg.Active(first.ID); a.Stage != network.StageDeactivated || a.Err != nil {
		t.Errorf("replaced attempt = %s, %v", a.Stage, a.Err)
	}
	if !slices.Contains(h.wifi.Ops(), "wpa stop wlan0") {
		t.Errorf("supplicant not stopped on replace: %q", h.wifi.Ops())
	}
}

func TestDeactivateIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	ac, err := h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)

	if err := h.e.Deactivate(ctx, ac.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	a, _ := h.reg.Active(ac.ID)
	if a.Stage != network.StageDeactivated || a.IP4 != nil {
		t.Errorf("after Deactivate = %s ip4=%v", a.Stage, a.IP4)
	}
	d, _ := h.reg.Device("eth0")
	if d.State != network.DeviceDisconnected || d.ActiveID != "" {
		t.Errorf("device = %+v", d)
	}
	if err := h.e.Deactivate(ctx, ac.ID); err != nil {
		t.Errorf("second Deactivate: %v", err)
	}
	if err := h.e.DeactivateDevice(ctx, "eth0"); err != nil {
		t.Errorf("DeactivateDevice on idle device: %v", err)
	}
	if err := h.e.Deactivate(ctx, "999"); !errors.Is(err, network.ErrNotFound) {
		t.Errorf("Deactivate unknown err = %v, want ErrNotFound", err)
	}

	if got, want := h.dhcp.Ops(), []string{"dhcp start eth0", "dhcp release eth0", "dhcp stop eth0"}; !slices.Equal(got, want) {
		t.Errorf("dhcp ops = %q, want %q", got, want)
	}
	if got, want := h.link.Ops(), []string{"up eth0", "flush eth0", "down eth0"}; !slices.Equal(got, want) {
		t.Errorf("link ops = %q, want %q", got, want)
	}
}

func TestAssociationTimeout(t *testing.T) {
	h := newHarness(t, Config{AssociationTimeout: 50 * time.Millisecond})
	h.wifi.Block = true
	ac, err := h.e.Activate(context.Background(), wireless("Home", "HomeNet"), "wlan0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	a := waitStage(t, h.reg, ac.ID, network.StageFailed)

	var se *network.StageError
	if !errors.As(a.Err, &se) || se.Kind != network.StageKindWifi {
		t.Fatalf("Err = %v, want wifi StageError", a.Err)
	}
	if !errors.Is(a.Err, network.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", a.Err)
	}
	d, _ := h.reg.Device("wlan0")
	if d.State != network.DeviceFailed || d.ActiveID != "" {
		t.Errorf("device = %+v", d)
	}
	if h.wifi.Running("wlan0") {
		t.Error("supplicant still running after failure")
	}
	if slices.Contains(h.dhcp.Ops(), "dhcp start wlan0") {
		t.Error("dhcp started after association failure")
	}
}

func TestInterfaceFailureReturnedFromActivate(t *testing.T) {
	h := newHarness(t, Config{})
	h.link.Fail = func(op, iface string) error {
		if op == "up" {
			return &backend.OpError{Op: "link up", Interface: iface, Err: errors.New("no such device")}
		}
		return nil
	}
	ac, err := h.e.Activate(context.Background(), wired("Office"), "eth0", ActivateOptions{})
	var se *network.StageError
	if !errors.As(err, &se) || se.Kind != network.StageKindInterface || se.Stage != network.StageInterfaceUp {
		t.Fatalf("err = %v, want interface StageError", err)
	}
	if ac.Stage != network.StageFailed {
		t.Errorf("returned stage = %s, want failed", ac.Stage)
	}
}

func TestLeaseTimeout(t *testing.T) {
	h := newHarness(t, Config{LeaseTimeout: 50 * time.Millisecond})
	h.dhcp.Block = true
	ac, err := h.e.Activate(context.Background(), wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	a := waitStage(t, h.reg, ac.ID, network.StageFailed)
	var se *network.StageError
	if !errors.As(a.Err, &se) || se.Kind != network.StageKindIPConfig || !errors.Is(a.Err, network.ErrTimeout) {
		t.Errorf("Err = %v, want ipconfig timeout", a.Err)
	}
}

func TestValidationBeforeSideEffects(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	bad := wireless("Home", "")
	if _, err := h.e.Activate(ctx, bad, "wlan0", ActivateOptions{}); !errors.Is(err, network.ErrValidation) {
		t.Errorf("empty SSID err = %v, want ErrValidation", err)
	}
	if _, err := h.e.Activate(ctx, wireless("Home", "HomeNet"), "eth0", ActivateOptions{}); !errors.Is(err, network.ErrValidation) {
		t.Errorf("wireless on ethernet err = %v, want ErrValidation", err)
	}
	if _, err := h.e.Activate(ctx, wired("Office"), "eth7", ActivateOptions{}); !errors.Is(err, network.ErrNotFound) {
		t.Errorf("unknown device err = %v, want ErrNotFound", err)
	}
	bound := wired("Office")
	bound.Interface = "eth1"
	if _, err := h.e.Activate(ctx, bound, "eth0", ActivateOptions{}); !errors.Is(err, network.ErrValidation) {
		t.Errorf("bound elsewhere err = %v, want ErrValidation", err)
	}
	if _, err := h.e.Activate(ctx, wired("Office"), "", ActivateOptions{}); !errors.Is(err, network.ErrValidation) {
		t.Errorf("no device err = %v, want ErrValidation", err)
	}
	if ops := h.link.Ops(); len(ops) != 0 {
		t.Errorf("side effects for rejected requests: %q", ops)
	}
	if len(h.reg.ActiveConnections()) != 0 {
		t.Error("activation records created for rejected requests")
	}
}

func TestManualIPAndDNS(t *testing.T) {
	h := newHarness(t, Config{})
	c := wired("Static")
	c.IPv4 = network.IPSettings{
		Method:  network.IPMethodManual,
		Address: "10.0.0.5/24",
		Gateway: "10.0.0.1",
		DNS:     []string{"10.0.0.53"},
	}
	ac, err := h.e.Activate(context.Background(), c, "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	a := waitStage(t, h.reg, ac.ID, network.StageActivated)
	if a.IP4.Gateway != netip.MustParseAddr("10.0.0.1") || len(a.IP4.DNS) != 1 {
		t.Errorf("IP4 = %+v", a.IP4)
	}
	want := []string{"up eth0", "addr eth0 10.0.0.5/24", "route eth0 10.0.0.1"}
	if got := h.link.Ops(); !slices.Equal(got, want) {
		t.Errorf("link ops = %q, want %q", got, want)
	}
	if got := h.dns.Servers("eth0"); len(got) != 1 || got[0] != netip.MustParseAddr("10.0.0.53") {
		t.Errorf("dns = %v", got)
	}
	if len(h.dhcp.Ops()) != 0 {
		t.Errorf("dhcp used for manual config: %q", h.dhcp.Ops())
	}

	if err := h.e.Deactivate(context.Background(), ac.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got := h.dns.Servers("eth0"); got != nil {
		t.Errorf("dns not cleared: %v", got)
	}
}

func TestVPNActivation(t *testing.T) {
	h := newHarness(t, Config{})
	c := network.Connection{
		ID:        "uuid-vpn",
		Name:      "Work",
		Kind:      network.KindVPN,
		Interface: "wg0",
		VPN:       &network.VPNSettings{Backend: "wireguard", Settings: map[string]string{"private_key": "k"}},
	}
	sub := h.reg.Subscribe()
	defer sub.Close()
	ac, err := h.e.Activate(context.Background(), c, "", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)
	d, ok := h.reg.Device("wg0")
	if !ok || !d.Virtual || d.Kind != network.KindVPN {
		t.Errorf("tunnel device = %+v, %v", d, ok)
	}

	var stages []network.Stage
	for _, ch := range drain(sub) {
		if ch.Active != nil && ch.Active.ID == ac.ID && (ch.Kind == registry.ActiveAdded || ch.StageChanged()) {
			stages = append(stages, ch.Active.Stage)
		}
	}
	want := []network.Stage{network.StageRequested, network.StageInterfaceUp, network.StageVPNConnecting, network.StageIPConfiguring, network.StageActivated}
	if !slices.Equal(stages, want) {
		t.Errorf("stages = %v, want %v", stages, want)
	}

	if err := h.e.Deactivate(context.Background(), ac.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got, want := h.vpn.Ops(), []string{"vpn activate wg0", "vpn deactivate wg0"}; !slices.Equal(got, want) {
		t.Errorf("vpn ops = %q, want %q", got, want)
	}
	if len(h.link.Ops()) != 0 || len(h.dhcp.Ops()) != 0 {
		t.Errorf("tunnel touched by link or dhcp: %q %q", h.link.Ops(), h.dhcp.Ops())
	}

	c.VPN.Backend = "ipsec"
	if _, err := h.e.Activate(context.Background(), c, "", ActivateOptions{}); !errors.Is(err, network.ErrNotFound) {
		t.Errorf("unknown backend err = %v, want ErrNotFound", err)
	}
}

func TestLinkDownThenUp(t *testing.T) {
	h := newHarness(t, Config{})
	h.prof.set("eth0", wired("Office"))
	ctx := context.Background()
	now := time.Now()

	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkUnknown, Current: network.LinkUp, Time: now})
	var first network.ActiveConnection
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := h.reg.ActiveForDevice("eth0"); ok && a.Stage == network.StageActivated {
			first = a
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if first.ID == "" {
		t.Fatal("link up did not autoconnect")
	}

	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkUp, Current: network.LinkDown, Time: now})
	waitStage(t, h.reg, first.ID, network.StageDeactivated)

	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkDown, Current: network.LinkUp, Time: now})
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a, ok := h.reg.ActiveForDevice("eth0"); ok && a.ID != first.ID && a.Stage == network.StageActivated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("second link up did not start a new activation")
}

func TestLinkDownWithoutActivation(t *testing.T) {
	h := newHarness(t, Config{})
	h.prof.set("eth0", wired("Office"))
	ctx := context.Background()

	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkUnknown, Current: network.LinkDown})
	if d, _ := h.reg.Device("eth0"); d.State != network.DeviceUnavailable {
		t.Errorf("state after link down = %s, want unavailable", d.State)
	}
	// First sight of a down ethernet device with a profile probes for carrier.
	deadline := time.Now().Add(3 * time.Second)
	for !slices.Contains(h.link.Ops(), "up eth0") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !slices.Contains(h.link.Ops(), "up eth0") {
		t.Error("no carrier probe")
	}

	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "lo", Previous: network.LinkUnknown, Current: network.LinkUp})
	if len(h.reg.ActiveConnections()) > 1 {
		t.Error("unmanaged device autoconnected")
	}
}

// TestCarrierProbeSerializedWithActivate checks that the carrier probe and
// an activation never drive the same device at once.
func TestCarrierProbeSerializedWithActivate(t *testing.T) {
	h := newHarness(t, Config{})
	h.prof.set("eth0", wired("Office"))

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	h.link.Fail = func(op, iface string) error {
		if iface != "eth0" {
			return nil
		}
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkUnknown, Current: network.LinkDown})
	ac, err := h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)
	h.e.Close()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max concurrent link calls on eth0 = %d, want 1", maxInFlight)
	}
}

func TestCloseStopsWork(t *testing.T) {
	h := newHarness(t, Config{PruneGrace: 20 * time.Millisecond})
	h.prof.set("eth0", wired("Office"))
	ctx := context.Background()

	ac, err := h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)
	if err := h.e.Deactivate(ctx, ac.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	h.e.Close()

	time.Sleep(60 * time.Millisecond)
	if _, ok := h.reg.Active(ac.ID); !ok {
		t.Error("record pruned after Close")
	}

	if _, err := h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{}); !errors.Is(err, network.ErrServiceUnavailable) {
		t.Errorf("Activate after Close = %v, want ErrServiceUnavailable", err)
	}
	if a, ok := h.reg.ActiveForDevice("eth0"); ok {
		t.Errorf("activation %s left live after Close", a.ID)
	}

	ops := len(h.link.Ops())
	h.e.HandleLinkEvent(ctx, network.LinkEvent{Interface: "eth0", Previous: network.LinkDown, Current: network.LinkUp})
	time.Sleep(30 * time.Millisecond)
	if got := len(h.link.Ops()); got != ops {
		t.Errorf("link event after Close drove the backend: %v", h.link.Ops()[ops:])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{})
	events := make(chan network.LinkEvent)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.e.Run(ctx, events) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPrune(t *testing.T) {
	h := newHarness(t, Config{PruneGrace: 20 * time.Millisecond})
	ac, err := h.e.Activate(context.Background(), wired("Office"), "eth0", ActivateOptions{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	waitStage(t, h.reg, ac.ID, network.StageActivated)
	if err := h.e.Deactivate(context.Background(), ac.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.reg.Active(ac.ID); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("terminal record not pruned")
}

// TestExclusivity races activations and deactivations on one device and
// checks from the change stream that at most one attempt is ever live.
func TestExclusivity(t *testing.T) {
	h := newHarness(t, Config{})
	h.dhcp.Delay = 2 * time.Millisecond
	sub := h.reg.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range 25 {
				ctx := context.Background()
				switch rng.IntN(3) {
				case 0:
					h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{})
				case 1:
					h.e.Activate(ctx, wired("Office"), "eth0", ActivateOptions{Replace: true})
				default:
					h.e.DeactivateDevice(ctx, "eth0")
				}
			}
		}()
	}
	wg.Wait()
	h.e.DeactivateDevice(context.Background(), "eth0")

	live := make(map[string]bool)
	for _, c := range drain(sub) {
		if c.Active == nil || c.Active.Device != "eth0" {
			continue
		}
		if c.Active.Stage.Terminal() {
			delete(live, c.Active.ID)
		} else {
			live[c.Active.ID] = true
		}
		if len(live) > 1 {
			t.Fatalf("change %d: %d live activations on eth0", c.Seq, len(live))
		}
	}
	if _, ok := h.reg.ActiveForDevice("eth0"); ok {
		t.Error("activation left running after final deactivate")
	}
}
