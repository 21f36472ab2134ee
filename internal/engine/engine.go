// Package engine drives activation attempts through their stages and reacts
// to link events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
	"github.com/nikicat/netctld/internal/validate"
	"github.com/nikicat/netctld/internal/vpn"
)

// Defaults for Config fields left zero.
const (
	DefaultAssociationTimeout = 30 * time.Second
	DefaultLeaseTimeout       = 30 * time.Second
	DefaultVPNTimeout         = 30 * time.Second
	DefaultTeardownTimeout    = 10 * time.Second
	DefaultPollInterval       = 250 * time.Millisecond
	DefaultPruneGrace         = 30 * time.Second
)

// Config bounds every wait the engine performs.
type Config struct {
	AssociationTimeout time.Duration
	LeaseTimeout       time.Duration
	VPNTimeout         time.Duration
	TeardownTimeout    time.Duration
	// PollInterval is how often supervisor status is checked while waiting.
	PollInterval time.Duration
	// PruneGrace is how long terminal records stay visible.
	PruneGrace time.Duration
}

func (c *Config) applyDefaults() {
	set := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	set(&c.AssociationTimeout, DefaultAssociationTimeout)
	set(&c.LeaseTimeout, DefaultLeaseTimeout)
	set(&c.VPNTimeout, DefaultVPNTimeout)
	set(&c.TeardownTimeout, DefaultTeardownTimeout)
	set(&c.PollInterval, DefaultPollInterval)
	set(&c.PruneGrace, DefaultPruneGrace)
}

// DNSConfigurator installs per-interface resolvers.
type DNSConfigurator interface {
	Set(iface string, servers []netip.Addr) error
	Clear(iface string) error
}

// VPNBackends resolves a backend by name.
type VPNBackends interface {
	Get(name string) (vpn.Backend, error)
}

// ProfileSource picks the profile to bring up automatically on a device.
type ProfileSource interface {
	AutoConnectFor(device network.Device) (network.Connection, bool)
}

// Deps are the collaborators of an Engine. VPN and Profiles may be nil.
type Deps struct {
	Registry *registry.Registry
	Link     backend.LinkController
	WiFi     backend.Supervisor
	DHCP     backend.Supervisor
	DNS      DNSConfigurator
	VPN      VPNBackends
	Profiles ProfileSource
	Logger   *slog.Logger
}

// ActivateOptions modify Activate.
type ActivateOptions struct {
	// Replace cancels a live activation on the device instead of failing
	// with ErrConflict.
	Replace bool
}

// attempt is the worker state of one activation.
type attempt struct {
	id     string
	device string
	gen    uint64
	conn   network.Connection
	cancel context.CancelFunc

	firstOnce sync.Once
	first     chan struct{}
	done      chan struct{}
}

func (a *attempt) reachedFirst() {
	a.firstOnce.Do(func() { close(a.first) })
}

// Engine runs activation attempts. Attempts on different devices proceed
// concurrently; on one device they are serialized.
type Engine struct {
	reg      *registry.Registry
	link     backend.LinkController
	wifi     backend.Supervisor
	dhcp     backend.Supervisor
	dns      DNSConfigurator
	vpns     VPNBackends
	profiles ProfileSource
	cfg      Config
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	locks    map[string]*sync.Mutex
	attempts map[string]*attempt
	prunes   map[string]*time.Timer
}

// New creates an engine. Close stops its workers.
func New(deps Deps, cfg Config) *Engine {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:      deps.Registry,
		link:     deps.Link,
		wifi:     deps.WiFi,
		dhcp:     deps.DHCP,
		dns:      deps.DNS,
		vpns:     deps.VPN,
		profiles: deps.Profiles,
		cfg:      cfg,
		log:      deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		locks:    make(map[string]*sync.Mutex),
		attempts: make(map[string]*attempt),
		prunes:   make(map[string]*time.Timer),
	}
}

// Close cancels every running attempt and waits for the workers to exit.
// Interfaces are left as they are.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.prunes {
		t.Stop()
		delete(e.prunes, id)
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) deviceLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = &sync.Mutex{}
		e.locks[name] = l
	}
	return l
}

// Activate starts bringing conn up on device. It returns once the first
// transition has happened: the interface is up, or the attempt failed. The
// remaining stages run in the background.
func (e *Engine) Activate(ctx context.Context, conn network.Connection, device string, opts ActivateOptions) (network.ActiveConnection, error) {
	conn = conn.Clone()
	conn.ApplyDefaults()
	if device == "" {
		device = conn.Interface
	}
	if err := e.precheck(conn, device); err != nil {
		return network.ActiveConnection{}, err
	}

	lock := e.deviceLock(device)
	lock.Lock()
	if cur, ok := e.reg.ActiveForDevice(device); ok {
		if !opts.Replace {
			lock.Unlock()
			return network.ActiveConnection{}, fmt.Errorf("device %s is running activation %s: %w", device, cur.ID, network.ErrConflict)
		}
		e.log.Info("replacing activation", "device", device, "active", cur.ID, "connection", cur.ConnectionName)
		e.stop(cur.ID)
	}
	ac, err := e.reg.BeginActivation(conn, device)
	if err != nil {
		lock.Unlock()
		return network.ActiveConnection{}, err
	}
	att := e.spawn(ac, conn)
	lock.Unlock()
	if att == nil {
		err := fmt.Errorf("engine stopped: %w", network.ErrServiceUnavailable)
		if ferr := e.reg.Finish(ac.ID, ac.Generation, network.StageFailed, err); ferr != nil {
			e.log.Warn("finish refused activation", "active", ac.ID, "error", ferr)
		}
		return ac, err
	}

	e.log.Info("activation started", "device", device, "active", ac.ID, "connection", conn.Name, "type", conn.Kind)

	select {
	case <-att.first:
	case <-ctx.Done():
		return ac, ctx.Err()
	}
	cur, ok := e.reg.Active(ac.ID)
	if !ok {
		return ac, nil
	}
	if cur.Stage == network.StageFailed {
		return cur, cur.Err
	}
	return cur, nil
}

// precheck rejects requests that cannot succeed before any side effect. VPN
// tunnels get a virtual device on first use.
func (e *Engine) precheck(conn network.Connection, device string) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if device == "" {
		return &validate.Error{Field: "device", Reason: "no device given and the connection is not bound to an interface"}
	}
	if err := validate.InterfaceName(device); err != nil {
		return err
	}
	if conn.Interface != "" && conn.Interface != device {
		return &validate.Error{Field: "device", Reason: fmt.Sprintf("connection %s is bound to %s", conn.Name, conn.Interface)}
	}

	if conn.Kind == network.KindVPN {
		if e.vpns == nil {
			return fmt.Errorf("vpn support: %w", network.ErrServiceUnavailable)
		}
		b, err := e.vpns.Get(conn.VPN.Backend)
		if err != nil {
			return err
		}
		if err := b.Validate(conn.VPN.Settings); err != nil {
			return err
		}
		d, ok := e.reg.Device(device)
		if !ok {
			e.reg.AddDevice(network.Device{Name: device, Kind: network.KindVPN, Managed: true, Virtual: true})
			return nil
		}
		if d.Kind != network.KindVPN {
			return &validate.Error{Field: "device", Reason: fmt.Sprintf("%s is not a tunnel interface", device)}
		}
		if !d.Managed {
			return e.reg.SetManaged(device, true)
		}
		return nil
	}

	d, ok := e.reg.Device(device)
	if !ok {
		return fmt.Errorf("device %s: %w", device, network.ErrNotFound)
	}
	if d.Kind != conn.Kind {
		return &validate.Error{Field: "device", Reason: fmt.Sprintf("%s connection cannot use %s device %s", conn.Kind, d.Kind, device)}
	}
	return nil
}

// spawn starts the worker for a freshly begun activation. Caller holds the
// device lock. It returns nil after Close.
func (e *Engine) spawn(ac network.ActiveConnection, conn network.Connection) *attempt {
	ctx, cancel := context.WithCancel(e.ctx)
	att := &attempt{
		id:     ac.ID,
		device: ac.Device,
		gen:    ac.Generation,
		conn:   conn,
		cancel: cancel,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.attempts[att.id] = att
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, att)
	}()
	return att
}

// Deactivate tears the activation down and waits until it is Deactivated.
// Deactivating a finished activation is a no-op.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	a, ok := e.reg.Active(id)
	if !ok {
		return fmt.Errorf("active connection %s: %w", id, network.ErrNotFound)
	}
	if a.Stage.Terminal() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		lock := e.deviceLock(a.Device)
		lock.Lock()
		defer lock.Unlock()
		e.stop(id)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeactivateDevice deactivates whatever runs on device.
func (e *Engine) DeactivateDevice(ctx context.Context, device string) error {
	if _, ok := e.reg.Device(device); !ok {
		return fmt.Errorf("device %s: %w", device, network.ErrNotFound)
	}
	a, ok := e.reg.ActiveForDevice(device)
	if !ok {
		return nil
	}
	return e.Deactivate(ctx, a.ID)
}

// stop invalidates a live activation, waits for its worker and tears it
// down. Caller holds the device lock.
func (e *Engine) stop(id string) {
	e.mu.Lock()
	att := e.attempts[id]
	e.mu.Unlock()

	gen, err := e.reg.Invalidate(id)
	if att != nil {
		att.cancel()
		<-att.done
	}
	if err != nil {
		// Already finished, or another caller is tearing it down.
		return
	}
	a, ok := e.reg.Active(id)
	if !ok {
		return
	}
	conn := network.Connection{Kind: a.Kind}
	if att != nil {
		conn = att.conn
	}
	e.teardown(a.Device, conn)
	if err := e.reg.Finish(id, gen, network.StageDeactivated, nil); err != nil {
		e.log.Warn("finish deactivation", "active", id, "error", err)
		return
	}
	e.log.Info("deactivated", "device", a.Device, "active", id, "connection", a.ConnectionName)
	e.schedulePrune(id)
}

// schedulePrune drops the record after the grace period. Close cancels
// pending prunes.
func (e *Engine) schedulePrune(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.prunes[id]; ok {
		t.Stop()
	}
	e.prunes[id] = time.AfterFunc(e.cfg.PruneGrace, func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		delete(e.prunes, id)
		delete(e.attempts, id)
		e.mu.Unlock()
		e.reg.PruneActive(id)
	})
}

// Run feeds link events to HandleLinkEvent until ctx is done or events is
// closed.
func (e *Engine) Run(ctx context.Context, events <-chan network.LinkEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.HandleLinkEvent(ctx, ev)
		}
	}
}

// HandleLinkEvent applies one link transition. Loss of link deactivates an
// activated connection; a link coming up starts the device's autoconnect
// profile if nothing runs on it.
func (e *Engine) HandleLinkEvent(ctx context.Context, ev network.LinkEvent) {
	d, ok := e.reg.Device(ev.Interface)
	if !ok || !d.Managed {
		return
	}
	a, live := e.reg.ActiveForDevice(d.Name)

	switch ev.Current {
	case network.LinkDown:
		if live {
			if a.Stage == network.StageActivated {
				e.log.Info("link lost, deactivating", "device", d.Name, "active", a.ID)
				e.background(func() {
					if err := e.Deactivate(e.ctx, a.ID); err != nil {
						e.log.Warn("deactivate after link loss", "device", d.Name, "error", err)
					}
				})
			}
			return
		}
		if err := e.reg.SetDeviceState(d.Name, network.DeviceUnavailable); err != nil && !errors.Is(err, network.ErrConflict) {
			e.log.Warn("mark device unavailable", "device", d.Name, "error", err)
		}
		// Carrier is only reported once the interface is administratively
		// up, so probe devices seen for the first time.
		if ev.Previous == network.LinkUnknown && d.Kind == network.KindEthernet {
			if _, ok := e.autoConnectProfile(d); ok {
				e.background(func() { e.probeCarrier(d.Name) })
			}
		}

	case network.LinkUp:
		if live {
			return
		}
		if d.State == network.DeviceUnavailable {
			if err := e.reg.SetDeviceState(d.Name, network.DeviceDisconnected); err != nil && !errors.Is(err, network.ErrConflict) {
				e.log.Warn("mark device available", "device", d.Name, "error", err)
			}
		}
		conn, ok := e.autoConnectProfile(d)
		if !ok {
			return
		}
		e.log.Info("autoconnecting", "device", d.Name, "connection", conn.Name)
		e.background(func() {
			if _, err := e.Activate(e.ctx, conn, d.Name, ActivateOptions{}); err != nil && !errors.Is(err, network.ErrConflict) {
				e.log.Warn("autoconnect failed", "device", d.Name, "connection", conn.Name, "error", err)
			}
		})
	}
}

// probeCarrier brings an idle device up so the kernel starts reporting
// carrier. It holds the device lock and leaves devices owned by an
// activation alone.
func (e *Engine) probeCarrier(device string) {
	lock := e.deviceLock(device)
	lock.Lock()
	defer lock.Unlock()
	if _, busy := e.reg.ActiveForDevice(device); busy {
		return
	}
	if err := e.link.SetLinkState(e.ctx, device, true); err != nil {
		e.log.Warn("carrier probe", "device", device, "error", err)
	}
}

func (e *Engine) autoConnectProfile(d network.Device) (network.Connection, bool) {
	if e.profiles == nil {
		return network.Connection{}, false
	}
	return e.profiles.AutoConnectFor(d)
}

// background runs fn on a goroutine Close waits for. Nothing runs after
// Close.
func (e *Engine) background(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}
