// Package linkmon watches interface link state, emits debounced link events
// to any number of subscribers, and keeps the registry's device list in sync
// with the interfaces present on the host.
package linkmon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 2 * time.Second

// settleSamples is how many consecutive identical samples a new state needs
// before it is emitted.
const settleSamples = 2

// Options configure a Monitor.
type Options struct {
	Interval time.Duration
	// Unmanaged interfaces are registered but never activated.
	Unmanaged []string
	Logger    *slog.Logger
}

type track struct {
	emitted   network.LinkState
	candidate network.LinkState
	seen      int
}

// Monitor samples link state on a fixed interval.
type Monitor struct {
	sampler   Sampler
	reg       *registry.Registry
	interval  time.Duration
	unmanaged map[string]bool
	log       *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	links map[string]*track

	subsMu  sync.RWMutex
	subs    map[int]chan network.LinkEvent
	nextSub int
}

// New creates a monitor that registers discovered devices in reg.
func New(sampler Sampler, reg *registry.Registry, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	unmanaged := make(map[string]bool, len(opts.Unmanaged))
	for _, n := range opts.Unmanaged {
		unmanaged[n] = true
	}
	return &Monitor{
		sampler:   sampler,
		reg:       reg,
		interval:  opts.Interval,
		unmanaged: unmanaged,
		log:       opts.Logger,
		now:       time.Now,
		links:     make(map[string]*track),
		subs:      make(map[int]chan network.LinkEvent),
	}
}

// Subscribe returns a channel that receives every event emitted after this
// call. Events are dropped for a subscriber whose buffer is full. Call the
// returned function to unsubscribe; it closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan network.LinkEvent, func()) {
	ch := make(chan network.LinkEvent, buffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

// Run samples until ctx is done. It may be called again after it returns;
// debounce state carries over.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("link sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll takes one sample: it syncs the registry's device list and emits any
// settled transitions.
func (m *Monitor) Poll(ctx context.Context) error {
	samples, err := m.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	present := make(map[string]bool, len(samples))
	var events []network.LinkEvent

	m.mu.Lock()
	for _, s := range samples {
		present[s.Name] = true
		m.discover(s)
		if ev, ok := m.observe(s.Name, s.State, now); ok {
			events = append(events, ev)
		}
	}
	for _, d := range m.reg.Devices() {
		if present[d.Name] || d.Virtual {
			continue
		}
		if ev, ok := m.vanish(d, now); ok {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return nil
}

// discover registers interfaces the registry does not know yet. Caller holds m.mu.
func (m *Monitor) discover(s Sample) {
	if _, ok := m.reg.Device(s.Name); ok {
		return
	}
	managed := s.Kind != network.KindLoopback && s.Kind != network.KindVPN && !m.unmanaged[s.Name]
	d := network.Device{
		Name:      s.Name,
		Kind:      s.Kind,
		HwAddress: s.HwAddress,
		IfIndex:   s.IfIndex,
		Managed:   managed,
	}
	if m.reg.AddDevice(d) {
		m.log.Info("device added", "interface", s.Name, "type", s.Kind, "managed", managed)
	}
}

// vanish handles a registered device that is no longer present. A device that
// still owns an activation gets a link-down event so that it is deactivated;
// removal is retried on the next sample. Caller holds m.mu.
func (m *Monitor) vanish(d network.Device, now time.Time) (network.LinkEvent, bool) {
	err := m.reg.RemoveDevice(d.Name)
	if err == nil {
		delete(m.links, d.Name)
		m.log.Info("device removed", "interface", d.Name)
		return network.LinkEvent{}, false
	}
	if !errors.Is(err, network.ErrConflict) {
		return network.LinkEvent{}, false
	}
	t := m.trackFor(d.Name)
	if t.emitted == network.LinkDown {
		return network.LinkEvent{}, false
	}
	ev := network.LinkEvent{Interface: d.Name, Previous: t.emitted, Current: network.LinkDown, Time: now}
	t.emitted, t.candidate, t.seen = network.LinkDown, network.LinkDown, 0
	return ev, true
}

// observe feeds one sample into the debounce state of name. Caller holds m.mu.
func (m *Monitor) observe(name string, state network.LinkState, now time.Time) (network.LinkEvent, bool) {
	t := m.trackFor(name)
	if state == t.emitted {
		t.candidate, t.seen = t.emitted, 0
		return network.LinkEvent{}, false
	}
	if state != t.candidate || t.seen == 0 {
		t.candidate, t.seen = state, 1
	} else {
		t.seen++
	}
	if t.seen < settleSamples {
		return network.LinkEvent{}, false
	}
	ev := network.LinkEvent{Interface: name, Previous: t.emitted, Current: state, Time: now}
	t.emitted, t.seen = state, 0
	return ev, true
}

func (m *Monitor) trackFor(name string) *track {
	t, ok := m.links[name]
	if !ok {
		t = &track{}
		m.links[name] = t
	}
	return t
}

// LinkState returns the last emitted state of an interface.
func (m *Monitor) LinkState(name string) network.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.links[name]; ok {
		return t.emitted
	}
	return network.LinkUnknown
}

func (m *Monitor) publish(ev network.LinkEvent) {
	m.log.Debug("link event", "interface", ev.Interface, "from", ev.Previous, "to", ev.Current)
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn("link event dropped for slow subscriber", "subscriber", id, "interface", ev.Interface, "state", ev.Current)
		}
	}
}
