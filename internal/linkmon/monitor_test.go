package linkmon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples []Sample
}

func (f *fakeSampler) set(samples ...Sample) {
	f.mu.Lock()
	f.samples = samples
	f.mu.Unlock()
}

func (f *fakeSampler) Sample(context.Context) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sample(nil), f.samples...), nil
}

func eth(state network.LinkState) Sample {
	return Sample{Name: "eth0", Kind: network.KindEthernet, State: state}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMonitor(t *testing.T) (*Monitor, *fakeSampler, *registry.Registry) {
	t.Helper()
	s := &fakeSampler{}
	reg := registry.New()
	m := New(s, reg, Options{Interval: 10 * time.Millisecond, Logger: quietLogger(), Unmanaged: []string{"docker0"}})
	return m, s, reg
}

// feed polls once per state and returns the events received.
func feed(t *testing.T, m *Monitor, s *fakeSampler, ch <-chan network.LinkEvent, states ...network.LinkState) []network.LinkEvent {
	t.Helper()
	var got []network.LinkEvent
	for _, st := range states {
		s.set(eth(st))
		if err := m.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
		default:
			return got
		}
	}
}

func TestEdgeTriggered(t *testing.T) {
	m, s, _ := newMonitor(t)
	ch, cancel := m.Subscribe(16)
	defer cancel()

	U, D := network.LinkUp, network.LinkDown
	got := feed(t, m, s, ch, U, U, U, U, U)
	if len(got) != 1 {
		t.Fatalf("got %d events for repeated up samples, want 1", len(got))
	}
	if got[0].Previous != network.LinkUnknown || got[0].Current != U || got[0].Interface != "eth0" {
		t.Errorf("event = %+v", got[0])
	}

	got = feed(t, m, s, ch, D, D, D, U, U)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Previous != U || got[0].Current != D || got[1].Current != U {
		t.Errorf("events = %+v", got)
	}
}

func TestFlapSuppression(t *testing.T) {
	m, s, _ := newMonitor(t)
	ch, cancel := m.Subscribe(16)
	defer cancel()

	U, D := network.LinkUp, network.LinkDown
	feed(t, m, s, ch, U, U)

	if got := feed(t, m, s, ch, D, U, D); len(got) > 1 {
		t.Errorf("alternating samples yielded %d events, want at most 1", len(got))
	}
	// A single-sample blip back to the emitted state cancels the candidate.
	if got := feed(t, m, s, ch, U, D, U, U); len(got) != 0 {
		t.Errorf("blips yielded %d events, want 0: %+v", len(got), got)
	}
}

func TestSubscribersOnlySeeLaterEvents(t *testing.T) {
	m, s, _ := newMonitor(t)
	early, cancelEarly := m.Subscribe(16)
	defer cancelEarly()

	feed(t, m, s, early, network.LinkUp, network.LinkUp)

	late, cancelLate := m.Subscribe(16)
	defer cancelLate()
	select {
	case ev := <-late:
		t.Fatalf("late subscriber received history: %+v", ev)
	default:
	}

	feed(t, m, s, early, network.LinkDown, network.LinkDown)
	select {
	case ev := <-late:
		if ev.Current != network.LinkDown {
			t.Errorf("late event = %+v", ev)
		}
	default:
		t.Fatal("late subscriber missed event")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m, s, _ := newMonitor(t)
	slow, cancelSlow := m.Subscribe(0)
	defer cancelSlow()
	fast, cancelFast := m.Subscribe(4)
	defer cancelFast()

	got := feed(t, m, s, fast, network.LinkUp, network.LinkUp)
	if len(got) != 1 {
		t.Fatalf("fast subscriber got %d events, want 1", len(got))
	}
	select {
	case <-slow:
		t.Error("unbuffered subscriber received an event nobody was waiting for")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m, _, _ := newMonitor(t)
	ch, cancel := m.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
}

func TestDiscovery(t *testing.T) {
	m, s, reg := newMonitor(t)
	s.set(
		Sample{Name: "lo", Kind: network.KindLoopback, State: network.LinkUp},
		Sample{Name: "eth0", Kind: network.KindEthernet, HwAddress: "aa:bb:cc:dd:ee:ff", State: network.LinkUp},
		Sample{Name: "docker0", Kind: network.KindEthernet, State: network.LinkDown},
	)
	m.Poll(context.Background())

	devs := reg.Devices()
	if len(devs) != 3 {
		t.Fatalf("registered %d devices, want 3", len(devs))
	}
	lo, _ := reg.Device("lo")
	if lo.Managed {
		t.Error("lo is managed")
	}
	e, _ := reg.Device("eth0")
	if !e.Managed || e.HwAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("eth0 = %+v", e)
	}
	d, _ := reg.Device("docker0")
	if d.Managed {
		t.Error("docker0 configured unmanaged but is managed")
	}

	// Virtual devices are owned by whoever created them.
	reg.AddDevice(network.Device{Name: "wg0", Kind: network.KindVPN, Managed: true, Virtual: true})
	s.set(Sample{Name: "lo", Kind: network.KindLoopback, State: network.LinkUp})
	m.Poll(context.Background())
	if _, ok := reg.Device("eth0"); ok {
		t.Error("vanished eth0 still registered")
	}
	if _, ok := reg.Device("wg0"); !ok {
		t.Error("virtual wg0 removed by discovery")
	}
}

func TestVanishedBusyDeviceGetsLinkDown(t *testing.T) {
	m, s, reg := newMonitor(t)
	ch, cancel := m.Subscribe(8)
	defer cancel()

	feed(t, m, s, ch, network.LinkUp, network.LinkUp)
	a, err := reg.BeginActivation(network.Connection{ID: "x", Name: "x", Kind: network.KindEthernet}, "eth0")
	if err != nil {
		t.Fatalf("BeginActivation: %v", err)
	}

	s.set()
	m.Poll(context.Background())
	m.Poll(context.Background())
	var downs int
	for done := false; !done; {
		select {
		case ev := <-ch:
			if ev.Current == network.LinkDown {
				downs++
			}
		default:
			done = true
		}
	}
	if downs != 1 {
		t.Errorf("got %d link-down events, want 1", downs)
	}
	if _, ok := reg.Device("eth0"); !ok {
		t.Fatal("busy device removed")
	}

	gen, _ := reg.Invalidate(a.ID)
	reg.Finish(a.ID, gen, network.StageDeactivated, nil)
	m.Poll(context.Background())
	if _, ok := reg.Device("eth0"); ok {
		t.Error("device not removed after deactivation")
	}
}

func TestRunIsRestartable(t *testing.T) {
	m, s, _ := newMonitor(t)
	s.set(eth(network.LinkUp))
	ch, cancel := m.Subscribe(8)
	defer cancel()

	for i := 0; i < 2; i++ {
		ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := m.Run(ctx)
		stop()
		if err != context.DeadlineExceeded {
			t.Fatalf("Run #%d = %v, want DeadlineExceeded", i, err)
		}
	}
	select {
	case ev := <-ch:
		if ev.Current != network.LinkUp {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("no event after Run")
	}
	select {
	case ev := <-ch:
		t.Errorf("second Run re-emitted %+v", ev)
	default:
	}
	if m.LinkState("eth0") != network.LinkUp {
		t.Errorf("LinkState = %s, want up", m.LinkState("eth0"))
	}
}

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsSampler(t *testing.T) {
	root := t.TempDir()
	writeAttr(t, filepath.Join(root, "lo"), "operstate", "unknown")
	writeAttr(t, filepath.Join(root, "lo"), "carrier", "1")
	writeAttr(t, filepath.Join(root, "lo"), "type", "772")

	writeAttr(t, filepath.Join(root, "eth0"), "operstate", "down")
	writeAttr(t, filepath.Join(root, "eth0"), "type", "1")
	writeAttr(t, filepath.Join(root, "eth0"), "address", "aa:bb:cc:dd:ee:ff")
	writeAttr(t, filepath.Join(root, "eth0"), "ifindex", "2")

	writeAttr(t, filepath.Join(root, "wlan0"), "operstate", "dormant")
	writeAttr(t, filepath.Join(root, "wlan0"), "uevent", "DEVTYPE=wlan\nINTERFACE=wlan0")
	writeAttr(t, filepath.Join(root, "wlan0", "phy80211", "rfkill0"), "soft", "0")

	writeAttr(t, filepath.Join(root, "wlan1"), "operstate", "down")
	os.MkdirAll(filepath.Join(root, "wlan1", "wireless"), 0o755)
	writeAttr(t, filepath.Join(root, "wlan1", "phy80211", "rfkill1"), "hard", "1")

	writeAttr(t, filepath.Join(root, "wg0"), "operstate", "unknown")
	writeAttr(t, filepath.Join(root, "wg0"), "uevent", "DEVTYPE=wireguard")

	samples, err := (&SysfsSampler{Root: root}).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	want := map[string]Sample{
		"eth0":  {Name: "eth0", Kind: network.KindEthernet, HwAddress: "aa:bb:cc:dd:ee:ff", IfIndex: 2, State: network.LinkDown},
		"lo":    {Name: "lo", Kind: network.KindLoopback, State: network.LinkUp},
		"wg0":   {Name: "wg0", Kind: network.KindVPN, State: network.LinkDown},
		"wlan0": {Name: "wlan0", Kind: network.KindWireless, State: network.LinkUp},
		"wlan1": {Name: "wlan1", Kind: network.KindWireless, State: network.LinkDown},
	}
	if len(samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(samples), len(want))
	}
	for _, s := range samples {
		if s != want[s.Name] {
			t.Errorf("%s = %+v, want %+v", s.Name, s, want[s.Name])
		}
	}
}
