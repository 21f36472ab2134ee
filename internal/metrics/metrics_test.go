package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

func drain(t *testing.T, c *Collector) {
	t.Helper()
	for c.sub.Pending() > 0 {
		ch, err := c.sub.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		c.Observe(ch)
	}
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func wantLines(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if !strings.Contains(body, l+"\n") {
			t.Errorf("metrics output missing %q", l)
		}
	}
}

func TestCollectorTracksActivations(t *testing.T) {
	reg := registry.New()
	reg.AddDevice(network.Device{Name: "eth0", Kind: network.KindEthernet, Managed: true})
	reg.AddDevice(network.Device{Name: "wlan0", Kind: network.KindWireless, Managed: true})
	reg.AddDevice(network.Device{Name: "docker0", Kind: network.KindEthernet})

	c := New(reg)
	wantLines(t, scrape(t, c),
		`netctld_devices{state="disconnected"} 2`,
		`netctld_devices{state="unmanaged"} 1`,
		`netctld_active_connections 0`,
		`netctld_state 20`,
	)

	wired, err := reg.BeginActivation(network.Connection{ID: "a", Name: "Office", Kind: network.KindEthernet}, "eth0")
	if err != nil {
		t.Fatalf("BeginActivation: %v", err)
	}
	wifi, err := reg.BeginActivation(network.Connection{ID: "b", Name: "Home", Kind: network.KindWireless}, "wlan0")
	if err != nil {
		t.Fatalf("BeginActivation: %v", err)
	}
	drain(t, c)
	wantLines(t, scrape(t, c),
		`netctld_devices{state="prepare"} 2`,
		`netctld_active_connections 2`,
		`netctld_state 40`,
	)

	err = reg.UpdateActive(wired.ID, wired.Generation, func(a *network.ActiveConnection) {
		a.Stage = network.StageActivated
		a.IP4 = &network.IPConfig{}
	})
	if err != nil {
		t.Fatalf("UpdateActive: %v", err)
	}
	cause := network.NewStageError(network.StageKindWifi, network.StageWifiAssociating, network.ErrTimeout)
	if err := reg.Finish(wifi.ID, wifi.Generation, network.StageFailed, cause); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	drain(t, c)

	body := scrape(t, c)
	wantLines(t, body,
		`netctld_activations_total{result="activated",type="ethernet"} 1`,
		`netctld_activations_total{result="failed",type="wireless"} 1`,
		`netctld_activation_failures_total{kind="wifi"} 1`,
		`netctld_activation_duration_seconds_count{type="ethernet"} 1`,
		`netctld_devices{state="activated"} 1`,
		`netctld_devices{state="failed"} 1`,
		`netctld_active_connections 1`,
		`netctld_registry_changes_total 4`,
	)
	if !strings.Contains(body, "go_goroutines") {
		t.Error("Go runtime metrics missing")
	}
}

func TestCollectorUnknownFailureKind(t *testing.T) {
	reg := registry.New()
	reg.AddDevice(network.Device{Name: "eth0", Kind: network.KindEthernet, Managed: true})
	c := New(reg)

	a, err := reg.BeginActivation(network.Connection{ID: "a", Name: "Office", Kind: network.KindEthernet}, "eth0")
	if err != nil {
		t.Fatalf("BeginActivation: %v", err)
	}
	if err := reg.Finish(a.ID, a.Generation, network.StageFailed, errors.New("boom")); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	reg.PruneActive(a.ID)
	drain(t, c)

	wantLines(t, scrape(t, c),
		`netctld_activation_failures_total{kind="unknown"} 1`,
		`netctld_registry_changes_total 3`,
	)
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	reg.AddDevice(network.Device{Name: "eth0", Kind: network.KindEthernet, Managed: true})
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(scrape(t, c), `netctld_devices{state="disconnected"} 1`+"\n") {
		if time.Now().After(deadline) {
			t.Fatal("device never counted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
