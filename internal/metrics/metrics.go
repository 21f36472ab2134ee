// Package metrics exports device and activation state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

const namespace = "netctld"

var deviceStates = []network.DeviceState{
	network.DeviceUnmanaged,
	network.DeviceUnavailable,
	network.DeviceDisconnected,
	network.DevicePrepare,
	network.DeviceConfig,
	network.DeviceIPConfig,
	network.DeviceActivated,
	network.DeviceDeactivating,
	network.DeviceFailed,
}

// Collector follows the registry change stream and keeps the gauges and
// counters in step with it.
type Collector struct {
	src *registry.Registry
	sub *registry.Subscription
	reg *prometheus.Registry

	devices      *prometheus.GaugeVec
	active       prometheus.Gauge
	global       prometheus.Gauge
	connectivity prometheus.Gauge
	activations  *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	changes      prometheus.Counter
}

// New creates a collector subscribed to src. Call Run to start consuming.
func New(src *registry.Registry) *Collector {
	c := &Collector{
		src: src,
		sub: src.Subscribe(),
		reg: prometheus.NewRegistry(),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Number of devices in each state.",
		}, []string{"state"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of activations that have not reached a terminal stage.",
		}),
		global: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Aggregate manager state, using NetworkManager's NMState values.",
		}),
		connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity",
			Help:      "Aggregate connectivity, using NetworkManager's NMConnectivityState values.",
		}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Activations that reached a terminal or activated stage, by connection type and result.",
		}, []string{"type", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_failures_total",
			Help:      "Failed activations by the part that failed.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time from request to activated.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"type"}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_changes_total",
			Help:      "Registry changes processed.",
		}),
	}
	c.reg.MustRegister(
		c.devices, c.active, c.global, c.connectivity,
		c.activations, c.failures, c.duration, c.changes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.refresh()
	return c
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Run consumes registry changes until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	defer c.sub.Close()
	for {
		ch, err := c.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) {
				return nil
			}
			return err
		}
		c.Observe(ch)
	}
}

// Observe accounts for one change.
func (c *Collector) Observe(ch registry.Change) {
	c.changes.Inc()

	if ch.Kind == registry.ActiveChanged && ch.StageChanged() {
		a := ch.Active
		switch a.Stage {
		case network.StageActivated:
			c.activations.WithLabelValues(string(a.Kind), "activated").Inc()
			c.duration.WithLabelValues(string(a.Kind)).Observe(a.UpdatedAt.Sub(a.CreatedAt).Seconds())
		case network.StageFailed:
			c.activations.WithLabelValues(string(a.Kind), "failed").Inc()
			kind := "unknown"
			var se *network.StageError
			if errors.As(a.Err, &se) {
				kind = string(se.Kind)
			}
			c.failures.WithLabelValues(kind).Inc()
		case network.StageDeactivated:
			c.activations.WithLabelValues(string(a.Kind), "deactivated").Inc()
		}
	}

	// Pruning does not change any gauge.
	if ch.Kind != registry.ActiveRemoved {
		c.refresh()
	}
}

// refresh recomputes the gauges from a registry snapshot.
func (c *Collector) refresh() {
	counts := make(map[network.DeviceState]int, len(deviceStates))
	for _, d := range c.src.Devices() {
		counts[d.State]++
	}
	for _, s := range deviceStates {
		c.devices.WithLabelValues(s.String()).Set(float64(counts[s]))
	}

	n := 0
	for _, a := range c.src.ActiveConnections() {
		if !a.Stage.Terminal() {
			n++
		}
	}
	c.active.Set(float64(n))

	global, conn := c.src.State()
	c.global.Set(float64(global))
	c.connectivity.Set(float64(conn))
}
