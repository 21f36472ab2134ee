// Package daemon wires the connection store, the activation engine, the link
// monitor and the external interfaces together and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nikicat/netctld/internal/api"
	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/config"
	"github.com/nikicat/netctld/internal/engine"
	"github.com/nikicat/netctld/internal/linkmon"
	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/metrics"
	"github.com/nikicat/netctld/internal/nmdbus"
	"github.com/nikicat/netctld/internal/privilege"
	"github.com/nikicat/netctld/internal/registry"
	"github.com/nikicat/netctld/internal/store"
	"github.com/nikicat/netctld/internal/vpn"
)

// linkEventBuffer is how many link events may queue for the engine.
const linkEventBuffer = 64

// Config holds daemon startup parameters.
type Config struct {
	// Settings must have defaults applied. An empty Serve.BusAddress means
	// the system bus; an empty Listen disables the HTTP API.
	Settings config.Config

	// Runner executes external programs. Nil means backend.ExecRunner.
	Runner backend.Runner
	// Sampler reads link state. Nil means /sys/class/net.
	Sampler linkmon.Sampler

	Logger *slog.Logger
}

// Run starts the daemon, registers on D-Bus, sends READY=1 via sd-notify,
// and blocks until ctx is cancelled. Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	s := cfg.Settings
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = backend.ExecRunner{}
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = linkmon.NewSysfsSampler()
	}
	b, t := s.Serve.Backend, s.Serve.Timeouts

	profiles, err := store.Open(s.Serve.ConnectionsDir, log.With("component", "store"))
	if err != nil {
		return fmt.Errorf("open connection store: %w", err)
	}
	log.Info("loaded connections", "dir", profiles.Dir(), "count", len(profiles.List()))

	reg := registry.New()
	link := backend.NewIPLink(runner, b.IPBin)
	deps := engine.Deps{
		Registry: reg,
		Link:     link,
		WiFi:     backend.NewWPASupervisor(runner, b.WPAConfigDir),
		DHCP:     backend.NewDHCPSupervisor(runner, b.DHCPBin, b.DHCPConfig, link),
		DNS:      backend.NewDNSWriter(b.ResolvDir, b.ResolvConf),
		VPN:      vpn.NewRegistry(runner, b.VPNStateDir, b.VPNPluginDir),
		Logger:   log.With("component", "engine"),
	}
	if s.Serve.Autoconnect == nil || *s.Serve.Autoconnect {
		deps.Profiles = profiles
	}
	eng := engine.New(deps, engine.Config{
		AssociationTimeout: time.Duration(t.Association),
		LeaseTimeout:       time.Duration(t.Lease),
		VPNTimeout:         time.Duration(t.VPN),
		TeardownTimeout:    time.Duration(t.Teardown),
		PruneGrace:         time.Duration(t.PruneGrace),
	})
	defer eng.Close()

	monitor := linkmon.New(sampler, reg, linkmon.Options{
		Interval:  time.Duration(s.Serve.LinkPollInterval),
		Unmanaged: s.Serve.Unmanaged,
		Logger:    log.With("component", "linkmon"),
	})
	events, unsubscribe := monitor.Subscribe(linkEventBuffer)
	defer unsubscribe()
	// Discover devices before the bus name is taken so that clients never
	// see an empty device list.
	if err := monitor.Poll(ctx); err != nil {
		log.Warn("initial link sample failed", "error", err)
	}

	privileges := privilege.NewVerifier(s.Serve.RunDir, time.Now)
	audit := logging.Wrap(log)

	conn, err := connectBus(s.Serve.BusAddress)
	if err != nil {
		return fmt.Errorf("connect to D-Bus: %w", err)
	}
	defer conn.Close()

	bus := nmdbus.New(nmdbus.Config{
		Registry:     reg,
		Engine:       eng,
		Profiles:     profiles,
		Scanner:      backend.NewScanner(runner),
		Auth:         privileges,
		Logger:       audit,
		CallTimeout:  time.Duration(t.Call),
		ScanInterval: time.Duration(s.Serve.ScanInterval),
	})
	defer bus.Close()
	if err := bus.ConnectWith(conn); err != nil {
		return err
	}
	profiles.Subscribe(bus)
	defer profiles.Unsubscribe(bus)
	log.Info("registered on D-Bus", "bus_name", nmdbus.BusName)

	var collector *metrics.Collector
	if s.Serve.Metrics == nil || *s.Serve.Metrics {
		collector = metrics.New(reg)
	}

	var server *api.Server
	if s.Listen != "" {
		auth, err := api.NewAuth(s.StateDir)
		if err != nil {
			return fmt.Errorf("create API auth: %w", err)
		}
		apiCfg := api.Config{
			Addr:       s.Listen,
			Registry:   reg,
			Engine:     eng,
			Profiles:   profiles,
			Auth:       auth,
			Privileges: privileges,
			Audit:      audit,
		}
		if collector != nil {
			apiCfg.Metrics = collector.Handler()
		}
		if server, err = api.NewServer(apiCfg); err != nil {
			return fmt.Errorf("start API server: %w", err)
		}
		log.Info("API listening", "addr", server.Addr(), "cookie", server.CookieFilePath())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(monitor.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(eng.Run(gctx, events)) })
	g.Go(func() error { return ignoreCanceled(profiles.Watch(gctx)) })
	g.Go(func() error { return ignoreCanceled(bus.Run(gctx)) })
	if collector != nil {
		g.Go(func() error { return ignoreCanceled(collector.Run(gctx)) })
	}
	if server != nil {
		g.Go(func() error { return ignoreCanceled(server.Run(gctx)) })
	}
	if interval := watchdogInterval(); interval > 0 {
		g.Go(func() error { return ignoreCanceled(runWatchdog(gctx, interval)) })
	}

	n := len(reg.Devices())
	log.Info("daemon ready", "devices", n)
	SdNotify("READY=1", fmt.Sprintf("STATUS=Managing %d devices", n))

	err = g.Wait()
	SdNotify("STOPPING=1")
	log.Info("daemon shutting down")
	return err
}

func connectBus(addr string) (*dbus.Conn, error) {
	if addr == "" {
		return dbus.ConnectSystemBus()
	}
	return dbus.Connect(addr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
