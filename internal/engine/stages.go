package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// run drives one attempt to Activated or Failed. A cancelled attempt returns
// without touching the registry; whoever cancelled it finishes the record.
func (e *Engine) run(ctx context.Context, att *attempt) {
	defer close(att.done)
	defer att.reachedFirst()

	err := e.steps(ctx, att)
	if err == nil || ctx.Err() != nil || errors.Is(err, registry.ErrStale) {
		return
	}
	e.log.Warn("activation failed", "device", att.device, "active", att.id, "connection", att.conn.Name, "error", err)
	e.teardown(att.device, att.conn)
	if err := e.reg.Finish(att.id, att.gen, network.StageFailed, err); err != nil {
		if !errors.Is(err, registry.ErrStale) {
			e.log.Warn("finish failed activation", "active", att.id, "error", err)
		}
		return
	}
	e.schedulePrune(att.id)
}

func (e *Engine) steps(ctx context.Context, att *attempt) error {
	dev, conn := att.device, att.conn

	if conn.Kind != network.KindVPN {
		if err := e.link.SetLinkState(ctx, dev, true); err != nil {
			return network.NewStageError(network.StageKindInterface, network.StageInterfaceUp, err)
		}
	}
	if err := e.advance(att, network.StageInterfaceUp, nil); err != nil {
		return err
	}
	att.reachedFirst()

	switch conn.Kind {
	case network.KindWireless:
		if err := e.advance(att, network.StageWifiAssociating, nil); err != nil {
			return err
		}
		if err := e.associate(ctx, dev, conn.Wireless); err != nil {
			return network.NewStageError(network.StageKindWifi, network.StageWifiAssociating, err)
		}
	case network.KindVPN:
		if err := e.advance(att, network.StageVPNConnecting, nil); err != nil {
			return err
		}
		if err := e.connectVPN(ctx, dev, conn.VPN); err != nil {
			return network.NewStageError(network.StageKindVPN, network.StageVPNConnecting, err)
		}
	}

	if err := e.advance(att, network.StageIPConfiguring, nil); err != nil {
		return err
	}
	ip4, err := e.configureIP(ctx, dev, conn)
	if err != nil {
		return network.NewStageError(network.StageKindIPConfig, network.StageIPConfiguring, err)
	}
	if err := e.advance(att, network.StageActivated, ip4); err != nil {
		return err
	}
	e.log.Info("activated", "device", dev, "active", att.id, "connection", conn.Name)
	return nil
}

// advance records a stage change if the attempt is still current.
func (e *Engine) advance(att *attempt, stage network.Stage, ip4 *network.IPConfig) error {
	return e.reg.UpdateActive(att.id, att.gen, func(a *network.ActiveConnection) {
		a.Stage = stage
		if ip4 != nil {
			a.IP4 = ip4
		}
	})
}

func (e *Engine) associate(ctx context.Context, dev string, w *network.WirelessSettings) error {
	params := backend.Params{
		backend.ParamSSID: w.SSID,
		backend.ParamMode: w.Mode,
	}
	if w.BSSID != "" {
		params[backend.ParamBSSID] = w.BSSID
	}
	if w.Security == network.SecurityPSK {
		params[backend.ParamPSK] = w.PSK
		params[backend.ParamKeyMgmt] = "WPA-PSK"
	} else {
		params[backend.ParamKeyMgmt] = "NONE"
	}

	err := e.wifi.Start(ctx, dev, params)
	if errors.Is(err, backend.ErrAlreadyRunning) {
		// Left over from an earlier attempt with other settings.
		if err := e.wifi.Stop(ctx, dev); err != nil {
			return err
		}
		err = e.wifi.Start(ctx, dev, params)
	}
	if err != nil {
		return err
	}

	err = e.await(ctx, e.cfg.AssociationTimeout, "association with "+w.SSID, func(ctx context.Context) (bool, error) {
		st, err := e.wifi.Status(ctx, dev)
		if err != nil {
			return false, err
		}
		if !st.Running {
			return false, errors.New("wpa_supplicant exited")
		}
		return st.Associated, nil
	})
	return err
}

func (e *Engine) connectVPN(ctx context.Context, dev string, v *network.VPNSettings) error {
	b, err := e.vpns.Get(v.Backend)
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.VPNTimeout)
	err = b.Activate(actx, dev, v.Settings)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s tunnel: %w", b.Name(), network.ErrTimeout)
		}
		return err
	}
	err = e.await(ctx, e.cfg.VPNTimeout, b.Name()+" tunnel", func(ctx context.Context) (bool, error) {
		st, err := b.Status(ctx, dev)
		return st.Up, err
	})
	return err
}

// configureIP applies both address families and returns the IPv4 result.
func (e *Engine) configureIP(ctx context.Context, dev string, conn network.Connection) (*network.IPConfig, error) {
	var ip4 *network.IPConfig
	var err error
	switch conn.IPv4.Method {
	case network.IPMethodAuto:
		// Tunnel backends address their own interfaces.
		if conn.Kind != network.KindVPN {
			ip4, err = e.dhcp4(ctx, dev, conn.IPv4)
		}
	case network.IPMethodManual:
		ip4, err = e.manual(ctx, dev, conn.IPv4)
	}
	if err != nil {
		return nil, err
	}
	if conn.IPv6.Method == network.IPMethodManual {
		if _, err := e.manual(ctx, dev, conn.IPv6); err != nil {
			return nil, err
		}
	}
	if ip4 == nil {
		ip4 = &network.IPConfig{}
	}
	return ip4, nil
}

func (e *Engine) dhcp4(ctx context.Context, dev string, s network.IPSettings) (*network.IPConfig, error) {
	if err := e.dhcp.Start(ctx, dev, nil); err != nil && !errors.Is(err, backend.ErrAlreadyRunning) {
		return nil, err
	}
	var lease *backend.Lease
	err := e.await(ctx, e.cfg.LeaseTimeout, "dhcp lease", func(ctx context.Context) (bool, error) {
		st, err := e.dhcp.Status(ctx, dev)
		if err != nil {
			return false, err
		}
		lease = st.Lease
		return lease != nil, nil
	})
	if err != nil {
		return nil, err
	}
	cfg := &network.IPConfig{
		Addresses: []netip.Prefix{lease.Address},
		Gateway:   lease.Gateway,
		DNS:       lease.DNS,
	}
	// Configured servers override the ones from the lease.
	if len(s.DNS) > 0 {
		servers, err := parseServers(s.DNS)
		if err != nil {
			return nil, err
		}
		if err := e.dns.Set(dev, servers); err != nil {
			return nil, err
		}
		cfg.DNS = servers
	}
	return cfg, nil
}

func (e *Engine) manual(ctx context.Context, dev string, s network.IPSettings) (*network.IPConfig, error) {
	addr, err := netip.ParsePrefix(s.Address)
	if err != nil {
		return nil, err
	}
	if err := e.link.AssignAddress(ctx, dev, addr); err != nil {
		return nil, err
	}
	cfg := &network.IPConfig{Addresses: []netip.Prefix{addr}}
	if s.Gateway != "" {
		gw, err := netip.ParseAddr(s.Gateway)
		if err != nil {
			return nil, err
		}
		if err := e.link.AddDefaultRoute(ctx, dev, gw); err != nil {
			return nil, err
		}
		cfg.Gateway = gw
	}
	if len(s.DNS) > 0 {
		servers, err := parseServers(s.DNS)
		if err != nil {
			return nil, err
		}
		if err := e.dns.Set(dev, servers); err != nil {
			return nil, err
		}
		cfg.DNS = servers
	}
	return cfg, nil
}

func parseServers(list []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(list))
	for _, s := range list {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// await polls check until it reports done, fails, or timeout passes. The
// timeout surfaces as ErrTimeout.
func (e *Engine) await(ctx context.Context, timeout time.Duration, what string, check func(context.Context) (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	tick := time.NewTicker(e.cfg.PollInterval)
	defer tick.Stop()
	for {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%s after %s: %w", what, timeout, network.ErrTimeout)
		case <-tick.C:
		}
	}
}

// teardown undoes every step an activation of conn may have taken, in
// reverse order. Failures are logged and the remaining steps still run.
func (e *Engine) teardown(dev string, conn network.Connection) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.TeardownTimeout)
	defer cancel()
	step := func(what string, err error) {
		if err != nil {
			e.log.Warn("teardown step failed", "device", dev, "step", what, "error", err)
		}
	}

	if conn.IPv4.Method == network.IPMethodAuto && conn.Kind != network.KindVPN {
		if r, ok := e.dhcp.(backend.Releaser); ok {
			step("dhcp release", r.Release(ctx, dev))
		}
		step("dhcp stop", e.dhcp.Stop(ctx, dev))
	}
	if conn.Kind == network.KindWireless {
		step("supplicant stop", e.wifi.Stop(ctx, dev))
	}
	if len(conn.IPv4.DNS) > 0 || len(conn.IPv6.DNS) > 0 {
		step("dns clear", e.dns.Clear(dev))
	}
	if conn.Kind == network.KindVPN {
		if e.vpns != nil && conn.VPN != nil {
			if b, err := e.vpns.Get(conn.VPN.Backend); err == nil {
				step("vpn deactivate", b.Deactivate(ctx, dev))
			} else {
				step("vpn deactivate", err)
			}
		}
		return
	}
	step("flush addresses", e.link.FlushAddresses(ctx, dev))
	step("interface down", e.link.SetLinkState(ctx, dev, false))
}
