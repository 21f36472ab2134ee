package nmdbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/engine"
	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// Defaults for Config.
const (
	DefaultCallTimeout  = 25 * time.Second
	DefaultScanInterval = 10 * time.Second
	scanTimeout         = 30 * time.Second
)

// Engine is the part of the activation engine driven over the bus.
type Engine interface {
	Activate(ctx context.Context, conn network.Connection, device string, opts engine.ActivateOptions) (network.ActiveConnection, error)
	Deactivate(ctx context.Context, id string) error
	DeactivateDevice(ctx context.Context, device string) error
}

// Profiles is the connection store.
type Profiles interface {
	List() []network.Connection
	Get(id string) (network.Connection, error)
	Add(c network.Connection) (network.Connection, error)
	Update(id string, c network.Connection) (network.Connection, error)
	Delete(id string) error
	Reload() error
}

// Scanner runs WiFi scans.
type Scanner interface {
	Scan(ctx context.Context, iface string) ([]backend.AccessPoint, error)
}

// Emitter sends signals. *dbus.Conn implements it.
type Emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...any) error
}

// Config holds configuration for the server.
type Config struct {
	Registry *registry.Registry
	Engine   Engine
	Profiles Profiles
	Scanner  Scanner
	Auth     Authorizer
	Logger   *logging.Logger
	// CallTimeout bounds how long activate and deactivate calls block.
	CallTimeout time.Duration
	// ScanInterval is the minimum time between RequestScan calls per device.
	ScanInterval time.Duration
}

// Server exports NetworkManager's object tree.
type Server struct {
	reg      *registry.Registry
	engine   Engine
	profiles Profiles
	scanner  Scanner
	logger   *logging.Logger
	cfg      Config

	conn    *dbus.Conn
	emitter Emitter
	callers *callerResolver
	sub     *registry.Subscription

	devices  *pathTable // device name
	settings *pathTable // connection uuid
	aps      *pathTable // iface + "/" + bssid

	mu      sync.Mutex
	reasons map[string]uint32 // device name -> last state reason
	scans   map[string]*scanState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. It subscribes to the registry right away so that no
// change between New and Run goes unsignalled.
func New(cfg Config) *Server {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Wrap(slog.Default())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		reg:      cfg.Registry,
		engine:   cfg.Engine,
		profiles: cfg.Profiles,
		scanner:  cfg.Scanner,
		logger:   cfg.Logger,
		cfg:      cfg,
		callers:  &callerResolver{auth: cfg.Auth, logger: cfg.Logger},
		sub:      cfg.Registry.Subscribe(),
		devices:  newPathTable(DevicesPath),
		settings: newPathTable(SettingsPath),
		aps:      newPathTable(AccessPointPath),
		reasons:  make(map[string]uint32),
		scans:    make(map[string]*scanState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ConnectWith exports the object tree on conn and requests the bus name.
func (s *Server) ConnectWith(conn *dbus.Conn) error {
	s.conn = conn
	s.emitter = conn
	s.callers.client = &realDBusClient{conn: conn}

	m := &manager{s}
	if err := conn.ExportMethodTable(m.methods(), ManagerPath, ManagerInterface); err != nil {
		return fmt.Errorf("export Manager interface: %w", err)
	}
	if err := conn.Export(&settingsObject{s}, SettingsPath, SettingsInterface); err != nil {
		return fmt.Errorf("export Settings interface: %w", err)
	}
	type export struct {
		handler any
		path    dbus.ObjectPath
		iface   string
	}
	subtrees := []export{
		{&device{s}, DevicesPath, DeviceInterface},
		{&wireless{s}, DevicesPath, WirelessInterface},
		{&connection{s}, SettingsPath, ConnectionInterface},
	}
	for _, p := range []dbus.ObjectPath{ManagerPath, DevicesPath, ActivePath, SettingsPath, IP4ConfigPath, AccessPointPath} {
		subtrees = append(subtrees,
			export{&properties{s}, p, PropertiesInterface},
			export{&introspector{s}, p, IntrospectableInterface},
		)
	}
	for _, e := range subtrees {
		if err := conn.ExportSubtree(e.handler, e.path, e.iface); err != nil {
			return fmt.Errorf("export %s at %s: %w", e.iface, e.path, err)
		}
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("failed to become primary owner of %s (reply=%d)", BusName, reply)
	}
	return nil
}

// Run emits signals for registry changes until ctx is cancelled or the bus
// connection is closed.
func (s *Server) Run(ctx context.Context) error {
	if s.emitter == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var connDone <-chan struct{}
	if s.conn != nil {
		connDone = s.conn.Context().Done()
	}

	errc := make(chan error, 1)
	go func() { errc <- s.emitLoop(ctx) }()

	select {
	case <-ctx.Done():
		<-errc
		return ctx.Err()
	case <-connDone:
		cancel()
		<-errc
		return errors.New("bus connection closed")
	case err := <-errc:
		return err
	}
}

// Close stops background scans and drops the registry subscription. The
// bus connection belongs to the caller.
func (s *Server) Close() error {
	s.logger.Info("shutting down D-Bus server")
	s.cancel()
	s.wg.Wait()
	s.sub.Close()
	return nil
}

// callContext bounds a blocking method call.
func (s *Server) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.CallTimeout)
}
