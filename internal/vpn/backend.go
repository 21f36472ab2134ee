// Package vpn provides the tunnel backends used to activate VPN connections.
//
// WireGuard and OpenVPN are built in. Any executable placed in the plugin
// directory is offered as an additional backend under its file name.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// DefaultPluginDir is searched for external backend executables.
const DefaultPluginDir = "/usr/lib/netctl/vpn"

// ErrUnknownBackend is returned by Registry.Get for a name no backend answers to.
var ErrUnknownBackend = fmt.Errorf("unknown vpn backend: %w", network.ErrNotFound)

// Status describes a running tunnel.
type Status struct {
	Up            bool
	RxBytes       uint64
	TxBytes       uint64
	LastHandshake time.Time
}

// Backend brings a tunnel interface up and down.
type Backend interface {
	Name() string
	// Available reports whether the backend's programs are installed.
	Available(ctx context.Context) bool
	// Validate checks settings without touching the system.
	Validate(settings map[string]string) error
	// Activate creates and configures iface. It returns once the tunnel
	// interface exists.
	Activate(ctx context.Context, iface string, settings map[string]string) error
	Deactivate(ctx context.Context, iface string) error
	Status(ctx context.Context, iface string) (Status, error)
}

// Registry resolves backend names.
type Registry struct {
	runner    backend.Runner
	pluginDir string

	mu       sync.Mutex
	builtins map[string]Backend
}

// NewRegistry returns a registry with the built-in backends. stateDir holds
// generated tunnel configurations.
func NewRegistry(r backend.Runner, stateDir, pluginDir string) *Registry {
	reg := &Registry{
		runner:    r,
		pluginDir: pluginDir,
		builtins:  make(map[string]Backend),
	}
	reg.Register(NewWireGuard(r, filepath.Join(stateDir, "wireguard")))
	reg.Register(NewOpenVPN(r, filepath.Join(stateDir, "openvpn")))
	return reg
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	r.builtins[b.Name()] = b
	r.mu.Unlock()
}

// Get returns the backend called name. Built-in backends shadow plugins of
// the same name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.Lock()
	b, ok := r.builtins[name]
	r.mu.Unlock()
	if ok {
		return b, nil
	}
	if r.pluginDir == "" || name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownBackend)
	}
	path, err := validate.Path(filepath.Join(r.pluginDir, name), r.pluginDir)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownBackend)
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownBackend)
	}
	return NewPlugin(r.runner, name, path), nil
}

// Names lists the built-in backends and the plugins currently installed.
func (r *Registry) Names() []string {
	seen := make(map[string]bool)
	r.mu.Lock()
	for n := range r.builtins {
		seen[n] = true
	}
	r.mu.Unlock()
	if entries, err := os.ReadDir(r.pluginDir); err == nil {
		for _, e := range entries {
			if _, err := r.Get(e.Name()); err == nil {
				seen[e.Name()] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func required(settings map[string]string, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if settings[k] == "" {
			errs = append(errs, &validate.Error{Field: "vpn." + k, Reason: "required"})
		}
	}
	return errors.Join(errs...)
}

func checkValues(settings map[string]string) error {
	for k, v := range settings {
		if err := validate.ConfigValue("vpn."+k, v); err != nil {
			return err
		}
	}
	return nil
}
