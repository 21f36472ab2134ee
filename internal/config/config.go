package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/privilege"
	"github.com/nikicat/netctld/internal/store"
	"github.com/nikicat/netctld/internal/validate"
	"github.com/nikicat/netctld/internal/vpn"
)

// Defaults applied by WithDefaults.
const (
	DefaultStateDir   = "/var/lib/netctld"
	DefaultListenAddr = "/run/netctld/api.sock"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
	DefaultResolvConf = "/etc/resolv.conf"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// BackendConfig locates the external programs and files the daemon drives.
type BackendConfig struct {
	IPBin        string `yaml:"ip_bin"`
	DHCPBin      string `yaml:"dhcp_bin"`
	DHCPConfig   string `yaml:"dhcp_config"`
	WPAConfigDir string `yaml:"wpa_config_dir"`
	ResolvConf   string `yaml:"resolv_conf"`
	ResolvDir    string `yaml:"resolv_dir"`
	VPNPluginDir string `yaml:"vpn_plugin_dir"`
	VPNStateDir  string `yaml:"vpn_state_dir"`
}

// TimeoutConfig bounds activation stages.
type TimeoutConfig struct {
	Association Duration `yaml:"association"`
	Lease       Duration `yaml:"lease"`
	VPN         Duration `yaml:"vpn"`
	Teardown    Duration `yaml:"teardown"`
	Call        Duration `yaml:"call"`
	PruneGrace  Duration `yaml:"prune_grace"`
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	ConnectionsDir   string        `yaml:"connections_dir"`
	RunDir           string        `yaml:"run_dir"`
	BusAddress       string        `yaml:"bus_address"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	Unmanaged        []string      `yaml:"unmanaged"`
	LinkPollInterval Duration      `yaml:"link_poll_interval"`
	ScanInterval     Duration      `yaml:"scan_interval"`
	Metrics          *bool         `yaml:"metrics"`
	Autoconnect      *bool         `yaml:"autoconnect"`
	Backend          BackendConfig `yaml:"backend"`
	Timeouts         TimeoutConfig `yaml:"timeouts"`
}

// Config is the top-level configuration file structure.
type Config struct {
	StateDir string      `yaml:"state_dir"`
	Listen   string      `yaml:"listen"`
	Serve    ServeConfig `yaml:"serve"`
}

// SystemPath is used when no per-user config directory can be found, which
// is the normal case for the root-owned daemon.
const SystemPath = "/etc/netctld/config.yaml"

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
// Root always reads SystemPath.
func DefaultPath() string {
	if os.Geteuid() == 0 {
		return SystemPath
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return SystemPath
		}
		configHome = filepath.Join(home, ".config")
	}
	path := filepath.Join(configHome, "netctld", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return SystemPath
	}
	return path
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// WithDefaults returns a copy of c with every unset path and name filled in.
// Durations left at zero are defaulted by the components that use them.
func (c *Config) WithDefaults() *Config {
	out := *c
	out.Serve.Unmanaged = append([]string(nil), c.Serve.Unmanaged...)
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&out.StateDir, DefaultStateDir)
	def(&out.Listen, DefaultListenAddr)

	s := &out.Serve
	def(&s.ConnectionsDir, store.DefaultDir)
	def(&s.RunDir, privilege.DefaultDir)
	def(&s.LogLevel, DefaultLogLevel)
	def(&s.LogFormat, DefaultLogFormat)
	if s.Metrics == nil {
		on := true
		s.Metrics = &on
	}
	if s.Autoconnect == nil {
		on := true
		s.Autoconnect = &on
	}

	b := &s.Backend
	def(&b.IPBin, "ip")
	def(&b.DHCPBin, backend.DefaultDHCPBin)
	def(&b.DHCPConfig, backend.DefaultDHCPConfig)
	def(&b.WPAConfigDir, filepath.Join(s.RunDir, "wpa_supplicant"))
	def(&b.ResolvConf, DefaultResolvConf)
	def(&b.ResolvDir, filepath.Join(s.RunDir, "resolv"))
	def(&b.VPNPluginDir, vpn.DefaultPluginDir)
	def(&b.VPNStateDir, filepath.Join(out.StateDir, "vpn"))
	return &out
}

// Validate checks values that cannot be caught by YAML decoding.
func (c *Config) Validate() error {
	var errs []error
	switch c.Serve.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.Serve.LogLevel))
	}
	switch c.Serve.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json; got %q", c.Serve.LogFormat))
	}
	if c.Listen != "" && !IsUnixAddr(c.Listen) {
		if err := checkLoopback(c.Listen); err != nil {
			errs = append(errs, err)
		}
	}
	for _, dir := range []struct{ name, path string }{
		{"state_dir", c.StateDir},
		{"connections_dir", c.Serve.ConnectionsDir},
		{"run_dir", c.Serve.RunDir},
	} {
		if dir.path != "" && !filepath.IsAbs(dir.path) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path; got %q", dir.name, dir.path))
		}
	}
	for _, name := range c.Serve.Unmanaged {
		if err := validate.InterfaceName(name); err != nil {
			errs = append(errs, fmt.Errorf("unmanaged: %w", err))
		}
	}
	t := c.Serve.Timeouts
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"timeouts.association", t.Association},
		{"timeouts.lease", t.Lease},
		{"timeouts.vpn", t.VPN},
		{"timeouts.teardown", t.Teardown},
		{"timeouts.call", t.Call},
		{"timeouts.prune_grace", t.PruneGrace},
		{"link_poll_interval", c.Serve.LinkPollInterval},
		{"scan_interval", c.Serve.ScanInterval},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	return errors.Join(errs...)
}

// IsUnixAddr reports whether a listen address names a unix socket.
func IsUnixAddr(addr string) bool {
	return strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "@")
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("listen address %q must be a unix socket or a loopback address", addr)
	}
	return nil
}
