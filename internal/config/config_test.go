package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
state_dir: /tmp/state
listen: 127.0.0.1:9090
serve:
  connections_dir: /tmp/connections
  run_dir: /tmp/run
  bus_address: unix:path=/tmp/bus
  log_level: debug
  log_format: json
  unmanaged: [docker0, virbr0]
  link_poll_interval: 500ms
  scan_interval: 20s
  metrics: false
  backend:
    dhcp_bin: /usr/bin/dhcpc
    resolv_conf: /tmp/resolv.conf
    vpn_plugin_dir: /tmp/plugins
  timeouts:
    association: 45s
    lease: 1m
    teardown: 5s
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.StateDir != "/tmp/state" {
		t.Errorf("StateDir = %q, want /tmp/state", cfg.StateDir)
	}
	if cfg.Listen != "127.0.0.1:9090" {
		t.Errorf("Listen = %q, want 127.0.0.1:9090", cfg.Listen)
	}
	if cfg.Serve.ConnectionsDir != "/tmp/connections" {
		t.Errorf("ConnectionsDir = %q, want /tmp/connections", cfg.Serve.ConnectionsDir)
	}
	if cfg.Serve.RunDir != "/tmp/run" {
		t.Errorf("RunDir = %q, want /tmp/run", cfg.Serve.RunDir)
	}
	if cfg.Serve.BusAddress != "unix:path=/tmp/bus" {
		t.Errorf("BusAddress = %q, want unix:path=/tmp/bus", cfg.Serve.BusAddress)
	}
	if cfg.Serve.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Serve.LogLevel)
	}
	if cfg.Serve.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.Serve.LogFormat)
	}
	if len(cfg.Serve.Unmanaged) != 2 || cfg.Serve.Unmanaged[1] != "virbr0" {
		t.Errorf("Unmanaged = %v, want [docker0 virbr0]", cfg.Serve.Unmanaged)
	}
	if time.Duration(cfg.Serve.LinkPollInterval) != 500*time.Millisecond {
		t.Errorf("LinkPollInterval = %v, want 500ms", time.Duration(cfg.Serve.LinkPollInterval))
	}
	if time.Duration(cfg.Serve.ScanInterval) != 20*time.Second {
		t.Errorf("ScanInterval = %v, want 20s", time.Duration(cfg.Serve.ScanInterval))
	}
	if cfg.Serve.Metrics == nil || *cfg.Serve.Metrics != false {
		t.Errorf("Metrics = %v, want ptr to false", cfg.Serve.Metrics)
	}
	if cfg.Serve.Backend.DHCPBin != "/usr/bin/dhcpc" {
		t.Errorf("DHCPBin = %q, want /usr/bin/dhcpc", cfg.Serve.Backend.DHCPBin)
	}
	if cfg.Serve.Backend.ResolvConf != "/tmp/resolv.conf" {
		t.Errorf("ResolvConf = %q, want /tmp/resolv.conf", cfg.Serve.Backend.ResolvConf)
	}
	if cfg.Serve.Backend.VPNPluginDir != "/tmp/plugins" {
		t.Errorf("VPNPluginDir = %q, want /tmp/plugins", cfg.Serve.Backend.VPNPluginDir)
	}
	if time.Duration(cfg.Serve.Timeouts.Association) != 45*time.Second {
		t.Errorf("Timeouts.Association = %v, want 45s", time.Duration(cfg.Serve.Timeouts.Association))
	}
	if time.Duration(cfg.Serve.Timeouts.Lease) != time.Minute {
		t.Errorf("Timeouts.Lease = %v, want 1m", time.Duration(cfg.Serve.Timeouts.Lease))
	}
	if time.Duration(cfg.Serve.Timeouts.Teardown) != 5*time.Second {
		t.Errorf("Timeouts.Teardown = %v, want 5s", time.Duration(cfg.Serve.Timeouts.Teardown))
	}
	if cfg.Serve.Timeouts.VPN != 0 {
		t.Errorf("Timeouts.VPN = %v, want 0", time.Duration(cfg.Serve.Timeouts.VPN))
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
listen: 127.0.0.1:5555
serve:
  log_level: warn
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:5555" {
		t.Errorf("Listen = %q, want 127.0.0.1:5555", cfg.Listen)
	}
	if cfg.Serve.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Serve.LogLevel)
	}
	// Unset fields should be zero values
	if cfg.StateDir != "" {
		t.Errorf("StateDir = %q, want empty", cfg.StateDir)
	}
	if cfg.Serve.Metrics != nil {
		t.Errorf("Metrics = %v, want nil", cfg.Serve.Metrics)
	}
	if cfg.Serve.Timeouts.Lease != 0 {
		t.Errorf("Timeouts.Lease = %v, want 0", time.Duration(cfg.Serve.Timeouts.Lease))
	}
	if len(cfg.Serve.Unmanaged) != 0 {
		t.Errorf("Unmanaged len = %d, want 0", len(cfg.Serve.Unmanaged))
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("Load: expected nil error for missing file, got %v", err)
	}
	if cfg.StateDir != "" || cfg.Listen != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`{{{not yaml`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
serve:
  timeouts:
    lease: not-a-duration
`), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestMetricsFalseVsUnset(t *testing.T) {
	dir := t.TempDir()

	pathFalse := filepath.Join(dir, "false.yaml")
	os.WriteFile(pathFalse, []byte(`
serve:
  metrics: false
`), 0o644)

	cfgFalse, err := Load(pathFalse)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfgFalse.Serve.Metrics == nil {
		t.Fatal("metrics: false should produce non-nil pointer")
	}
	if *cfgFalse.WithDefaults().Serve.Metrics {
		t.Error("WithDefaults turned an explicit metrics: false on")
	}

	pathUnset := filepath.Join(dir, "unset.yaml")
	os.WriteFile(pathUnset, []byte(`
serve:
  log_level: info
`), 0o644)

	cfgUnset, err := Load(pathUnset)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfgUnset.Serve.Metrics != nil {
		t.Errorf("unset metrics should be nil, got %v", *cfgUnset.Serve.Metrics)
	}
	if !*cfgUnset.WithDefaults().Serve.Metrics {
		t.Error("metrics should default to on")
	}
}

func TestDefaultPath(t *testing.T) {
	if os.Geteuid() == 0 {
		if got := DefaultPath(); got != SystemPath {
			t.Errorf("DefaultPath() as root = %q, want %q", got, SystemPath)
		}
		return
	}

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if got := DefaultPath(); got != SystemPath {
		t.Errorf("DefaultPath() without user file = %q, want %q", got, SystemPath)
	}

	user := filepath.Join(dir, "netctld", "config.yaml")
	os.MkdirAll(filepath.Dir(user), 0o755)
	os.WriteFile(user, []byte("listen: 127.0.0.1:1\n"), 0o644)
	if got := DefaultPath(); got != user {
		t.Errorf("DefaultPath() = %q, want %q", got, user)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := &Config{Serve: ServeConfig{RunDir: "/tmp/run", Unmanaged: []string{"lo"}}}
	out := cfg.WithDefaults()

	if out.Listen != DefaultListenAddr {
		t.Errorf("Listen = %q, want %q", out.Listen, DefaultListenAddr)
	}
	if out.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", out.StateDir, DefaultStateDir)
	}
	if out.Serve.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", out.Serve.LogLevel, DefaultLogLevel)
	}
	if out.Serve.ConnectionsDir != "/etc/netctl/connections" {
		t.Errorf("ConnectionsDir = %q, want /etc/netctl/connections", out.Serve.ConnectionsDir)
	}
	if out.Serve.RunDir != "/tmp/run" {
		t.Errorf("RunDir = %q, want /tmp/run", out.Serve.RunDir)
	}
	if out.Serve.Backend.WPAConfigDir != "/tmp/run/wpa_supplicant" {
		t.Errorf("WPAConfigDir = %q, want /tmp/run/wpa_supplicant", out.Serve.Backend.WPAConfigDir)
	}
	if out.Serve.Backend.ResolvDir != "/tmp/run/resolv" {
		t.Errorf("ResolvDir = %q, want /tmp/run/resolv", out.Serve.Backend.ResolvDir)
	}
	if out.Serve.Backend.VPNStateDir != DefaultStateDir+"/vpn" {
		t.Errorf("VPNStateDir = %q, want %s/vpn", out.Serve.Backend.VPNStateDir, DefaultStateDir)
	}
	if out.Serve.Autoconnect == nil || !*out.Serve.Autoconnect {
		t.Errorf("Autoconnect = %v, want ptr to true", out.Serve.Autoconnect)
	}

	// The input is left alone.
	if cfg.Listen != "" || cfg.Serve.Backend.IPBin != "" {
		t.Errorf("WithDefaults modified its receiver: %+v", cfg)
	}
	out.Serve.Unmanaged[0] = "eth9"
	if cfg.Serve.Unmanaged[0] != "lo" {
		t.Error("WithDefaults shares the Unmanaged slice")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "defaults",
			cfg:  *(&Config{}).WithDefaults(),
		},
		{
			name: "loopback listen",
			cfg:  Config{Listen: "127.0.0.1:8485"},
		},
		{
			name: "localhost listen",
			cfg:  Config{Listen: "localhost:8485"},
		},
		{
			name:    "public listen",
			cfg:     Config{Listen: "0.0.0.0:8485"},
			wantErr: "unix socket or a loopback address",
		},
		{
			name:    "listen without port",
			cfg:     Config{Listen: "127.0.0.1"},
			wantErr: "listen:",
		},
		{
			name:    "bad log level",
			cfg:     Config{Serve: ServeConfig{LogLevel: "verbose"}},
			wantErr: "log_level must be",
		},
		{
			name:    "bad log format",
			cfg:     Config{Serve: ServeConfig{LogFormat: "xml"}},
			wantErr: "log_format must be",
		},
		{
			name:    "relative connections dir",
			cfg:     Config{Serve: ServeConfig{ConnectionsDir: "connections"}},
			wantErr: "connections_dir must be an absolute path",
		},
		{
			name:    "bad unmanaged name",
			cfg:     Config{Serve: ServeConfig{Unmanaged: []string{"eth0;reboot"}}},
			wantErr: "unmanaged:",
		},
		{
			name:    "negative timeout",
			cfg:     Config{Serve: ServeConfig{Timeouts: TimeoutConfig{Lease: Duration(-time.Second)}}},
			wantErr: "timeouts.lease must not be negative",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("Validate() = %q, want containing %q", err, tc.wantErr)
				}
			}
		})
	}
}

func TestIsUnixAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"/run/netctld/api.sock", true},
		{"@netctld", true},
		{"127.0.0.1:8485", false},
		{"localhost:1", false},
	}
	for _, tt := range tests {
		if got := IsUnixAddr(tt.addr); got != tt.want {
			t.Errorf("IsUnixAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
