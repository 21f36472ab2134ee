// Package service manages the systemd system service for netctld.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nikicat/netctld/internal/config"
)

const (
	unitFileName   = "netctld.service"
	policyFileName = "netctld.conf"
)

const unitTemplate = `[Unit]
Description=netctld - NetworkManager-compatible connection manager
Documentation=https://github.com/nikicat/netctld
Wants=network.target
Before=network.target
After=dbus.service
Conflicts=NetworkManager.service

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5
WatchdogSec=30
RuntimeDirectory=netctld
StateDirectory=netctld
AmbientCapabilities=CAP_NET_ADMIN CAP_NET_RAW
CapabilityBoundingSet=CAP_NET_ADMIN CAP_NET_RAW CAP_NET_BIND_SERVICE CAP_DAC_OVERRIDE CAP_KILL
NoNewPrivileges=yes

[Install]
WantedBy=multi-user.target
Alias=dbus-org.freedesktop.NetworkManager.service
`

// busPolicy lets root own the NetworkManager name and every user call it.
// Per-method authorization happens in the daemon.
const busPolicy = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <policy user="root">
    <allow own="org.freedesktop.NetworkManager"/>
    <allow send_destination="org.freedesktop.NetworkManager"/>
  </policy>
  <policy context="default">
    <allow send_destination="org.freedesktop.NetworkManager"/>
  </policy>
</busconfig>
`

// Install locations. Replaced in tests.
var (
	unitDir   = "/etc/systemd/system"
	policyDir = "/etc/dbus-1/system.d"
)

// Options configures service installation.
type Options struct {
	// ConfigPath, if set, adds --config <path> to ExecStart. A default
	// config is written there unless the file exists.
	ConfigPath string
	// Start the service immediately after enabling.
	Start bool
}

// UnitPath returns the full path where the unit file is (or would be) installed.
func UnitPath() string {
	return filepath.Join(unitDir, unitFileName)
}

// PolicyPath returns the path of the D-Bus policy file.
func PolicyPath() string {
	return filepath.Join(policyDir, policyFileName)
}

// Install writes the systemd unit and the D-Bus policy, reloads systemd, and
// enables the service.
func Install(opts Options) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	execStart := self + " serve"
	if opts.ConfigPath != "" {
		execStart += " --config " + opts.ConfigPath
		if err := writeDefaultConfig(opts.ConfigPath); err != nil {
			return err
		}
	}

	if err := writeFile(UnitPath(), fmt.Sprintf(unitTemplate, execStart)); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("Wrote unit file: %s\n", UnitPath())

	if err := writeFile(PolicyPath(), busPolicy); err != nil {
		return fmt.Errorf("write D-Bus policy: %w", err)
	}
	fmt.Printf("Wrote D-Bus policy: %s\n", PolicyPath())

	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}

	if err := systemctlFunc("enable", unitFileName); err != nil {
		return err
	}
	fmt.Printf("Enabled %s\n", unitFileName)

	if opts.Start {
		if err := systemctlFunc("start", unitFileName); err != nil {
			return err
		}
		fmt.Printf("Started %s\n", unitFileName)
	}

	return nil
}

// writeDefaultConfig writes the effective defaults to path. An existing file
// is left alone.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Keeping existing config: %s\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	data, err := yaml.Marshal((&config.Config{}).WithDefaults())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeFile(path, string(data)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote config: %s\n", path)
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Uninstall stops and disables the service, removes the unit file and the
// D-Bus policy, and reloads systemd.
func Uninstall() error {
	// Stop first; it may not be running.
	_ = systemctlFunc("stop", unitFileName)

	if err := systemctlFunc("disable", unitFileName); err != nil {
		return err
	}
	fmt.Printf("Disabled %s\n", unitFileName)

	for _, p := range []string{UnitPath(), PolicyPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		fmt.Printf("Removed %s\n", p)
	}

	if err := systemctlFunc("daemon-reload"); err != nil {
		return err
	}

	return nil
}

// Status runs systemctl status for the service, printing output directly.
func Status() error {
	cmd := exec.Command("systemctl", "status", unitFileName)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// systemctl status exits non-zero when inactive.
	cmd.Run()
	return nil
}

// systemctlFunc is the function used to run systemctl commands.
// Replaced in tests to avoid requiring a real systemd.
var systemctlFunc = systemctlExec

func systemctlExec(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}
