package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/procutil"
	"github.com/nikicat/netctld/internal/validate"
)

// Settings understood by the OpenVPN backend. Either OVPNConfigFile or
// OVPNRemote is required.
const (
	OVPNConfigFile   = "config_file"
	OVPNRemote       = "remote"
	OVPNPort         = "port"
	OVPNProto        = "proto"
	OVPNDevType      = "dev_type"
	OVPNCA           = "ca"
	OVPNCert         = "cert"
	OVPNKey          = "key"
	OVPNTLSAuth      = "tls_auth"
	OVPNKeyDirection = "key_direction"
	OVPNCipher       = "cipher"
	OVPNAuth         = "auth"
	OVPNAuthUserPass = "auth_user_pass"
	OVPNVerbose      = "verbose"
)

// OpenVPN runs one daemonized openvpn per tunnel interface.
type OpenVPN struct {
	Runner backend.Runner
	Bin    string
	// RunDir holds <iface>.pid and <iface>.status.
	RunDir string
	// Alive reports whether the daemon recorded in pidFile is running.
	Alive func(pidFile string) (int32, bool)
}

// NewOpenVPN returns an OpenVPN backend with default program names.
func NewOpenVPN(r backend.Runner, runDir string) *OpenVPN {
	return &OpenVPN{
		Runner: r,
		Bin:    "openvpn",
		RunDir: runDir,
		Alive: func(pidFile string) (int32, bool) {
			return procutil.AliveFromPIDFile(pidFile, "openvpn")
		},
	}
}

func (o *OpenVPN) Name() string { return "openvpn" }

func (o *OpenVPN) pidPath(iface string) string    { return filepath.Join(o.RunDir, iface+".pid") }
func (o *OpenVPN) statusPath(iface string) string { return filepath.Join(o.RunDir, iface+".status") }

func (o *OpenVPN) Available(ctx context.Context) bool {
	_, err := o.Runner.Run(ctx, backend.Cmd(o.Bin, "--version"))
	return !errors.Is(err, backend.ErrNotInstalled)
}

func (o *OpenVPN) Validate(settings map[string]string) error {
	if settings[OVPNConfigFile] == "" && settings[OVPNRemote] == "" {
		return &validate.Error{Field: "vpn." + OVPNRemote, Reason: "either config_file or remote is required"}
	}
	if err := checkValues(settings); err != nil {
		return err
	}
	if p := settings[OVPNPort]; p != "" {
		if _, err := validate.Port(p); err != nil {
			return err
		}
	}
	switch settings[OVPNProto] {
	case "", "udp", "tcp", "udp4", "udp6", "tcp-client", "tcp4-client", "tcp6-client":
	default:
		return &validate.Error{Field: "vpn." + OVPNProto, Reason: fmt.Sprintf("unsupported protocol %q", settings[OVPNProto])}
	}
	switch settings[OVPNDevType] {
	case "", "tun", "tap":
	default:
		return &validate.Error{Field: "vpn." + OVPNDevType, Reason: "must be tun or tap"}
	}
	return nil
}

// Args builds the openvpn command line for iface, excluding the daemon and
// pid file options.
func Args(iface string, settings map[string]string) []string {
	var args []string
	opt := func(flag, setting string) {
		if v := settings[setting]; v != "" {
			args = append(args, flag, v)
		}
	}
	if settings[OVPNConfigFile] != "" {
		opt("--config", OVPNConfigFile)
	} else {
		opt("--remote", OVPNRemote)
		opt("--port", OVPNPort)
		opt("--proto", OVPNProto)
		opt("--ca", OVPNCA)
		opt("--cert", OVPNCert)
		opt("--key", OVPNKey)
		if settings[OVPNTLSAuth] != "" {
			args = append(args, "--tls-auth", settings[OVPNTLSAuth])
			if d := settings[OVPNKeyDirection]; d != "" {
				args = append(args, d)
			}
		}
		opt("--cipher", OVPNCipher)
		opt("--auth", OVPNAuth)
		opt("--auth-user-pass", OVPNAuthUserPass)
	}
	devType := settings[OVPNDevType]
	if devType == "" {
		devType = "tun"
	}
	args = append(args, "--dev", iface, "--dev-type", devType)
	args = append(args, "--client", "--nobind", "--persist-key", "--persist-tun")
	if v, _ := strconv.ParseBool(settings[OVPNVerbose]); v {
		args = append(args, "--verb", "3")
	}
	return args
}

func (o *OpenVPN) Activate(ctx context.Context, iface string, settings map[string]string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	if err := o.Validate(settings); err != nil {
		return err
	}
	if _, ok := o.Alive(o.pidPath(iface)); ok {
		return &backend.OpError{Op: "start openvpn", Interface: iface, Err: backend.ErrAlreadyRunning}
	}
	if err := os.MkdirAll(o.RunDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", o.RunDir, err)
	}
	args := Args(iface, settings)
	args = append(args,
		"--daemon", "openvpn-"+iface,
		"--writepid", o.pidPath(iface),
		"--status", o.statusPath(iface), "5",
	)
	if _, err := o.Runner.Run(ctx, backend.Cmd(o.Bin, args...)); err != nil {
		return &backend.OpError{Op: "start openvpn", Interface: iface, Err: err}
	}
	return nil
}

// Deactivate signals the daemon and removes its files. A daemon that is not
// running is not an error.
func (o *OpenVPN) Deactivate(_ context.Context, iface string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	defer os.Remove(o.statusPath(iface))
	defer os.Remove(o.pidPath(iface))

	pid, ok := o.Alive(o.pidPath(iface))
	if !ok {
		return nil
	}
	if err := unix.Kill(int(pid), unix.SIGTERM); err != nil && err != unix.ESRCH {
		return &backend.OpError{Op: "stop openvpn", Interface: iface, Err: err}
	}
	return nil
}

// Status reports liveness and the TUN/TAP counters from the status file.
func (o *OpenVPN) Status(_ context.Context, iface string) (Status, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return Status{}, err
	}
	if _, ok := o.Alive(o.pidPath(iface)); !ok {
		return Status{}, nil
	}
	st := Status{Up: true}
	f, err := os.Open(o.statusPath(iface))
	if err != nil {
		return st, nil
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ",")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			continue
		}
		switch k {
		case "TUN/TAP read bytes":
			st.RxBytes = n
		case "TUN/TAP write bytes":
			st.TxBytes = n
		}
	}
	return st, nil
}
