package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// busPolicy mirrors the system bus default-deny policy and lets the current
// user own and call one name.
//
// The full default policy block must be present: without the receive_type
// allows, method_return replies to the bus are rejected.
//
// Args: sockPath, uid, name, name
const busPolicy = `<?xml version="1.0"?>
<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <listen>unix:path=%s</listen>
  <policy context="default">
    <allow user="*"/>
    <deny own="*"/>
    <deny send_type="method_call"/>
    <allow send_type="signal"/>
    <allow send_requested_reply="true" send_type="method_return"/>
    <allow send_requested_reply="true" send_type="error"/>
    <allow receive_type="method_call"/>
    <allow receive_type="method_return"/>
    <allow receive_type="error"/>
    <allow receive_type="signal"/>
    <allow send_destination="org.freedesktop.DBus"/>
  </policy>
  <policy user="%s">
    <allow own="%s"/>
    <allow send_destination="%s"/>
  </policy>
</busconfig>`

// StartBus starts a private dbus-daemon on a filesystem socket and returns
// its address. The test is skipped when dbus-daemon is not installed.
func StartBus(t *testing.T, name string) string {
	t.Helper()
	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	tmpDir := t.TempDir()
	sockPath := filepath.Join(tmpDir, "bus.sock")
	confPath := filepath.Join(tmpDir, "policy.conf")
	conf := fmt.Sprintf(busPolicy, sockPath, fmt.Sprint(os.Getuid()), name, name)
	if err := os.WriteFile(confPath, []byte(conf), 0o600); err != nil {
		t.Fatalf("write policy config: %v", err)
	}

	cmd := exec.Command("dbus-daemon", "--config-file="+confPath, "--nofork")
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	for range 50 {
		if _, err := os.Stat(sockPath); err == nil {
			return "unix:path=" + sockPath
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

// WaitForName polls until name has an owner on the bus at addr.
func WaitForName(t *testing.T, addr, name string) {
	t.Helper()
	for range 50 {
		conn, err := dbus.Connect(addr)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		var owned bool
		err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&owned)
		conn.Close()
		if err == nil && owned {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("bus name %q not registered in time", name)
}
