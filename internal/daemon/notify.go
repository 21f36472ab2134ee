package daemon

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// SdNotify sends newline-separated state assignments to systemd through
// NOTIFY_SOCKET. It does nothing outside systemd. Send failures are logged
// and otherwise ignored.
func SdNotify(states ...string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" || len(states) == 0 {
		return
	}
	// Abstract socket names are given with a leading '@'.
	if strings.HasPrefix(socket, "@") {
		socket = "\x00" + socket[1:]
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socket, Net: "unixgram"})
	if err != nil {
		slog.Warn("sd-notify dial failed", "socket", os.Getenv("NOTIFY_SOCKET"), "err", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		slog.Warn("sd-notify write failed", "err", err)
	}
}

// watchdogInterval returns how often to send WATCHDOG=1, or 0 when the
// service manager has not enabled the watchdog for this process.
func watchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// runWatchdog pings the service manager every interval until ctx is done.
func runWatchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			SdNotify("WATCHDOG=1")
		}
	}
}
