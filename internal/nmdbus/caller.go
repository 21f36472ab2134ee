package nmdbus

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/procutil"
)

// dbusClient abstracts bus daemon queries for testing.
type dbusClient interface {
	GetConnectionUnixProcessID(sender string) (uint32, error)
	GetConnectionUnixUser(sender string) (uint32, error)
}

// Authorizer decides whether a non-root uid may call privileged methods.
type Authorizer interface {
	VerifyStored(uid uint32) bool
}

// Caller identifies the peer behind a method call.
type Caller struct {
	Sender  string
	UID     uint32
	PID     uint32
	Process string
	// Known is false when the bus daemon could not tell the uid.
	Known bool
}

// callerResolver resolves D-Bus senders and gates privileged calls.
type callerResolver struct {
	client dbusClient
	auth   Authorizer
	logger *logging.Logger
}

// resolve retrieves what the bus daemon knows about sender. A failed PID
// lookup only loses the process name; a failed UID lookup leaves the caller
// unknown.
func (r *callerResolver) resolve(sender string) Caller {
	c := Caller{Sender: sender}

	uid, err := r.client.GetConnectionUnixUser(sender)
	if err != nil {
		slog.Warn("failed to get connection UID", "sender", sender, "error", err)
	} else {
		c.UID = uid
		c.Known = true
	}

	pid, err := r.client.GetConnectionUnixProcessID(sender)
	if err != nil {
		slog.Debug("failed to get connection PID", "sender", sender, "error", err)
	} else {
		c.PID = pid
		c.Process, _ = procutil.ResolveInvoker(pid)
	}
	return c
}

// authorize resolves the caller of msg and checks it may call method. uid 0
// is trusted; anyone else needs a valid privilege token. The returned logger
// carries the caller for auditing.
func (r *callerResolver) authorize(msg dbus.Message, method string) (*logging.Logger, *dbus.Error) {
	c := r.resolve(messageSender(msg))
	log := r.logger.WithCaller(c.Sender, c.UID, c.Process)
	switch {
	case !c.Known:
	case c.UID == 0:
		return log, nil
	case r.auth != nil && r.auth.VerifyStored(c.UID):
		return log, nil
	}
	log.LogDenied(context.Background(), method)
	return log, ErrPermissionDenied(method)
}

// realDBusClient implements dbusClient using a real D-Bus connection.
type realDBusClient struct {
	conn *dbus.Conn
}

func (c *realDBusClient) GetConnectionUnixProcessID(sender string) (uint32, error) {
	obj := c.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	call := obj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender)
	if call.Err != nil {
		return 0, call.Err
	}

	var pid uint32
	if err := call.Store(&pid); err != nil {
		return 0, err
	}

	return pid, nil
}

func (c *realDBusClient) GetConnectionUnixUser(sender string) (uint32, error) {
	obj := c.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	call := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender)
	if call.Err != nil {
		return 0, call.Err
	}

	var uid uint32
	if err := call.Store(&uid); err != nil {
		return 0, err
	}

	return uid, nil
}
