package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/sys/unix"

	"github.com/nikicat/netctld/internal/procutil"
)

type connContextKey struct{}

// connContext returns a ConnContext function for http.Server that stores
// the net.Conn in the request context. This allows handlers to retrieve
// the underlying connection (e.g., for Unix socket peer credentials).
func connContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, c)
}

// Peer identifies the process on the other end of a unix socket request.
type Peer struct {
	UID     uint32
	PID     uint32
	Process string
}

func (p Peer) String() string {
	return fmt.Sprintf("unix:uid=%d,pid=%d", p.UID, p.PID)
}

// Authorizer decides whether a non-root uid may change network state.
type Authorizer interface {
	VerifyStored(uid uint32) bool
}

// peerFromContext returns the credentials of a unix socket peer. ok is false
// for TCP connections.
func peerFromContext(ctx context.Context) (Peer, bool) {
	c, ok := ctx.Value(connContextKey{}).(net.Conn)
	if !ok || c == nil {
		return Peer{}, false
	}

	uc, ok := c.(*net.UnixConn)
	if !ok {
		return Peer{}, false
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return Peer{}, false
	}

	var cred *unix.Ucred
	var credErr error
	raw.Control(func(fd uintptr) { //nolint:errcheck
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if credErr != nil || cred == nil {
		return Peer{}, false
	}

	p := Peer{UID: cred.Uid, PID: uint32(cred.Pid)}
	p.Process, _ = procutil.ResolveInvoker(p.PID)
	return p, true
}

// guard admits a request with a valid cookie token. Without one, unix
// socket peers may read freely and may change state when they are root or
// hold a valid privilege token; TCP clients are rejected.
func guard(auth *Auth, privileges Authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := auth.check(r)
		if msg == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := peerFromContext(r.Context())
		if !ok {
			writeError(w, msg, http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodGet || p.UID == 0 || (privileges != nil && privileges.VerifyStored(p.UID)) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, "permission denied", http.StatusForbidden)
	})
}
