package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/registry"
)

// Config holds configuration for the API server.
type Config struct {
	// Addr is a unix socket path (leading '/' or '@') or a TCP address.
	Addr       string
	Registry   *registry.Registry
	Engine     Engine
	Profiles   Profiles
	Auth       *Auth
	Privileges Authorizer
	Audit      *logging.Logger
	// Metrics, if set, is served at /metrics without authentication.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	auth       *Auth
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
	socketPath string
}

// NewServer creates the API server and binds its listener.
func NewServer(cfg Config) (*Server, error) {
	handlers := NewHandlers(cfg.Registry, cfg.Engine, cfg.Profiles, cfg.Audit)
	wsHandler := NewWSHandler(cfg.Registry)

	rootMux := http.NewServeMux()

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/v1/status", handlers.HandleStatus)
	apiMux.HandleFunc("/api/v1/devices", handlers.HandleDevices)
	apiMux.HandleFunc("/api/v1/active", handlers.HandleActiveList)
	apiMux.HandleFunc("/api/v1/connections", handlers.HandleConnections)
	apiMux.HandleFunc("/api/v1/ws", wsHandler.HandleWS)

	// Routes with path parameters need pattern matching
	apiMux.HandleFunc("/api/v1/connections/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/up") {
			handlers.HandleUp(w, r)
			return
		}
		writeError(w, "not found", http.StatusNotFound)
	})
	apiMux.HandleFunc("/api/v1/active/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/down") {
			handlers.HandleDown(w, r)
			return
		}
		writeError(w, "not found", http.StatusNotFound)
	})

	rootMux.Handle("/api/", guard(cfg.Auth, cfg.Privileges, apiMux))
	if cfg.Metrics != nil {
		rootMux.Handle("/metrics", cfg.Metrics)
	}

	// Create listener first to catch address-in-use errors early
	listener, socketPath, err := listen(cfg.Addr)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Handler:           rootMux,
		ConnContext:       connContext,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		auth:       cfg.Auth,
		handlers:   handlers,
		wsHandler:  wsHandler,
		listener:   listener,
		socketPath: socketPath,
	}, nil
}

// listen binds addr. A stale socket file left by a previous run is removed
// first; the socket is world-accessible so that any local user can read
// state.
func listen(addr string) (net.Listener, string, error) {
	if !strings.HasPrefix(addr, "/") && !strings.HasPrefix(addr, "@") {
		l, err := net.Listen("tcp", addr)
		return l, "", err
	}
	if strings.HasPrefix(addr, "/") {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, "", fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("remove stale socket: %w", err)
		}
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, "", err
	}
	if strings.HasPrefix(addr, "/") {
		if err := os.Chmod(addr, 0o666); err != nil {
			l.Close()
			return nil, "", fmt.Errorf("chmod socket: %w", err)
		}
		return l, addr, nil
	}
	return l, "", nil
}

// Run serves until ctx is done, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()
	go func() { errc <- s.wsHandler.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
			s.shutdown()
			return err
		}
	}
	s.shutdown()
	return ctx.Err()
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.wsHandler.closeAll()
	s.httpServer.Shutdown(shutdownCtx)
	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// CookieFilePath returns the path to the authentication cookie file.
func (s *Server) CookieFilePath() string {
	return s.auth.FilePath()
}

// WSHandler returns the WebSocket handler.
func (s *Server) WSHandler() *WSHandler {
	return s.wsHandler
}
