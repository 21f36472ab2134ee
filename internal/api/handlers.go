package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nikicat/netctld/internal/engine"
	"github.com/nikicat/netctld/internal/logging"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// DefaultCallTimeout bounds how long up and down requests block.
const DefaultCallTimeout = 25 * time.Second

// Engine starts and stops activations.
type Engine interface {
	Activate(ctx context.Context, conn network.Connection, device string, opts engine.ActivateOptions) (network.ActiveConnection, error)
	Deactivate(ctx context.Context, id string) error
}

// Profiles is the read side of the connection store.
type Profiles interface {
	List() []network.Connection
	GetByName(name string) (network.Connection, error)
}

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	reg         *registry.Registry
	engine      Engine
	profiles    Profiles
	audit       *logging.Logger
	callTimeout time.Duration
}

// NewHandlers creates new API handlers. engine may be nil for a read-only API.
func NewHandlers(reg *registry.Registry, eng Engine, profiles Profiles, audit *logging.Logger) *Handlers {
	if audit == nil {
		audit = logging.Wrap(slog.Default())
	}
	return &Handlers{
		reg:         reg,
		engine:      eng,
		profiles:    profiles,
		audit:       audit.WithEvent("api_call"),
		callTimeout: DefaultCallTimeout,
	}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	global, conn := h.reg.State()
	active := 0
	for _, a := range h.reg.ActiveConnections() {
		if !a.Stage.Terminal() {
			active++
		}
	}
	resp := StatusResponse{
		Running:           true,
		Version:           BuildVersion,
		State:             globalStateNames[global],
		StateCode:         uint32(global),
		Connectivity:      connectivityNames[conn],
		Devices:           len(h.reg.Devices()),
		ActiveConnections: active,
	}
	if h.profiles != nil {
		resp.Connections = len(h.profiles.List())
	}

	writeJSON(w, resp)
}

// HandleDevices handles GET /api/v1/devices.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, DevicesResponse{Devices: h.reg.Devices()})
}

// HandleActiveList handles GET /api/v1/active.
func (h *Handlers) HandleActiveList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list := h.reg.ActiveConnections()
	resp := ActiveListResponse{Active: make([]ActiveConnection, len(list))}
	for i, a := range list {
		resp.Active[i] = toActive(a)
	}
	writeJSON(w, resp)
}

// HandleConnections handles GET /api/v1/connections.
func (h *Handlers) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := ConnectionsResponse{Connections: []network.Connection{}}
	if h.profiles != nil {
		resp.Connections = h.profiles.List()
	}
	writeJSON(w, resp)
}

// HandleUp handles POST /api/v1/connections/{name}/up.
func (h *Handlers) HandleUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := extractPathParam(r.URL.Path, "/api/v1/connections/", "/up")
	if name == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}
	if h.engine == nil || h.profiles == nil {
		writeError(w, "activation not available", http.StatusServiceUnavailable)
		return
	}

	var body UpRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	log := h.callerLog(r)
	conn, err := h.profiles.GetByName(name)
	if err != nil {
		log.LogActivate(r.Context(), name, body.Device, "", "error", err)
		writeError(w, err.Error(), statusFor(err))
		return
	}
	device := body.Device
	if device == "" {
		if device, err = h.reg.DeviceFor(conn); err != nil {
			log.LogActivate(r.Context(), name, "", "", "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()
	a, err := h.engine.Activate(ctx, conn, device, engine.ActivateOptions{Replace: body.Replace})
	var se *network.StageError
	if err != nil && (a.ID == "" || !errors.As(err, &se)) {
		log.LogActivate(r.Context(), name, device, a.ID, "error", err)
		writeError(w, err.Error(), statusFor(err))
		return
	}
	log.LogActivate(r.Context(), name, device, a.ID, a.Stage.String(), err)
	writeJSON(w, UpResponse{Active: toActive(a)})
}

// HandleDown handles POST /api/v1/active/{id}/down.
func (h *Handlers) HandleDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := extractPathParam(r.URL.Path, "/api/v1/active/", "/down")
	if id == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}
	if h.engine == nil {
		writeError(w, "activation not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.callTimeout)
	defer cancel()
	err := h.engine.Deactivate(ctx, id)
	h.callerLog(r).LogDeactivate(r.Context(), "DeactivateConnection", id, result(err), err)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, ActionResponse{Status: "deactivated"})
}

func (h *Handlers) callerLog(r *http.Request) *logging.Logger {
	if p, ok := peerFromContext(r.Context()); ok {
		return h.audit.WithCaller(p.String(), p.UID, p.Process)
	}
	return h.audit.WithCaller(r.RemoteAddr, 0, "")
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, network.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, network.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, network.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, network.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, network.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, network.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// extractPathParam extracts the segment from a path like /api/v1/active/{id}/down.
func extractPathParam(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	if len(path) < len(prefix)+len(suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	// Basic validation - should be non-empty and not contain slashes
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
