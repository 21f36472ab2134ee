package api

import (
	"github.com/nikicat/netctld/internal/network"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running           bool   `json:"running"`
	Version           string `json:"version,omitempty"`
	State             string `json:"state"`
	StateCode         uint32 `json:"state_code"`
	Connectivity      string `json:"connectivity"`
	Devices           int    `json:"devices"`
	ActiveConnections int    `json:"active_connections"`
	Connections       int    `json:"connections"`
}

// DevicesResponse is returned by GET /api/v1/devices.
type DevicesResponse struct {
	Devices []network.Device `json:"devices"`
}

// ActiveConnection is an activation record with its failure cause spelled out.
type ActiveConnection struct {
	network.ActiveConnection
	Reason string `json:"reason,omitempty"`
}

// ActiveListResponse is returned by GET /api/v1/active.
type ActiveListResponse struct {
	Active []ActiveConnection `json:"active"`
}

// ConnectionsResponse is returned by GET /api/v1/connections. Secrets are
// never included.
type ConnectionsResponse struct {
	Connections []network.Connection `json:"connections"`
}

// UpRequest is the optional body of POST /api/v1/connections/{name}/up.
type UpRequest struct {
	Device  string `json:"device,omitempty"`
	Replace bool   `json:"replace,omitempty"`
}

// UpResponse is returned by POST /api/v1/connections/{name}/up.
type UpResponse struct {
	Active ActiveConnection `json:"active"`
}

// ActionResponse is returned by POST /api/v1/active/{id}/down.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toActive(a network.ActiveConnection) ActiveConnection {
	return ActiveConnection{ActiveConnection: a, Reason: a.Reason()}
}

var globalStateNames = map[network.GlobalState]string{
	network.GlobalUnknown:         "unknown",
	network.GlobalAsleep:          "asleep",
	network.GlobalDisconnected:    "disconnected",
	network.GlobalDisconnecting:   "disconnecting",
	network.GlobalConnecting:      "connecting",
	network.GlobalConnectedLocal:  "connected-local",
	network.GlobalConnectedSite:   "connected-site",
	network.GlobalConnectedGlobal: "connected-global",
}

var connectivityNames = map[network.Connectivity]string{
	network.ConnectivityUnknown: "unknown",
	network.ConnectivityNone:    "none",
	network.ConnectivityPortal:  "portal",
	network.ConnectivityLimited: "limited",
	network.ConnectivityFull:    "full",
}
