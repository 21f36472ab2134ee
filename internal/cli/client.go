// Package cli provides a client for the netctld API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nikicat/netctld/internal/network"
)

// Client communicates with the netctld API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client. serverAddr is a unix socket path
// (leading '/' or '@') or a TCP host:port. token may be empty when talking
// over a unix socket.
func NewClient(serverAddr, token string) *Client {
	c := &Client{
		baseURL: "http://" + serverAddr,
		token:   token,
		httpClient: &http.Client{
			// Activations block until the first stage settles.
			Timeout: 30 * time.Second,
		},
	}
	if strings.HasPrefix(serverAddr, "/") || strings.HasPrefix(serverAddr, "@") {
		c.baseURL = "http://unix"
		c.httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", serverAddr)
			},
		}
	}
	return c
}

// Status is the daemon summary.
type Status struct {
	Running           bool   `json:"running"`
	Version           string `json:"version,omitempty"`
	State             string `json:"state"`
	StateCode         uint32 `json:"state_code"`
	Connectivity      string `json:"connectivity"`
	Devices           int    `json:"devices"`
	ActiveConnections int    `json:"active_connections"`
	Connections       int    `json:"connections"`
}

// Active is an activation record with its failure reason.
type Active struct {
	network.ActiveConnection
	Reason string `json:"reason,omitempty"`
}

// DevicesResponse is the response from the devices endpoint.
type DevicesResponse struct {
	Devices []network.Device `json:"devices"`
}

// ConnectionsResponse is the response from the connections endpoint.
type ConnectionsResponse struct {
	Connections []network.Connection `json:"connections"`
}

// ActiveListResponse is the response from the active endpoint.
type ActiveListResponse struct {
	Active []Active `json:"active"`
}

// UpRequest is the body of an up request.
type UpRequest struct {
	Device  string `json:"device,omitempty"`
	Replace bool   `json:"replace,omitempty"`
}

// UpResponse is the response from the up endpoint.
type UpResponse struct {
	Active Active `json:"active"`
}

// ErrorResponse is an error response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status returns the daemon summary.
func (c *Client) Status() (*Status, error) {
	var result Status
	if err := c.getJSON("/api/v1/status", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Devices returns all known devices.
func (c *Client) Devices() ([]network.Device, error) {
	var result DevicesResponse
	if err := c.getJSON("/api/v1/devices", &result); err != nil {
		return nil, err
	}
	return result.Devices, nil
}

// Connections returns the stored connection profiles.
func (c *Client) Connections() ([]network.Connection, error) {
	var result ConnectionsResponse
	if err := c.getJSON("/api/v1/connections", &result); err != nil {
		return nil, err
	}
	return result.Connections, nil
}

// Active returns the activation records.
func (c *Client) Active() ([]Active, error) {
	var result ActiveListResponse
	if err := c.getJSON("/api/v1/active", &result); err != nil {
		return nil, err
	}
	return result.Active, nil
}

// Up activates the named connection. device may be empty to let the daemon
// pick one.
func (c *Client) Up(name, device string, replace bool) (*Active, error) {
	body, err := json.Marshal(UpRequest{Device: device, Replace: replace})
	if err != nil {
		return nil, err
	}
	resp, err := c.post("/api/v1/connections/"+url.PathEscape(name)+"/up", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var result UpResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result.Active, nil
}

// Down deactivates an activation, given by ID or by connection name. It
// returns the resolved activation ID.
func (c *Client) Down(target string) (string, error) {
	id, err := c.resolveID(target)
	if err != nil {
		return "", err
	}
	resp, err := c.post("/api/v1/active/"+id+"/down", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}
	return id, nil
}

// resolveID maps a target to a live activation: an exact ID first, then a
// connection name.
func (c *Client) resolveID(target string) (string, error) {
	list, err := c.Active()
	if err != nil {
		return "", err
	}

	var matches []string
	for _, a := range list {
		if a.Stage.Terminal() {
			continue
		}
		if a.ID == target {
			return target, nil
		}
		if a.ConnectionName == target {
			matches = append(matches, a.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no active connection matching: %s", target)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous name %q matches %d active connections", target, len(matches))
	}
}

func (c *Client) getJSON(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("request failed: %s", resp.Status)
}
