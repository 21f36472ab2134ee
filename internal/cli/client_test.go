package cli

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nikicat/netctld/internal/network"
)

func TestClient_Devices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devices" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or invalid auth header")
		}
		w.Write([]byte(`{"devices":[{"name":"eth0","type":"ethernet","state":"activated","managed":true}]}`))
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "test-token")
	result, err := client.Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}

	if len(result) != 1 {
		t.Fatalf("expected 1 device, got %d", len(result))
	}
	if result[0].Name != "eth0" || result[0].State != network.DeviceActivated {
		t.Errorf("unexpected device: %+v", result[0])
	}
}

func TestClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{Running: true, State: "connected-global", StateCode: 70, Devices: 3})
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "test-token")
	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.StateCode != 70 || status.Devices != 3 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestClient_Up(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/v1/connections/Home Wifi/up" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body UpRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Device != "wlan0" || !body.Replace {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Write([]byte(`{"active":{"id":"4","connection_name":"Home Wifi","device":"wlan0","stage":"failed","reason":"wifi error"}}`))
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "test-token")
	a, err := client.Up("Home Wifi", "wlan0", true)
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if a.ID != "4" || a.Stage != network.StageFailed || a.Reason != "wifi error" {
		t.Errorf("unexpected activation: %+v", a)
	}
}

func TestClient_Down(t *testing.T) {
	var downPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/active":
			w.Write([]byte(`{"active":[
				{"id":"1","connection_name":"Office","stage":"failed"},
				{"id":"2","connection_name":"Office","stage":"activated"},
				{"id":"3","connection_name":"VPN","stage":"vpn-connecting"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/down"):
			downPath = r.URL.Path
			w.Write([]byte(`{"status":"deactivated"}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "test-token")

	tests := []struct {
		target  string
		wantID  string
		wantErr bool
	}{
		{"3", "3", false},
		{"Office", "2", false},
		{"1", "", true}, // terminal
		{"Missing", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			downPath = ""
			id, err := client.Down(tt.target)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Down(%q) succeeded, want error", tt.target)
				}
				return
			}
			if err != nil {
				t.Fatalf("Down failed: %v", err)
			}
			if id != tt.wantID || downPath != "/api/v1/active/"+tt.wantID+"/down" {
				t.Errorf("Down(%q) = %s via %s, want %s", tt.target, id, downPath, tt.wantID)
			}
		})
	}
}

func TestClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"activation already in progress for device"}`))
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "test-token")
	_, err := client.Up("Office", "", false)
	if err == nil || err.Error() != "activation already in progress for device" {
		t.Errorf("expected API error message, got %v", err)
	}
}

func TestClient_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(strings.TrimPrefix(server.URL, "http://"), "")
	_, err := client.Connections()
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestClient_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("unexpected auth header %q", h)
		}
		w.Write([]byte(`{"connections":[{"uuid":"u1","name":"Office","type":"ethernet"}]}`))
	}))
	server.Listener.Close()
	server.Listener = l
	server.Start()
	defer server.Close()

	client := NewClient(sock, "")
	conns, err := client.Connections()
	if err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
	if len(conns) != 1 || conns[0].Name != "Office" {
		t.Errorf("unexpected connections: %+v", conns)
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), "")
	_, err := client.Status()
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("expected a dial error, got %v", err)
	}
}
