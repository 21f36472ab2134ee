package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// startServer runs a server until the test ends.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return server
}

func testConfig(t *testing.T, addr string) (Config, *fakeEngine) {
	t.Helper()
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	reg := testRegistry(t)
	eng := &fakeEngine{reg: reg}
	return Config{
		Addr:     addr,
		Registry: reg,
		Engine:   eng,
		Profiles: testProfiles,
		Auth:     auth,
	}, eng
}

func TestServer_Integration(t *testing.T) {
	cfg, eng := testConfig(t, "127.0.0.1:0")
	cfg.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "netctld_state 20\n")
	})
	server := startServer(t, cfg)

	baseURL := "http://" + server.Addr()
	client := &http.Client{Timeout: 5 * time.Second}

	do := func(method, path, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, baseURL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("no auth returns 401", func(t *testing.T) {
		if resp := do(http.MethodGet, "/api/v1/status", ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("valid auth works", func(t *testing.T) {
		resp := do(http.MethodGet, "/api/v1/status", cfg.Auth.Token())
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
		}
		var status StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !status.Running || status.Devices != 2 {
			t.Errorf("status = %+v, want running with 2 devices", status)
		}
	})

	t.Run("up and down", func(t *testing.T) {
		resp := do(http.MethodPost, "/api/v1/connections/Office/up", cfg.Auth.Token())
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("up: expected 200, got %d: %s", resp.StatusCode, body)
		}
		var up UpResponse
		if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if up.Active.Device != "eth0" {
			t.Errorf("device = %q, want eth0", up.Active.Device)
		}

		resp = do(http.MethodPost, "/api/v1/active/"+up.Active.ID+"/down", cfg.Auth.Token())
		if resp.StatusCode != http.StatusOK {
			t.Errorf("down: expected 200, got %d", resp.StatusCode)
		}
		if len(eng.downCalls) != 1 {
			t.Errorf("Deactivate calls = %v, want one", eng.downCalls)
		}
	})

	t.Run("unknown sub-route", func(t *testing.T) {
		if resp := do(http.MethodPost, "/api/v1/connections/Office/delete", cfg.Auth.Token()); resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("metrics need no auth", func(t *testing.T) {
		resp := do(http.MethodGet, "/metrics", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "netctld_state 20") {
			t.Errorf("metrics body = %q", body)
		}
	})
}

func TestServer_UnixSocketPeer(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "run", "api.sock")
	cfg, _ := testConfig(t, sock)
	startServer(t, cfg)

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o666 {
		t.Errorf("socket mode = %o, want 666", perm)
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}

	resp, err := client.Get("http://unix/api/v1/devices")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET without token: expected 200, got %d", resp.StatusCode)
	}

	resp, err = client.Post("http://unix/api/v1/connections/Office/up", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	want := http.StatusForbidden
	if os.Geteuid() == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		t.Errorf("POST without token: expected %d, got %d", want, resp.StatusCode)
	}
}

func TestServer_UnixSocketPrivilegedUser(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	cfg, _ := testConfig(t, sock)
	cfg.Privileges = allowUIDs{uint32(os.Getuid()): true}
	startServer(t, cfg)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}
	resp, err := client.Post("http://unix/api/v1/connections/Office/up", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_RemovesSocketOnShutdown(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "api.sock")
	// A stale file from a previous run must not prevent binding.
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, _ := testConfig(t, sock)
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	cancel()
	<-done

	if _, err := os.Stat(sock); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after shutdown: %v", err)
	}
}

func TestServer_CookieFilePath(t *testing.T) {
	tempDir := t.TempDir()
	auth, err := NewAuth(tempDir)
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}

	server, err := NewServer(Config{Addr: "127.0.0.1:0", Registry: registry.New(), Auth: auth})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer server.listener.Close()

	expected := filepath.Join(tempDir, ".cookie")
	if server.CookieFilePath() != expected {
		t.Errorf("expected %q, got %q", expected, server.CookieFilePath())
	}
}

func TestServer_ReadOnly(t *testing.T) {
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	reg := registry.New()
	reg.AddDevice(network.Device{Name: "lo", Kind: network.KindLoopback})
	server := startServer(t, Config{Addr: "127.0.0.1:0", Registry: reg, Auth: auth})

	req, _ := http.NewRequest(http.MethodPost, "http://"+server.Addr()+"/api/v1/connections/x/up", nil)
	req.Header.Set("Authorization", "Bearer "+auth.Token())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
