package privilege

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nikicat/netctld/internal/network"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestVerifier(t *testing.T) (*Verifier, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewVerifier(t.TempDir(), c.now), c
}

func TestGrantVerifyExpiry(t *testing.T) {
	v, c := newTestVerifier(t)
	const d = 10 * time.Minute

	tok, err := v.Grant(0, d, nil)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !v.Verify(tok, 1000) {
		t.Fatal("token invalid right after issuance")
	}
	c.advance(d - time.Second)
	if !v.Verify(tok, 1000) {
		t.Fatal("token invalid before expiry")
	}
	c.advance(time.Second + time.Nanosecond)
	if v.Verify(tok, 1000) {
		t.Fatal("token valid at D+ε")
	}
}

func TestSecondGrantInvalidatesFirst(t *testing.T) {
	v, _ := newTestVerifier(t)
	first, err := v.Grant(0, time.Hour, nil)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	second, err := v.Grant(0, time.Hour, nil)
	if err != nil {
		t.Fatalf("second Grant: %v", err)
	}
	if v.Verify(first, 1000) {
		t.Error("first token still valid after second grant")
	}
	if !v.Verify(second, 1000) {
		t.Error("second token invalid")
	}
}

func TestAllowedUID(t *testing.T) {
	v, _ := newTestVerifier(t)
	uid := uint32(1000)
	tok, err := v.Grant(0, time.Hour, &uid)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !v.Verify(tok, 1000) {
		t.Error("allowed uid rejected")
	}
	if v.Verify(tok, 1001) {
		t.Error("other uid accepted")
	}
}

func TestTamperedToken(t *testing.T) {
	v, _ := newTestVerifier(t)
	uid := uint32(1000)
	tok, _ := v.Grant(0, time.Minute, &uid)

	longer := tok
	longer.ExpiresAt = tok.ExpiresAt.Add(24 * time.Hour)
	if v.Verify(longer, 1000) {
		t.Error("extended expiry accepted")
	}

	other := uint32(2000)
	widened := tok
	widened.AllowedUID = &other
	if v.Verify(widened, 2000) {
		t.Error("changed uid restriction accepted")
	}

	unrestricted := tok
	unrestricted.AllowedUID = nil
	if v.Verify(unrestricted, 2000) {
		t.Error("dropped uid restriction accepted")
	}
}

func TestGrantRequiresRoot(t *testing.T) {
	v, _ := newTestVerifier(t)
	if _, err := v.Grant(1000, time.Hour, nil); !errors.Is(err, network.ErrPermission) {
		t.Errorf("Grant by uid 1000 err = %v, want ErrPermission", err)
	}
	if err := v.Revoke(1000); !errors.Is(err, network.ErrPermission) {
		t.Errorf("Revoke by uid 1000 err = %v, want ErrPermission", err)
	}
	for _, d := range []time.Duration{0, -time.Minute, MaxDuration + time.Minute} {
		if _, err := v.Grant(0, d, nil); !errors.Is(err, network.ErrValidation) {
			t.Errorf("Grant(%s) err = %v, want ErrValidation", d, err)
		}
	}
}

func TestFilesAndStoredVerification(t *testing.T) {
	v, c := newTestVerifier(t)
	if v.VerifyStored(1000) {
		t.Fatal("VerifyStored true with no token")
	}
	if _, err := v.Load(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load with no token err = %v, want ErrNoToken", err)
	}

	if _, err := v.Grant(0, time.Hour, nil); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	key, err := os.Stat(filepath.Join(v.dir, keyFile))
	if err != nil {
		t.Fatalf("key file: %v", err)
	}
	if key.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %o, want 600", key.Mode().Perm())
	}
	tok, err := os.Stat(filepath.Join(v.dir, tokenFile))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if tok.Mode().Perm() != 0o644 {
		t.Errorf("token mode = %o, want 644", tok.Mode().Perm())
	}

	// A second verifier sharing the directory sees grants made by the first.
	other := NewVerifier(v.dir, c.now)
	if !other.VerifyStored(1000) {
		t.Error("VerifyStored false in another verifier")
	}
	if _, err := v.Grant(0, time.Hour, nil); err != nil {
		t.Fatalf("re-Grant: %v", err)
	}
	if !other.VerifyStored(1000) {
		t.Error("VerifyStored false after key rotation by another verifier")
	}

	if err := v.Revoke(0); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if other.VerifyStored(1000) {
		t.Error("VerifyStored true after revoke")
	}
	if err := v.Revoke(0); err != nil {
		t.Errorf("Revoke twice: %v", err)
	}
}

func TestRemaining(t *testing.T) {
	now := time.Now()
	tok := Token{ExpiresAt: now.Add(time.Minute)}
	if got := tok.Remaining(now); got != time.Minute {
		t.Errorf("Remaining = %s, want 1m", got)
	}
	if got := tok.Remaining(now.Add(time.Hour)); got != 0 {
		t.Errorf("Remaining after expiry = %s, want 0", got)
	}
}
