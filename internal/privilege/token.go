// Package privilege issues and verifies time-bounded privilege tokens that
// let a non-root user call privileged D-Bus methods.
//
// Every grant generates a fresh signing key, so no token outlives the next
// grant even if it was never revoked.
package privilege

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/network"
)

// DefaultDir is on a tmpfs so tokens do not survive a reboot.
const DefaultDir = "/run/netctl"

// MaxDuration caps the lifetime of a token.
const MaxDuration = 24 * time.Hour

const (
	keyFile   = "secret.key"
	tokenFile = "privilege-token"
	keySize   = 32
	nonceSize = 16
)

// ErrNotRoot is returned when a non-root caller tries to grant or revoke.
var ErrNotRoot = fmt.Errorf("only root may grant or revoke privileges: %w", network.ErrPermission)

// ErrNoToken is returned by Load when no token has been granted.
var ErrNoToken = errors.New("no privilege token")

// Token is a signed capability. It is world-readable; only the key is secret.
type Token struct {
	GrantedBy  uint32    `json:"granted_by_uid"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	AllowedUID *uint32   `json:"allowed_uid,omitempty"`
	Nonce      []byte    `json:"nonce"`
	Signature  []byte    `json:"signature"`
}

// Remaining returns how long the token stays valid at now.
func (t Token) Remaining(now time.Time) time.Duration {
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// payload is the byte string the signature covers. Times are encoded as Unix
// nanoseconds so that a JSON round trip does not change the signed value.
func (t Token) payload() []byte {
	b := make([]byte, 0, 4+8+8+1+4+len(t.Nonce))
	b = binary.LittleEndian.AppendUint32(b, t.GrantedBy)
	b = binary.LittleEndian.AppendUint64(b, uint64(t.CreatedAt.UnixNano()))
	b = binary.LittleEndian.AppendUint64(b, uint64(t.ExpiresAt.UnixNano()))
	if t.AllowedUID != nil {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint32(b, *t.AllowedUID)
	} else {
		b = append(b, 0)
	}
	return append(b, t.Nonce...)
}

func sign(key []byte, t Token) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(t.payload())
	return mac.Sum(nil)
}

// Verifier holds the current signing key. The key is written once per grant
// and read on every verification.
type Verifier struct {
	dir string
	now func() time.Time

	mu  sync.RWMutex
	key []byte
}

// NewVerifier returns a verifier keeping its files in dir. now may be nil.
func NewVerifier(dir string, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{dir: dir, now: now}
}

func (v *Verifier) keyPath() string   { return filepath.Join(v.dir, keyFile) }
func (v *Verifier) tokenPath() string { return filepath.Join(v.dir, tokenFile) }

// Grant issues a token valid for d, optionally restricted to allowedUID. Only
// uid 0 may grant. The previous key is replaced, invalidating every token
// issued before.
func (v *Verifier) Grant(callerUID uint32, d time.Duration, allowedUID *uint32) (Token, error) {
	if callerUID != 0 {
		return Token{}, ErrNotRoot
	}
	if d <= 0 || d > MaxDuration {
		return Token{}, fmt.Errorf("duration %s outside (0, %s]: %w", d, MaxDuration, network.ErrValidation)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return Token{}, fmt.Errorf("generate key: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, fmt.Errorf("generate nonce: %w", err)
	}
	now := v.now()
	t := Token{
		GrantedBy: callerUID,
		CreatedAt: now,
		ExpiresAt: now.Add(d),
		Nonce:     nonce,
	}
	if allowedUID != nil {
		uid := *allowedUID
		t.AllowedUID = &uid
	}
	t.Signature = sign(key, t)

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return Token{}, fmt.Errorf("encode token: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.MkdirAll(v.dir, 0o755); err != nil {
		return Token{}, fmt.Errorf("create %s: %w", v.dir, err)
	}
	if err := writeFile(v.keyPath(), key, 0o600); err != nil {
		return Token{}, err
	}
	if err := writeFile(v.tokenPath(), data, 0o644); err != nil {
		return Token{}, err
	}
	v.key = key
	return t, nil
}

// Verify checks expiry, the uid restriction, and the signature against the
// current key.
func (v *Verifier) Verify(t Token, callerUID uint32) bool {
	now := v.now()
	if !now.Before(t.ExpiresAt) || now.Before(t.CreatedAt) {
		return false
	}
	if t.AllowedUID != nil && *t.AllowedUID != callerUID {
		return false
	}
	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if len(key) == 0 {
		return false
	}
	return hmac.Equal(sign(key, t), t.Signature)
}

// VerifyStored reloads the key and token from disk and verifies the token for
// callerUID. Another process (the grant command) may have rotated the key.
func (v *Verifier) VerifyStored(callerUID uint32) bool {
	t, err := v.Load()
	if err != nil {
		return false
	}
	return v.Verify(*t, callerUID)
}

// Load reads the key into memory and returns the stored token.
func (v *Verifier) Load() (*Token, error) {
	key, err := os.ReadFile(v.keyPath())
	if errors.Is(err, os.ErrNotExist) {
		v.mu.Lock()
		v.key = nil
		v.mu.Unlock()
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key %s has %d bytes, want %d", v.keyPath(), len(key), keySize)
	}
	v.mu.Lock()
	v.key = key
	v.mu.Unlock()

	data, err := os.ReadFile(v.tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &t, nil
}

// Revoke deletes the key and the token. Only uid 0 may revoke.
func (v *Verifier) Revoke(callerUID uint32) error {
	if callerUID != 0 {
		return ErrNotRoot
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = nil
	for _, p := range []string{v.tokenPath(), v.keyPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("revoke: %w", err)
		}
	}
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
