// Package api provides the local HTTP status and control API.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieFileName = ".cookie"
	cookieSize     = 32 // 32 bytes = 256 bits
)

// Auth handles cookie-based authentication for the API.
type Auth struct {
	token    string
	filePath string
}

// NewAuth creates a new Auth, generating a random cookie and writing it to the state directory.
// The cookie file is created with mode 0600.
func NewAuth(stateDir string) (*Auth, error) {
	tokenBytes := make([]byte, cookieSize)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, err
	}

	filePath := filepath.Join(stateDir, cookieFileName)
	if err := os.WriteFile(filePath, []byte(token), 0600); err != nil {
		return nil, err
	}

	return &Auth{
		token:    token,
		filePath: filePath,
	}, nil
}

// LoadAuth loads an existing Auth from the cookie file.
// Returns an error if the cookie file doesn't exist or is invalid.
func LoadAuth(stateDir string) (*Auth, error) {
	filePath := filepath.Join(stateDir, cookieFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("empty cookie file")
	}

	return &Auth{
		token:    token,
		filePath: filePath,
	}, nil
}

// check validates the Bearer token of r. It returns "" on success and the
// rejection message otherwise.
func (a *Auth) check(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "unauthorized"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "invalid Authorization header format"
	}

	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(a.token)) != 1 {
		return "invalid token"
	}
	return ""
}

// Middleware returns an HTTP middleware that requires a valid Bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg := a.check(r); msg != "" {
			writeError(w, msg, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Token returns the current auth token.
func (a *Auth) Token() string {
	return a.token
}

// FilePath returns the path to the cookie file.
func (a *Auth) FilePath() string {
	return a.filePath
}
