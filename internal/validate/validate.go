// Package validate checks externally supplied strings before they reach a
// command line, a generated config file, or a file path.
package validate

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// ErrInvalid is matched by every error returned from this package.
var ErrInvalid = errors.New("invalid input")

// Error describes which field failed and why.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalid.
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const (
	maxInterfaceName = 15
	maxSSID          = 32
	maxConfigValue   = 255
	maxErrorMessage  = 500
	maxHostname      = 253
	maxConnName      = 255
	minMTU           = 68
	maxMTU           = 9000
)

// InterfaceName accepts kernel interface names: 1-15 characters of
// letters, digits, '-', '_' and '.', not starting with '-' or '.'.
func InterfaceName(name string) error {
	if name == "" {
		return invalid("interface name", "empty")
	}
	if len(name) > maxInterfaceName {
		return invalid("interface name", "%q longer than %d characters", name, maxInterfaceName)
	}
	if name[0] == '-' || name[0] == '.' {
		return invalid("interface name", "%q starts with %q", name, name[0])
	}
	for _, r := range name {
		if !isASCIIAlnum(r) && r != '-' && r != '_' && r != '.' {
			return invalid("interface name", "%q contains %q", name, r)
		}
	}
	return nil
}

// SSID accepts 1-32 bytes without control characters.
func SSID(ssid string) error {
	if ssid == "" {
		return invalid("ssid", "empty")
	}
	if len(ssid) > maxSSID {
		return invalid("ssid", "longer than %d bytes", maxSSID)
	}
	if hasControl(ssid) {
		return invalid("ssid", "contains control characters")
	}
	return nil
}

// PSK accepts a WPA passphrase of 8-63 printable ASCII characters or a raw
// 64-digit hex key.
func PSK(psk string) error {
	if len(psk) == 64 && isHex(psk) {
		return nil
	}
	if len(psk) < 8 || len(psk) > 63 {
		return invalid("psk", "must be 8-63 characters")
	}
	for _, r := range psk {
		if r < 0x20 || r > 0x7e {
			return invalid("psk", "must be printable ASCII")
		}
	}
	return nil
}

// IPAddress accepts a bare IPv4 or IPv6 address.
func IPAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, invalid("ip address", "%q is not an address", s)
	}
	if addr.Zone() != "" {
		return netip.Addr{}, invalid("ip address", "%q has a zone", s)
	}
	return addr, nil
}

// Prefix accepts an address in CIDR notation, e.g. 192.168.1.10/24.
func Prefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, invalid("address", "%q is not in CIDR notation", s)
	}
	return p, nil
}

// MAC accepts XX:XX:XX:XX:XX:XX hex notation.
func MAC(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return invalid("mac address", "%q must have 6 octets", s)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p) {
			return invalid("mac address", "%q has a malformed octet", s)
		}
	}
	return nil
}

// MTU accepts values in [68, 9000].
func MTU(mtu int) error {
	if mtu < minMTU || mtu > maxMTU {
		return invalid("mtu", "%d outside %d-%d", mtu, minMTU, maxMTU)
	}
	return nil
}

// ConfigValue accepts a string that is safe to place into a generated
// line-oriented config file.
func ConfigValue(field, s string) error {
	if len(s) > maxConfigValue {
		return invalid(field, "longer than %d characters", maxConfigValue)
	}
	if hasControl(s) {
		return invalid(field, "contains control characters")
	}
	if strings.ContainsAny(s, "\"\\") {
		return invalid(field, "contains quote or backslash")
	}
	return nil
}

// ConnectionName accepts a human-readable profile name that can also be used
// as a file name.
func ConnectionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("connection name", "empty")
	}
	if len(name) > maxConnName {
		return invalid("connection name", "longer than %d characters", maxConnName)
	}
	if hasControl(name) {
		return invalid("connection name", "contains control characters")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return invalid("connection name", "%q is not a valid file name", name)
	}
	return nil
}

// Hostname accepts RFC 1123 host names.
func Hostname(name string) error {
	if name == "" || len(name) > maxHostname {
		return invalid("hostname", "length must be 1-%d", maxHostname)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return invalid("hostname", "label %q has invalid length", label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return invalid("hostname", "label %q starts or ends with '-'", label)
		}
		for _, r := range label {
			if !isASCIIAlnum(r) && r != '-' {
				return invalid("hostname", "label %q contains %q", label, r)
			}
		}
	}
	return nil
}

// Path resolves p and requires that it stays inside base once symlinks are
// resolved. It returns the cleaned absolute path.
func Path(p, base string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", invalid("path", "contains NUL")
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", invalid("path", "base %q: %v", base, err)
	}
	if realBase, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = realBase
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(absBase, p)
	}
	clean := filepath.Clean(p)
	// Only the parent must exist; the leaf may be about to be created.
	dir, leaf := filepath.Split(clean)
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", invalid("path", "%q: %v", p, err)
	}
	resolved := filepath.Join(realDir, leaf)
	if fi, err := os.Lstat(resolved); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return "", invalid("path", "%q is a symlink", p)
	}
	rel, err := filepath.Rel(absBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalid("path", "%q escapes %q", p, base)
	}
	return resolved, nil
}

// SanitizeErrorMessage strips control characters from s and truncates it so
// that subprocess output can be embedded in errors and logs.
func SanitizeErrorMessage(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if len(s) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

// Port accepts a TCP/UDP port number given as a string.
func Port(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, invalid("port", "%q is not a port number", s)
	}
	return uint16(n), nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

func isASCIIAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
