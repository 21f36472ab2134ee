package backend

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nikicat/netctld/internal/validate"
)

const resolvHeader = "# Generated by netctld. Manual changes will be overwritten.\n"

// DNSWriter keeps one nameserver fragment per interface and merges the
// fragments into resolv.conf. The resolv.conf found before the first write is
// backed up and restored when the last fragment is cleared.
type DNSWriter struct {
	Dir        string
	ResolvConf string

	mu sync.Mutex
}

// NewDNSWriter returns a writer keeping fragments in dir.
func NewDNSWriter(dir, resolvConf string) *DNSWriter {
	if resolvConf == "" {
		resolvConf = "/etc/resolv.conf"
	}
	return &DNSWriter{Dir: dir, ResolvConf: resolvConf}
}

func (w *DNSWriter) backupPath() string {
	return w.ResolvConf + ".netctld-backup"
}

// Set records servers for iface and rewrites resolv.conf.
func (w *DNSWriter) Set(iface string, servers []netip.Addr) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create dns fragment dir: %w", err)
	}
	var b strings.Builder
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if err := os.WriteFile(filepath.Join(w.Dir, iface+".conf"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write dns fragment: %w", err)
	}
	return w.merge()
}

// Clear drops the fragment for iface and rewrites resolv.conf.
func (w *DNSWriter) Clear(iface string) error {
	if err := validate.InterfaceName(iface); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	err := os.Remove(filepath.Join(w.Dir, iface+".conf"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dns fragment: %w", err)
	}
	if os.IsNotExist(err) {
		return nil
	}
	return w.merge()
}

func (w *DNSWriter) merge() error {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return fmt.Errorf("read dns fragments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".conf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return w.restore()
	}

	if err := w.backup(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	var b bytes.Buffer
	b.WriteString(resolvHeader)
	for _, n := range names {
		data, err := os.ReadFile(filepath.Join(w.Dir, n))
		if err != nil {
			return fmt.Errorf("read dns fragment: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return writeFileAtomic(w.ResolvConf, b.Bytes(), 0o644)
}

func (w *DNSWriter) backup() error {
	if _, err := os.Stat(w.backupPath()); err == nil {
		return nil
	}
	data, err := os.ReadFile(w.ResolvConf)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read resolv.conf: %w", err)
	}
	if bytes.HasPrefix(data, []byte(resolvHeader)) {
		return nil
	}
	if err := os.WriteFile(w.backupPath(), data, 0o644); err != nil {
		return fmt.Errorf("backup resolv.conf: %w", err)
	}
	return nil
}

func (w *DNSWriter) restore() error {
	data, err := os.ReadFile(w.backupPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read resolv.conf backup: %w", err)
	}
	if err := writeFileAtomic(w.ResolvConf, data, 0o644); err != nil {
		return err
	}
	return os.Remove(w.backupPath())
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
