// Package store persists connection profiles as TOML files, one per profile,
// and hands out clones to everyone else.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// DefaultDir is where profiles live.
const DefaultDir = "/etc/netctl/connections"

// ErrExists is returned when adding a profile whose name or uuid is taken.
var ErrExists = errors.New("connection already exists")

// EventType says what happened to a profile.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
)

// Event is delivered to observers after the store changed.
type Event struct {
	Type       EventType
	Connection network.Connection
}

// Observer receives profile events.
type Observer interface {
	OnProfileEvent(Event)
}

type entry struct {
	conn network.Connection
	path string
}

// Store holds the profiles found in one directory.
type Store struct {
	dir string
	log *slog.Logger

	mu   sync.RWMutex
	byID map[string]*entry

	observersMu sync.RWMutex
	observers   []Observer
}

// Open loads every profile in dir, creating the directory if needed.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create connections directory: %w", err)
	}
	s := &Store{dir: dir, log: logger, byID: make(map[string]*entry)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the profile directory.
func (s *Store) Dir() string {
	return s.dir
}

// Reload re-reads the directory. Files that fail to parse or validate are
// logged and skipped. Observers are told about every difference.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read connections directory: %w", err)
	}
	loaded := make(map[string]*entry)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		c, err := s.load(path)
		if err != nil {
			s.log.Warn("skipping connection profile", "path", path, "error", err)
			continue
		}
		if prev, dup := loaded[c.ID]; dup {
			s.log.Warn("skipping connection profile with duplicate uuid", "path", path, "uuid", c.ID, "other", prev.path)
			continue
		}
		loaded[c.ID] = &entry{conn: c, path: path}
	}

	var events []Event
	s.mu.Lock()
	for id, old := range s.byID {
		if _, ok := loaded[id]; !ok {
			events = append(events, Event{Type: EventRemoved, Connection: old.conn.Clone()})
		}
	}
	for id, nu := range loaded {
		old, ok := s.byID[id]
		switch {
		case !ok:
			events = append(events, Event{Type: EventAdded, Connection: nu.conn.Clone()})
		case !reflect.DeepEqual(old.conn, nu.conn):
			events = append(events, Event{Type: EventUpdated, Connection: nu.conn.Clone()})
		}
	}
	s.byID = loaded
	s.mu.Unlock()

	slices.SortFunc(events, func(a, b Event) int { return cmp.Compare(a.Connection.Name, b.Connection.Name) })
	for _, ev := range events {
		s.notify(ev)
	}
	s.log.Debug("connection profiles loaded", "count", len(loaded), "changes", len(events))
	return nil
}

func (s *Store) load(path string) (network.Connection, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return network.Connection{}, err
	}
	if !fi.Mode().IsRegular() {
		return network.Connection{}, &validate.Error{Field: "path", Reason: path + " is not a regular file"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return network.Connection{}, err
	}
	c, err := Decode(data)
	if err != nil {
		return network.Connection{}, err
	}
	if c.ID == "" {
		return network.Connection{}, &validate.Error{Field: "uuid", Reason: "missing"}
	}
	if err := c.Validate(); err != nil {
		return network.Connection{}, err
	}
	return c, nil
}

// List returns clones of every profile sorted by name.
func (s *Store) List() []network.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]network.Connection, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.conn.Clone())
	}
	slices.SortFunc(out, func(a, b network.Connection) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Get returns the profile with the given uuid.
func (s *Store) Get(id string) (network.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return network.Connection{}, fmt.Errorf("connection %s: %w", id, network.ErrNotFound)
	}
	return e.conn.Clone(), nil
}

// GetByName returns the profile with the given name.
func (s *Store) GetByName(name string) (network.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.byID {
		if e.conn.Name == name {
			return e.conn.Clone(), nil
		}
	}
	return network.Connection{}, fmt.Errorf("connection %q: %w", name, network.ErrNotFound)
}

// Add validates c, assigns a uuid if it has none, and persists it.
func (s *Store) Add(c network.Connection) (network.Connection, error) {
	c = c.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return network.Connection{}, err
	}

	s.mu.Lock()
	if _, ok := s.byID[c.ID]; ok {
		s.mu.Unlock()
		return network.Connection{}, fmt.Errorf("connection %s: %w", c.ID, ErrExists)
	}
	if s.nameTaken(c.Name, "") {
		s.mu.Unlock()
		return network.Connection{}, fmt.Errorf("connection %q: %w", c.Name, ErrExists)
	}
	path, err := s.write(c)
	if err != nil {
		s.mu.Unlock()
		return network.Connection{}, err
	}
	s.byID[c.ID] = &entry{conn: c.Clone(), path: path}
	s.mu.Unlock()

	s.notify(Event{Type: EventAdded, Connection: c.Clone()})
	return c, nil
}

// Update replaces the profile with uuid id. The uuid is kept.
func (s *Store) Update(id string, c network.Connection) (network.Connection, error) {
	c = c.Clone()
	c.ID = id
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return network.Connection{}, err
	}

	s.mu.Lock()
	old, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return network.Connection{}, fmt.Errorf("connection %s: %w", id, network.ErrNotFound)
	}
	if s.nameTaken(c.Name, id) {
		s.mu.Unlock()
		return network.Connection{}, fmt.Errorf("connection %q: %w", c.Name, ErrExists)
	}
	path, err := s.write(c)
	if err != nil {
		s.mu.Unlock()
		return network.Connection{}, err
	}
	if path != old.path {
		os.Remove(old.path)
	}
	s.byID[id] = &entry{conn: c.Clone(), path: path}
	s.mu.Unlock()

	s.notify(Event{Type: EventUpdated, Connection: c.Clone()})
	return c, nil
}

// Delete removes the profile with uuid id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("connection %s: %w", id, network.ErrNotFound)
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("delete connection %s: %w", e.conn.Name, err)
	}
	delete(s.byID, id)
	s.mu.Unlock()

	s.notify(Event{Type: EventRemoved, Connection: e.conn.Clone()})
	return nil
}

// AutoConnectFor picks the profile to activate automatically on device:
// autoconnect must be set and the kind must match; a profile bound to the
// interface wins over an unbound one. Ties are broken by name.
func (s *Store) AutoConnectFor(device network.Device) (network.Connection, bool) {
	var bound, unbound []network.Connection
	for _, c := range s.List() {
		if !c.AutoConnect || c.Kind != device.Kind {
			continue
		}
		switch c.Interface {
		case device.Name:
			bound = append(bound, c)
		case "":
			unbound = append(unbound, c)
		}
	}
	if len(bound) > 0 {
		return bound[0], true
	}
	if len(unbound) > 0 {
		return unbound[0], true
	}
	return network.Connection{}, false
}

// nameTaken reports whether another profile than except uses name. Caller
// holds s.mu.
func (s *Store) nameTaken(name, except string) bool {
	for id, e := range s.byID {
		if id != except && e.conn.Name == name {
			return true
		}
	}
	return false
}

// write persists c with mode 0600 since profiles may hold secrets. Caller
// holds s.mu.
func (s *Store) write(c network.Connection) (string, error) {
	data, err := Encode(c)
	if err != nil {
		return "", err
	}
	path, err := validate.Path(c.Name+Extension, s.dir)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("write connection %s: %w", c.Name, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write connection %s: %w", c.Name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write connection %s: %w", c.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write connection %s: %w", c.Name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write connection %s: %w", c.Name, err)
	}
	return path, nil
}

// Subscribe adds an observer.
func (s *Store) Subscribe(obs Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, obs)
}

// Unsubscribe removes an observer.
func (s *Store) Unsubscribe(obs Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(ev Event) {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	for _, obs := range s.observers {
		obs.OnProfileEvent(ev)
	}
}

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the store whenever a profile file changes. It blocks until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, Extension) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.log.Error("reload connections", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("watcher error", "error", err)
		}
	}
}
