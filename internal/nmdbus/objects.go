package nmdbus

import (
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"
)

// pathTable hands out stable numbered object paths for string keys. Numbers
// are never reused, so a client holding a stale path gets UnknownObject
// instead of another object.
type pathTable struct {
	prefix dbus.ObjectPath

	mu    sync.Mutex
	next  uint64
	byKey map[string]uint64
	byNum map[uint64]string
}

func newPathTable(prefix dbus.ObjectPath) *pathTable {
	return &pathTable{
		prefix: prefix,
		byKey:  make(map[string]uint64),
		byNum:  make(map[uint64]string),
	}
}

// path returns the path for key, allocating one on first use.
func (t *pathTable) path(key string) dbus.ObjectPath {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byKey[key]
	if !ok {
		t.next++
		n = t.next
		t.byKey[key] = n
		t.byNum[n] = key
	}
	return t.prefix + "/" + dbus.ObjectPath(strconv.FormatUint(n, 10))
}

// lookup returns the key behind path.
func (t *pathTable) lookup(path dbus.ObjectPath) (string, bool) {
	n, ok := objectIndex(path, t.prefix)
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byNum[n]
	return key, ok
}

// forget drops key; its path stays retired.
func (t *pathTable) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.byKey[key]; ok {
		delete(t.byKey, key)
		delete(t.byNum, n)
	}
}

func activePath(id string) dbus.ObjectPath {
	if id == "" {
		return NoObject
	}
	return ActivePath + "/" + dbus.ObjectPath(id)
}

func ip4ConfigPath(id string) dbus.ObjectPath {
	return IP4ConfigPath + "/" + dbus.ObjectPath(id)
}

// activeID parses an active connection or IP4Config path. Active ids are the
// registry's decimal sequence numbers.
func activeID(path, prefix dbus.ObjectPath) (string, bool) {
	n, ok := objectIndex(path, prefix)
	if !ok {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}
