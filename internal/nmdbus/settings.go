package nmdbus

import (
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/store"
)

// settingsObject implements org.freedesktop.NetworkManager.Settings.
type settingsObject struct {
	s *Server
}

// ListConnections returns every stored connection.
// Signature: ListConnections() -> (connections Array<ObjectPath>)
func (h *settingsObject) ListConnections() ([]dbus.ObjectPath, *dbus.Error) {
	return h.s.connectionPaths(), nil
}

// GetConnectionByUuid returns the connection with the given uuid.
// Signature: GetConnectionByUuid(uuid String) -> (connection ObjectPath)
func (h *settingsObject) GetConnectionByUuid(id string) (dbus.ObjectPath, *dbus.Error) {
	if _, err := h.s.profiles.Get(id); err != nil {
		return NoObject, dbusError(err, ErrNameUnknownConnection)
	}
	return h.s.settings.path(id), nil
}

// AddConnection validates and stores a new connection.
// Signature: AddConnection(connection Dict<String,Dict<String,Variant>>) -> (path ObjectPath)
func (h *settingsObject) AddConnection(msg dbus.Message, settings map[string]map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	return h.add(msg, "AddConnection", settings)
}

// AddConnectionUnsaved is AddConnection; every connection is persisted.
// Signature: AddConnectionUnsaved(connection Dict<String,Dict<String,Variant>>) -> (path ObjectPath)
func (h *settingsObject) AddConnectionUnsaved(msg dbus.Message, settings map[string]map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	return h.add(msg, "AddConnectionUnsaved", settings)
}

func (h *settingsObject) add(msg dbus.Message, method string, settings map[string]map[string]dbus.Variant) (dbus.ObjectPath, *dbus.Error) {
	log, derr := h.s.callers.authorize(msg, method)
	if derr != nil {
		return NoObject, derr
	}
	c, err := fromSettings(Settings(settings))
	if err == nil {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c, err = h.s.profiles.Add(c)
	}
	log.LogSettings(h.s.ctx, method, c.ID, c.Name, result(err), err)
	if err != nil {
		return NoObject, dbusError(err, ErrNameUnknownConnection)
	}
	return h.s.settings.path(c.ID), nil
}

// ReloadConnections rereads the connection directory.
// Signature: ReloadConnections() -> (status Boolean)
func (h *settingsObject) ReloadConnections(msg dbus.Message) (bool, *dbus.Error) {
	log, derr := h.s.callers.authorize(msg, "ReloadConnections")
	if derr != nil {
		return false, derr
	}
	err := h.s.profiles.Reload()
	log.LogMethod(h.s.ctx, "ReloadConnections", nil, result(err), err)
	if err != nil {
		return false, dbusError(err, ErrNameUnknownConnection)
	}
	return true, nil
}

// connection implements org.freedesktop.NetworkManager.Settings.Connection
// for the Settings subtree.
type connection struct {
	s *Server
}

// GetSettings returns the connection without secrets.
// Signature: GetSettings() -> (settings Dict<String,Dict<String,Variant>>)
func (h *connection) GetSettings(msg dbus.Message) (map[string]map[string]dbus.Variant, *dbus.Error) {
	c, derr := h.s.lookupConnection(messagePath(msg))
	if derr != nil {
		return nil, derr
	}
	return toSettings(c, false), nil
}

// GetSecrets returns the secrets of one setting.
// Signature: GetSecrets(setting_name String) -> (secrets Dict<String,Dict<String,Variant>>)
func (h *connection) GetSecrets(msg dbus.Message, setting string) (map[string]map[string]dbus.Variant, *dbus.Error) {
	c, derr := h.s.lookupConnection(messagePath(msg))
	if derr != nil {
		return nil, derr
	}
	log, derr := h.s.callers.authorize(msg, "GetSecrets")
	if derr != nil {
		return nil, derr
	}
	log.LogSettings(h.s.ctx, "GetSecrets", c.ID, c.Name, "ok", nil)
	out := map[string]map[string]dbus.Variant{}
	if sec, ok := toSettings(c, true)[setting]; ok && setting == secWirelessSec {
		out[setting] = sec
	}
	return out, nil
}

// Update replaces the connection. A wireless PSK left out of the new
// settings is kept, since clients do not get secrets from GetSettings.
// Signature: Update(properties Dict<String,Dict<String,Variant>>) -> ()
func (h *connection) Update(msg dbus.Message, settings map[string]map[string]dbus.Variant) *dbus.Error {
	return h.update(msg, "Update", settings)
}

// UpdateUnsaved is Update; every connection is persisted.
// Signature: UpdateUnsaved(properties Dict<String,Dict<String,Variant>>) -> ()
func (h *connection) UpdateUnsaved(msg dbus.Message, settings map[string]map[string]dbus.Variant) *dbus.Error {
	return h.update(msg, "UpdateUnsaved", settings)
}

func (h *connection) update(msg dbus.Message, method string, settings map[string]map[string]dbus.Variant) *dbus.Error {
	old, derr := h.s.lookupConnection(messagePath(msg))
	if derr != nil {
		return derr
	}
	log, derr := h.s.callers.authorize(msg, method)
	if derr != nil {
		return derr
	}
	c, err := fromSettings(Settings(settings))
	if err == nil {
		keepSecrets(&c, old)
		c, err = h.s.profiles.Update(old.ID, c)
	}
	log.LogSettings(h.s.ctx, method, old.ID, c.Name, result(err), err)
	return dbusError(err, ErrNameUnknownConnection)
}

// Delete removes the connection.
// Signature: Delete() -> ()
func (h *connection) Delete(msg dbus.Message) *dbus.Error {
	c, derr := h.s.lookupConnection(messagePath(msg))
	if derr != nil {
		return derr
	}
	log, derr := h.s.callers.authorize(msg, "Delete")
	if derr != nil {
		return derr
	}
	err := h.s.profiles.Delete(c.ID)
	log.LogSettings(h.s.ctx, "Delete", c.ID, c.Name, result(err), err)
	return dbusError(err, ErrNameUnknownConnection)
}

// Save is a no-op: connections are written when they change.
// Signature: Save() -> ()
func (h *connection) Save(msg dbus.Message) *dbus.Error {
	_, derr := h.s.lookupConnection(messagePath(msg))
	return derr
}

func keepSecrets(c *network.Connection, old network.Connection) {
	if c.Wireless == nil || old.Wireless == nil {
		return
	}
	if c.Wireless.Security == network.SecurityPSK && c.Wireless.PSK == "" {
		c.Wireless.PSK = old.Wireless.PSK
	}
}

// OnProfileEvent implements store.Observer.
func (s *Server) OnProfileEvent(ev store.Event) {
	path := s.settings.path(ev.Connection.ID)
	switch ev.Type {
	case store.EventAdded:
		s.emit(SettingsPath, SettingsInterface+".NewConnection", path)
	case store.EventUpdated:
		s.emit(path, ConnectionInterface+".Updated")
	case store.EventRemoved:
		s.emit(path, ConnectionInterface+".Removed")
		s.emit(SettingsPath, SettingsInterface+".ConnectionRemoved", path)
		s.settings.forget(ev.Connection.ID)
	}
	s.propertiesChanged(SettingsPath, SettingsInterface, map[string]dbus.Variant{
		"Connections": dbus.MakeVariant(s.connectionPaths()),
	})
}
