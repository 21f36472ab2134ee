package nmdbus

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/registry"
)

// emitLoop turns registry changes into signals, one change at a time, so the
// signal order on the bus is the mutation order.
func (s *Server) emitLoop(ctx context.Context) error {
	for {
		c, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrClosed) {
				return nil
			}
			return err
		}
		s.signal(c)
	}
}

// signal emits, in order: PropertiesChanged for each touched object followed
// by its StateChanged when its state moved, then the manager's aggregate
// PropertiesChanged and StateChanged.
func (s *Server) signal(c registry.Change) {
	managerChanged := map[string]dbus.Variant{}

	switch c.Kind {
	case registry.DeviceAdded:
		path := s.devices.path(c.Device.Name)
		s.emit(ManagerPath, ManagerInterface+".DeviceAdded", path)
		managerChanged["Devices"] = dbus.MakeVariant(s.devicePaths())
		managerChanged["AllDevices"] = managerChanged["Devices"]

	case registry.DeviceRemoved:
		path := s.devices.path(c.Device.Name)
		s.devices.forget(c.Device.Name)
		s.mu.Lock()
		delete(s.reasons, c.Device.Name)
		delete(s.scans, c.Device.Name)
		s.mu.Unlock()
		s.emit(ManagerPath, ManagerInterface+".DeviceRemoved", path)
		managerChanged["Devices"] = dbus.MakeVariant(s.devicePaths())
		managerChanged["AllDevices"] = managerChanged["Devices"]

	case registry.DeviceChanged:
		s.deviceSignals(c)

	case registry.ActiveAdded:
		s.deviceSignals(c)
		managerChanged["ActiveConnections"] = dbus.MakeVariant(s.activePaths())
		managerChanged["ActivatingConnection"] = dbus.MakeVariant(activePath(c.Active.ID))

	case registry.ActiveChanged:
		s.activeSignals(c)
		s.deviceSignals(c)
		if c.StageChanged() {
			switch {
			case c.Active.Stage.Terminal():
				managerChanged["ActiveConnections"] = dbus.MakeVariant(s.activePaths())
				fallthrough
			case c.Active.Stage == network.StageActivated:
				managerChanged["PrimaryConnection"] = dbus.MakeVariant(s.primary())
				managerChanged["ActivatingConnection"] = dbus.MakeVariant(s.activating())
			}
		}

	case registry.ActiveRemoved:
		// Pruned records are terminal and already gone from ActiveConnections.
	}

	if c.AggregateChanged() {
		managerChanged["State"] = dbus.MakeVariant(uint32(c.Global))
		managerChanged["Connectivity"] = dbus.MakeVariant(uint32(c.Connectivity))
	}
	if len(managerChanged) > 0 {
		s.propertiesChanged(ManagerPath, ManagerInterface, managerChanged)
	}
	if c.Global != c.PrevGlobal {
		s.emit(ManagerPath, ManagerInterface+".StateChanged", uint32(c.Global))
	}
}

func (s *Server) activeSignals(c registry.Change) {
	a := c.Active
	path := activePath(a.ID)
	s.propertiesChanged(path, ActiveInterface, map[string]dbus.Variant{
		"State":       dbus.MakeVariant(activeState(a.Stage)),
		"StateReason": dbus.MakeVariant(a.Reason()),
		"Ip4Config":   dbus.MakeVariant(s.ip4ConfigPath(*a)),
	})
	if activeState(a.Stage) != activeState(c.PrevStage) {
		s.emit(path, ActiveInterface+".StateChanged", activeState(a.Stage), activeReason(*a))
	}
}

func (s *Server) deviceSignals(c registry.Change) {
	if c.Device == nil {
		return
	}
	d := c.Device
	if c.DeviceStateChanged() {
		var cause error
		if c.Active != nil {
			cause = c.Active.Err
		}
		s.mu.Lock()
		s.reasons[d.Name] = stateReason(c.PrevDeviceState, d.State, cause)
		s.mu.Unlock()
	}

	var owner *network.ActiveConnection
	if c.Active != nil && c.Active.ID == d.ActiveID {
		owner = c.Active
	}
	path := s.devices.path(d.Name)
	s.propertiesChanged(path, DeviceInterface, s.deviceChanging(*d, owner))
	if c.DeviceStateChanged() {
		s.emit(path, DeviceInterface+".StateChanged",
			deviceState(d.State), deviceState(c.PrevDeviceState), s.reason(d.Name))
	}
}

func (s *Server) reason(device string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasons[device]
}

func (s *Server) emit(path dbus.ObjectPath, name string, values ...any) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(path, name, values...); err != nil {
		s.logger.Debug("failed to emit signal", "signal", name, "path", path, "error", err)
	}
}

func (s *Server) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	s.emit(path, PropertiesInterface+".PropertiesChanged", iface, changed, []string{})
}
