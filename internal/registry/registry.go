// Package registry is the process-wide catalogue of devices and live
// activations. Readers get copies; every mutation is published on an ordered
// change stream.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// ErrStale is returned when a write carries a generation that has been
// invalidated, or targets an activation that already reached a terminal stage.
var ErrStale = errors.New("stale activation")

// ChangeKind says which record a Change is about.
type ChangeKind int

const (
	DeviceAdded ChangeKind = iota
	DeviceRemoved
	DeviceChanged
	ActiveAdded
	ActiveChanged
	ActiveRemoved
)

var changeKindNames = [...]string{
	DeviceAdded:   "device-added",
	DeviceRemoved: "device-removed",
	DeviceChanged: "device-changed",
	ActiveAdded:   "active-added",
	ActiveChanged: "active-changed",
	ActiveRemoved: "active-removed",
}

func (k ChangeKind) String() string {
	if k < 0 || int(k) >= len(changeKindNames) {
		return "unknown"
	}
	return changeKindNames[k]
}

// Change describes one mutation. Device and Active hold the records after the
// mutation; either may be nil when the mutation did not touch it.
type Change struct {
	Seq  uint64
	Kind ChangeKind

	Device          *network.Device
	PrevDeviceState network.DeviceState

	Active    *network.ActiveConnection
	PrevStage network.Stage

	Global           network.GlobalState
	PrevGlobal       network.GlobalState
	Connectivity     network.Connectivity
	PrevConnectivity network.Connectivity
}

// DeviceStateChanged reports whether the device state differs from before.
func (c Change) DeviceStateChanged() bool {
	return c.Device != nil && c.Device.State != c.PrevDeviceState
}

// StageChanged reports whether the activation stage differs from before.
func (c Change) StageChanged() bool {
	return c.Active != nil && c.Active.Stage != c.PrevStage
}

// AggregateChanged reports whether the global state or connectivity changed.
func (c Change) AggregateChanged() bool {
	return c.Global != c.PrevGlobal || c.Connectivity != c.PrevConnectivity
}

// Registry holds devices and active connections.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*network.Device
	active  map[string]*network.ActiveConnection
	gens    map[string]uint64
	nextID  uint64
	seq     uint64

	global       network.GlobalState
	connectivity network.Connectivity

	subs map[*Subscription]struct{}
	now  func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices:      make(map[string]*network.Device),
		active:       make(map[string]*network.ActiveConnection),
		gens:         make(map[string]uint64),
		global:       network.GlobalDisconnected,
		connectivity: network.ConnectivityNone,
		subs:         make(map[*Subscription]struct{}),
		now:          time.Now,
	}
}

// Devices returns all devices sorted by name.
func (r *Registry) Devices() []network.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]network.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b network.Device) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Device returns a copy of the named device.
func (r *Registry) Device(name string) (network.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return network.Device{}, false
	}
	return *d, true
}

// ActiveConnections returns all activation records in creation order.
func (r *Registry) ActiveConnections() []network.ActiveConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]network.ActiveConnection, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b network.ActiveConnection) int {
		x, _ := strconv.ParseUint(a.ID, 10, 64)
		y, _ := strconv.ParseUint(b.ID, 10, 64)
		return cmp.Compare(x, y)
	})
	return out
}

// Active returns a copy of the activation with the given id.
func (r *Registry) Active(id string) (network.ActiveConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.active[id]
	if !ok {
		return network.ActiveConnection{}, false
	}
	return a.Clone(), true
}

// ActiveForDevice returns the non-terminal activation owned by device.
func (r *Registry) ActiveForDevice(device string) (network.ActiveConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[device]
	if !ok || d.ActiveID == "" {
		return network.ActiveConnection{}, false
	}
	a, ok := r.active[d.ActiveID]
	if !ok {
		return network.ActiveConnection{}, false
	}
	return a.Clone(), true
}

// DeviceFor picks the device an activation of conn should use when the
// caller did not name one: the profile's interface if it has one, otherwise
// the first idle managed device of the right kind, otherwise the first busy
// one so that the caller gets a conflict rather than a missing device.
func (r *Registry) DeviceFor(conn network.Connection) (string, error) {
	if conn.Interface != "" || conn.Kind == network.KindVPN {
		return conn.Interface, nil
	}
	var busy string
	for _, d := range r.Devices() {
		if !d.Managed || d.Kind != conn.Kind {
			continue
		}
		if d.ActiveID == "" {
			return d.Name, nil
		}
		if busy == "" {
			busy = d.Name
		}
	}
	if busy != "" {
		return busy, nil
	}
	return "", fmt.Errorf("no %s device: %w", conn.Kind, network.ErrNotFound)
}

// State returns the aggregate state and connectivity.
func (r *Registry) State() (network.GlobalState, network.Connectivity) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global, r.connectivity
}

// AddDevice registers d. It returns false if a device with that name exists.
func (r *Registry) AddDevice(d network.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Name]; ok {
		return false
	}
	d.ActiveID = ""
	if d.State == network.DeviceUnknown {
		if d.Managed {
			d.State = network.DeviceDisconnected
		} else {
			d.State = network.DeviceUnmanaged
		}
	}
	stored := d
	r.devices[d.Name] = &stored
	cp := stored
	r.publish(Change{Kind: DeviceAdded, Device: &cp, PrevDeviceState: network.DeviceUnknown})
	return true
}

// RemoveDevice drops a device. A device that owns a live activation cannot be
// removed; the caller must deactivate it first. Terminal activation records
// of the device are kept until pruned.
func (r *Registry) RemoveDevice(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("device %s: %w", name, network.ErrNotFound)
	}
	if d.ActiveID != "" {
		return fmt.Errorf("device %s owns activation %s: %w", name, d.ActiveID, network.ErrConflict)
	}
	delete(r.devices, name)
	cp := *d
	r.publish(Change{Kind: DeviceRemoved, Device: &cp, PrevDeviceState: d.State})
	return nil
}

// SetManaged toggles whether the daemon may activate connections on device.
func (r *Registry) SetManaged(name string, managed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("device %s: %w", name, network.ErrNotFound)
	}
	if d.Managed == managed {
		return nil
	}
	if d.ActiveID != "" {
		return fmt.Errorf("device %s owns activation %s: %w", name, d.ActiveID, network.ErrConflict)
	}
	prev := d.State
	d.Managed = managed
	if managed {
		d.State = network.DeviceDisconnected
	} else {
		d.State = network.DeviceUnmanaged
	}
	cp := *d
	r.publish(Change{Kind: DeviceChanged, Device: &cp, PrevDeviceState: prev})
	return nil
}

// SetDeviceState sets the state of a device that owns no activation, e.g.
// unavailable when its carrier is lost.
func (r *Registry) SetDeviceState(name string, state network.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return fmt.Errorf("device %s: %w", name, network.ErrNotFound)
	}
	if d.ActiveID != "" {
		return fmt.Errorf("device %s owns activation %s: %w", name, d.ActiveID, network.ErrConflict)
	}
	if !d.Managed || d.State == state {
		return nil
	}
	prev := d.State
	d.State = state
	cp := *d
	r.publish(Change{Kind: DeviceChanged, Device: &cp, PrevDeviceState: prev})
	return nil
}

// BeginActivation creates an activation record for conn on device and makes
// the device point at it, in one mutation. It fails with ErrConflict if the
// device already owns a live activation.
func (r *Registry) BeginActivation(conn network.Connection, device string) (network.ActiveConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[device]
	if !ok {
		return network.ActiveConnection{}, fmt.Errorf("device %s: %w", device, network.ErrNotFound)
	}
	if !d.Managed {
		return network.ActiveConnection{}, &validate.Error{Field: "device", Reason: device + " is not managed"}
	}
	if d.ActiveID != "" {
		return network.ActiveConnection{}, fmt.Errorf("device %s owns activation %s: %w", device, d.ActiveID, network.ErrConflict)
	}

	r.gens[device]++
	r.nextID++
	now := r.now()
	a := &network.ActiveConnection{
		ID:             strconv.FormatUint(r.nextID, 10),
		ConnectionID:   conn.ID,
		ConnectionName: conn.Name,
		Kind:           conn.Kind,
		Device:         device,
		Generation:     r.gens[device],
		Stage:          network.StageRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.active[a.ID] = a

	prev := d.State
	d.ActiveID = a.ID
	d.State = a.Stage.DeviceState()

	dc, ac := *d, a.Clone()
	r.publish(Change{Kind: ActiveAdded, Device: &dc, PrevDeviceState: prev, Active: &ac, PrevStage: a.Stage})
	return a.Clone(), nil
}

// UpdateActive applies fn to the activation if gen is still current. fn may
// change Stage to a non-terminal stage and fill IP4; the owning device state
// follows the stage.
func (r *Registry) UpdateActive(id string, gen uint64, fn func(*network.ActiveConnection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, d, err := r.current(id, gen)
	if err != nil {
		return err
	}
	next := a.Clone()
	fn(&next)
	if next.Stage.Terminal() {
		return fmt.Errorf("activation %s: terminal stage %s needs Finish", id, next.Stage)
	}
	// Identity fields are not writable.
	next.ID, next.Device, next.Generation, next.CreatedAt = a.ID, a.Device, a.Generation, a.CreatedAt
	next.UpdatedAt = r.now()

	prevStage, prevState := a.Stage, d.State
	*a = next
	d.State = a.Stage.DeviceState()

	dc, ac := *d, a.Clone()
	r.publish(Change{Kind: ActiveChanged, Device: &dc, PrevDeviceState: prevState, Active: &ac, PrevStage: prevStage})
	return nil
}

// Invalidate moves a live activation to Deactivating and bumps the device
// generation, so that writes from the cancelled attempt become no-ops. It
// returns the generation the tearing-down caller must pass to Finish.
func (r *Registry) Invalidate(id string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[id]
	if !ok {
		return 0, fmt.Errorf("activation %s: %w", id, network.ErrNotFound)
	}
	if a.Stage.Terminal() || a.Stage == network.StageDeactivating {
		return 0, fmt.Errorf("activation %s is %s: %w", id, a.Stage, ErrStale)
	}
	d := r.devices[a.Device]
	r.gens[a.Device]++
	prevStage := a.Stage
	a.Generation = r.gens[a.Device]
	a.Stage = network.StageDeactivating
	a.UpdatedAt = r.now()

	ac := a.Clone()
	c := Change{Kind: ActiveChanged, Active: &ac, PrevStage: prevStage}
	if d != nil {
		c.PrevDeviceState = d.State
		d.State = a.Stage.DeviceState()
		dc := *d
		c.Device = &dc
	}
	r.publish(c)
	return a.Generation, nil
}

// Finish moves the activation to a terminal stage and releases the device, in
// one mutation.
func (r *Registry) Finish(id string, gen uint64, stage network.Stage, cause error) error {
	if !stage.Terminal() {
		return fmt.Errorf("activation %s: %s is not terminal", id, stage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, d, err := r.current(id, gen)
	if err != nil {
		return err
	}
	now := r.now()
	prevStage, prevState := a.Stage, d.State
	a.Stage = stage
	a.Err = cause
	a.UpdatedAt = now
	a.FinishedAt = now
	if stage == network.StageDeactivated {
		a.IP4 = nil
	}
	if d.ActiveID == id {
		d.ActiveID = ""
	}
	d.State = stage.DeviceState()

	dc, ac := *d, a.Clone()
	r.publish(Change{Kind: ActiveChanged, Device: &dc, PrevDeviceState: prevState, Active: &ac, PrevStage: prevStage})
	return nil
}

// PruneActive removes a terminal activation record.
func (r *Registry) PruneActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[id]
	if !ok || !a.Stage.Terminal() {
		return false
	}
	delete(r.active, id)
	ac := a.Clone()
	r.publish(Change{Kind: ActiveRemoved, Active: &ac, PrevStage: a.Stage})
	return true
}

// current returns the activation and its device if gen is still the live
// generation. Caller holds r.mu.
func (r *Registry) current(id string, gen uint64) (*network.ActiveConnection, *network.Device, error) {
	a, ok := r.active[id]
	if !ok {
		return nil, nil, fmt.Errorf("activation %s: %w", id, network.ErrNotFound)
	}
	d, ok := r.devices[a.Device]
	if !ok || a.Stage.Terminal() || a.Generation != gen || r.gens[a.Device] != gen {
		return nil, nil, fmt.Errorf("activation %s generation %d: %w", id, gen, ErrStale)
	}
	return a, d, nil
}

// publish stamps c with the next sequence number and the aggregate state and
// queues it on every subscription. Caller holds r.mu for writing, so the
// stream order is the mutation order.
func (r *Registry) publish(c Change) {
	r.seq++
	c.Seq = r.seq

	devices := make([]network.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, *d)
	}
	active := make(map[string]network.ActiveConnection, len(r.active))
	for id, a := range r.active {
		active[id] = *a
	}
	c.PrevGlobal, c.PrevConnectivity = r.global, r.connectivity
	r.global, r.connectivity = network.Summarize(devices, active)
	c.Global, c.Connectivity = r.global, r.connectivity

	for s := range r.subs {
		s.push(c)
	}
}
