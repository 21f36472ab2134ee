package nmdbus

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nikicat/netctld/internal/backend"
	"github.com/nikicat/netctld/internal/network"
)

// device implements org.freedesktop.NetworkManager.Device for the Devices
// subtree.
type device struct {
	s *Server
}

// Disconnect deactivates the device's active connection.
// Signature: Disconnect() -> ()
func (h *device) Disconnect(msg dbus.Message) *dbus.Error {
	path := messagePath(msg)
	name, ok := h.s.devices.lookup(path)
	if !ok {
		return NewDBusError(ErrNameUnknownDevice, "Device "+string(path)+" does not exist")
	}
	log, derr := h.s.callers.authorize(msg, "Device.Disconnect")
	if derr != nil {
		return derr
	}
	if _, ok := h.s.reg.ActiveForDevice(name); !ok {
		log.LogDeactivate(h.s.ctx, "Device.Disconnect", name, "error", nil)
		return NewDBusError(ErrNameNotActive, "Device "+name+" is not active")
	}
	ctx, cancel := h.s.callContext()
	defer cancel()
	err := h.s.engine.DeactivateDevice(ctx, name)
	log.LogDeactivate(h.s.ctx, "Device.Disconnect", name, result(err), err)
	return dbusError(err, ErrNameUnknownDevice)
}

// scanState holds the latest scan result of one wireless device.
type scanState struct {
	limiter *rate.Limiter
	aps     []backend.AccessPoint
	// lastScan is CLOCK_BOOTTIME in milliseconds, -1 before the first scan.
	lastScan int64
}

// wireless implements org.freedesktop.NetworkManager.Device.Wireless.
type wireless struct {
	s *Server
}

// RequestScan starts a scan in the background. Scans of one device are
// rate-limited to one per ScanInterval.
// Signature: RequestScan(options Dict<String,Variant>) -> ()
func (h *wireless) RequestScan(msg dbus.Message, options map[string]dbus.Variant) *dbus.Error {
	name, derr := h.s.wirelessDevice(messagePath(msg))
	if derr != nil {
		return derr
	}
	if h.s.scanner == nil {
		return NewDBusError(ErrNameUnavailable, "Scanning is not available")
	}
	st := h.s.scanState(name)
	if !st.limiter.Allow() {
		return NewDBusError(ErrNameRateLimited, "Scanning not allowed immediately following previous scan")
	}
	h.s.wg.Add(1)
	go func() {
		defer h.s.wg.Done()
		h.s.scan(name)
	}()
	return nil
}

// GetAccessPoints returns the access points of the last scan.
// Signature: GetAccessPoints() -> (access_points Array<ObjectPath>)
func (h *wireless) GetAccessPoints(msg dbus.Message) ([]dbus.ObjectPath, *dbus.Error) {
	name, derr := h.s.wirelessDevice(messagePath(msg))
	if derr != nil {
		return nil, derr
	}
	return h.s.accessPointPaths(name), nil
}

// GetAllAccessPoints is GetAccessPoints; hidden networks are not tracked
// separately.
// Signature: GetAllAccessPoints() -> (access_points Array<ObjectPath>)
func (h *wireless) GetAllAccessPoints(msg dbus.Message) ([]dbus.ObjectPath, *dbus.Error) {
	return h.GetAccessPoints(msg)
}

func (s *Server) wirelessDevice(path dbus.ObjectPath) (string, *dbus.Error) {
	name, ok := s.devices.lookup(path)
	if !ok {
		return "", NewDBusError(ErrNameUnknownDevice, "Device "+string(path)+" does not exist")
	}
	d, ok := s.reg.Device(name)
	if !ok || d.Kind != network.KindWireless {
		return "", NewDBusError(ErrNameUnknownDevice, "Device "+name+" is not a wireless device")
	}
	return name, nil
}

func (s *Server) scanState(device string) *scanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scans[device]
	if !ok {
		st = &scanState{
			limiter:  rate.NewLimiter(rate.Every(s.cfg.ScanInterval), 1),
			lastScan: -1,
		}
		s.scans[device] = st
	}
	return st
}

// scan runs one scan and publishes the difference to the previous result.
func (s *Server) scan(device string) {
	ctx, cancel := context.WithTimeout(s.ctx, scanTimeout)
	defer cancel()
	aps, err := s.scanner.Scan(ctx, device)
	if err != nil {
		s.logger.Warn("wifi scan failed", "device", device, "error", err)
		return
	}
	slices.SortFunc(aps, func(a, b backend.AccessPoint) int { return strings.Compare(a.BSSID, b.BSSID) })

	st := s.scanState(device)
	s.mu.Lock()
	old := st.aps
	st.aps = aps
	st.lastScan = bootTimeMillis()
	lastScan := st.lastScan
	s.mu.Unlock()

	path := s.devices.path(device)
	seen := make(map[string]bool, len(aps))
	for _, ap := range aps {
		seen[ap.BSSID] = true
		if !slices.ContainsFunc(old, func(o backend.AccessPoint) bool { return o.BSSID == ap.BSSID }) {
			s.emit(path, WirelessInterface+".AccessPointAdded", s.aps.path(apKey(device, ap.BSSID)))
		}
	}
	for _, ap := range old {
		if !seen[ap.BSSID] {
			key := apKey(device, ap.BSSID)
			s.emit(path, WirelessInterface+".AccessPointRemoved", s.aps.path(key))
			s.aps.forget(key)
		}
	}
	s.propertiesChanged(path, WirelessInterface, map[string]dbus.Variant{
		"AccessPoints": dbus.MakeVariant(s.accessPointPaths(device)),
		"LastScan":     dbus.MakeVariant(lastScan),
	})
}

func (s *Server) accessPointPaths(device string) []dbus.ObjectPath {
	s.mu.Lock()
	var aps []backend.AccessPoint
	if st, ok := s.scans[device]; ok {
		aps = st.aps
	}
	s.mu.Unlock()
	out := []dbus.ObjectPath{}
	for _, ap := range aps {
		out = append(out, s.aps.path(apKey(device, ap.BSSID)))
	}
	return out
}

// accessPoint looks up an access point of the latest scan by its key.
func (s *Server) accessPoint(key string) (backend.AccessPoint, bool) {
	device, bssid, ok := strings.Cut(key, "/")
	if !ok {
		return backend.AccessPoint{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scans[device]
	if !ok {
		return backend.AccessPoint{}, false
	}
	i := slices.IndexFunc(st.aps, func(ap backend.AccessPoint) bool { return ap.BSSID == bssid })
	if i < 0 {
		return backend.AccessPoint{}, false
	}
	return st.aps[i], true
}

func (s *Server) wirelessProps(d network.Device) map[string]dbus.Variant {
	st := s.scanState(d.Name)
	s.mu.Lock()
	lastScan := st.lastScan
	s.mu.Unlock()

	active := NoObject
	if a, ok := s.reg.ActiveForDevice(d.Name); ok && a.Stage == network.StageActivated {
		if c, err := s.profiles.Get(a.ConnectionID); err == nil && c.Wireless != nil {
			for _, p := range s.accessPointPaths(d.Name) {
				key, _ := s.aps.lookup(p)
				if ap, ok := s.accessPoint(key); ok && ap.SSID == c.Wireless.SSID {
					active = p
					break
				}
			}
		}
	}
	return map[string]dbus.Variant{
		"HwAddress":            dbus.MakeVariant(d.HwAddress),
		"PermHwAddress":        dbus.MakeVariant(d.HwAddress),
		"Mode":                 dbus.MakeVariant(uint32(2)), // infrastructure
		"Bitrate":              dbus.MakeVariant(uint32(0)),
		"AccessPoints":         dbus.MakeVariant(s.accessPointPaths(d.Name)),
		"ActiveAccessPoint":    dbus.MakeVariant(active),
		"WirelessCapabilities": dbus.MakeVariant(uint32(0x1 | 0x2 | 0x4 | 0x8 | 0x10 | 0x20)),
		"LastScan":             dbus.MakeVariant(lastScan),
	}
}

// Access point security flags.
const (
	apFlagPrivacy  uint32 = 0x1
	apSecPairCCMP  uint32 = 0x8
	apSecGroupCCMP uint32 = 0x80
	apSecKeyPSK    uint32 = 0x100
)

func accessPointProps(ap backend.AccessPoint) map[string]dbus.Variant {
	var flags, rsn uint32
	if ap.Secured {
		flags = apFlagPrivacy
		rsn = apSecPairCCMP | apSecGroupCCMP | apSecKeyPSK
	}
	return map[string]dbus.Variant{
		"Ssid":       dbus.MakeVariant([]byte(ap.SSID)),
		"HwAddress":  dbus.MakeVariant(strings.ToUpper(ap.BSSID)),
		"Frequency":  dbus.MakeVariant(ap.Frequency),
		"Strength":   dbus.MakeVariant(ap.Strength()),
		"Flags":      dbus.MakeVariant(flags),
		"WpaFlags":   dbus.MakeVariant(uint32(0)),
		"RsnFlags":   dbus.MakeVariant(rsn),
		"Mode":       dbus.MakeVariant(uint32(2)),
		"MaxBitrate": dbus.MakeVariant(uint32(0)),
		"LastSeen":   dbus.MakeVariant(int32(-1)),
	}
}

// completeFromAccessPoint fills the wireless settings an applet leaves out
// when it activates a network picked from the scan list.
func completeFromAccessPoint(s Settings, ap backend.AccessPoint) Settings {
	out := make(Settings, len(s)+2)
	for k, v := range s {
		out[k] = v
	}
	section := func(name string) map[string]dbus.Variant {
		sec := make(map[string]dbus.Variant, len(out[name])+2)
		for k, v := range out[name] {
			sec[k] = v
		}
		out[name] = sec
		return sec
	}
	conn := section(secConnection)
	if _, ok := conn["type"]; !ok {
		conn["type"] = dbus.MakeVariant(secWireless)
	}
	w := section(secWireless)
	if _, ok := w["ssid"]; !ok {
		w["ssid"] = dbus.MakeVariant([]byte(ap.SSID))
	}
	if ap.Secured {
		ws := section(secWirelessSec)
		if _, ok := ws["key-mgmt"]; !ok {
			ws["key-mgmt"] = dbus.MakeVariant("wpa-psk")
		}
	}
	return out
}

func apKey(device, bssid string) string {
	return device + "/" + bssid
}

func bootTimeMillis() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return time.Now().UnixMilli()
	}
	return ts.Nano() / int64(time.Millisecond)
}
