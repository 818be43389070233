package coordinator

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"duofern-go-home/internal/protocol"
)

// DeviceState is the last known state of one device. Positions use the
// consumer convention (100 open, 0 closed); nil means not reported yet.
type DeviceState struct {
	Code     protocol.DeviceCode `json:"code"`
	Type     string              `json:"type"`
	Name     string              `json:"name,omitempty"`
	Cover    bool                `json:"cover"`
	Known    bool                `json:"known"`
	Position *int                `json:"position"`
	Motion   protocol.Motion     `json:"motion"`
	Version  string              `json:"version,omitempty"`
	Flags    *StatusFlags        `json:"flags,omitempty"`
	LastSeen time.Time           `json:"last_seen"`
}

// StatusFlags are the automation settings reported by cover actuators.
type StatusFlags struct {
	TimeAutomatic       bool `json:"time_automatic"`
	SunAutomatic        bool `json:"sun_automatic"`
	DuskAutomatic       bool `json:"dusk_automatic"`
	DawnAutomatic       bool `json:"dawn_automatic"`
	ManualMode          bool `json:"manual_mode"`
	VentilatingMode     bool `json:"ventilating_mode"`
	VentilatingPosition int  `json:"ventilating_position"`
	SunMode             bool `json:"sun_mode"`
	SunPosition         int  `json:"sun_position"`
}

// NativePosition returns the device-native position, if known.
func (s DeviceState) NativePosition() (int, bool) {
	if s.Position == nil {
		return 0, false
	}
	n, err := protocol.ToNative(*s.Position)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s DeviceState) clone() DeviceState {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	if s.Flags != nil {
		f := *s.Flags
		s.Flags = &f
	}
	return s
}

func newDeviceState(code protocol.DeviceCode) *DeviceState {
	return &DeviceState{
		Code:  code,
		Type:  code.Type().String(),
		Cover: code.Type().IsCover(),
	}
}

// registry holds the state of every device seen in this process. Entries
// are never removed; unpairing only clears Known.
type registry struct {
	mu      sync.RWMutex
	devices map[protocol.DeviceCode]*DeviceState
}

func newRegistry() *registry {
	return &registry{devices: make(map[protocol.DeviceCode]*DeviceState)}
}

func (r *registry) entry(code protocol.DeviceCode) *DeviceState {
	d, ok := r.devices[code]
	if !ok {
		d = newDeviceState(code)
		r.devices[code] = d
	}
	return d
}

// setKnown adds or removes code from the paired set. name is kept unless
// empty.
func (r *registry) setKnown(code protocol.DeviceCode, known bool, name string) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(code)
	d.Known = known
	if name != "" {
		d.Name = name
	}
	return d.clone()
}

func (r *registry) known(code protocol.DeviceCode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[code]
	return ok && d.Known
}

func (r *registry) get(code protocol.DeviceCode) (DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[code]
	if !ok {
		return DeviceState{}, false
	}
	return d.clone(), true
}

// knownCodes returns the paired set in code order.
func (r *registry) knownCodes() []protocol.DeviceCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]protocol.DeviceCode, 0, len(r.devices))
	for code, d := range r.devices {
		if d.Known {
			codes = append(codes, code)
		}
	}
	sortCodes(codes)
	return codes
}

// list returns the paired devices in code order.
func (r *registry) list() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceState, 0, len(r.devices))
	for _, d := range r.devices {
		if d.Known {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Code[:], out[j].Code[:]) < 0
	})
	return out
}

func (r *registry) rename(code protocol.DeviceCode, name string) (DeviceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[code]
	if !ok || !d.Known {
		return DeviceState{}, false
	}
	d.Name = name
	return d.clone(), true
}

// restore loads persisted fields without touching motion.
func (r *registry) restore(code protocol.DeviceCode, name string, native *int, version string, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(code)
	d.Known = true
	if name != "" {
		d.Name = name
	}
	if native != nil {
		if c, err := protocol.ToConsumer(*native); err == nil {
			d.Position = &c
		}
	}
	if version != "" {
		d.Version = version
	}
	if lastSeen.After(d.LastSeen) {
		d.LastSeen = lastSeen
	}
}

// applyStatus records a status report. A cover that was moving is
// considered stopped once it reports a position.
func (r *registry) applyStatus(s protocol.Status, consumer int, now time.Time) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(s.Device)
	d.Position = &consumer
	d.Version = s.Version
	d.Flags = &StatusFlags{
		TimeAutomatic:       s.TimeAutomatic,
		SunAutomatic:        s.SunAutomatic,
		DuskAutomatic:       s.DuskAutomatic,
		DawnAutomatic:       s.DawnAutomatic,
		ManualMode:          s.ManualMode,
		VentilatingMode:     s.VentilatingMode,
		VentilatingPosition: s.VentilatingPosition,
		SunMode:             s.SunMode,
		SunPosition:         s.SunPosition,
	}
	if d.Motion == protocol.MotionOpening || d.Motion == protocol.MotionClosing {
		d.Motion = protocol.MotionStopped
	}
	d.LastSeen = now
	return d.clone()
}

func (r *registry) applyMotion(code protocol.DeviceCode, m protocol.Motion, now time.Time) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(code)
	d.Motion = m
	d.LastSeen = now
	return d.clone()
}

// setMotion records an optimistic motion after an acknowledged command.
func (r *registry) setMotion(code protocol.DeviceCode, m protocol.Motion) DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.entry(code)
	d.Motion = m
	return d.clone()
}

func sortCodes(codes []protocol.DeviceCode) {
	sort.Slice(codes, func(i, j int) bool {
		return bytes.Compare(codes[i][:], codes[j][:]) < 0
	})
}
