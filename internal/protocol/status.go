package protocol

import "fmt"

// Motion is the movement state of a cover.
type Motion int

const (
	MotionIdle Motion = iota
	MotionOpening
	MotionClosing
	MotionStopped
)

func (m Motion) String() string {
	switch m {
	case MotionOpening:
		return "opening"
	case MotionClosing:
		return "closing"
	case MotionStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Motion) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Motion) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*m = MotionIdle
	case "opening":
		*m = MotionOpening
	case "closing":
		*m = MotionClosing
	case "stopped":
		*m = MotionStopped
	default:
		return fmt.Errorf("unknown motion %q", text)
	}
	return nil
}

// Status is a decoded status report (format 21, used by the cover actuators).
// Positions are device-native: 0 open, 100 closed.
type Status struct {
	Device              DeviceCode
	Format              byte
	Position            int
	Version             string
	TimeAutomatic       bool
	SunAutomatic        bool
	DuskAutomatic       bool
	DawnAutomatic       bool
	ManualMode          bool
	VentilatingPosition int
	VentilatingMode     bool
	SunPosition         int
	SunMode             bool
}

// ParseStatus decodes a 0FFF0F status frame from a cover actuator. Other
// device types fail with ErrUnsupported, positions outside 0-100 with
// ErrRange.
func ParseStatus(f Frame) (Status, error) {
	if Classify(f) != KindStatus {
		return Status{}, fmt.Errorf("%w: not a status report (type %02X)", ErrFrame, f[0])
	}
	if dev := f.Device(); !dev.Type().IsCover() {
		return Status{}, fmt.Errorf("%w: status of %s (%s)", ErrUnsupported, dev, dev.Type())
	}

	// Status fields are addressed as 16-bit big-endian words starting at byte 3.
	word := func(pos int) uint16 {
		return uint16(f[3+pos])<<8 | uint16(f[4+pos])
	}
	bits := func(w uint16, from, to uint) int {
		return int(w>>from) & (1<<(to-from+1) - 1)
	}

	w0, w1, w2, w6, w7 := word(0), word(1), word(2), word(6), word(7)
	s := Status{
		Device:              f.Device(),
		Format:              f[3],
		Position:            bits(w7, 0, 6),
		Version:             fmt.Sprintf("%d.%d", f[12]>>4, f[12]&0x0F),
		TimeAutomatic:       bits(w0, 0, 0) == 1,
		SunAutomatic:        bits(w0, 2, 2) == 1,
		DuskAutomatic:       bits(w0, 3, 3) == 1,
		ManualMode:          bits(w0, 7, 7) == 1,
		DawnAutomatic:       bits(w1, 3, 3) == 1,
		VentilatingPosition: bits(w2, 0, 6),
		VentilatingMode:     bits(w2, 7, 7) == 1,
		SunPosition:         bits(w6, 0, 6),
		SunMode:             bits(w6, 7, 7) == 1,
	}
	if s.Position > 100 {
		return Status{}, fmt.Errorf("%w: device %s reported position %d", ErrRange, s.Device, s.Position)
	}
	return s, nil
}
