package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// SystemCodePrefix is the first byte every stick system code starts with.
const SystemCodePrefix byte = 0x6F

// SystemCode is the stick's own 3-byte address.
type SystemCode [3]byte

// DeviceCode is the 3-byte address of a paired device. The first byte is the device type.
type DeviceCode [3]byte

// BroadcastDevice addresses every paired device.
var BroadcastDevice = DeviceCode{0xFF, 0xFF, 0xFF}

func parseCode(s string) ([3]byte, error) {
	var c [3]byte
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return c, fmt.Errorf("%w: %q must be 6 hex digits", ErrCode, s)
	}
	if _, err := hex.Decode(c[:], []byte(s)); err != nil {
		return [3]byte{}, fmt.Errorf("%w: %q: %v", ErrCode, s, err)
	}
	return c, nil
}

// ParseSystemCode parses a 6-hex-digit system code starting with 6F.
func ParseSystemCode(s string) (SystemCode, error) {
	c, err := parseCode(s)
	if err != nil {
		return SystemCode{}, err
	}
	if c[0] != SystemCodePrefix {
		return SystemCode{}, fmt.Errorf("%w: system code %q must start with %02X", ErrCode, s, SystemCodePrefix)
	}
	return SystemCode(c), nil
}

// ParseDeviceCode parses a 6-hex-digit device code.
func ParseDeviceCode(s string) (DeviceCode, error) {
	c, err := parseCode(s)
	if err != nil {
		return DeviceCode{}, err
	}
	return DeviceCode(c), nil
}

func (s SystemCode) String() string {
	return strings.ToUpper(hex.EncodeToString(s[:]))
}

func (d DeviceCode) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

// Type returns the device type encoded in the first byte.
func (d DeviceCode) Type() DeviceType {
	return DeviceType(d[0])
}

// IsZero reports whether no code is set.
func (d DeviceCode) IsZero() bool {
	return d == DeviceCode{}
}

// IsBroadcast reports whether d is the broadcast address.
func (d DeviceCode) IsBroadcast() bool {
	return d == BroadcastDevice
}

// MarshalText implements encoding.TextMarshaler so codes serialise as hex.
func (d DeviceCode) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceCode) UnmarshalText(b []byte) error {
	c, err := ParseDeviceCode(string(b))
	if err != nil {
		return err
	}
	*d = c
	return nil
}
