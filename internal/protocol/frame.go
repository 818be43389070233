package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame sizes.
const (
	FrameSize    = 22
	HexFrameSize = FrameSize * 2
)

// Frame is a single DuoFern message as exchanged with the USB stick.
type Frame [FrameSize]byte

// Message type byte (frame[0]).
const (
	TypeInit1        byte = 0x01
	TypeSetPair      byte = 0x03
	TypeStartPair    byte = 0x04
	TypeStopPair     byte = 0x05
	TypeNotify       byte = 0x06
	TypeStartUnpair  byte = 0x07
	TypeStopUnpair   byte = 0x08
	TypeSetDongle    byte = 0x0A
	TypeCommand      byte = 0x0D
	TypeInit2        byte = 0x0E
	TypeDeviceReport byte = 0x0F
	TypeInitEnd      byte = 0x10
	TypeInit3        byte = 0x14
	TypeAck          byte = 0x81
)

// ParseHex decodes 44 hex characters into a frame. Surrounding whitespace is ignored.
func ParseHex(s string) (Frame, error) {
	var f Frame
	s = strings.TrimSpace(s)
	if len(s) != HexFrameSize {
		return f, fmt.Errorf("%w: want %d hex chars, got %d", ErrFrame, HexFrameSize, len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrFrame, err)
	}
	return f, nil
}

// FrameFromBytes copies a raw 22-byte message into a frame.
func FrameFromBytes(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, fmt.Errorf("%w: want %d bytes, got %d", ErrFrame, FrameSize, len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Hex returns the uppercase 44-character wire representation.
func (f Frame) Hex() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

func (f Frame) String() string {
	return f.Hex()
}

// Type returns the message type byte.
func (f Frame) Type() byte {
	return f[0]
}

// IsAck reports whether the frame is a stick acknowledgement.
func (f Frame) IsAck() bool {
	return f[0] == TypeAck
}

// FromDevice reports whether the frame was originated by a paired device
// (status reports, button relays, pairing notifications).
func (f Frame) FromDevice() bool {
	return f[0] == TypeDeviceReport || f[0] == TypeNotify
}

// Device returns the device code carried by the frame. ACK frames carry it
// at bytes 18-20, everything else at bytes 15-17.
func (f Frame) Device() DeviceCode {
	var d DeviceCode
	if f.IsAck() {
		copy(d[:], f[18:21])
	} else {
		copy(d[:], f[15:18])
	}
	return d
}
