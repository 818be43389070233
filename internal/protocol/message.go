package protocol

import "fmt"

// Kind classifies a frame by its type and opcode bytes.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindStatus
	KindMotion
	KindPairNotify
	KindUnpairNotify
	KindBroadcastAck
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindStatus:
		return "status"
	case KindMotion:
		return "motion"
	case KindPairNotify:
		return "pair_notify"
	case KindUnpairNotify:
		return "unpair_notify"
	case KindBroadcastAck:
		return "broadcast_ack"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Message is the logical view of a frame.
type Message struct {
	Kind    Kind
	Device  DeviceCode
	System  SystemCode // commands only
	Channel byte
	Command CoverCommand // commands and motion relays
	Timer   bool
	// Position is device-native (0 open, 100 closed) and only set for
	// CoverPosition commands.
	Position int
	Motion   Motion // motion relays only
}

// Classify returns the kind of f without validating its payload.
func Classify(f Frame) Kind {
	switch {
	case f[0] == TypeAck:
		return KindAck
	case f[0] == TypeDeviceReport && f[1] == 0xFF && f[2] == 0x0F:
		return KindStatus
	case f[0] == TypeDeviceReport && f[1] == 0xFF && f[2] == 0x11:
		return KindBroadcastAck
	case f[0] == TypeDeviceReport && f[2] == 0x07 && motionFor(CoverCommand(0x0700|uint16(f[3]))) != MotionIdle:
		return KindMotion
	case f[0] == TypeNotify && f[1] == 0x02:
		return KindPairNotify
	case f[0] == TypeNotify && f[1] == 0x03:
		return KindUnpairNotify
	case f[0] == TypeCommand && f[2] == 0x07:
		return KindCommand
	default:
		return KindUnknown
	}
}

// DecodeBytes validates the length of b and decodes it.
func DecodeBytes(b []byte) (Message, error) {
	f, err := FrameFromBytes(b)
	if err != nil {
		return Message{}, err
	}
	return Decode(f)
}

// Decode extracts the logical fields of f.
func Decode(f Frame) (Message, error) {
	m := Message{Kind: Classify(f), Device: f.Device()}
	switch m.Kind {
	case KindCommand:
		m.Channel = f[1]
		m.Command = CoverCommand(uint16(f[2])<<8 | uint16(f[3]))
		copy(m.System[:], f[15:18])
		copy(m.Device[:], f[18:21])
		switch m.Command {
		case CoverUp, CoverDown:
			m.Timer = f[4] == 0x01
		case CoverPosition:
			m.Timer = f[4] == 0x01
			if f[5] > 100 {
				return Message{}, fmt.Errorf("%w: command position %d", ErrRange, f[5])
			}
			m.Position = int(f[5])
		}
	case KindMotion:
		m.Channel = f[1]
		m.Command = CoverCommand(0x0700 | uint16(f[3]))
		m.Motion = motionFor(m.Command)
	}
	return m, nil
}

// Encode builds a cover command frame sent from sys. Only KindCommand
// messages can be encoded; stick control frames have dedicated builders.
func Encode(sys SystemCode, m Message) (Frame, error) {
	var f Frame
	if m.Kind != KindCommand {
		return f, fmt.Errorf("%w: cannot encode %s message", ErrFrame, m.Kind)
	}
	switch m.Command {
	case CoverUp, CoverStop, CoverDown, CoverPosition, CoverToggle:
	default:
		return f, fmt.Errorf("%w: unknown cover command 0x%04X", ErrFrame, uint16(m.Command))
	}
	f[0] = TypeCommand
	f[1] = m.Channel
	f[2] = byte(m.Command >> 8)
	f[3] = byte(m.Command)
	switch m.Command {
	case CoverUp, CoverDown:
		if m.Timer {
			f[4] = 0x01
		}
	case CoverPosition:
		if m.Position < 0 || m.Position > 100 {
			return Frame{}, fmt.Errorf("%w: position %d not in 0-100", ErrRange, m.Position)
		}
		if m.Timer {
			f[4] = 0x01
		}
		f[5] = byte(m.Position)
	}
	copy(f[15:18], sys[:])
	copy(f[18:21], m.Device[:])
	return f, nil
}

// CoverFrame is a shorthand for encoding a command to the default channel.
func CoverFrame(sys SystemCode, dev DeviceCode, cmd CoverCommand, nativePosition int) (Frame, error) {
	return Encode(sys, Message{
		Kind:     KindCommand,
		Device:   dev,
		Channel:  DefaultChannel,
		Command:  cmd,
		Position: nativePosition,
	})
}

func motionFor(cmd CoverCommand) Motion {
	switch cmd {
	case CoverUp:
		return MotionOpening
	case CoverDown:
		return MotionClosing
	case CoverStop:
		return MotionStopped
	default:
		return MotionIdle
	}
}

// Motion returns the movement a cover starts after receiving c. Position and
// toggle commands depend on the current position and report MotionIdle.
func (c CoverCommand) Motion() Motion {
	return motionFor(c)
}
