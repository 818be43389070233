package protocol

// CoverCommand is the two-byte command word of a cover command frame.
type CoverCommand uint16

const (
	CoverUp       CoverCommand = 0x0701
	CoverStop     CoverCommand = 0x0702
	CoverDown     CoverCommand = 0x0703
	CoverPosition CoverCommand = 0x0707
	CoverToggle   CoverCommand = 0x071A
)

// DefaultChannel addresses the primary actuator channel.
const DefaultChannel byte = 0x01

func (c CoverCommand) String() string {
	switch c {
	case CoverUp:
		return "up"
	case CoverStop:
		return "stop"
	case CoverDown:
		return "down"
	case CoverPosition:
		return "position"
	case CoverToggle:
		return "toggle"
	default:
		return "unknown"
	}
}

func single(t byte) Frame {
	var f Frame
	f[0] = t
	return f
}

// Init1Frame opens the handshake.
func Init1Frame() Frame { return single(TypeInit1) }

// Init2Frame is the second handshake step.
func Init2Frame() Frame { return single(TypeInit2) }

// SetDongleFrame announces the system code to the stick.
func SetDongleFrame(sys SystemCode) Frame {
	f := single(TypeSetDongle)
	copy(f[1:4], sys[:])
	f[4] = 0x00
	f[5] = 0x01
	return f
}

// Init3Frame is the step between SetDongle and the pair table.
func Init3Frame() Frame {
	f := single(TypeInit3)
	f[1] = 0x14
	return f
}

// SetPairFrame loads one entry of the stick's pair table.
func SetPairFrame(index int, dev DeviceCode) Frame {
	f := single(TypeSetPair)
	f[1] = byte(index)
	copy(f[2:5], dev[:])
	return f
}

// InitEndFrame closes the initialisation sequence.
func InitEndFrame() Frame {
	f := single(TypeInitEnd)
	f[1] = 0x01
	return f
}

// AckFrame acknowledges a frame received from the stick.
func AckFrame() Frame { return single(TypeAck) }

// StatusRequestFrame asks one device (or BroadcastDevice) to report its status.
func StatusRequestFrame(dev DeviceCode) Frame {
	f := single(TypeCommand)
	f[1] = 0xFF
	f[2] = 0x0F
	f[3] = 0x40
	copy(f[18:21], dev[:])
	f[21] = 0x01
	return f
}

// StatusBroadcastFrame asks every paired device to report its status.
func StatusBroadcastFrame() Frame {
	return StatusRequestFrame(BroadcastDevice)
}

// StartPairFrame opens the stick's pairing window.
func StartPairFrame() Frame { return single(TypeStartPair) }

// StopPairFrame closes the pairing window.
func StopPairFrame() Frame { return single(TypeStopPair) }

// StartUnpairFrame opens the stick's unpairing window.
func StartUnpairFrame() Frame { return single(TypeStartUnpair) }

// StopUnpairFrame closes the unpairing window.
func StopUnpairFrame() Frame { return single(TypeStopUnpair) }
