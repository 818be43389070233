package stick

import (
	"fmt"

	"duofern-go-home/internal/protocol"
)

// Wire selects how frames are represented on the serial line.
type Wire int

const (
	// WireHex sends 44 uppercase hex characters and a newline per frame.
	WireHex Wire = iota
	// WireBinary sends the 22 raw bytes.
	WireBinary
)

// ParseWire accepts "hex" and "binary". An empty string means hex.
func ParseWire(s string) (Wire, error) {
	switch s {
	case "", "hex":
		return WireHex, nil
	case "binary":
		return WireBinary, nil
	default:
		return WireHex, fmt.Errorf("unknown wire format %q", s)
	}
}

func (w Wire) String() string {
	if w == WireBinary {
		return "binary"
	}
	return "hex"
}

// encodeFrame renders f for the wire.
func encodeFrame(w Wire, f protocol.Frame) []byte {
	if w == WireBinary {
		out := make([]byte, protocol.FrameSize)
		copy(out, f[:])
		return out
	}
	return []byte(f.Hex() + "\n")
}

// Framer cuts the inbound byte stream into frames. A hex frame is complete
// at a delimiter or an idle gap after exactly 44 digits; a binary frame after
// 22 bytes. A malformed chunk is dropped and the framer resynchronises at the
// next delimiter (hex) or idle gap (both). It is not safe for concurrent use.
type Framer struct {
	wire Wire
	buf  []byte
	// bad marks a hex chunk that already contained an invalid character or
	// too many digits.
	bad bool
}

func NewFramer(w Wire) *Framer {
	return &Framer{wire: w, buf: make([]byte, 0, protocol.HexFrameSize)}
}

// Feed consumes a chunk read from the port. It returns the complete frames
// and the number of malformed chunks that were discarded.
func (fr *Framer) Feed(chunk []byte) (frames []protocol.Frame, dropped int) {
	if fr.wire == WireBinary {
		return fr.feedBinary(chunk)
	}
	for _, c := range chunk {
		switch {
		case isHexDigit(c):
			if fr.bad {
				continue
			}
			if len(fr.buf) == protocol.HexFrameSize {
				fr.bad = true
				fr.buf = fr.buf[:0]
				continue
			}
			fr.buf = append(fr.buf, c)
		case c == '\n' || c == '\r':
			f, ok, bad := fr.endHexChunk()
			if ok {
				frames = append(frames, f)
			}
			dropped += bad
		case c == ' ' || c == '\t':
			// Padding between frames.
		default:
			fr.bad = true
			fr.buf = fr.buf[:0]
		}
	}
	return frames, dropped
}

// endHexChunk closes the current hex chunk. Blank chunks are neither frames
// nor errors.
func (fr *Framer) endHexChunk() (f protocol.Frame, ok bool, dropped int) {
	defer func() {
		fr.buf = fr.buf[:0]
		fr.bad = false
	}()
	if fr.bad {
		return f, false, 1
	}
	if len(fr.buf) == 0 {
		return f, false, 0
	}
	f, err := protocol.ParseHex(string(fr.buf))
	if err != nil {
		return f, false, 1
	}
	return f, true, 0
}

func (fr *Framer) feedBinary(chunk []byte) (frames []protocol.Frame, dropped int) {
	fr.buf = append(fr.buf, chunk...)
	for len(fr.buf) >= protocol.FrameSize {
		var f protocol.Frame
		copy(f[:], fr.buf[:protocol.FrameSize])
		frames = append(frames, f)
		fr.buf = fr.buf[protocol.FrameSize:]
	}
	if len(fr.buf) == 0 {
		fr.buf = make([]byte, 0, protocol.HexFrameSize)
	}
	return frames, dropped
}

// Idle is called when the line has been quiet for the read timeout. A
// complete hex frame waiting for its delimiter is returned; any partial
// chunk is discarded.
func (fr *Framer) Idle() (frames []protocol.Frame, dropped int) {
	if fr.wire == WireHex {
		f, ok, bad := fr.endHexChunk()
		if !ok {
			return nil, bad
		}
		return []protocol.Frame{f}, 0
	}
	if len(fr.buf) > 0 {
		dropped = 1
	}
	fr.buf = fr.buf[:0]
	return nil, dropped
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
