package stick

import "errors"

var (
	// ErrHandshake is returned when a handshake step gets an unexpected reply
	// or none within the step timeout. The connection attempt is over.
	ErrHandshake = errors.New("stick handshake failed")

	// ErrCommandTimeout is returned when a command stays unacknowledged after
	// all retries.
	ErrCommandTimeout = errors.New("command not acknowledged")

	// ErrNotConnected is returned for commands submitted before the handshake
	// completed or after the link was closed.
	ErrNotConnected = errors.New("stick not connected")

	// ErrPortBusy is returned when the serial port is held by another user.
	ErrPortBusy = errors.New("serial port busy")

	// ErrNoStick is returned by discovery when no USB stick is attached.
	ErrNoStick = errors.New("no duofern stick found")
)
