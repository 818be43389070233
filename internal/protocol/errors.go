package protocol

import "errors"

var (
	// ErrFrame is returned for byte sequences that are not a well-formed frame.
	ErrFrame = errors.New("malformed frame")

	// ErrRange is returned for positions outside 0-100.
	ErrRange = errors.New("value out of range")

	// ErrUnsupported is returned for status reports of device types whose
	// format is not decoded.
	ErrUnsupported = errors.New("unsupported status format")

	// ErrCode is returned for invalid system or device codes.
	ErrCode = errors.New("invalid code")
)
