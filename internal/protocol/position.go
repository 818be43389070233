package protocol

import "fmt"

// Devices report 0 for fully open and 100 for fully closed. Consumers use
// the opposite convention (100 = open), so the mapping is its own inverse.

// ToConsumer converts a device-native position to the consumer convention.
func ToConsumer(native int) (int, error) {
	return invert(native)
}

// ToNative converts a consumer position to the device-native convention.
func ToNative(consumer int) (int, error) {
	return invert(consumer)
}

func invert(x int) (int, error) {
	if x < 0 || x > 100 {
		return 0, fmt.Errorf("%w: position %d not in 0-100", ErrRange, x)
	}
	return 100 - x, nil
}
