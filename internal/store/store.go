package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations. Devices are keyed by their 6-digit code.
	SaveDevice(dev *Device) error
	GetDevice(code string) (*Device, error)
	DeleteDevice(code string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(code string, fn func(dev *Device) error) error

	// Stick state
	SaveStickState(state *StickState) error
	GetStickState() (*StickState, error)

	// Close the store
	Close() error
}
