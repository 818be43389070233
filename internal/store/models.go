package store

import "time"

// Device is a paired DuoFern device.
type Device struct {
	Code         string    `json:"code"`
	Type         string    `json:"type"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	PairedAt     time.Time `json:"paired_at"`
	LastSeen     time.Time `json:"last_seen"`
	// Position is the last reported device-native position (0 open, 100 closed).
	Position *int   `json:"position,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StickState is what the service remembers about the last stick session.
type StickState struct {
	SystemCode    string    `json:"system_code"`
	Port          string    `json:"port"`
	LastConnected time.Time `json:"last_connected"`
}
