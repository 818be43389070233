//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/protocol"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/duofern_4090EA/cover/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// haCover is the discovery payload of an MQTT cover.
type haCover struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	DeviceClass       string   `json:"device_class"`
	AvailabilityTopic string   `json:"availability_topic"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	CommandTopic      string   `json:"command_topic"`
	PayloadOpen       string   `json:"payload_open"`
	PayloadClose      string   `json:"payload_close"`
	PayloadStop       string   `json:"payload_stop"`
	StateOpen         string   `json:"state_open"`
	StateOpening      string   `json:"state_opening"`
	StateClosed       string   `json:"state_closed"`
	StateClosing      string   `json:"state_closing"`
	StateStopped      string   `json:"state_stopped"`
	PositionTopic     string   `json:"position_topic"`
	PositionTemplate  string   `json:"position_template"`
	SetPositionTopic  string   `json:"set_position_topic"`
	PositionOpen      int      `json:"position_open"`
	PositionClosed    int      `json:"position_closed"`
	Optimistic        bool     `json:"optimistic"`
	Device            haDevice `json:"device"`
}

// coverPayload is what the bridge publishes on a cover's state topic.
type coverPayload struct {
	State    string `json:"state"`
	Position *int   `json:"position"`
	Motion   string `json:"motion"`
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(d coordinator.DeviceState) string {
	if d.Name != "" {
		return d.Name
	}
	return d.Type + " " + d.Code.String()
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(code protocol.DeviceCode) string {
	return "duofern_" + code.String()
}

func (b *Bridge) stateTopic(code protocol.DeviceCode) string {
	return b.prefix + "/" + code.String()
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) coverConfigTopic(code protocol.DeviceCode) string {
	return fmt.Sprintf("%s/cover/%s/cover/config", b.discovery, deviceIdentifier(code))
}

// buildCoverDiscovery describes a paired cover actuator to Home Assistant.
// Other device types get no entity.
func (b *Bridge) buildCoverDiscovery(d coordinator.DeviceState) (discoveryMsg, bool) {
	if !d.Cover || !d.Known {
		return discoveryMsg{}, false
	}
	nodeID := deviceIdentifier(d.Code)
	state := b.stateTopic(d.Code)
	payload := haCover{
		Name:              deviceDisplayName(d),
		UniqueID:          nodeID + "_cover",
		DeviceClass:       "shutter",
		AvailabilityTopic: b.availabilityTopic(),
		StateTopic:        state,
		ValueTemplate:     "{{ value_json.state }}",
		CommandTopic:      state + "/set",
		PayloadOpen:       "OPEN",
		PayloadClose:      "CLOSE",
		PayloadStop:       "STOP",
		StateOpen:         "open",
		StateOpening:      "opening",
		StateClosed:       "closed",
		StateClosing:      "closing",
		StateStopped:      "stopped",
		PositionTopic:     state,
		PositionTemplate:  "{{ value_json.position }}",
		SetPositionTopic:  state + "/set_position",
		PositionOpen:      100,
		PositionClosed:    0,
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Rademacher",
			Model:        d.Type,
			Name:         deviceDisplayName(d),
			SWVersion:    d.Version,
			ViaDevice:    "duofern_bridge",
		},
	}
	return discoveryMsg{Topic: b.coverConfigTopic(d.Code), Payload: mustJSON(payload)}, true
}

// buildRemoveDiscovery generates the empty retained message that removes a
// cover from HA.
func (b *Bridge) buildRemoveDiscovery(code protocol.DeviceCode) discoveryMsg {
	return discoveryMsg{Topic: b.coverConfigTopic(code)}
}

// coverState maps a device state to the HA cover states.
func coverState(d coordinator.DeviceState) string {
	switch d.Motion {
	case protocol.MotionOpening:
		return "opening"
	case protocol.MotionClosing:
		return "closing"
	}
	switch {
	case d.Position == nil:
		return "stopped"
	case *d.Position == 0:
		return "closed"
	case *d.Position == 100:
		return "open"
	case d.Motion == protocol.MotionStopped:
		return "stopped"
	default:
		return "open"
	}
}

func buildState(d coordinator.DeviceState) []byte {
	p := coverPayload{
		State:    coverState(d),
		Position: d.Position,
		Motion:   d.Motion.String(),
		Name:     d.Name,
		Version:  d.Version,
	}
	if !d.LastSeen.IsZero() {
		p.LastSeen = d.LastSeen.Format(time.RFC3339)
	}
	return mustJSON(p)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
