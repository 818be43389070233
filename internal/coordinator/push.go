package coordinator

import (
	"errors"
	"time"

	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/store"
)

// handleFrame decodes one device frame from the stick. It runs on the
// session's consumer goroutine, in receipt order.
func (c *Coordinator) handleFrame(f protocol.Frame) {
	switch kind := protocol.Classify(f); kind {
	case protocol.KindStatus:
		c.handleStatus(f)
	case protocol.KindMotion:
		m, err := protocol.Decode(f)
		if err != nil {
			c.logger.Warn("motion frame dropped", "frame", f.Hex(), "err", err)
			return
		}
		state := c.devices.applyMotion(m.Device, m.Motion, time.Now())
		c.logger.Debug("device motion", "device", m.Device, "motion", m.Motion)
		c.emit(EventDeviceState, state)
	case protocol.KindPairNotify, protocol.KindUnpairNotify:
		c.handleAnnouncement(kind, f.Device())
	case protocol.KindBroadcastAck:
		c.logger.Debug("status broadcast acknowledged", "device", f.Device())
	default:
		c.logger.Debug("unrecognized frame dropped", "frame", f.Hex())
	}
}

func (c *Coordinator) handleStatus(f protocol.Frame) {
	s, err := protocol.ParseStatus(f)
	if errors.Is(err, protocol.ErrUnsupported) {
		c.logger.Debug("status ignored", "frame", f.Hex(), "err", err)
		return
	}
	if err != nil {
		if errors.Is(err, protocol.ErrRange) {
			c.metrics.RangeError()
		}
		c.logger.Warn("status frame dropped", "frame", f.Hex(), "err", err)
		return
	}
	consumer, err := protocol.ToConsumer(s.Position)
	if err != nil {
		c.metrics.RangeError()
		c.logger.Warn("status frame dropped", "frame", f.Hex(), "err", err)
		return
	}

	now := time.Now()
	state := c.devices.applyStatus(s, consumer, now)
	if !state.Known {
		c.logger.Debug("status from unpaired device", "device", s.Device, "position", consumer)
	} else {
		c.logger.Debug("device status", "device", s.Device, "position", consumer, "native", s.Position)
		c.persistStatus(s, now)
	}
	c.emit(EventDeviceState, state)
}

func (c *Coordinator) persistStatus(s protocol.Status, now time.Time) {
	if c.store == nil {
		return
	}
	native := s.Position
	err := c.store.UpdateDevice(s.Device.String(), func(d *store.Device) error {
		d.Position = &native
		d.Version = s.Version
		d.LastSeen = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		state, _ := c.devices.get(s.Device)
		err = c.store.SaveDevice(&store.Device{
			Code:         s.Device.String(),
			Type:         s.Device.Type().String(),
			FriendlyName: state.Name,
			LastSeen:     now,
			Position:     &native,
			Version:      s.Version,
		})
	}
	if err != nil {
		c.logger.Error("persist device status", "device", s.Device, "err", err)
	}
}
