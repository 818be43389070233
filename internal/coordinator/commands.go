package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
	"duofern-go-home/internal/store"
)

// OpenCover moves the cover fully up.
func (c *Coordinator) OpenCover(ctx context.Context, code protocol.DeviceCode) error {
	return c.cover(ctx, code, protocol.CoverUp, 0)
}

// CloseCover moves the cover fully down.
func (c *Coordinator) CloseCover(ctx context.Context, code protocol.DeviceCode) error {
	return c.cover(ctx, code, protocol.CoverDown, 0)
}

// StopCover stops a moving cover.
func (c *Coordinator) StopCover(ctx context.Context, code protocol.DeviceCode) error {
	return c.cover(ctx, code, protocol.CoverStop, 0)
}

// SetPosition moves the cover to position (100 open, 0 closed).
func (c *Coordinator) SetPosition(ctx context.Context, code protocol.DeviceCode, position int) error {
	native, err := protocol.ToNative(position)
	if err != nil {
		return err
	}
	return c.cover(ctx, code, protocol.CoverPosition, native)
}

func (c *Coordinator) cover(ctx context.Context, code protocol.DeviceCode, cmd protocol.CoverCommand, native int) error {
	if !c.devices.known(code) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	}
	st, err := c.session()
	if err != nil {
		return err
	}
	f, err := protocol.CoverFrame(st.SystemCode(), code, cmd, native)
	if err != nil {
		return err
	}
	if err := c.send(ctx, st, code, cmd.String(), f); err != nil {
		return err
	}

	motion := cmd.Motion()
	if cmd == protocol.CoverPosition {
		motion = c.positionMotion(code, native)
	}
	if motion != protocol.MotionIdle {
		c.emit(EventDeviceState, c.devices.setMotion(code, motion))
	}
	return nil
}

// positionMotion guesses the direction of a move to native.
func (c *Coordinator) positionMotion(code protocol.DeviceCode, native int) protocol.Motion {
	state, ok := c.devices.get(code)
	if !ok {
		return protocol.MotionIdle
	}
	current, ok := state.NativePosition()
	switch {
	case !ok || current == native:
		return protocol.MotionIdle
	case native > current:
		return protocol.MotionClosing
	default:
		return protocol.MotionOpening
	}
}

// RequestStatus asks one device to report its status. The answer arrives
// as a device_state event.
func (c *Coordinator) RequestStatus(ctx context.Context, code protocol.DeviceCode) error {
	if !c.devices.known(code) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	}
	st, err := c.session()
	if err != nil {
		return err
	}
	return c.send(ctx, st, code, "status", protocol.StatusRequestFrame(code))
}

// RequestStatusAll asks every paired device to report its status.
func (c *Coordinator) RequestStatusAll(ctx context.Context) error {
	st, err := c.session()
	if err != nil {
		return err
	}
	return c.send(ctx, st, protocol.BroadcastDevice, "status_all", protocol.StatusBroadcastFrame())
}

func (c *Coordinator) send(ctx context.Context, st *stick.Stick, code protocol.DeviceCode, label string, f protocol.Frame) error {
	err := st.Send(ctx, stick.Request{Frame: f, Target: code, Label: label})
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.emit(EventCommandFailed, CommandFailedEvent{Device: code, Command: label, Error: err.Error()})
	}
	return fmt.Errorf("%s %s: %w", label, code, err)
}

// ListDevices returns the paired devices with their last known state.
func (c *Coordinator) ListDevices() []DeviceState {
	return c.devices.list()
}

// Device returns the state of one paired device.
func (c *Coordinator) Device(code protocol.DeviceCode) (DeviceState, error) {
	state, ok := c.devices.get(code)
	if !ok || !state.Known {
		return DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	}
	return state, nil
}

// AddDevice adds a device to the paired set without a pairing window, for
// devices already paired with the stick. It is loaded into the stick's pair
// table on the next handshake.
func (c *Coordinator) AddDevice(code protocol.DeviceCode, name string) (DeviceState, error) {
	if code.IsZero() || code.IsBroadcast() {
		return DeviceState{}, fmt.Errorf("%w: %s", protocol.ErrCode, code)
	}
	if c.devices.known(code) {
		if name == "" {
			state, _ := c.devices.get(code)
			return state, nil
		}
		return c.RenameDevice(code, name)
	}
	state := c.devices.setKnown(code, true, name)
	c.persistDevice(code, name, time.Now())
	c.emit(EventDevicePaired, DeviceEvent{Code: code, Type: state.Type, Name: state.Name})
	return state, nil
}

// RemoveDevice drops a device from the paired set. The stick forgets it on
// the next handshake; use an unpair window to unpair it on the device side.
func (c *Coordinator) RemoveDevice(code protocol.DeviceCode) error {
	if !c.devices.known(code) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	}
	state := c.devices.setKnown(code, false, "")
	c.forgetDevice(code)
	c.emit(EventDeviceUnpaired, DeviceEvent{Code: code, Type: state.Type, Name: state.Name})
	return nil
}

// RenameDevice sets the friendly name of a paired device.
func (c *Coordinator) RenameDevice(code protocol.DeviceCode, name string) (DeviceState, error) {
	state, ok := c.devices.rename(code, name)
	if !ok {
		return DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, code)
	}
	if c.store != nil {
		err := c.store.UpdateDevice(code.String(), func(d *store.Device) error {
			d.FriendlyName = name
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			c.persistDevice(code, name, time.Time{})
		} else if err != nil {
			c.logger.Error("rename device", "device", code, "err", err)
		}
	}
	return state, nil
}

// persistDevice creates or refreshes the stored record of a paired device.
func (c *Coordinator) persistDevice(code protocol.DeviceCode, name string, pairedAt time.Time) {
	if c.store == nil {
		return
	}
	dev, err := c.store.GetDevice(code.String())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("load device", "device", code, "err", err)
			return
		}
		dev = &store.Device{Code: code.String()}
	}
	dev.Type = code.Type().String()
	if name != "" {
		dev.FriendlyName = name
	}
	if !pairedAt.IsZero() {
		dev.PairedAt = pairedAt
	}
	if err := c.store.SaveDevice(dev); err != nil {
		c.logger.Error("save device", "device", code, "err", err)
	}
}

func (c *Coordinator) forgetDevice(code protocol.DeviceCode) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteDevice(code.String()); err != nil {
		c.logger.Error("delete device", "device", code, "err", err)
	}
}
