package coordinator

import (
	"context"
	"fmt"
	"time"

	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
)

// PairingMode selects what the listening window accepts.
type PairingMode string

const (
	PairingPair   PairingMode = "pair"
	PairingUnpair PairingMode = "unpair"
)

// ParsePairingMode accepts "pair" and "unpair".
func ParsePairingMode(s string) (PairingMode, error) {
	switch PairingMode(s) {
	case PairingPair, PairingUnpair:
		return PairingMode(s), nil
	default:
		return "", fmt.Errorf("unknown pairing mode %q", s)
	}
}

// PairingStatus describes the current pairing window.
type PairingStatus struct {
	Active    bool                  `json:"active"`
	Mode      PairingMode           `json:"mode,omitempty"`
	StartedAt time.Time             `json:"started_at,omitempty"`
	Timeout   time.Duration         `json:"timeout,omitempty"`
	Remaining time.Duration         `json:"remaining,omitempty"`
	Devices   []protocol.DeviceCode `json:"devices,omitempty"`
}

type pairingSession struct {
	mode      PairingMode
	startedAt time.Time
	timeout   time.Duration
	devices   []protocol.DeviceCode
	timer     *time.Timer
}

func (p *pairingSession) frames() (start, stop protocol.Frame) {
	if p.mode == PairingUnpair {
		return protocol.StartUnpairFrame(), protocol.StopUnpairFrame()
	}
	return protocol.StartPairFrame(), protocol.StopPairFrame()
}

// StartPairing opens a pairing or unpairing window on the stick. The window
// closes by itself after timeout (the configured default when zero).
func (c *Coordinator) StartPairing(ctx context.Context, mode PairingMode, timeout time.Duration) error {
	if _, err := ParsePairingMode(string(mode)); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.config.PairingTimeout
	}

	c.pmu.Lock()
	if c.pairing != nil {
		c.pmu.Unlock()
		return ErrPairingActive
	}
	st, err := c.session()
	if err != nil {
		c.pmu.Unlock()
		return err
	}
	sess := &pairingSession{mode: mode, startedAt: time.Now(), timeout: timeout}
	c.pairing = sess
	c.pmu.Unlock()

	start, _ := sess.frames()
	if err := st.Send(ctx, stick.Request{Frame: start, Label: "start_" + string(mode)}); err != nil {
		c.pmu.Lock()
		if c.pairing == sess {
			c.pairing = nil
		}
		c.pmu.Unlock()
		return fmt.Errorf("start %s window: %w", mode, err)
	}

	c.pmu.Lock()
	if c.pairing != sess {
		// Link dropped while the start frame was in flight.
		c.pmu.Unlock()
		return stick.ErrNotConnected
	}
	sess.startedAt = time.Now()
	sess.timer = time.AfterFunc(timeout, func() { c.endPairing(sess, "timeout") })
	c.pmu.Unlock()

	c.metrics.SetPairing(true)
	c.logger.Info("pairing window opened", "mode", mode, "timeout", timeout)
	c.emit(EventPairingStarted, PairingEvent{Mode: mode, Timeout: timeout})
	return nil
}

// StopPairing closes the current window early. It is a no-op when no
// window is open.
func (c *Coordinator) StopPairing(ctx context.Context) error {
	c.pmu.Lock()
	sess := c.pairing
	c.pmu.Unlock()
	if sess == nil {
		return nil
	}
	c.endPairing(sess, "stopped")
	return nil
}

// PairingStatus returns the state of the pairing window.
func (c *Coordinator) PairingStatus() PairingStatus {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	sess := c.pairing
	if sess == nil {
		return PairingStatus{}
	}
	remaining := sess.timeout - time.Since(sess.startedAt)
	if remaining < 0 {
		remaining = 0
	}
	return PairingStatus{
		Active:    true,
		Mode:      sess.mode,
		StartedAt: sess.startedAt,
		Timeout:   sess.timeout,
		Remaining: remaining,
		Devices:   append([]protocol.DeviceCode(nil), sess.devices...),
	}
}

// endPairing closes sess if it is still the current window and tells the
// stick to stop listening.
func (c *Coordinator) endPairing(sess *pairingSession, reason string) {
	c.pmu.Lock()
	if c.pairing != sess {
		c.pmu.Unlock()
		return
	}
	c.pairing = nil
	if sess.timer != nil {
		sess.timer.Stop()
	}
	devices := append([]protocol.DeviceCode(nil), sess.devices...)
	c.pmu.Unlock()
	c.metrics.SetPairing(false)

	if st, err := c.session(); err == nil {
		_, stop := sess.frames()
		budget := c.config.AckTimeout
		if budget <= 0 {
			budget = stick.DefaultAckTimeout
		}
		ctx, cancel := context.WithTimeout(c.ctx, budget*time.Duration(c.config.Retries+2))
		if err := st.Send(ctx, stick.Request{Frame: stop, Label: "stop_" + string(sess.mode)}); err != nil {
			c.logger.Warn("closing pairing window", "mode", sess.mode, "err", err)
		}
		cancel()
	}

	c.logger.Info("pairing window closed", "mode", sess.mode, "reason", reason, "devices", len(devices))
	c.emit(EventPairingEnded, PairingEvent{
		Mode:    sess.mode,
		Timeout: sess.timeout,
		Reason:  reason,
		Devices: devices,
	})
}

// abortPairing drops the window without talking to the stick.
func (c *Coordinator) abortPairing(reason string) {
	c.pmu.Lock()
	sess := c.pairing
	if sess == nil {
		c.pmu.Unlock()
		return
	}
	c.pairing = nil
	if sess.timer != nil {
		sess.timer.Stop()
	}
	devices := append([]protocol.DeviceCode(nil), sess.devices...)
	c.pmu.Unlock()
	c.metrics.SetPairing(false)

	c.logger.Info("pairing window aborted", "mode", sess.mode, "reason", reason)
	c.emit(EventPairingEnded, PairingEvent{
		Mode:    sess.mode,
		Timeout: sess.timeout,
		Reason:  reason,
		Devices: devices,
	})
}

// handleAnnouncement applies a pair or unpair notification received while
// the matching window is open.
func (c *Coordinator) handleAnnouncement(kind protocol.Kind, code protocol.DeviceCode) {
	want := PairingPair
	if kind == protocol.KindUnpairNotify {
		want = PairingUnpair
	}

	c.pmu.Lock()
	sess := c.pairing
	if sess == nil || sess.mode != want {
		c.pmu.Unlock()
		c.logger.Info("device announcement outside pairing window ignored", "kind", kind, "device", code)
		return
	}
	dup := false
	for _, d := range sess.devices {
		if d == code {
			dup = true
			break
		}
	}
	if !dup {
		sess.devices = append(sess.devices, code)
	}
	c.pmu.Unlock()

	if want == PairingPair {
		state := c.devices.setKnown(code, true, "")
		c.persistDevice(code, state.Name, time.Now())
		c.logger.Info("device paired", "device", code, "type", code.Type())
		c.emit(EventDevicePaired, DeviceEvent{Code: code, Type: code.Type().String(), Name: state.Name})
		return
	}

	state := c.devices.setKnown(code, false, "")
	c.forgetDevice(code)
	c.logger.Info("device unpaired", "device", code, "type", code.Type())
	c.emit(EventDeviceUnpaired, DeviceEvent{Code: code, Type: code.Type().String(), Name: state.Name})
}
