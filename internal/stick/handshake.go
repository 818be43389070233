package stick

import (
	"context"
	"fmt"
	"time"

	"duofern-go-home/internal/protocol"
)

// Step is a handshake state. Steps only move forward; a new connection
// starts again at StepInit1.
type Step int32

const (
	StepInit1 Step = iota
	StepInit2
	StepSetDongle
	StepInit3
	StepSetPairs
	StepInitEnd
	StepStatusBroadcast
	StepReady
)

func (s Step) String() string {
	switch s {
	case StepInit1:
		return "init1"
	case StepInit2:
		return "init2"
	case StepSetDongle:
		return "set_dongle"
	case StepInit3:
		return "init3"
	case StepSetPairs:
		return "set_pairs"
	case StepInitEnd:
		return "init_end"
	case StepStatusBroadcast:
		return "status_broadcast"
	case StepReady:
		return "ready"
	default:
		return fmt.Sprintf("step(%d)", int32(s))
	}
}

// stepFrames returns the frames written in step, in order.
func (s *Stick) stepFrames(step Step) []protocol.Frame {
	switch step {
	case StepInit1:
		return []protocol.Frame{protocol.Init1Frame()}
	case StepInit2:
		return []protocol.Frame{protocol.Init2Frame()}
	case StepSetDongle:
		return []protocol.Frame{protocol.SetDongleFrame(s.cfg.SystemCode)}
	case StepInit3:
		return []protocol.Frame{protocol.Init3Frame()}
	case StepSetPairs:
		frames := make([]protocol.Frame, 0, len(s.cfg.Devices))
		for i, dev := range s.cfg.Devices {
			frames = append(frames, protocol.SetPairFrame(i, dev))
		}
		return frames
	case StepInitEnd:
		return []protocol.Frame{protocol.InitEndFrame()}
	case StepStatusBroadcast:
		return []protocol.Frame{protocol.StatusBroadcastFrame()}
	default:
		return nil
	}
}

// Handshake runs the initialisation sequence. It must be called once, right
// after New; the stick accepts commands only after it returns nil. Any error
// leaves the stick unusable and the caller should Close it and reconnect.
func (s *Stick) Handshake(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	start := time.Now()
	for step := StepInit1; step < StepReady; step++ {
		s.step.Store(int32(step))
		for _, f := range s.stepFrames(step) {
			if err := s.exchange(ctx, step, f); err != nil {
				s.metrics.Handshake("failed")
				s.logger.Warn("handshake failed", "step", step, "err", err)
				return err
			}
		}
		s.logger.Debug("handshake step done", "step", step)
	}
	s.step.Store(int32(StepReady))
	s.ready.Store(true)
	s.metrics.Handshake("ok")
	s.logger.Info("handshake complete",
		"system_code", s.cfg.SystemCode,
		"devices", len(s.cfg.Devices),
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// exchange writes one handshake frame and waits for the stick's ACK. From
// SetDongle on, every reply is acknowledged back.
func (s *Stick) exchange(ctx context.Context, step Step, f protocol.Frame) error {
	// Drop replies that arrived late for an earlier step.
drain:
	for {
		select {
		case <-s.replies:
		default:
			break drain
		}
	}

	if err := s.writeFrame(f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrHandshake, step, err)
	}

	timer := time.NewTimer(s.cfg.StepTimeout)
	defer timer.Stop()

	select {
	case reply := <-s.replies:
		if !reply.IsAck() {
			return fmt.Errorf("%w: %s: unexpected reply %s", ErrHandshake, step, reply.Hex())
		}
		if step >= StepSetDongle {
			if err := s.writeFrame(protocol.AckFrame()); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrHandshake, step, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s: no reply within %s", ErrHandshake, step, s.cfg.StepTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrHandshake, step, ctx.Err())
	case <-s.done:
		return fmt.Errorf("%w: %s: %w", ErrHandshake, step, ErrNotConnected)
	}
}
