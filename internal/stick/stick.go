// Package stick drives the DuoFern USB stick: serial transport, wire
// framing, the initialisation handshake and the ACK-gated command queue.
//
// One goroutine reads the port and dispatches every frame: ACKs go to the
// handshake or the command queue, every other frame is acknowledged and
// forwarded on Frames. One goroutine transmits queued commands.
package stick

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"duofern-go-home/internal/metrics"
	"duofern-go-home/internal/protocol"
)

// Policy defaults.
const (
	DefaultAckTimeout  = 5 * time.Second
	DefaultStepTimeout = 5 * time.Second
	DefaultRetries     = 1

	framesBuffer    = 256
	maxReadFailures = 5
)

// Config holds the per-connection parameters.
type Config struct {
	SystemCode protocol.SystemCode
	// Devices is loaded into the stick's pair table during the handshake.
	Devices []protocol.DeviceCode
	Wire    Wire

	AckTimeout  time.Duration
	StepTimeout time.Duration
	// Retries is the number of retransmissions after the first attempt.
	Retries int
}

func (c *Config) setDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
}

// Stick is one open connection to the USB stick.
type Stick struct {
	port    Port
	cfg     Config
	framer  *Framer
	metrics *metrics.Metrics
	logger  *slog.Logger

	writeMu sync.Mutex

	step    atomic.Int32
	ready   atomic.Bool
	replies chan protocol.Frame // handshake replies
	acks    chan protocol.DeviceCode
	frames  chan protocol.Frame // device frames for the push decoder
	queue   *queue

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
	wg        sync.WaitGroup
}

// New takes ownership of port and starts the read loop. The caller runs
// Handshake next. m may be nil.
func New(port Port, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Stick {
	cfg.setDefaults()
	devices := make([]protocol.DeviceCode, len(cfg.Devices))
	copy(devices, cfg.Devices)
	cfg.Devices = devices

	s := &Stick{
		port:    port,
		cfg:     cfg,
		framer:  NewFramer(cfg.Wire),
		metrics: m,
		logger:  logger.With("component", "stick"),
		replies: make(chan protocol.Frame, 8),
		acks:    make(chan protocol.DeviceCode, 8),
		frames:  make(chan protocol.Frame, framesBuffer),
		queue:   newQueue(),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.runQueue()
	return s
}

// Frames delivers device frames (status reports, motion relays, pairing
// notifications) in receipt order. It is closed when the read loop exits.
func (s *Stick) Frames() <-chan protocol.Frame {
	return s.frames
}

// Done is closed when the link is lost or the stick is closed.
func (s *Stick) Done() <-chan struct{} {
	return s.done
}

// Err returns why the link went down, or nil after a plain Close.
func (s *Stick) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Ready reports whether the handshake completed.
func (s *Stick) Ready() bool {
	return s.ready.Load()
}

// Step returns the current handshake state.
func (s *Stick) Step() Step {
	return Step(s.step.Load())
}

// SystemCode returns the code the stick was initialised with.
func (s *Stick) SystemCode() protocol.SystemCode {
	return s.cfg.SystemCode
}

// shutdown records cause (if first) and tears down the link.
func (s *Stick) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		s.ready.Store(false)
		close(s.done)
		s.port.Close()
	})
}

// Close stops the stick, fails every queued and in-flight command with
// ErrNotConnected and waits for the goroutines to exit.
func (s *Stick) Close() error {
	s.shutdown(nil)
	s.wg.Wait()
	s.failQueued()
	return nil
}

// writeFrame is the only path to the port.
func (s *Stick) writeFrame(f protocol.Frame) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	data := encodeFrame(s.cfg.Wire, f)

	s.writeMu.Lock()
	_, err := s.port.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	s.metrics.FrameSent(sentKind(f))
	s.logger.Debug("frame sent", "frame", f.Hex())
	return nil
}

func sentKind(f protocol.Frame) string {
	switch f.Type() {
	case protocol.TypeAck:
		return "ack"
	case protocol.TypeCommand:
		return "command"
	case protocol.TypeStartPair, protocol.TypeStopPair, protocol.TypeStartUnpair, protocol.TypeStopUnpair:
		return "pairing"
	default:
		return "handshake"
	}
}

func (s *Stick) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	buf := make([]byte, 256)
	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	failures := 0

	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			frames, dropped := s.framer.Feed(buf[:n])
			s.countDropped(dropped)
			for _, f := range frames {
				s.dispatch(f)
			}
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isClosed(err) {
				s.logger.Warn("stick link lost", "err", err)
				s.shutdown(fmt.Errorf("read: %w", err))
				return
			}
			failures++
			s.logger.Error("stick read error", "err", err, "failures", failures)
			if failures >= maxReadFailures {
				s.shutdown(fmt.Errorf("read: %w", err))
				return
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		failures = 0
		backoff = 10 * time.Millisecond

		if n == 0 {
			frames, dropped := s.framer.Idle()
			s.countDropped(dropped)
			for _, f := range frames {
				s.dispatch(f)
			}
		}
	}
}

func (s *Stick) countDropped(n int) {
	for i := 0; i < n; i++ {
		s.metrics.FrameError()
	}
	if n > 0 {
		s.logger.Debug("malformed input dropped", "chunks", n)
	}
}

// dispatch routes one inbound frame. It never blocks on consumers.
func (s *Stick) dispatch(f protocol.Frame) {
	kind := protocol.Classify(f)
	s.metrics.FrameReceived(kind.String())
	s.logger.Debug("frame received", "frame", f.Hex(), "kind", kind)

	ready := s.ready.Load()

	if f.IsAck() {
		if !ready {
			s.offerReply(f)
			return
		}
		select {
		case s.acks <- f.Device():
		default:
			s.logger.Warn("ack dropped, matcher busy", "device", f.Device())
		}
		return
	}

	if !f.FromDevice() && !ready {
		// Anything else during the handshake is a protocol violation.
		s.offerReply(f)
		return
	}

	// Every non-ACK frame is answered once the session is up; during the
	// handshake only device frames are, the sequencer answers step replies.
	if ready || f.FromDevice() {
		if err := s.writeFrame(protocol.AckFrame()); err != nil {
			s.logger.Warn("ack to inbound frame failed", "err", err)
		}
	}

	select {
	case s.frames <- f:
	default:
		s.logger.Warn("push buffer full, frame dropped", "frame", f.Hex())
	}
}

func (s *Stick) offerReply(f protocol.Frame) {
	select {
	case s.replies <- f:
	default:
		s.logger.Debug("handshake reply dropped", "frame", f.Hex())
	}
}
