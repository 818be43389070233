package stick

import (
	"context"
	"fmt"
	"sync"
	"time"

	"duofern-go-home/internal/protocol"
)

// Request is one outbound command.
type Request struct {
	Frame protocol.Frame
	// Target is matched against the device code of inbound ACKs. The zero
	// code or BroadcastDevice accept any ACK.
	Target protocol.DeviceCode
	// Label names the command in logs and errors.
	Label string
}

// Pending tracks a submitted request until it is acknowledged or fails.
type Pending struct {
	Request

	ctx      context.Context
	done     chan struct{}
	once     sync.Once
	err      error
	attempts int
}

func newPending(ctx context.Context, req Request) *Pending {
	if req.Label == "" {
		req.Label = fmt.Sprintf("frame %02X", req.Frame.Type())
	}
	return &Pending{Request: req, ctx: ctx, done: make(chan struct{})}
}

func (p *Pending) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed when the command has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome once Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Attempts returns how many times the frame was transmitted. Valid once
// Done is closed.
func (p *Pending) Attempts() int {
	<-p.done
	return p.attempts
}

// Wait blocks until the command completes or ctx ends. Cancelling ctx only
// stops the wait; the command keeps its place in the queue.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queue is the FIFO of commands waiting behind the one in flight.
type queue struct {
	mu     sync.Mutex
	items  []*Pending
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(p *Pending) (depth int, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, false
	}
	q.items = append(q.items, p)
	depth = len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return depth, true
}

func (q *queue) pop() (*Pending, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, 0
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, len(q.items)
}

// close rejects further pushes and returns whatever was still queued.
func (q *queue) close() []*Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

// Submit queues req for transmission. Commands are sent one at a time in
// submission order; the returned Pending completes when the stick
// acknowledges the frame or the retries are exhausted.
func (s *Stick) Submit(ctx context.Context, req Request) (*Pending, error) {
	if !s.ready.Load() {
		return nil, ErrNotConnected
	}
	select {
	case <-s.done:
		return nil, ErrNotConnected
	default:
	}
	p := newPending(ctx, req)
	depth, ok := s.queue.push(p)
	if !ok {
		return nil, ErrNotConnected
	}
	s.metrics.SetQueueDepth(depth)
	s.logger.Debug("command queued", "cmd", p.Label, "target", p.Target, "depth", depth)
	return p, nil
}

// Send submits req and waits for its completion.
func (s *Stick) Send(ctx context.Context, req Request) error {
	p, err := s.Submit(ctx, req)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// runQueue is the only goroutine transmitting commands after Ready.
func (s *Stick) runQueue() {
	defer s.wg.Done()
	defer s.failQueued()

	for {
		p, depth := s.queue.pop()
		if p == nil {
			select {
			case <-s.queue.wake:
				continue
			case <-s.done:
				return
			}
		}
		s.metrics.SetQueueDepth(depth)
		s.transmit(p)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Stick) failQueued() {
	for _, p := range s.queue.close() {
		p.finish(ErrNotConnected)
	}
	s.metrics.SetQueueDepth(0)
}

// transmit sends p and retries until a matching ACK arrives. The request
// context is only checked before the first transmission: once the frame is
// on the air it stays in flight until acknowledged, timed out or closed.
func (s *Stick) transmit(p *Pending) {
	if err := p.ctx.Err(); err != nil {
		s.logger.Debug("command dropped before transmission", "cmd", p.Label, "err", err)
		s.metrics.CommandDone("cancelled", 0)
		p.finish(err)
		return
	}

	// ACKs that arrived while nothing was in flight belong to no one.
drain:
	for {
		select {
		case <-s.acks:
		default:
			break drain
		}
	}

	start := time.Now()
	done := func(result string, err error) {
		s.metrics.CommandDone(result, time.Since(start))
		p.finish(err)
	}

	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.metrics.Retry()
			s.logger.Warn("command not acknowledged, retrying",
				"cmd", p.Label, "target", p.Target, "attempt", attempt+1)
		}
		p.attempts = attempt + 1
		if err := s.writeFrame(p.Frame); err != nil {
			done("error", fmt.Errorf("%s: %w", p.Label, err))
			return
		}

		timer := time.NewTimer(s.cfg.AckTimeout)
	wait:
		for {
			select {
			case dev := <-s.acks:
				if ackMatches(p.Target, dev) {
					timer.Stop()
					s.logger.Debug("command acknowledged", "cmd", p.Label, "target", p.Target)
					done("ok", nil)
					return
				}
				s.logger.Debug("ack for other device ignored", "want", p.Target, "got", dev)
			case <-timer.C:
				break wait
			case <-s.done:
				timer.Stop()
				done("error", ErrNotConnected)
				return
			}
		}
	}

	s.logger.Warn("command failed", "cmd", p.Label, "target", p.Target, "attempts", p.attempts)
	done("timeout", fmt.Errorf("%w: %s to %s after %d attempts", ErrCommandTimeout, p.Label, p.Target, p.attempts))
}

func ackMatches(target, ack protocol.DeviceCode) bool {
	if ack == target {
		return true
	}
	return target.IsZero() || target.IsBroadcast() || ack.IsZero() || ack.IsBroadcast()
}
