package stick

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"duofern-go-home/internal/protocol"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pipePort is the stick's end of an in-memory serial line.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}

// fakeDongle plays the USB stick on the other end of a pipePort. respond
// decides the replies to every frame written by the host.
type fakeDongle struct {
	port *pipePort

	toHost   *io.PipeWriter
	fromHost *io.PipeReader
	outbox   chan []byte

	mu      sync.Mutex
	sent    []protocol.Frame
	respond func(protocol.Frame) []protocol.Frame
	signal  chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// ackAll replies with a plain ACK to everything except ACKs.
func ackAll(f protocol.Frame) []protocol.Frame {
	if f.IsAck() {
		return nil
	}
	return []protocol.Frame{protocol.AckFrame()}
}

// ackHandshakeOnly acknowledges the handshake but leaves commands unanswered.
func ackHandshakeOnly(f protocol.Frame) []protocol.Frame {
	if f.IsAck() || protocol.Classify(f) == protocol.KindCommand {
		return nil
	}
	return []protocol.Frame{protocol.AckFrame()}
}

func newFakeDongle(t *testing.T, respond func(protocol.Frame) []protocol.Frame) *fakeDongle {
	t.Helper()
	hostR, dongleW := io.Pipe()
	dongleR, hostW := io.Pipe()
	d := &fakeDongle{
		port:     &pipePort{r: hostR, w: hostW},
		toHost:   dongleW,
		fromHost: dongleR,
		outbox:   make(chan []byte, 256),
		respond:  respond,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	d.wg.Add(2)
	go d.readHost()
	go d.writeHost()
	t.Cleanup(d.close)
	return d
}

func (d *fakeDongle) readHost() {
	defer d.wg.Done()
	sc := bufio.NewScanner(d.fromHost)
	for sc.Scan() {
		f, err := protocol.ParseHex(sc.Text())
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.sent = append(d.sent, f)
		respond := d.respond
		d.mu.Unlock()
		select {
		case d.signal <- struct{}{}:
		default:
		}
		if respond != nil {
			for _, r := range respond(f) {
				d.send(r)
			}
		}
	}
}

func (d *fakeDongle) writeHost() {
	defer d.wg.Done()
	for {
		select {
		case b := <-d.outbox:
			if _, err := d.toHost.Write(b); err != nil {
				return
			}
		case <-d.stop:
			return
		}
	}
}

// send queues a frame towards the host.
func (d *fakeDongle) send(f protocol.Frame) {
	d.sendRaw([]byte(f.Hex() + "\n"))
}

func (d *fakeDongle) sendRaw(b []byte) {
	select {
	case d.outbox <- b:
	case <-d.stop:
	}
}

func (d *fakeDongle) setRespond(fn func(protocol.Frame) []protocol.Frame) {
	d.mu.Lock()
	d.respond = fn
	d.mu.Unlock()
}

// unplug simulates the stick disappearing.
func (d *fakeDongle) unplug() {
	d.toHost.Close()
}

func (d *fakeDongle) close() {
	select {
	case <-d.stop:
		return
	default:
	}
	close(d.stop)
	d.toHost.Close()
	d.fromHost.Close()
	d.wg.Wait()
}

// frames returns a copy of everything the host wrote so far.
func (d *fakeDongle) frames() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Frame, len(d.sent))
	copy(out, d.sent)
	return out
}

// commands returns the host frames other than ACKs.
func (d *fakeDongle) commands() []protocol.Frame {
	var out []protocol.Frame
	for _, f := range d.frames() {
		if !f.IsAck() {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls until cond holds or the timeout expires.
func (d *fakeDongle) waitFor(t *testing.T, timeout time.Duration, cond func([]protocol.Frame) bool) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		frames := d.frames()
		if cond(frames) {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s; host sent %d frames", timeout, len(frames))
		}
		select {
		case <-d.signal:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func countCommands(n int) func([]protocol.Frame) bool {
	return func(frames []protocol.Frame) bool {
		c := 0
		for _, f := range frames {
			if !f.IsAck() {
				c++
			}
		}
		return c >= n
	}
}

func countAcks(n int) func([]protocol.Frame) bool {
	return func(frames []protocol.Frame) bool {
		c := 0
		for _, f := range frames {
			if f.IsAck() {
				c++
			}
		}
		return c >= n
	}
}
