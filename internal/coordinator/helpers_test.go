package coordinator

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
	"duofern-go-home/internal/store"
)

var (
	testSystem = protocol.SystemCode{0x6F, 0x1A, 0x2B}
	devA       = protocol.DeviceCode{0x40, 0x53, 0xB8}
	devB       = protocol.DeviceCode{0x40, 0x90, 0xEA}
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store.
type memStore struct {
	mu      sync.Mutex
	devices map[string]store.Device
	state   *store.StickState
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.Code] = *dev
	return nil
}

func (m *memStore) GetDevice(code string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (m *memStore) DeleteDevice(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, code)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		d := d
		list = append(list, &d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list, nil
}

func (m *memStore) UpdateDevice(code string, fn func(dev *store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[code]
	if !ok {
		return store.ErrNotFound
	}
	if err := fn(&d); err != nil {
		return err
	}
	d.Code = code
	m.devices[code] = d
	return nil
}

func (m *memStore) SaveStickState(s *store.StickState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}

func (m *memStore) GetStickState() (*store.StickState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, store.ErrNotFound
	}
	cp := *m.state
	return &cp, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) device(code protocol.DeviceCode) (store.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[code.String()]
	return d, ok
}

// linePort is the host end of an in-memory serial line.
type linePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *linePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *linePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *linePort) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}

// dongle answers every host frame except ACKs with an ACK, unless silent
// is set for commands.
type dongle struct {
	port *linePort

	toHost   *io.PipeWriter
	fromHost *io.PipeReader
	out      chan []byte
	stop     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	sent   []protocol.Frame
	silent bool
}

func newDongle(t *testing.T) *dongle {
	t.Helper()
	hostR, dongleW := io.Pipe()
	dongleR, hostW := io.Pipe()
	d := &dongle{
		port:     &linePort{r: hostR, w: hostW},
		toHost:   dongleW,
		fromHost: dongleR,
		out:      make(chan []byte, 64),
		stop:     make(chan struct{}),
	}
	d.wg.Add(2)
	go d.read()
	go d.write()
	t.Cleanup(d.close)
	return d
}

func (d *dongle) read() {
	defer d.wg.Done()
	sc := bufio.NewScanner(d.fromHost)
	for sc.Scan() {
		f, err := protocol.ParseHex(sc.Text())
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.sent = append(d.sent, f)
		silent := d.silent
		d.mu.Unlock()
		if f.IsAck() || (silent && protocol.Classify(f) == protocol.KindCommand) {
			continue
		}
		d.send(protocol.AckFrame())
	}
}

func (d *dongle) write() {
	defer d.wg.Done()
	for {
		select {
		case b := <-d.out:
			if _, err := d.toHost.Write(b); err != nil {
				return
			}
		case <-d.stop:
			return
		}
	}
}

func (d *dongle) send(f protocol.Frame) {
	select {
	case d.out <- []byte(f.Hex() + "\n"):
	case <-d.stop:
	}
}

func (d *dongle) setSilent(v bool) {
	d.mu.Lock()
	d.silent = v
	d.mu.Unlock()
}

func (d *dongle) unplug() {
	d.toHost.Close()
}

func (d *dongle) close() {
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

// commands returns the host frames other than ACKs.
func (d *dongle) commands() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []protocol.Frame
	for _, f := range d.sent {
		if !f.IsAck() {
			out = append(out, f)
		}
	}
	return out
}

func (d *dongle) wrote(f protocol.Frame) bool {
	for _, c := range d.commands() {
		if c == f {
			return true
		}
	}
	return false
}

// openOnce hands out d on the first call and fails afterwards.
func openOnce(d *dongle) Opener {
	var mu sync.Mutex
	used := false
	return func(ctx context.Context) (stick.Port, error) {
		mu.Lock()
		defer mu.Unlock()
		if used {
			return nil, stick.ErrNoStick
		}
		used = true
		return d.port, nil
	}
}

func testCoordinatorConfig(devices ...protocol.DeviceCode) Config {
	cfg := Config{
		SystemCode:     testSystem,
		Port:           "/dev/ttyUSB0",
		AckTimeout:     time.Second,
		StepTimeout:    time.Second,
		Retries:        1,
		ReconnectDelay: time.Hour,
		PairingTimeout: 5 * time.Second,
	}
	for _, d := range devices {
		cfg.Devices = append(cfg.Devices, DeviceConfig{Code: d})
	}
	return cfg
}

type harness struct {
	c      *Coordinator
	d      *dongle
	store  *memStore
	events <-chan Event
}

// startHarness runs a coordinator against a fresh dongle until the stick
// is ready.
func startHarness(t *testing.T, st *memStore, cfg Config) *harness {
	t.Helper()
	d := newDongle(t)
	if st == nil {
		st = newMemStore()
	}
	bus := NewEventBus(newTestLogger())
	events, cancel := bus.Subscribe(256)
	c := New(openOnce(d), st, bus, cfg, nil, newTestLogger())
	t.Cleanup(func() {
		c.Stop()
		cancel()
		bus.Close()
	})

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return &harness{c: c, d: d, store: st, events: events}
}

// waitEvent returns the next event of type eventType, skipping others.
func (h *harness) waitEvent(t *testing.T, eventType string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

// noEvent fails if an event of eventType arrives within d.
func (h *harness) noEvent(t *testing.T, eventType string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case e := <-h.events:
			if e.Type == eventType {
				t.Fatalf("unexpected %s event: %+v", eventType, e.Data)
			}
		case <-timeout:
			return
		}
	}
}

func statusFrame(dev protocol.DeviceCode, native byte) protocol.Frame {
	var f protocol.Frame
	f[0], f[1], f[2], f[3] = 0x0F, 0xFF, 0x0F, 0x21
	f[11] = native
	f[12] = 0x23
	copy(f[15:18], dev[:])
	return f
}

func notifyFrame(op byte, dev protocol.DeviceCode) protocol.Frame {
	var f protocol.Frame
	f[0], f[1] = protocol.TypeNotify, op
	copy(f[15:18], dev[:])
	return f
}
