package stick

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duofern-go-home/internal/protocol"
)

var (
	testSystem = protocol.SystemCode{0x6F, 0x1A, 0x2B}
	devA       = protocol.DeviceCode{0x40, 0x53, 0xB8}
	devB       = protocol.DeviceCode{0x40, 0x90, 0xEA}
)

func testConfig(devices ...protocol.DeviceCode) Config {
	return Config{
		SystemCode:  testSystem,
		Devices:     devices,
		AckTimeout:  time.Second,
		StepTimeout: time.Second,
		Retries:     1,
	}
}

func newTestStick(t *testing.T, d *fakeDongle, cfg Config) *Stick {
	t.Helper()
	s := New(d.port, cfg, nil, newTestLogger())
	t.Cleanup(func() { s.Close() })
	return s
}

// readyStick returns a stick that completed the handshake against d.
func readyStick(t *testing.T, d *fakeDongle, cfg Config) *Stick {
	t.Helper()
	s := newTestStick(t, d, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return s
}

func coverRequest(t *testing.T, dev protocol.DeviceCode, cmd protocol.CoverCommand, pos int) Request {
	t.Helper()
	f, err := protocol.CoverFrame(testSystem, dev, cmd, pos)
	if err != nil {
		t.Fatal(err)
	}
	return Request{Frame: f, Target: dev, Label: cmd.String()}
}

func ackFor(dev protocol.DeviceCode) protocol.Frame {
	f := protocol.AckFrame()
	copy(f[18:21], dev[:])
	return f
}

func TestHandshakeOrder(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devA, devB))

	if !s.Ready() || s.Step() != StepReady {
		t.Fatalf("ready = %v, step = %s", s.Ready(), s.Step())
	}

	ack := protocol.AckFrame()
	want := []protocol.Frame{
		protocol.Init1Frame(),
		protocol.Init2Frame(),
		protocol.SetDongleFrame(testSystem), ack,
		protocol.Init3Frame(), ack,
		protocol.SetPairFrame(0, devA), ack,
		protocol.SetPairFrame(1, devB), ack,
		protocol.InitEndFrame(), ack,
		protocol.StatusBroadcastFrame(), ack,
	}
	got := d.waitFor(t, 2*time.Second, func(f []protocol.Frame) bool { return len(f) >= len(want) })
	if len(got) != len(want) {
		t.Fatalf("host sent %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHandshakeWithoutDevices(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	readyStick(t, d, testConfig())

	got := d.waitFor(t, 2*time.Second, countCommands(6))
	for _, f := range got {
		if f.Type() == protocol.TypeSetPair {
			t.Errorf("unexpected SetPair frame %s", f)
		}
	}
}

func TestHandshakeUnexpectedReply(t *testing.T) {
	bogus, _ := protocol.ParseHex("55000000000000000000000000000000000000000000")
	d := newFakeDongle(t, func(f protocol.Frame) []protocol.Frame {
		if f.IsAck() {
			return nil
		}
		if f.Type() == protocol.TypeInit3 {
			return []protocol.Frame{bogus}
		}
		return []protocol.Frame{protocol.AckFrame()}
	})
	s := newTestStick(t, d, testConfig(devA))

	err := s.Handshake(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("err = %v, want ErrHandshake", err)
	}
	if s.Ready() {
		t.Error("stick ready after failed handshake")
	}
	if s.Step() != StepInit3 {
		t.Errorf("step = %s, want init3", s.Step())
	}
	for _, f := range d.frames() {
		if f.Type() == protocol.TypeSetPair {
			t.Errorf("SetPair sent after failed Init3: %s", f)
		}
	}
}

func TestHandshakeStepTimeout(t *testing.T) {
	d := newFakeDongle(t, func(f protocol.Frame) []protocol.Frame {
		if f.Type() == protocol.TypeInit1 {
			return []protocol.Frame{protocol.AckFrame()}
		}
		return nil
	})
	cfg := testConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	s := newTestStick(t, d, cfg)

	start := time.Now()
	err := s.Handshake(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("err = %v, want ErrHandshake", err)
	}
	if s.Step() != StepInit2 {
		t.Errorf("step = %s, want init2", s.Step())
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("failed after %s, before the step timeout", elapsed)
	}
}

func TestHandshakeNeverSkipsSetDongle(t *testing.T) {
	// SetDongle replies are slow; SetPair must still wait for them.
	var mu sync.Mutex
	var order []byte
	d := newFakeDongle(t, nil)
	d.setRespond(func(f protocol.Frame) []protocol.Frame {
		if f.IsAck() {
			return nil
		}
		mu.Lock()
		order = append(order, f.Type())
		mu.Unlock()
		if f.Type() == protocol.TypeSetDongle {
			time.Sleep(30 * time.Millisecond)
		}
		return []protocol.Frame{protocol.AckFrame()}
	})
	readyStick(t, d, testConfig(devA))

	mu.Lock()
	defer mu.Unlock()
	dongleAt, pairAt := -1, -1
	for i, typ := range order {
		switch typ {
		case protocol.TypeSetDongle:
			dongleAt = i
		case protocol.TypeSetPair:
			pairAt = i
		}
	}
	if dongleAt < 0 || pairAt < 0 || pairAt < dongleAt {
		t.Errorf("order = %X, SetPair must follow SetDongle", order)
	}
}

func TestHandshakeForwardsDevicePush(t *testing.T) {
	status, _ := protocol.ParseHex("0FFF0F21000000000000001E2300004090EA00000000")
	d := newFakeDongle(t, func(f protocol.Frame) []protocol.Frame {
		if f.IsAck() {
			return nil
		}
		if f.Type() == protocol.TypeInit2 {
			return []protocol.Frame{status, protocol.AckFrame()}
		}
		return []protocol.Frame{protocol.AckFrame()}
	})
	s := readyStick(t, d, testConfig(devB))

	select {
	case f := <-s.Frames():
		if f != status {
			t.Errorf("pushed frame = %s, want %s", f, status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status push not forwarded")
	}
}

func TestSubmitBeforeReady(t *testing.T) {
	d := newFakeDongle(t, nil)
	s := newTestStick(t, d, testConfig(devA))

	_, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if n := len(d.frames()); n != 0 {
		t.Errorf("host sent %d frames before the handshake", n)
	}
}

func TestSetPositionAcknowledged(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devA))
	before := len(d.commands())

	err := s.Send(context.Background(), coverRequest(t, devA, protocol.CoverPosition, 50))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	cmds := d.commands()[before:]
	if len(cmds) != 1 {
		t.Fatalf("transmitted %d frames, want 1", len(cmds))
	}
	f := cmds[0]
	if got := (protocol.DeviceCode{f[18], f[19], f[20]}); got != devA {
		t.Errorf("target = %s, want %s", got, devA)
	}
	if f[5] != 50 {
		t.Errorf("native position = %d, want 50", f[5])
	}
}

func TestSingleInFlight(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA)
	cfg.AckTimeout = 5 * time.Second
	s := readyStick(t, d, cfg)
	base := len(d.commands())

	const n = 5
	pendings := make(chan *Pending, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverStop, 0))
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			pendings <- p
		}()
	}
	wg.Wait()
	close(pendings)

	for i := 1; i <= n; i++ {
		d.waitFor(t, 2*time.Second, countCommands(base+i))
		// Nothing else may go out while this one is unacknowledged.
		time.Sleep(30 * time.Millisecond)
		if got := len(d.commands()) - base; got != i {
			t.Fatalf("after %d acks: %d frames outstanding, want %d", i-1, got, i)
		}
		d.send(ackFor(devA))
	}

	for p := range pendings {
		if err := p.Wait(context.Background()); err != nil {
			t.Errorf("command failed: %v", err)
		}
		if p.Attempts() != 1 {
			t.Errorf("attempts = %d, want 1", p.Attempts())
		}
	}
}

func TestCommandsCompleteInOrder(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devA, devB))
	before := len(d.commands())

	cmds := []protocol.CoverCommand{protocol.CoverUp, protocol.CoverStop, protocol.CoverDown}
	var pendings []*Pending
	for _, c := range cmds {
		p, err := s.Submit(context.Background(), coverRequest(t, devB, c, 0))
		if err != nil {
			t.Fatal(err)
		}
		pendings = append(pendings, p)
	}
	for _, p := range pendings {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	sent := d.commands()[before:]
	if len(sent) != len(cmds) {
		t.Fatalf("sent %d, want %d", len(sent), len(cmds))
	}
	for i, c := range cmds {
		if got := protocol.CoverCommand(uint16(sent[i][2])<<8 | uint16(sent[i][3])); got != c {
			t.Errorf("frame %d = %s, want %s", i, got, c)
		}
	}
}

func TestRetryThenTimeout(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA)
	cfg.AckTimeout = 40 * time.Millisecond
	cfg.Retries = 1
	s := readyStick(t, d, cfg)
	before := len(d.commands())

	req := coverRequest(t, devA, protocol.CoverDown, 0)
	start := time.Now()
	err := s.Send(context.Background(), req)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("failed after %s, want at least 2 ack timeouts", elapsed)
	}
	sent := d.waitFor(t, time.Second, countCommands(before+2))
	var cmds []protocol.Frame
	for _, f := range sent {
		if !f.IsAck() {
			cmds = append(cmds, f)
		}
	}
	cmds = cmds[before:]
	if len(cmds) != 2 {
		t.Fatalf("transmissions = %d, want 2", len(cmds))
	}
	if cmds[0] != req.Frame || cmds[1] != req.Frame {
		t.Errorf("retransmission differs: %s, %s", cmds[0], cmds[1])
	}
}

func TestNoRetries(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA)
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.Retries = 0
	s := readyStick(t, d, cfg)

	p, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Wait(context.Background()); !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if p.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", p.Attempts())
	}
}

func TestAckForOtherDeviceIgnored(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA, devB)
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.Retries = 0
	s := readyStick(t, d, cfg)
	d.setRespond(func(f protocol.Frame) []protocol.Frame {
		if protocol.Classify(f) == protocol.KindCommand {
			return []protocol.Frame{ackFor(devB)}
		}
		return nil
	})

	err := s.Send(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0))
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
}

func TestCloseFailsPending(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	s := readyStick(t, d, testConfig(devA))
	before := len(d.commands())

	first, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverDown, 0))
	if err != nil {
		t.Fatal(err)
	}
	d.waitFor(t, time.Second, countCommands(before+1))
	s.Close()

	for _, p := range []*Pending{first, second} {
		select {
		case <-p.Done():
		case <-time.After(time.Second):
			t.Fatal("pending command not released by Close")
		}
		if !errors.Is(p.Err(), ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", p.Err())
		}
	}
	if _, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit after close: err = %v, want ErrNotConnected", err)
	}
}

func TestCancelledBeforeTransmission(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA)
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.Retries = 0
	s := readyStick(t, d, cfg)
	before := len(d.commands())

	blocker, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverUp, 0))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	dropped, err := s.Submit(ctx, coverRequest(t, devA, protocol.CoverDown, 0))
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := dropped.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("dropped err = %v, want context.Canceled", err)
	}
	if err := blocker.Wait(context.Background()); !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("blocker err = %v, want ErrCommandTimeout", err)
	}
	if n := len(d.commands()) - before; n != 1 {
		t.Errorf("transmitted %d commands, want 1", n)
	}
}

func TestCancelAfterTransmissionKeepsCommandInFlight(t *testing.T) {
	d := newFakeDongle(t, ackHandshakeOnly)
	cfg := testConfig(devA)
	cfg.AckTimeout = 2 * time.Second
	cfg.Retries = 0
	s := readyStick(t, d, cfg)
	before := len(d.commands())

	ctx, cancel := context.WithCancel(context.Background())
	first, err := s.Submit(ctx, coverRequest(t, devA, protocol.CoverUp, 0))
	if err != nil {
		t.Fatal(err)
	}
	d.waitFor(t, time.Second, countCommands(before+1))
	cancel()
	if err := first.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("first wait err = %v, want context.Canceled", err)
	}

	second, err := s.Submit(context.Background(), coverRequest(t, devA, protocol.CoverDown, 0))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(d.commands()) - before; n != 1 {
		t.Fatalf("%d frames outstanding after the caller gave up, want 1", n)
	}

	// The late ACK belongs to the first command.
	d.send(protocol.AckFrame())
	if err := first.Wait(context.Background()); err != nil {
		t.Errorf("first err = %v, want acknowledged", err)
	}
	d.waitFor(t, time.Second, countCommands(before+2))
	select {
	case <-second.Done():
		t.Fatalf("second completed without an ACK: %v", second.Err())
	case <-time.After(50 * time.Millisecond):
	}

	d.send(ackFor(devA))
	if err := second.Wait(context.Background()); err != nil {
		t.Errorf("second err = %v", err)
	}
}

func TestDeviceFramesAcknowledgedAndForwarded(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devB))
	// SetDongle, Init3, SetPair, InitEnd and StatusBroadcast replies.
	d.waitFor(t, time.Second, countAcks(5))

	status, _ := protocol.ParseHex("0FFF0F21000000000000001E2300004090EA00000000")
	d.send(status)

	select {
	case f := <-s.Frames():
		if f != status {
			t.Errorf("forwarded %s, want %s", f, status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status not forwarded")
	}
	d.waitFor(t, time.Second, countAcks(6))
}

func TestEveryInboundFrameAcknowledgedWhenReady(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devB))
	d.waitFor(t, time.Second, countAcks(5))

	other, _ := protocol.ParseHex("55000000000000000000000000000000000000000000")
	d.send(other)

	select {
	case f := <-s.Frames():
		if f != other {
			t.Errorf("forwarded %s, want %s", f, other)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
	d.waitFor(t, time.Second, countAcks(6))
}

func TestMalformedInputResyncs(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devB))

	d.sendRaw([]byte("0FFF0F21XYZ\n"))
	d.sendRaw([]byte("0FFF\n"))
	status, _ := protocol.ParseHex("0FFF0F21000000000000001E2300004090EA00000000")
	d.send(status)

	select {
	case f := <-s.Frames():
		if f != status {
			t.Errorf("forwarded %s, want %s", f, status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not resynchronise")
	}
}

func TestLinkLoss(t *testing.T) {
	d := newFakeDongle(t, ackAll)
	s := readyStick(t, d, testConfig(devA))

	d.unplug()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not detected")
	}
	if s.Err() == nil {
		t.Error("Err() = nil after link loss")
	}
	if s.Ready() {
		t.Error("still ready after link loss")
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("frames channel still open")
	}
}

func TestAckMatches(t *testing.T) {
	tests := []struct {
		target, ack protocol.DeviceCode
		want        bool
	}{
		{devA, devA, true},
		{devA, devB, false},
		{devA, protocol.DeviceCode{}, true},
		{devA, protocol.BroadcastDevice, true},
		{protocol.BroadcastDevice, devB, true},
		{protocol.DeviceCode{}, devB, true},
	}
	for _, tt := range tests {
		if got := ackMatches(tt.target, tt.ack); got != tt.want {
			t.Errorf("ackMatches(%s, %s) = %v, want %v", tt.target, tt.ack, got, tt.want)
		}
	}
}
