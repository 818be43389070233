package coordinator

import (
	"testing"
	"time"

	"duofern-go-home/internal/protocol"
)

func TestRegistryKnownSet(t *testing.T) {
	r := newRegistry()
	r.setKnown(devB, true, "Kitchen")
	r.setKnown(devA, true, "")
	r.setKnown(protocol.DeviceCode{0x42, 0x00, 0x01}, false, "")

	codes := r.knownCodes()
	if len(codes) != 2 || codes[0] != devA || codes[1] != devB {
		t.Fatalf("knownCodes = %v", codes)
	}
	list := r.list()
	if len(list) != 2 || list[1].Name != "Kitchen" {
		t.Fatalf("list = %+v", list)
	}
	if !list[0].Cover || list[0].Type != "RolloTron Standard" {
		t.Errorf("type = %q cover = %v", list[0].Type, list[0].Cover)
	}

	// An empty name keeps the previous one.
	r.setKnown(devB, false, "")
	if s, _ := r.get(devB); s.Name != "Kitchen" || s.Known {
		t.Errorf("after unpair: %+v", s)
	}
	if _, ok := r.rename(devB, "x"); ok {
		t.Error("rename of unpaired device succeeded")
	}
}

func TestRegistryApplyStatus(t *testing.T) {
	r := newRegistry()
	r.setMotion(devB, protocol.MotionClosing)

	now := time.Now()
	s := protocol.Status{Device: devB, Position: 30, Version: "2.3", SunMode: true, SunPosition: 40}
	state := r.applyStatus(s, 70, now)

	if state.Position == nil || *state.Position != 70 {
		t.Fatalf("position = %v", state.Position)
	}
	if state.Motion != protocol.MotionStopped {
		t.Errorf("motion = %s, want stopped", state.Motion)
	}
	if state.Flags == nil || !state.Flags.SunMode || state.Flags.SunPosition != 40 {
		t.Errorf("flags = %+v", state.Flags)
	}
	if !state.LastSeen.Equal(now) || state.Version != "2.3" {
		t.Errorf("state = %+v", state)
	}
	if n, ok := state.NativePosition(); !ok || n != 30 {
		t.Errorf("native = %d %v", n, ok)
	}

	// Snapshots do not alias registry storage.
	*state.Position = 5
	if got, _ := r.get(devB); *got.Position != 70 {
		t.Errorf("registry position changed through snapshot: %d", *got.Position)
	}
}

func TestRegistryRestore(t *testing.T) {
	r := newRegistry()
	native := 100
	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r.restore(devA, "Bedroom", &native, "1.4", seen)

	s, ok := r.get(devA)
	if !ok || !s.Known || s.Name != "Bedroom" {
		t.Fatalf("restored = %+v", s)
	}
	if s.Position == nil || *s.Position != 0 {
		t.Errorf("position = %v, want 0 (closed)", s.Position)
	}
	if s.Motion != protocol.MotionIdle || !s.LastSeen.Equal(seen) {
		t.Errorf("state = %+v", s)
	}

	bad := 120
	r.restore(devB, "", &bad, "", time.Time{})
	if s, _ := r.get(devB); s.Position != nil {
		t.Errorf("out of range position restored: %d", *s.Position)
	}
}
