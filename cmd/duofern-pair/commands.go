package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/store"
)

const progressInterval = 10 * time.Second

// pairer is the part of the coordinator a pairing window needs.
type pairer interface {
	Events() *coordinator.EventBus
	StartPairing(ctx context.Context, mode coordinator.PairingMode, timeout time.Duration) error
	StopPairing(ctx context.Context) error
}

// window opens a pairing window and waits for the first device or the
// timeout. The window is closed as soon as one device answered.
func (t *tool) window(ctx context.Context, p pairer, mode coordinator.PairingMode) error {
	events, unsub := p.Events().Subscribe(64)
	defer unsub()

	if err := p.StartPairing(ctx, mode, t.timeout); err != nil {
		return err
	}
	verb := "Pairing"
	if mode == coordinator.PairingUnpair {
		verb = "Unpairing"
	}
	fmt.Fprintf(t.out, "%s mode ACTIVE for %s.\n", verb, t.timeout)
	fmt.Fprintf(t.out, "Press the programming button on the device now...\n\n")

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(t.timeout)

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			switch e.Type {
			case coordinator.EventDevicePaired, coordinator.EventDeviceUnpaired:
				if de, ok := e.Data.(coordinator.DeviceEvent); ok {
					printAnnouncement(t.out, e.Type, de)
				}
				if err := p.StopPairing(ctx); err != nil {
					return fmt.Errorf("stop %s: %w", strings.ToLower(verb), err)
				}
			case coordinator.EventPairingEnded:
				pe, _ := e.Data.(coordinator.PairingEvent)
				printOutcome(t.out, pe, t.timeout)
				return nil
			case coordinator.EventConnectionLost:
				return errors.New("stick connection lost during the window")
			}
		case <-ticker.C:
			if remaining := time.Until(deadline).Round(time.Second); remaining > 0 {
				fmt.Fprintf(t.out, "  Waiting... %s remaining\n", remaining)
			}
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.StopPairing(stopCtx); err != nil {
				return fmt.Errorf("stop %s: %w", strings.ToLower(verb), err)
			}
			return ctx.Err()
		}
	}
}

func printAnnouncement(w io.Writer, eventType string, de coordinator.DeviceEvent) {
	label := "PAIRED"
	if eventType == coordinator.EventDeviceUnpaired {
		label = "UNPAIRED"
	}
	line := strings.Repeat("=", 60)
	fmt.Fprintf(w, "\n%s\n  %s: %s (%s)\n%s\n", line, label, de.Code, de.Type, line)
}

func printOutcome(w io.Writer, pe coordinator.PairingEvent, timeout time.Duration) {
	if len(pe.Devices) == 0 {
		fmt.Fprintf(w, "\nNo device responded within %s.\n", timeout)
		fmt.Fprintln(w, "  - Make sure the device is in pairing mode")
		fmt.Fprintln(w, "  - Press and hold the programming button until the LED blinks")
		fmt.Fprintf(w, "  - Try again with a longer timeout: -timeout %s\n", 2*timeout)
		return
	}
	for _, code := range pe.Devices {
		if pe.Mode == coordinator.PairingUnpair {
			fmt.Fprintf(w, "\nDevice %s (%s) unpaired and removed from the database.\n", code, code.Type())
		} else {
			fmt.Fprintf(w, "\nDevice %s (%s) paired and saved to the database.\n", code, code.Type())
		}
	}
}

// list prints the paired devices recorded in the database.
func (t *tool) list(db store.Store) error {
	devs, err := db.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	if len(devs) == 0 {
		fmt.Fprintln(t.out, "No paired devices.")
		return nil
	}

	tw := tabwriter.NewWriter(t.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tTYPE\tNAME\tPOSITION\tVERSION\tLAST SEEN")
	for _, d := range devs {
		position := "--"
		if d.Position != nil {
			// Stored positions are native (0 open).
			if consumer, err := protocol.ToConsumer(*d.Position); err == nil {
				position = fmt.Sprintf("%d%%", consumer)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Code, d.Type, orDash(d.FriendlyName), position, orDash(d.Version), formatTime(d.LastSeen))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "\n%d paired devices\n", len(devs))
	return nil
}

// statusRequester is the part of the coordinator the status command needs.
type statusRequester interface {
	Events() *coordinator.EventBus
	ListDevices() []coordinator.DeviceState
	RequestStatusAll(ctx context.Context) error
}

// status broadcasts a status request and prints every paired device with
// its reply, or NO RESPONSE.
func (t *tool) status(ctx context.Context, c statusRequester) error {
	events, unsub := c.Events().Subscribe(256)
	defer unsub()

	fmt.Fprintln(t.out, "Requesting status from all devices...")
	if err := c.RequestStatusAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "Waiting %s for responses...\n\n", t.wait)

	replies := make(map[protocol.DeviceCode]coordinator.DeviceState)
	timer := time.NewTimer(t.wait)
	defer timer.Stop()
collect:
	for {
		select {
		case e, ok := <-events:
			if !ok {
				break collect
			}
			if s, ok := e.Data.(coordinator.DeviceState); ok && e.Type == coordinator.EventDeviceState && s.Flags != nil {
				replies[s.Code] = s
			}
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	printStatusTable(t.out, c.ListDevices(), replies)
	return nil
}

func printStatusTable(w io.Writer, paired []coordinator.DeviceState, replies map[protocol.DeviceCode]coordinator.DeviceState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tTYPE\tPOSITION\tVERSION\tSTATUS")
	responded := 0
	for _, d := range paired {
		s, ok := replies[d.Code]
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t--\t--\tNO RESPONSE\n", d.Code, d.Type)
			continue
		}
		responded++
		position := "?"
		if s.Position != nil {
			position = fmt.Sprintf("%d%%", *s.Position)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Code, s.Type, position, orDash(s.Version), flagSummary(s.Flags))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d/%d devices responded\n", responded, len(paired))

	for code, s := range replies {
		if !s.Known {
			fmt.Fprintf(w, "  unpaired device %s (%s) also answered\n", code, s.Type)
		}
	}
}

// coverController is the part of the coordinator the cover commands need.
type coverController interface {
	OpenCover(ctx context.Context, code protocol.DeviceCode) error
	CloseCover(ctx context.Context, code protocol.DeviceCode) error
	StopCover(ctx context.Context, code protocol.DeviceCode) error
	SetPosition(ctx context.Context, code protocol.DeviceCode, position int) error
}

type coverRequest struct {
	cmd      string
	code     protocol.DeviceCode
	position int
}

func parseCoverArgs(cmd string, args []string) (coverRequest, error) {
	want := 1
	if cmd == "position" {
		want = 2
	}
	if len(args) != want {
		if want == 2 {
			return coverRequest{}, errors.New("usage: position <code> <0-100>")
		}
		return coverRequest{}, fmt.Errorf("usage: %s <code>", cmd)
	}
	code, err := protocol.ParseDeviceCode(args[0])
	if err != nil {
		return coverRequest{}, err
	}
	req := coverRequest{cmd: cmd, code: code}
	if cmd == "position" {
		pos, err := strconv.Atoi(args[1])
		if err != nil || pos < 0 || pos > 100 {
			return coverRequest{}, fmt.Errorf("position %q: want 0-100", args[1])
		}
		req.position = pos
	}
	return req, nil
}

// cover sends one cover command and waits for the stick's ACK.
func (t *tool) cover(ctx context.Context, c coverController, req coverRequest) error {
	var err error
	switch req.cmd {
	case "up":
		err = c.OpenCover(ctx, req.code)
	case "down":
		err = c.CloseCover(ctx, req.code)
	case "stop":
		err = c.StopCover(ctx, req.code)
	case "position":
		err = c.SetPosition(ctx, req.code, req.position)
	default:
		return fmt.Errorf("unknown cover command %q", req.cmd)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.cmd, req.code, err)
	}
	if req.cmd == "position" {
		fmt.Fprintf(t.out, "%s: moving to %d%% (acknowledged)\n", req.code, req.position)
	} else {
		fmt.Fprintf(t.out, "%s: %s acknowledged\n", req.code, req.cmd)
	}
	return nil
}

func flagSummary(f *coordinator.StatusFlags) string {
	if f == nil {
		return "ok"
	}
	var flags []string
	if f.ManualMode {
		flags = append(flags, "manual")
	}
	if f.TimeAutomatic {
		flags = append(flags, "timer")
	}
	if f.SunAutomatic {
		flags = append(flags, "sun")
	}
	if f.VentilatingMode {
		flags = append(flags, "ventilating")
	}
	if len(flags) == 0 {
		return "ok"
	}
	return strings.Join(flags, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "--"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
