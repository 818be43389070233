package stick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// USB identifiers of the DuoFern stick (FTDI FT232R).
const (
	VendorID        = "0403"
	ProductID       = "6001"
	DefaultBaudRate = 115200
)

// Port is the byte transport to the stick. A Read returning 0, nil means the
// line was idle for the configured read timeout.
type Port interface {
	io.ReadWriteCloser
}

// PortInfo describes a discovered stick.
type PortInfo struct {
	Name         string `json:"name"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Only one Link Session per port inside this process. The OS-level
// exclusive open covers other processes.
var claims = struct {
	sync.Mutex
	names map[string]bool
}{names: make(map[string]bool)}

func claimPort(name string) error {
	claims.Lock()
	defer claims.Unlock()
	if claims.names[name] {
		return fmt.Errorf("%w: %s already open", ErrPortBusy, name)
	}
	claims.names[name] = true
	return nil
}

func releasePort(name string) {
	claims.Lock()
	delete(claims.names, name)
	claims.Unlock()
}

type serialPort struct {
	serial.Port
	name      string
	closeOnce sync.Once
	closeErr  error
}

func (p *serialPort) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Port.Close()
		releasePort(p.name)
	})
	return p.closeErr
}

// Open acquires the serial port exclusively with 8N1 framing. readTimeout
// bounds each Read so the framer can flush partial binary chunks; zero
// blocks forever.
func Open(name string, baudRate int, readTimeout time.Duration) (Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if err := claimPort(name); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		releasePort(name)
		if isBusy(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPortBusy, name, err)
		}
		return nil, fmt.Errorf("stick: open %s: %w", name, err)
	}

	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			releasePort(name)
			return nil, fmt.Errorf("stick: set read timeout on %s: %w", name, err)
		}
	}
	return &serialPort{Port: port, name: name}, nil
}

func isBusy(err error) bool {
	code, ok := portErrorCode(err)
	return ok && code == serial.PortBusy
}

// isClosed reports whether a read failed because the port went away.
func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	code, ok := portErrorCode(err)
	return ok && code == serial.PortClosed
}

func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code(), true
	}
	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	return 0, false
}

// Discover lists attached sticks by their USB vendor and product IDs.
func Discover() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("stick: enumerate ports: %w", err)
	}
	var found []PortInfo
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, VendorID) && strings.EqualFold(p.PID, ProductID) {
			found = append(found, PortInfo{
				Name:         p.Name,
				SerialNumber: p.SerialNumber,
				Product:      p.Product,
			})
		}
	}
	return found, nil
}

// ResolvePort returns name unchanged unless it is "auto" or empty, in which
// case the first discovered stick is used.
func ResolvePort(name string) (string, error) {
	if name != "" && name != "auto" {
		return name, nil
	}
	found, err := Discover()
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNoStick
	}
	return found[0].Name, nil
}

// Opener returns a function that resolves and opens the port. It resolves
// on every call so a replugged stick is found under its new name.
func Opener(name string, baudRate int, readTimeout time.Duration) func(ctx context.Context) (Port, error) {
	return func(ctx context.Context) (Port, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resolved, err := ResolvePort(name)
		if err != nil {
			return nil, err
		}
		return Open(resolved, baudRate, readTimeout)
	}
}
