// Package coordinator runs the link session with the DuoFern stick: it
// reconnects after failures, decodes device pushes, executes cover commands
// and owns the pairing window.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duofern-go-home/internal/metrics"
	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
	"duofern-go-home/internal/store"
)

var (
	// ErrPairingActive is returned when a pairing window is already open.
	ErrPairingActive = errors.New("pairing session already active")
	// ErrUnknownDevice is returned for commands to a device that is not paired.
	ErrUnknownDevice = errors.New("unknown device")
)

// Opener acquires the transport for a new session.
type Opener func(ctx context.Context) (stick.Port, error)

// DeviceConfig is a device listed in the configuration file.
type DeviceConfig struct {
	Code protocol.DeviceCode
	Name string
}

// Config holds coordinator configuration.
type Config struct {
	SystemCode protocol.SystemCode
	Devices    []DeviceConfig
	// Port is only reported in events and session info.
	Port string
	Wire stick.Wire

	AckTimeout        time.Duration
	StepTimeout       time.Duration
	Retries           int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PairingTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = time.Minute
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = 60 * time.Second
	}
}

// SessionInfo describes the current link session.
type SessionInfo struct {
	Connected   bool          `json:"connected"`
	Step        string        `json:"step"`
	Port        string        `json:"port"`
	SystemCode  string        `json:"system_code"`
	Wire        string        `json:"wire"`
	ConnectedAt time.Time     `json:"connected_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Devices     int           `json:"devices"`
	Pairing     PairingStatus `json:"pairing"`
}

// Coordinator manages the DuoFern link session.
type Coordinator struct {
	open    Opener
	store   store.Store
	events  *EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  Config
	devices *registry

	mu          sync.RWMutex
	stick       *stick.Stick // nil while disconnected
	step        func() stick.Step
	connectedAt time.Time
	lastErr     error

	pmu     sync.Mutex
	pairing *pairingSession

	startOnce sync.Once
	ready     chan error
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Coordinator. st and m may be nil.
func New(open Opener, st store.Store, events *EventBus, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		open:    open,
		store:   st,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "coordinator"),
		config:  cfg,
		devices: newRegistry(),
		ready:   make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.loadDevices()
	return c
}

// loadDevices seeds the paired set from the store and the configuration.
// Configured devices missing from the store are saved so their state
// survives restarts.
func (c *Coordinator) loadDevices() {
	if c.store != nil {
		devs, err := c.store.ListDevices()
		if err != nil {
			c.logger.Error("load devices", "err", err)
		}
		for _, d := range devs {
			code, err := protocol.ParseDeviceCode(d.Code)
			if err != nil {
				c.logger.Warn("skipping stored device", "code", d.Code, "err", err)
				continue
			}
			c.devices.restore(code, d.FriendlyName, d.Position, d.Version, d.LastSeen)
		}
	}
	for _, d := range c.config.Devices {
		if c.devices.known(d.Code) {
			if d.Name != "" {
				c.devices.rename(d.Code, d.Name)
			}
			continue
		}
		c.devices.setKnown(d.Code, true, d.Name)
		c.persistDevice(d.Code, d.Name, time.Time{})
	}
	c.logger.Info("devices loaded", "count", len(c.devices.knownCodes()))
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Start launches the session supervisor and waits until the first handshake
// completes. A busy port fails immediately; other failures are retried in
// the background until ctx expires, in which case the supervisor keeps
// running and Start returns the last error.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.supervise()
	})
	select {
	case err := <-c.ready:
		return err
	case <-ctx.Done():
		c.mu.RLock()
		last := c.lastErr
		c.mu.RUnlock()
		if last != nil {
			return fmt.Errorf("stick not ready: %w (last error: %v)", ctx.Err(), last)
		}
		return fmt.Errorf("stick not ready: %w", ctx.Err())
	}
}

// Stop closes the session and waits for the supervisor to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.abortPairing("shutdown")
}

func (c *Coordinator) reportStart(err error) {
	select {
	case c.ready <- err:
	default:
	}
}

// supervise keeps a session alive, reconnecting with exponential backoff.
func (c *Coordinator) supervise() {
	defer c.wg.Done()

	delay := c.config.ReconnectDelay
	reported := false
	for {
		wasReady, err := c.runSession(func() {
			if !reported {
				reported = true
				c.reportStart(nil)
			}
		})
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()

		if errors.Is(err, stick.ErrPortBusy) && !reported {
			reported = true
			c.reportStart(err)
		}
		if wasReady {
			delay = c.config.ReconnectDelay
		}

		c.logger.Warn("stick session ended, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
		if !wasReady {
			delay *= 2
			if delay > c.config.MaxReconnectDelay {
				delay = c.config.MaxReconnectDelay
			}
		}
	}
}

// runSession opens the port, runs the handshake and serves the session
// until the link drops or the coordinator stops.
func (c *Coordinator) runSession(onReady func()) (wasReady bool, err error) {
	port, err := c.open(c.ctx)
	if err != nil {
		c.metrics.Handshake("open_failed")
		c.emitConnection(EventConnectionFailed, err)
		return false, fmt.Errorf("open stick: %w", err)
	}

	st := stick.New(port, stick.Config{
		SystemCode:  c.config.SystemCode,
		Devices:     c.devices.knownCodes(),
		Wire:        c.config.Wire,
		AckTimeout:  c.config.AckTimeout,
		StepTimeout: c.config.StepTimeout,
		Retries:     c.config.Retries,
	}, c.metrics, c.logger)

	// Pushes that arrive during the handshake are decoded as usual.
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for f := range st.Frames() {
			c.handleFrame(f)
		}
	}()

	c.mu.Lock()
	c.step = st.Step
	c.mu.Unlock()

	if err := st.Handshake(c.ctx); err != nil {
		st.Close()
		consumer.Wait()
		c.mu.Lock()
		c.step = nil
		c.mu.Unlock()
		if c.ctx.Err() == nil {
			c.emitConnection(EventConnectionFailed, err)
		}
		return false, err
	}

	now := time.Now()
	c.mu.Lock()
	c.stick = st
	c.connectedAt = now
	c.lastErr = nil
	c.mu.Unlock()
	c.metrics.SetReady(true)
	c.saveStickState(now)
	c.emitConnection(EventConnectionReady, nil)
	onReady()

	select {
	case <-st.Done():
	case <-c.ctx.Done():
	}

	c.mu.Lock()
	c.stick = nil
	c.step = nil
	c.mu.Unlock()
	c.metrics.SetReady(false)
	c.abortPairing("connection_lost")

	cause := st.Err()
	st.Close()
	consumer.Wait()

	if c.ctx.Err() != nil {
		return true, nil
	}
	if cause == nil {
		cause = stick.ErrNotConnected
	}
	c.emitConnection(EventConnectionLost, cause)
	return true, cause
}

// session returns the ready stick or ErrNotConnected.
func (c *Coordinator) session() (*stick.Stick, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stick == nil {
		return nil, stick.ErrNotConnected
	}
	return c.stick, nil
}

// Connected reports whether commands can be sent.
func (c *Coordinator) Connected() bool {
	_, err := c.session()
	return err == nil
}

// Info returns a snapshot of the session.
func (c *Coordinator) Info() SessionInfo {
	c.mu.RLock()
	info := SessionInfo{
		Connected:  c.stick != nil,
		Step:       "disconnected",
		Port:       c.config.Port,
		SystemCode: c.config.SystemCode.String(),
		Wire:       c.config.Wire.String(),
	}
	if c.step != nil {
		info.Step = c.step().String()
	}
	if c.stick != nil {
		info.ConnectedAt = c.connectedAt
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	c.mu.RUnlock()

	info.Devices = len(c.devices.knownCodes())
	info.Pairing = c.PairingStatus()
	return info
}

func (c *Coordinator) emitConnection(eventType string, err error) {
	data := ConnectionEvent{Port: c.config.Port, SystemCode: c.config.SystemCode.String()}
	if err != nil {
		data.Error = err.Error()
	}
	switch eventType {
	case EventConnectionReady:
		c.logger.Info("stick ready", "port", c.config.Port, "system_code", c.config.SystemCode)
	default:
		c.logger.Warn("stick connection", "event", eventType, "err", err)
	}
	c.emit(eventType, data)
}

func (c *Coordinator) emit(eventType string, data any) {
	if c.events == nil {
		return
	}
	c.events.Emit(Event{Type: eventType, Data: data})
}

func (c *Coordinator) saveStickState(now time.Time) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveStickState(&store.StickState{
		SystemCode:    c.config.SystemCode.String(),
		Port:          c.config.Port,
		LastConnected: now,
	}); err != nil {
		c.logger.Error("save stick state", "err", err)
	}
}
