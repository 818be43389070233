//go:build !no_history

// Package history writes cover positions and link events to InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"duofern-go-home/internal/config"
	"duofern-go-home/internal/coordinator"
)

var (
	// ErrDisabled is returned by Connect when history is switched off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

const (
	connectTimeout = 10 * time.Second

	measurementCover = "cover_state"
	measurementLink  = "link"
)

// pointWriter is the part of api.WriteAPI the recorder needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder turns coordinator events into InfluxDB points. Writes are
// batched and non-blocking.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// Connect pings the server and opens a batching write API for the
// configured org and bucket.
func Connect(cfg config.InfluxDBConfig, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.client = client
	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	r.logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func newRecorder(w pointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		writer: w,
		logger: logger.With("component", "history"),
	}
}

// Attach starts recording events from bus.
func (r *Recorder) Attach(bus *coordinator.EventBus) {
	unsub := bus.OnAll(r.handle)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

func (r *Recorder) handle(e coordinator.Event) {
	var p *write.Point
	switch e.Type {
	case coordinator.EventDeviceState:
		state, ok := e.Data.(coordinator.DeviceState)
		if !ok {
			return
		}
		p = coverPoint(state, e.Time)
	case coordinator.EventConnectionReady, coordinator.EventConnectionLost, coordinator.EventConnectionFailed:
		ce, ok := e.Data.(coordinator.ConnectionEvent)
		if !ok {
			return
		}
		p = linkPoint(e.Type, ce, e.Time)
	}
	if p != nil {
		r.writer.WritePoint(p)
	}
}

// coverPoint records one device state. States without a position (motion
// relays before the first status report) only carry the motion.
func coverPoint(s coordinator.DeviceState, at time.Time) *write.Point {
	tags := map[string]string{
		"device": s.Code.String(),
		"type":   s.Type,
	}
	if s.Name != "" {
		tags["name"] = s.Name
	}
	fields := map[string]interface{}{
		"motion": s.Motion.String(),
	}
	if s.Position != nil {
		fields["position"] = *s.Position
		if native, ok := s.NativePosition(); ok {
			fields["native_position"] = native
		}
	}
	return write.NewPoint(measurementCover, tags, fields, at)
}

func linkPoint(eventType string, ce coordinator.ConnectionEvent, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"event":     eventType,
		"connected": eventType == coordinator.EventConnectionReady,
	}
	if ce.Error != "" {
		fields["error"] = ce.Error
	}
	return write.NewPoint(measurementLink,
		map[string]string{"port": ce.Port, "system_code": ce.SystemCode},
		fields, at)
}

// Close detaches from the event bus, flushes pending points and closes the
// client.
func (r *Recorder) Close() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
