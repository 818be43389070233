package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"duofern-go-home/internal/protocol"
)

// Event types
const (
	EventConnectionReady  = "connection_ready"
	EventConnectionLost   = "connection_lost"
	EventConnectionFailed = "connection_failed"
	EventDeviceState      = "device_state"
	EventDevicePaired     = "device_paired"
	EventDeviceUnpaired   = "device_unpaired"
	EventCommandFailed    = "command_failed"
	EventPairingStarted   = "pairing_started"
	EventPairingEnded     = "pairing_ended"
)

// Event represents a coordinator event.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// ConnectionEvent is the payload of the connection_* events.
type ConnectionEvent struct {
	Port       string `json:"port"`
	SystemCode string `json:"system_code"`
	Error      string `json:"error,omitempty"`
}

// DeviceEvent is the payload of device_paired and device_unpaired.
type DeviceEvent struct {
	Code protocol.DeviceCode `json:"code"`
	Type string              `json:"type"`
	Name string              `json:"name,omitempty"`
}

// CommandFailedEvent is the payload of command_failed.
type CommandFailedEvent struct {
	Device  protocol.DeviceCode `json:"device"`
	Command string              `json:"command"`
	Error   string              `json:"error"`
}

// PairingEvent is the payload of pairing_started and pairing_ended.
type PairingEvent struct {
	Mode    PairingMode           `json:"mode"`
	Timeout time.Duration         `json:"timeout"`
	Reason  string                `json:"reason,omitempty"`
	Devices []protocol.DeviceCode `json:"devices,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

const defaultSubscriberBuffer = 256

type subscriber struct {
	eventType string // empty = all events
	ch        chan Event
}

// EventBus provides pub/sub for coordinator events. Every subscriber has its
// own buffer and goroutine, so Emit never runs subscriber code and never
// blocks; a subscriber that falls behind loses events.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

func (eb *EventBus) add(eventType string, size int) (uint64, *subscriber) {
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	sub := &subscriber{eventType: eventType, ch: make(chan Event, size)}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(sub.ch)
		return 0, sub
	}
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	return id, sub
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if sub, ok := eb.subs[id]; ok {
		delete(eb.subs, id)
		close(sub.ch)
	}
}

func (eb *EventBus) run(sub *subscriber, handler EventHandler) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for e := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						eb.logger.Error("event handler panic", "type", e.Type, "panic", r)
					}
				}()
				handler(e)
			}()
		}
	}()
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	id, sub := eb.add(eventType, 0)
	eb.run(sub, handler)
	return func() { eb.remove(id) }
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	id, sub := eb.add("", 0)
	eb.run(sub, handler)
	return func() { eb.remove(id) }
}

// Subscribe returns a channel receiving all events. The channel is closed by
// the returned cancel function or by Close.
func (eb *EventBus) Subscribe(size int) (<-chan Event, func()) {
	id, sub := eb.add("", size)
	return sub.ch, func() { eb.remove(id) }
}

// Emit queues an event for every matching subscriber.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.logger.Warn("event subscriber lagging, event dropped", "type", event.Type)
		}
	}
}

// Close stops accepting events, lets handlers drain what is queued and
// waits for them.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		for id, sub := range eb.subs {
			delete(eb.subs, id)
			close(sub.ch)
		}
	}
	eb.mu.Unlock()
	eb.wg.Wait()
}
