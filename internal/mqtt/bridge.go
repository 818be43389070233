//go:build !no_mqtt

// Package mqtt bridges the DuoFern covers to MQTT with Home Assistant
// discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/protocol"
)

const commandTimeout = 30 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	Events() *coordinator.EventBus
	Context() context.Context
	ListDevices() []coordinator.DeviceState
	Device(code protocol.DeviceCode) (coordinator.DeviceState, error)
	OpenCover(ctx context.Context, code protocol.DeviceCode) error
	CloseCover(ctx context.Context, code protocol.DeviceCode) error
	StopCover(ctx context.Context, code protocol.DeviceCode) error
	SetPosition(ctx context.Context, code protocol.DeviceCode, position int) error
	StartPairing(ctx context.Context, mode coordinator.PairingMode, timeout time.Duration) error
	StopPairing(ctx context.Context) error
	PairingStatus() coordinator.PairingStatus
}

// Bridge connects the DuoFern coordinator to MQTT.
type Bridge struct {
	client    pahomqtt.Client
	coord     Controller
	prefix    string
	discovery string
	logger    *slog.Logger
	unsub     func()
}

// pairingRequest is the payload of <prefix>/bridge/pairing/set.
type pairingRequest struct {
	Mode    string `json:"mode"`
	Timeout int    `json:"timeout"` // seconds
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "duofern-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(b.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord Controller, cfg Config, logger *slog.Logger) *Bridge {
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "duofern"
	}
	discovery := strings.TrimSuffix(cfg.DiscoveryPrefix, "/")
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Bridge{
		coord:     coord,
		prefix:    prefix,
		discovery: discovery,
		logger:    logger.With("component", "mqtt"),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "discovery", b.discovery)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect: the broker may have lost retained
// state and subscriptions.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.subscribeCommands()
	for _, d := range b.coord.ListDevices() {
		b.publishDevice(d)
	}
	b.publishPairing()
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventDeviceState:
		state, ok := event.Data.(coordinator.DeviceState)
		if !ok || !state.Known || !state.Cover {
			return
		}
		b.publish(b.stateTopic(state.Code), buildState(state), true)
	case coordinator.EventDevicePaired:
		de, ok := event.Data.(coordinator.DeviceEvent)
		if !ok {
			return
		}
		state, err := b.coord.Device(de.Code)
		if err != nil {
			return
		}
		b.publishDevice(state)
	case coordinator.EventDeviceUnpaired:
		de, ok := event.Data.(coordinator.DeviceEvent)
		if !ok {
			return
		}
		msg := b.buildRemoveDiscovery(de.Code)
		b.publish(msg.Topic, msg.Payload, true)
		b.publish(b.stateTopic(de.Code), nil, true)
		b.logger.Info("removed HA discovery", "device", de.Code)
	case coordinator.EventPairingStarted, coordinator.EventPairingEnded:
		b.publishPairing()
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.availabilityTopic(), []byte(state), true)
}

// publishDevice announces a cover and its current state.
func (b *Bridge) publishDevice(d coordinator.DeviceState) {
	msg, ok := b.buildCoverDiscovery(d)
	if !ok {
		return
	}
	b.publish(msg.Topic, msg.Payload, true)
	b.publish(b.stateTopic(d.Code), buildState(d), true)
	b.logger.Info("published HA discovery", "device", d.Code, "name", deviceDisplayName(d))
}

func (b *Bridge) publishPairing() {
	b.publish(b.prefix+"/bridge/pairing", mustJSON(b.coord.PairingStatus()), true)
}

func (b *Bridge) subscribeCommands() {
	subs := map[string]func(topic string, payload []byte){
		b.prefix + "/+/set":          b.handleCoverMessage,
		b.prefix + "/+/set_position": b.handlePositionMessage,
		b.prefix + "/bridge/pairing/set": func(_ string, payload []byte) {
			b.handlePairing(payload)
		},
	}
	for topic, handler := range subs {
		handler := handler
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
	}
}

// topicDevice extracts the device code from <prefix>/<CODE>/<suffix>.
func (b *Bridge) topicDevice(topic, suffix string) (protocol.DeviceCode, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return protocol.DeviceCode{}, false
	}
	rest, ok = strings.CutSuffix(rest, "/"+suffix)
	if !ok || strings.Contains(rest, "/") {
		return protocol.DeviceCode{}, false
	}
	code, err := protocol.ParseDeviceCode(rest)
	if err != nil {
		return protocol.DeviceCode{}, false
	}
	return code, true
}

func (b *Bridge) handleCoverMessage(topic string, payload []byte) {
	code, ok := b.topicDevice(topic, "set")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(b.coord.Context(), commandTimeout)
	defer cancel()

	var err error
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))
	switch cmd {
	case "OPEN":
		err = b.coord.OpenCover(ctx, code)
	case "CLOSE":
		err = b.coord.CloseCover(ctx, code)
	case "STOP":
		err = b.coord.StopCover(ctx, code)
	default:
		b.logger.Warn("unknown cover command", "device", code, "payload", string(payload))
		return
	}
	if err != nil {
		b.logger.Warn("cover command failed", "device", code, "command", cmd, "err", err)
	}
}

func (b *Bridge) handlePositionMessage(topic string, payload []byte) {
	code, ok := b.topicDevice(topic, "set_position")
	if !ok {
		return
	}
	position, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("invalid position", "device", code, "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.coord.Context(), commandTimeout)
	defer cancel()
	if err := b.coord.SetPosition(ctx, code, position); err != nil {
		b.logger.Warn("set position failed", "device", code, "position", position, "err", err)
	}
}

func (b *Bridge) handlePairing(payload []byte) {
	var req pairingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid pairing request", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.coord.Context(), commandTimeout)
	defer cancel()

	if req.Mode == "stop" {
		if err := b.coord.StopPairing(ctx); err != nil {
			b.logger.Warn("stop pairing failed", "err", err)
		}
		return
	}
	mode, err := coordinator.ParsePairingMode(req.Mode)
	if err != nil {
		b.logger.Warn("invalid pairing request", "err", err)
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if err := b.coord.StartPairing(ctx, mode, timeout); err != nil {
		b.logger.Warn("start pairing failed", "mode", mode, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
