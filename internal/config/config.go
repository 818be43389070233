// Package config loads the service configuration: defaults, then the YAML
// file, then DUOFERN_* environment overrides, then validation.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"duofern-go-home/internal/coordinator"
	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
)

// Config is the complete service configuration.
type Config struct {
	Stick    StickConfig    `yaml:"stick"`
	Devices  []DeviceConfig `yaml:"devices"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Web      WebConfig      `yaml:"web"`
	Store    StoreConfig    `yaml:"store"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Log      LogConfig      `yaml:"log"`
}

// StickConfig describes the USB stick and the link policy.
type StickConfig struct {
	// Port is a device path or "auto" for USB discovery.
	Port       string `yaml:"port"`
	Baud       int    `yaml:"baud"`
	SystemCode string `yaml:"system_code"`
	Wire       string `yaml:"wire"`

	AckTimeout        time.Duration `yaml:"ack_timeout"`
	Retries           int           `yaml:"retries"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	StartTimeout      time.Duration `yaml:"start_timeout"`
}

// DeviceConfig is a device paired before the service first started.
type DeviceConfig struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type PairingConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Listen         string   `yaml:"listen"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration at path.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Stick: StickConfig{
			Port:              "auto",
			Baud:              stick.DefaultBaudRate,
			Wire:              "hex",
			AckTimeout:        stick.DefaultAckTimeout,
			Retries:           stick.DefaultRetries,
			StepTimeout:       stick.DefaultStepTimeout,
			FlushTimeout:      500 * time.Millisecond,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: time.Minute,
			StartTimeout:      30 * time.Second,
		},
		Pairing: PairingConfig{Timeout: 60 * time.Second},
		Web:     WebConfig{Listen: "127.0.0.1:8080"},
		Store:   StoreConfig{Path: "duofern-home.db"},
		MQTT: MQTTConfig{
			ClientID:        "duofern-go-home",
			TopicPrefix:     "duofern",
			DiscoveryPrefix: "homeassistant",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "duofern",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// applyEnvOverrides lets secrets and per-host settings live outside the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DUOFERN_SERIAL_PORT"); v != "" {
		cfg.Stick.Port = v
	}
	if v := os.Getenv("DUOFERN_SYSTEM_CODE"); v != "" {
		cfg.Stick.SystemCode = v
	}
	if v := os.Getenv("DUOFERN_WEB_API_KEY"); v != "" {
		cfg.Web.APIKey = v
	}
	if v := os.Getenv("DUOFERN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DUOFERN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Stick.Port == "" {
		errs = append(errs, "stick.port is required (device path or \"auto\")")
	}
	if c.Stick.Baud <= 0 {
		errs = append(errs, "stick.baud must be positive")
	}
	if _, err := protocol.ParseSystemCode(c.Stick.SystemCode); err != nil {
		errs = append(errs, fmt.Sprintf("stick.system_code: %v", err))
	}
	if _, err := stick.ParseWire(c.Stick.Wire); err != nil {
		errs = append(errs, fmt.Sprintf("stick.wire: %v", err))
	}
	if c.Stick.Retries < 0 {
		errs = append(errs, "stick.retries must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"stick.ack_timeout":         c.Stick.AckTimeout,
		"stick.step_timeout":        c.Stick.StepTimeout,
		"stick.flush_timeout":       c.Stick.FlushTimeout,
		"stick.reconnect_delay":     c.Stick.ReconnectDelay,
		"stick.max_reconnect_delay": c.Stick.MaxReconnectDelay,
		"stick.start_timeout":       c.Stick.StartTimeout,
		"pairing.timeout":           c.Pairing.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	seen := make(map[protocol.DeviceCode]bool)
	for i, d := range c.Devices {
		code, err := protocol.ParseDeviceCode(d.Code)
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].code: %v", i, err))
			continue
		}
		if code.IsZero() || code.IsBroadcast() {
			errs = append(errs, fmt.Sprintf("devices[%d].code: %s is reserved", i, code))
			continue
		}
		if seen[code] {
			errs = append(errs, fmt.Sprintf("devices[%d].code: duplicate %s", i, code))
		}
		seen[code] = true
	}

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Web.Listen == "" {
		errs = append(errs, "web.listen is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			errs = append(errs, "mqtt.topic_prefix must be a plain topic")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required (set DUOFERN_INFLUXDB_TOKEN)")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		// Map iteration above is unordered.
		sort.Strings(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SystemCode returns the parsed stick system code. Call after Validate.
func (c *Config) SystemCode() protocol.SystemCode {
	code, _ := protocol.ParseSystemCode(c.Stick.SystemCode)
	return code
}

// DeviceCodes returns the configured devices with parsed codes. Call after
// Validate.
func (c *Config) DeviceCodes() map[protocol.DeviceCode]string {
	out := make(map[protocol.DeviceCode]string, len(c.Devices))
	for _, d := range c.Devices {
		if code, err := protocol.ParseDeviceCode(d.Code); err == nil {
			out[code] = d.Name
		}
	}
	return out
}

// WireFormat returns the parsed wire format. Call after Validate.
func (c *Config) WireFormat() stick.Wire {
	w, _ := stick.ParseWire(c.Stick.Wire)
	return w
}

// Coordinator returns the link and pairing settings of the coordinator,
// with the configured devices sorted by code. Call after Validate.
func (c *Config) Coordinator() coordinator.Config {
	var devices []coordinator.DeviceConfig
	for code, name := range c.DeviceCodes() {
		devices = append(devices, coordinator.DeviceConfig{Code: code, Name: name})
	}
	sort.Slice(devices, func(i, j int) bool {
		return bytes.Compare(devices[i].Code[:], devices[j].Code[:]) < 0
	})
	return coordinator.Config{
		SystemCode:        c.SystemCode(),
		Devices:           devices,
		Port:              c.Stick.Port,
		Wire:              c.WireFormat(),
		AckTimeout:        c.Stick.AckTimeout,
		StepTimeout:       c.Stick.StepTimeout,
		Retries:           c.Stick.Retries,
		ReconnectDelay:    c.Stick.ReconnectDelay,
		MaxReconnectDelay: c.Stick.MaxReconnectDelay,
		PairingTimeout:    c.Pairing.Timeout,
	}
}
