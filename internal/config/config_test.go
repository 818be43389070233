package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"duofern-go-home/internal/protocol"
	"duofern-go-home/internal/stick"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
stick:
  system_code: "6f1a2b"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stick.Port != "auto" || cfg.Stick.Baud != 115200 || cfg.Stick.Wire != "hex" {
		t.Errorf("stick defaults = %+v", cfg.Stick)
	}
	if cfg.Stick.AckTimeout != 5*time.Second || cfg.Stick.Retries != 1 || cfg.Stick.StepTimeout != 5*time.Second {
		t.Errorf("policy defaults = %+v", cfg.Stick)
	}
	if cfg.Pairing.Timeout != 60*time.Second {
		t.Errorf("pairing timeout = %s", cfg.Pairing.Timeout)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "duofern-home.db" {
		t.Errorf("web/store defaults = %+v %+v", cfg.Web, cfg.Store)
	}
	if cfg.MQTT.TopicPrefix != "duofern" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("mqtt defaults = %+v", cfg.MQTT)
	}
	if cfg.SystemCode() != (protocol.SystemCode{0x6F, 0x1A, 0x2B}) {
		t.Errorf("SystemCode() = %s", cfg.SystemCode())
	}
	if cfg.WireFormat() != stick.WireHex {
		t.Errorf("WireFormat() = %s", cfg.WireFormat())
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
stick:
  port: /dev/ttyUSB1
  system_code: 6F0001
  wire: binary
  ack_timeout: 2s
  retries: 0
  step_timeout: 3s
devices:
  - code: 4090EA
    name: Kitchen
  - code: 4053b8
pairing:
  timeout: 2m
mqtt:
  enabled: true
  broker: tcp://localhost:1883
influxdb:
  enabled: true
  url: http://localhost:8086
  org: home
  token: secret
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stick.Port != "/dev/ttyUSB1" || cfg.WireFormat() != stick.WireBinary {
		t.Errorf("stick = %+v", cfg.Stick)
	}
	if cfg.Stick.Retries != 0 || cfg.Stick.AckTimeout != 2*time.Second || cfg.Stick.StepTimeout != 3*time.Second {
		t.Errorf("policy = %+v", cfg.Stick)
	}
	if cfg.Pairing.Timeout != 2*time.Minute {
		t.Errorf("pairing timeout = %s", cfg.Pairing.Timeout)
	}

	devs := cfg.DeviceCodes()
	if len(devs) != 2 || devs[protocol.DeviceCode{0x40, 0x90, 0xEA}] != "Kitchen" {
		t.Errorf("devices = %v", devs)
	}
	if _, ok := devs[protocol.DeviceCode{0x40, 0x53, 0xB8}]; !ok {
		t.Error("lowercase device code not parsed")
	}
	if cfg.InfluxDB.Bucket != "duofern" || cfg.InfluxDB.BatchSize != 100 {
		t.Errorf("influxdb defaults lost: %+v", cfg.InfluxDB)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DUOFERN_SERIAL_PORT", "/dev/ttyACM0")
	t.Setenv("DUOFERN_SYSTEM_CODE", "6FAAAA")
	t.Setenv("DUOFERN_WEB_API_KEY", "key")
	t.Setenv("DUOFERN_MQTT_PASSWORD", "mqtt-pass")
	t.Setenv("DUOFERN_INFLUXDB_TOKEN", "token")

	cfg, err := Load(writeConfig(t, `
stick:
  port: /dev/ttyUSB0
  system_code: 6F1A2B
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Stick.Port != "/dev/ttyACM0" || cfg.Stick.SystemCode != "6FAAAA" {
		t.Errorf("stick = %+v", cfg.Stick)
	}
	if cfg.Web.APIKey != "key" || cfg.MQTT.Password != "mqtt-pass" || cfg.InfluxDB.Token != "token" {
		t.Error("secrets not overridden from the environment")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "stick: [yaml: content")); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"missing system code", func(c *Config) { c.Stick.SystemCode = "" }, "stick.system_code"},
		{"system code prefix", func(c *Config) { c.Stick.SystemCode = "7F0001" }, "stick.system_code"},
		{"wire", func(c *Config) { c.Stick.Wire = "base64" }, "stick.wire"},
		{"negative retries", func(c *Config) { c.Stick.Retries = -1 }, "stick.retries"},
		{"zero ack timeout", func(c *Config) { c.Stick.AckTimeout = 0 }, "stick.ack_timeout"},
		{"zero pairing timeout", func(c *Config) { c.Pairing.Timeout = 0 }, "pairing.timeout"},
		{"bad device", func(c *Config) { c.Devices = []DeviceConfig{{Code: "40XX00"}} }, "devices[0].code"},
		{"broadcast device", func(c *Config) { c.Devices = []DeviceConfig{{Code: "FFFFFF"}} }, "reserved"},
		{"duplicate device", func(c *Config) {
			c.Devices = []DeviceConfig{{Code: "4090EA"}, {Code: "4090ea"}}
		}, "duplicate"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"mqtt wildcard prefix", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = "tcp://b:1883"
			c.MQTT.TopicPrefix = "duofern/#"
		}, "mqtt.topic_prefix"},
		{"influx without token", func(c *Config) {
			c.InfluxDB.Enabled = true
			c.InfluxDB.URL = "http://localhost:8086"
			c.InfluxDB.Org = "home"
		}, "influxdb.token"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Stick.SystemCode = "6F1A2B"
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Stick.Port = ""
	cfg.Store.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"stick.port", "stick.system_code", "store.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDefaultValidWithSystemCode(t *testing.T) {
	cfg := Default()
	cfg.Stick.SystemCode = "6F1A2B"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := Default()
	cfg.Stick.SystemCode = "6F1A2B"
	cfg.Stick.Retries = 3
	cfg.Devices = []DeviceConfig{{Code: "4090EA", Name: "Kitchen"}, {Code: "4053B8"}}

	cc := cfg.Coordinator()
	if cc.SystemCode != (protocol.SystemCode{0x6F, 0x1A, 0x2B}) || cc.Retries != 3 || cc.Port != "auto" {
		t.Errorf("coordinator config = %+v", cc)
	}
	if cc.PairingTimeout != 60*time.Second || cc.Wire != stick.WireHex {
		t.Errorf("pairing/wire = %s/%s", cc.PairingTimeout, cc.Wire)
	}
	if len(cc.Devices) != 2 {
		t.Fatalf("devices = %+v", cc.Devices)
	}
	if cc.Devices[0].Code != (protocol.DeviceCode{0x40, 0x53, 0xB8}) || cc.Devices[1].Name != "Kitchen" {
		t.Errorf("devices not sorted by code: %+v", cc.Devices)
	}
}
