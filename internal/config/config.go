// Package config provides configuration loading for the controller.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all controller configuration. Deployment-static settings live
// here; runtime-tunable knobs (retention, sync interval, dispatcher limits)
// live in the settings store and are adjusted over the API.
type Config struct {
	// Listen address (default ":8420")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/vigil")
	DataDir string `yaml:"data_dir"`

	// TLS settings
	TLSCert string `yaml:"tls_cert,omitempty"`
	TLSKey  string `yaml:"tls_key,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	HomeAssistant HomeAssistantConfig `yaml:"home_assistant,omitempty"`
	MQTT          MQTTConfig          `yaml:"mqtt,omitempty"`
	ZWaveJS       ZWaveJSConfig       `yaml:"zwavejs,omitempty"`
	Redis         RedisConfig         `yaml:"redis,omitempty"`

	// Notification providers available to send_notification actions.
	Notify []NotifyProviderConfig `yaml:"notify,omitempty"`

	// OTLP gRPC endpoint for traces (empty = tracing disabled)
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// HomeAssistantConfig points at a Home Assistant instance.
type HomeAssistantConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

// MQTTConfig points at the broker carrying zigbee2mqtt and Frigate traffic.
type MQTTConfig struct {
	BrokerURL        string `yaml:"broker_url,omitempty"`
	Username         string `yaml:"username,omitempty"`
	Password         string `yaml:"password,omitempty"`
	ClientID         string `yaml:"client_id,omitempty"`
	Zigbee2mqttTopic string `yaml:"zigbee2mqtt_topic,omitempty"`
	FrigateTopic     string `yaml:"frigate_topic,omitempty"`
}

// ZWaveJSConfig points at a zwave-js-server websocket.
type ZWaveJSConfig struct {
	URL string `yaml:"url,omitempty"`
}

// RedisConfig enables the shared batch lock. Empty Addr keeps the
// in-process locker.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// NotifyProviderConfig declares one notification provider.
type NotifyProviderConfig struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"` // webhook, slack, telegram, email
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
	Chat  string `yaml:"chat,omitempty"`

	// Email provider fields.
	SMTPHost string   `yaml:"smtp_host,omitempty"`
	SMTPPort int      `yaml:"smtp_port,omitempty"`
	From     string   `yaml:"from,omitempty"`
	To       []string `yaml:"to,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8420",
		DataDir:    "/var/lib/vigil",
		LogLevel:   "info",
		MQTT: MQTTConfig{
			ClientID:         "vigil",
			Zigbee2mqttTopic: "zigbee2mqtt",
			FrigateTopic:     "frigate/events",
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("VIGIL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VIGIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VIGIL_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("VIGIL_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIGIL_HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := os.Getenv("VIGIL_HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv("VIGIL_MQTT_BROKER"); v != "" {
		cfg.MQTT.BrokerURL = v
	}
	if v := os.Getenv("VIGIL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("VIGIL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("VIGIL_ZWAVEJS_URL"); v != "" {
		cfg.ZWaveJS.URL = v
	}
	if v := os.Getenv("VIGIL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VIGIL_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("VIGIL_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HasHomeAssistant returns true if a Home Assistant endpoint is configured.
func (c Config) HasHomeAssistant() bool {
	return c.HomeAssistant.URL != "" && c.HomeAssistant.Token != ""
}

// HasMQTT returns true if an MQTT broker is configured.
func (c Config) HasMQTT() bool {
	return c.MQTT.BrokerURL != ""
}

// HasZWaveJS returns true if a zwave-js-server endpoint is configured.
func (c Config) HasZWaveJS() bool {
	return c.ZWaveJS.URL != ""
}

// HasRedis returns true if a Redis batch-lock backend is configured.
func (c Config) HasRedis() bool {
	return c.Redis.Addr != ""
}
