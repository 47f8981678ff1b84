package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8420" {
		t.Errorf("expected :8420, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/var/lib/vigil" {
		t.Errorf("expected /var/lib/vigil, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if cfg.MQTT.Zigbee2mqttTopic != "zigbee2mqtt" {
		t.Errorf("expected zigbee2mqtt base topic, got %s", cfg.MQTT.Zigbee2mqttTopic)
	}
	if cfg.MQTT.FrigateTopic != "frigate/events" {
		t.Errorf("expected frigate/events, got %s", cfg.MQTT.FrigateTopic)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
listen_addr: ":9090"
data_dir: /tmp/test
home_assistant:
  url: http://ha.local:8123
  token: abc123
mqtt:
  broker_url: tcp://broker:1883
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/test" {
		t.Errorf("expected /tmp/test, got %s", cfg.DataDir)
	}
	if !cfg.HasHomeAssistant() {
		t.Error("expected home assistant configured")
	}
	if cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("expected tcp://broker:1883, got %s", cfg.MQTT.BrokerURL)
	}
	// Fields absent from the file keep their defaults.
	if cfg.MQTT.Zigbee2mqttTopic != "zigbee2mqtt" {
		t.Errorf("expected default base topic, got %s", cfg.MQTT.Zigbee2mqttTopic)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`listen_addr: ":9090"`), 0644)

	t.Setenv("VIGIL_LISTEN_ADDR", ":7070")
	t.Setenv("VIGIL_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if !cfg.HasRedis() {
		t.Error("env VIGIL_REDIS_ADDR should enable redis")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := Default()
	cfg.ListenAddr = ":3000"
	cfg.ZWaveJS.URL = "ws://zwave:3001"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.ListenAddr != ":3000" {
		t.Errorf("expected :3000, got %s", loaded.ListenAddr)
	}
	if loaded.ZWaveJS.URL != "ws://zwave:3001" {
		t.Errorf("expected ws://zwave:3001, got %s", loaded.ZWaveJS.URL)
	}
}

func TestHasTLS(t *testing.T) {
	cfg := Default()
	if cfg.HasTLS() {
		t.Error("default should not have TLS")
	}
	cfg.TLSCert = "/path/cert.pem"
	if cfg.HasTLS() {
		t.Error("cert without key is not TLS")
	}
	cfg.TLSKey = "/path/key.pem"
	if !cfg.HasTLS() {
		t.Error("should have TLS with both cert and key")
	}
}
