package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, 3, cfg.Blink.Max2FARetries)
	assert.Equal(t, time.Minute, cfg.Poll.Interval())
	assert.Equal(t, 30*time.Second, cfg.Commands.SnapshotTimeout())
	assert.Equal(t, 3, cfg.Commands.ConfirmAttempts)
	assert.Equal(t, 2*time.Second, cfg.Commands.ConfirmDelay())
	assert.Equal(t, "blink", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blink:
  email: user@example.com
  max_2fa_retries: 5
mqtt:
  enabled: true
  broker: mqtt.local
poll:
  interval_seconds: 30
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.Blink.Email)
	assert.Equal(t, 5, cfg.Blink.Max2FARetries)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "mqtt.local", cfg.MQTT.Broker)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval())
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, "blink", cfg.MQTT.TopicPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Poll.IntervalSeconds, cfg.Poll.IntervalSeconds)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blink:
  email: file@example.com
poll:
  interval_seconds: 30
`), 0o600))

	t.Setenv("BLINK_EMAIL", "env@example.com")
	t.Setenv("BLINK_POLL_INTERVAL", "15")
	t.Setenv("BLINK_MQTT_ENABLED", "true")
	t.Setenv("BLINK_HTTP_DEBUG", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env@example.com", cfg.Blink.Email)
	assert.Equal(t, 15*time.Second, cfg.Poll.Interval())
	assert.True(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.HTTP.Debug)
}

func TestLoad_BadEnvIntKeepsPrior(t *testing.T) {
	t.Setenv("BLINK_POLL_INTERVAL", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Poll.IntervalSeconds, cfg.Poll.IntervalSeconds)
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name   string
		broker string
		port   int
		want   string
	}{
		{"bare host", "mqtt.local", 0, "tcp://mqtt.local:1883"},
		{"host with port", "mqtt.local", 8883, "tcp://mqtt.local:8883"},
		{"full url untouched", "ssl://mqtt.local:8883", 1883, "ssl://mqtt.local:8883"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := MQTTConfig{Broker: tt.broker, Port: tt.port}
			assert.Equal(t, tt.want, c.BrokerURL())
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Defaults()
	cfg.Blink.Email = "user@example.com"
	cfg.MQTT.Broker = "mqtt.local"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
