package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Blink    BlinkConfig    `yaml:"blink"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Poll     PollConfig     `yaml:"poll"`
	Commands CommandsConfig `yaml:"commands"`
	Images   ImagesConfig   `yaml:"images"`
	Log      LogConfig      `yaml:"log"`
}

// BlinkConfig holds Blink cloud account configuration.
type BlinkConfig struct {
	Email           string `yaml:"email"`
	Password        string `yaml:"password"`
	CredentialsPath string `yaml:"credentials_path"`
	Max2FARetries   int    `yaml:"max_2fa_retries"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceID        string `yaml:"device_id"`
}

// BrokerURL returns the broker address as a URL the MQTT client accepts.
// A bare host gets the configured port and a tcp:// scheme prepended.
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("tcp://%s:%d", c.Broker, port)
}

// HTTPConfig holds HTTP dashboard server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	Debug   bool   `yaml:"debug"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// PollConfig holds remote state polling configuration.
type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the poll interval as a duration.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CommandsConfig holds command confirmation and snapshot job configuration.
type CommandsConfig struct {
	SnapshotTimeoutSeconds int `yaml:"snapshot_timeout_seconds"`
	ConfirmAttempts        int `yaml:"confirm_attempts"`
	ConfirmDelaySeconds    int `yaml:"confirm_delay_seconds"`
}

// SnapshotTimeout returns the snapshot job deadline as a duration.
func (c CommandsConfig) SnapshotTimeout() time.Duration {
	return time.Duration(c.SnapshotTimeoutSeconds) * time.Second
}

// ConfirmDelay returns the wait between arm/disarm confirmation polls.
func (c CommandsConfig) ConfirmDelay() time.Duration {
	return time.Duration(c.ConfirmDelaySeconds) * time.Second
}

// ImagesConfig holds snapshot image storage configuration.
type ImagesConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Blink: BlinkConfig{
			CredentialsPath: "/data/blink_credentials.json",
			Max2FARetries:   3,
		},
		MQTT: MQTTConfig{
			Port:            1883,
			TopicPrefix:     "blink",
			DiscoveryPrefix: "homeassistant",
			DeviceID:        "blink_hub",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Poll: PollConfig{
			IntervalSeconds: 60,
		},
		Commands: CommandsConfig{
			SnapshotTimeoutSeconds: 30,
			ConfirmAttempts:        3,
			ConfirmDelaySeconds:    2,
		},
		Images: ImagesConfig{
			Dir: "/data/images",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Save writes the config back to a YAML file; used by the dashboard's
// config form. Changes take effect on restart.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BLINK_EMAIL"); v != "" {
		cfg.Blink.Email = v
	}
	if v := os.Getenv("BLINK_PASSWORD"); v != "" {
		cfg.Blink.Password = v
	}
	if v := os.Getenv("BLINK_CREDENTIALS_PATH"); v != "" {
		cfg.Blink.CredentialsPath = v
	}
	if v := os.Getenv("BLINK_MAX_2FA_RETRIES"); v != "" {
		cfg.Blink.Max2FARetries = parseInt(v, cfg.Blink.Max2FARetries)
	}
	if v := os.Getenv("BLINK_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("BLINK_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BLINK_MQTT_PORT"); v != "" {
		cfg.MQTT.Port = parseInt(v, cfg.MQTT.Port)
	}
	if v := os.Getenv("BLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BLINK_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("BLINK_MQTT_DISCOVERY_PREFIX"); v != "" {
		cfg.MQTT.DiscoveryPrefix = v
	}
	if v := os.Getenv("BLINK_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("BLINK_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("BLINK_HTTP_DEBUG"); v != "" {
		cfg.HTTP.Debug = parseBool(v)
	}
	if v := os.Getenv("BLINK_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("BLINK_POLL_INTERVAL"); v != "" {
		cfg.Poll.IntervalSeconds = parseInt(v, cfg.Poll.IntervalSeconds)
	}
	if v := os.Getenv("BLINK_SNAPSHOT_TIMEOUT"); v != "" {
		cfg.Commands.SnapshotTimeoutSeconds = parseInt(v, cfg.Commands.SnapshotTimeoutSeconds)
	}
	if v := os.Getenv("BLINK_IMAGES_DIR"); v != "" {
		cfg.Images.Dir = v
	}
	if v := os.Getenv("BLINK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BLINK_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
