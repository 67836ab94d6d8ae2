// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/proximity"
	"github.com/ebarer/SmartLock/internal/transport"
)

// Config represents the daemon configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	BLE       BLEConfig       `yaml:"ble"`
	Link      LinkConfig      `yaml:"link"`
	Lock      LockConfig      `yaml:"lock"`
	Proximity ProximityConfig `yaml:"proximity"`
	Activity  ActivityConfig  `yaml:"activity"`
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BLEConfig selects the adapter and the accessory's UART service.
type BLEConfig struct {
	Adapter     string `yaml:"adapter"`
	ServiceUUID string `yaml:"service_uuid"`
	WriteUUID   string `yaml:"write_uuid"`
	NotifyUUID  string `yaml:"notify_uuid"`
}

// LinkConfig tunes the connection lifecycle.
type LinkConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	AutoDiscover   bool          `yaml:"auto_discover"`
	SyncOnReady    bool          `yaml:"sync_on_ready"`
}

// LockConfig represents lock behaviour
type LockConfig struct {
	LockOnDisconnect bool `yaml:"lock_on_disconnect"`
}

// ProximityConfig represents proximity mode configuration
type ProximityConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	LockThreshold     int           `yaml:"lock_threshold"`
	UnlockThreshold   int           `yaml:"unlock_threshold"`
	RequireFullWindow bool          `yaml:"require_full_window"`
	LogSamples        bool          `yaml:"log_samples"`
	PollState         bool          `yaml:"poll_state"`
}

// ActivityConfig represents activity stream configuration
type ActivityConfig struct {
	History int `yaml:"history"`
}

// HTTPConfig represents the API and web UI listener
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
	JWTSecret string `yaml:"jwt_secret"`
}

// NATSConfig represents NATS configuration. An empty URL disables the bridge.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// MQTTConfig represents MQTT configuration. An empty broker disables the
// bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		BLE: BLEConfig{
			Adapter:     "hci0",
			ServiceUUID: link.ServiceUUID,
			WriteUUID:   link.WriteUUID,
			NotifyUUID:  link.NotifyUUID,
		},
		Link: LinkConfig{
			ConnectTimeout: link.DefaultConnectTimeout,
			ReconnectDelay: 5 * time.Second,
			AutoDiscover:   true,
			SyncOnReady:    true,
		},
		Lock: LockConfig{LockOnDisconnect: true},
		Proximity: ProximityConfig{
			Interval:        proximity.DefaultInterval,
			LockThreshold:   proximity.DefaultLockThreshold,
			UnlockThreshold: proximity.DefaultUnlockThreshold,
			PollState:       true,
		},
		Activity: ActivityConfig{History: activity.DefaultHistory},
		HTTP:     HTTPConfig{Addr: ":8080"},
		NATS: NATSConfig{
			SubjectPrefix: "smartlock",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "smartlockd",
			TopicPrefix: "smartlock",
			QoS:         1,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Warn().Str("path", filename).Msg("Config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("unmarshal config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SMARTLOCK_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if addr := os.Getenv("SMARTLOCK_HTTP_ADDR"); addr != "" {
		c.HTTP.Addr = addr
	}

	if natsURL := os.Getenv("SMARTLOCK_NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("SMARTLOCK_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if secret := os.Getenv("SMARTLOCK_JWT_SECRET"); secret != "" {
		c.HTTP.JWTSecret = secret
	}
}

// Validate checks the values a component would otherwise reject at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	if c.BLE.ServiceUUID == "" || c.BLE.WriteUUID == "" || c.BLE.NotifyUUID == "" {
		return errors.New("ble: service, write and notify uuids are required")
	}
	if c.Link.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %s", c.Link.ConnectTimeout)
	}
	if c.Link.ReconnectDelay < 0 {
		return fmt.Errorf("invalid reconnect delay: %s", c.Link.ReconnectDelay)
	}
	if c.Proximity.Interval <= 0 {
		return fmt.Errorf("invalid proximity interval: %s", c.Proximity.Interval)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	return nil
}

// Thresholds returns the configured proximity band.
func (c *Config) Thresholds() proximity.Thresholds {
	return proximity.Thresholds{Lock: c.Proximity.LockThreshold, Unlock: c.Proximity.UnlockThreshold}
}

// AppConfig maps the file layout onto the controller's component configs.
func (c *Config) AppConfig() app.Config {
	return app.Config{
		Link: link.Config{
			Channels: transport.ChannelSpec{
				Service: c.BLE.ServiceUUID,
				Write:   c.BLE.WriteUUID,
				Notify:  c.BLE.NotifyUUID,
			},
			ConnectTimeout: c.Link.ConnectTimeout,
			ReconnectDelay: c.Link.ReconnectDelay,
			AutoDiscover:   c.Link.AutoDiscover,
			SyncOnReady:    c.Link.SyncOnReady,
		},
		Proximity: proximity.Config{
			Interval:          c.Proximity.Interval,
			Thresholds:        c.Thresholds(),
			RequireFullWindow: c.Proximity.RequireFullWindow,
			LogSamples:        c.Proximity.LogSamples,
			PollState:         c.Proximity.PollState,
		},
		ProximityEnabled: c.Proximity.Enabled,
		LockOnDisconnect: c.Lock.LockOnDisconnect,
	}
}
