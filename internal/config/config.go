// Package config holds the device configuration: the key/value surface the
// session reads (device name, network host and port) plus the settings of
// the demo CLI. Values come from a YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/1ureka/btcomms/internal/protocol"
	"github.com/1ureka/btcomms/internal/queue"
	"github.com/1ureka/btcomms/internal/util"
)

// Role represents the user's chosen role (host or client).
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Transport kinds.
const (
	TransportTCP    = "tcp"
	TransportWS     = "ws"
	TransportWebRTC = "webrtc"
	TransportRFCOMM = "rfcomm"
)

// Config stores all parameters of one device.
type Config struct {
	Device struct {
		Name string `yaml:"name"`
	} `yaml:"device"`

	Network struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"network"`

	Game struct {
		Name         string `yaml:"name"`
		ID           uint32 `yaml:"id"` // derived from Name when zero
		StartPlayers int    `yaml:"start_players"`
		MinPlayers   int    `yaml:"min_players"`
	} `yaml:"game"`

	Transport struct {
		Kind        string        `yaml:"kind"`
		QueueSize   int           `yaml:"queue_size"`
		PIN         string        `yaml:"pin"` // webrtc signaling PIN; generated when empty
		ScanTimeout time.Duration `yaml:"scan_timeout"`
	} `yaml:"transport"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Monitoring struct {
		MetricsAddress string `yaml:"metrics_address"` // empty disables the /metrics endpoint
		StatsReport    bool   `yaml:"stats_report"`
	} `yaml:"monitoring"`
}

// DefaultConfig returns configuration with the documented defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Device.Name = "bosley"

	cfg.Network.Host = "localhost"
	cfg.Network.Port = 8889

	cfg.Game.Name = "btcomms-chat"
	cfg.Game.StartPlayers = 2
	cfg.Game.MinPlayers = 2

	cfg.Transport.Kind = TransportTCP
	cfg.Transport.QueueSize = queue.DefaultCapacity
	cfg.Transport.ScanTimeout = 10 * time.Second

	cfg.Logging.Level = "info"

	cfg.Monitoring.StatsReport = true

	return cfg
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if name := os.Getenv("BTCOMMS_DEVICE_NAME"); name != "" {
		c.Device.Name = name
	}
	if host := os.Getenv("BTCOMMS_NET_HOST"); host != "" {
		c.Network.Host = host
	}
	if port := os.Getenv("BTCOMMS_NET_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("BTCOMMS_NET_PORT: %w", err)
		}
		c.Network.Port = p
	}
	if level := os.Getenv("BTCOMMS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}

	if c.Network.Host == "" {
		return fmt.Errorf("network.host must not be empty")
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network.port must be in 1..65535")
	}

	if c.Game.Name == "" && c.Game.ID == 0 {
		return fmt.Errorf("game.name or game.id must be set")
	}
	if c.Game.MinPlayers < 1 || c.Game.MinPlayers > c.Game.StartPlayers || c.Game.StartPlayers > protocol.MaxPlayers {
		return fmt.Errorf("game players must satisfy 1 <= min_players <= start_players <= %d", protocol.MaxPlayers)
	}

	switch c.Transport.Kind {
	case TransportTCP, TransportWS, TransportWebRTC, TransportRFCOMM:
	default:
		return fmt.Errorf("transport.kind must be one of tcp, ws, webrtc, rfcomm")
	}
	if c.Transport.QueueSize <= 0 {
		return fmt.Errorf("transport.queue_size must be > 0")
	}
	if c.Transport.Kind == TransportRFCOMM && c.Transport.ScanTimeout <= 0 {
		return fmt.Errorf("transport.scan_timeout must be > 0 for rfcomm")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// GameID returns the configured game ID, or the ID derived from the game name.
func (c *Config) GameID() uint32 {
	if c.Game.ID != 0 {
		return c.Game.ID
	}
	return util.GameIDFromName(c.Game.Name)
}

// NetworkAddress returns host:port.
func (c *Config) NetworkAddress() string {
	return fmt.Sprintf("%s:%d", c.Network.Host, c.Network.Port)
}
