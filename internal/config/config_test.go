package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/btcomms/internal/util"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "bosley", cfg.Device.Name)
	assert.Equal(t, "localhost", cfg.Network.Host)
	assert.Equal(t, 8889, cfg.Network.Port)
	assert.Equal(t, 16, cfg.Transport.QueueSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "bosley", cfg.Device.Name)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btcomms.yaml")
	yaml := `
device:
  name: ngage
network:
  host: 192.168.1.5
  port: 9000
game:
  name: snakes
  start_players: 3
  min_players: 2
transport:
  kind: ws
  queue_size: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("BTCOMMS_NET_PORT", "9100")
	t.Setenv("BTCOMMS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ngage", cfg.Device.Name)
	assert.Equal(t, "192.168.1.5", cfg.Network.Host)
	assert.Equal(t, 9100, cfg.Network.Port)
	assert.Equal(t, 3, cfg.Game.StartPlayers)
	assert.Equal(t, TransportWS, cfg.Transport.Kind)
	assert.Equal(t, 4, cfg.Transport.QueueSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "192.168.1.5:9100", cfg.NetworkAddress())
	assert.Equal(t, util.GameIDFromName("snakes"), cfg.GameID())
}

func TestLoad_BadEnvPort(t *testing.T) {
	t.Setenv("BTCOMMS_NET_PORT", "eighty")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty device name", func(c *Config) { c.Device.Name = "" }},
		{"port out of range", func(c *Config) { c.Network.Port = 70000 }},
		{"min above start", func(c *Config) { c.Game.MinPlayers = 3; c.Game.StartPlayers = 2 }},
		{"too many players", func(c *Config) { c.Game.StartPlayers = 5 }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "irda" }},
		{"zero queue", func(c *Config) { c.Transport.QueueSize = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGameID_ExplicitWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Game.ID = 0xCAFEBABE
	assert.Equal(t, uint32(0xCAFEBABE), cfg.GameID())
}
