package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3000, cfg.Transport.Port)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, 3000, cfg.Bulk.LowWater)
	assert.True(t, cfg.AcceptPeers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coopd.yaml")
	err := os.WriteFile(path, []byte(`
name: alice
mod_version: "2.1"
accept_peers: false
transport:
  port: 4000
  heartbeat_timeout: 45s
bulk:
  ack_timeout: 5s
`), 0600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Name)
	assert.Equal(t, "2.1", cfg.ModVersion)
	assert.False(t, cfg.AcceptPeers)
	assert.Equal(t, 4000, cfg.Transport.Port)
	assert.Equal(t, 45*time.Second, cfg.Transport.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Bulk.AckTimeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, 64, cfg.Transport.BatchLimit)
	assert.Equal(t, 4000, cfg.Bulk.HighWater)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transport: [1, 2"), 0600))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("transport:\n  port: 70000\n"), 0600))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"EmptyName", func(c *Config) { c.Name = "" }},
		{"EmptyStore", func(c *Config) { c.StorePath = "" }},
		{"ZeroQueue", func(c *Config) { c.QueueCapacity = 0 }},
		{"ZeroTick", func(c *Config) { c.TickInterval = 0 }},
		{"BadLevel", func(c *Config) { c.LogLevel = "loud" }},
		{"PortZero", func(c *Config) { c.Transport.Port = 0 }},
		{"ZeroBatch", func(c *Config) { c.Transport.BatchLimit = 0 }},
		{"TimeoutBelowInterval", func(c *Config) { c.Transport.HeartbeatTimeout = time.Second }},
		{"InvertedWatermarks", func(c *Config) { c.Bulk.LowWater = 5000 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	cfg := Default()
	cfg.Transport.HeartbeatTimeout = 0
	assert.NoError(t, cfg.Validate(), "A zero heartbeat timeout disables the check")
}
