// Package config loads the coopd settings from defaults and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coopsync/coopsync/internal/bulk"
	"github.com/coopsync/coopsync/internal/queue"
	"github.com/coopsync/coopsync/internal/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full daemon configuration.
type Config struct {
	// Name is the player name shown to the peer.
	Name string `yaml:"name"`
	// ModVersion must match on both peers.
	ModVersion string `yaml:"mod_version"`
	// StorePath is the SQLite file holding snapshot slots.
	StorePath string `yaml:"store_path"`
	// AcceptPeers lets a host take a joining peer. When false the peer is
	// told the server is full.
	AcceptPeers bool `yaml:"accept_peers"`
	// Competitive is announced by the host in the handshake.
	Competitive bool `yaml:"competitive"`
	// QueueCapacity is the size of both session queues.
	QueueCapacity int `yaml:"queue_capacity"`
	// TickInterval is the simulation tick of the daemon.
	TickInterval time.Duration `yaml:"tick_interval"`
	// TransferRetention is how long finished transfers stay journaled.
	TransferRetention time.Duration `yaml:"transfer_retention"`
	LogLevel          string        `yaml:"log_level"`
	MetricsAddr       string        `yaml:"metrics_addr"`

	Transport transport.Config `yaml:"transport"`
	Bulk      bulk.Config      `yaml:"bulk"`
}

// Default returns the built-in configuration.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "player"
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return Config{
		Name:              name,
		ModVersion:        "1.0.0",
		StorePath:         filepath.Join(dir, "coopsync", "coopsync.db"),
		AcceptPeers:       true,
		QueueCapacity:     queue.DefaultCapacity,
		TickInterval:      50 * time.Millisecond,
		TransferRetention: 7 * 24 * time.Hour,
		LogLevel:          "info",
		Transport:         transport.DefaultConfig(),
		Bulk:              bulk.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store_path is empty"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity %d must be positive", c.QueueCapacity))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval %s must be positive", c.TickInterval))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	t := c.Transport
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("transport.port %d out of range", t.Port))
	}
	if t.BatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("transport.batch_limit %d must be positive", t.BatchLimit))
	}
	if t.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("transport.heartbeat_interval %s must be positive", t.HeartbeatInterval))
	}
	if t.HeartbeatTimeout != 0 && t.HeartbeatTimeout <= t.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("transport.heartbeat_timeout %s must exceed the interval", t.HeartbeatTimeout))
	}
	if err := c.Bulk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bulk: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
