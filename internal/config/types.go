package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Transport TransportConfig `json:"transport"`
	Session   SessionConfig   `json:"session"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Janitor   JanitorConfig   `json:"janitor"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
}

type ServerConfig struct {
	Listen string `json:"listen" validate:"required,hostname_port"`
	// Timeouts are Go duration strings (e.g. "10s", "1m").
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig controls the sqlite document store.
type StorageConfig struct {
	Path        string `json:"path" validate:"required"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// TransportConfig selects the messaging engine and where its credential
// state lives.
type TransportConfig struct {
	Driver  string `json:"driver" validate:"omitempty,oneof=loopback"`
	DataDir string `json:"data_dir,omitempty"`
}

// SessionConfig tunes the reconnection policy.
//
// All durations are Go duration strings.
type SessionConfig struct {
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty" validate:"gte=0"`
}

type BroadcastConfig struct {
	// DefaultInterval applies when a start request omits the interval.
	DefaultInterval string `json:"default_interval,omitempty"`
	// IdleTTL bounds how long finished campaign snapshots stay queryable.
	IdleTTL string `json:"idle_ttl,omitempty"`
}

// JanitorConfig controls the background cron sweeps. Specs are standard
// cron expressions.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled"`
	ReconcileSpec string `json:"reconcile_spec,omitempty"`
	PruneSpec     string `json:"prune_spec,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// NotifierConfig controls the Telegram ops channel. Nil section means
// disabled.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token" validate:"required_if=Enabled true"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// Validate runs the struct-tag rules plus the duration fields that tags
// cannot express. Used directly at startup and as the manager's reload hook.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return err
	}
	durations := []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"session.reconnect_min", c.Session.ReconnectMin},
		{"session.reconnect_max", c.Session.ReconnectMax},
		{"broadcast.default_interval", c.Broadcast.DefaultInterval},
		{"broadcast.idle_ttl", c.Broadcast.IdleTTL},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses a duration string from the config, where a
// blank value means unset (zero). Negative durations are rejected; path
// names the field in the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", path, d)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an unset field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Durations below return parsed values with defaults applied; Validate has
// already rejected malformed strings, so errors here are ignored.

func (c *Config) SessionReconnectMin() time.Duration {
	d, _ := ParseDurationOrDefault("session.reconnect_min", c.Session.ReconnectMin, 500*time.Millisecond)
	return d
}

func (c *Config) SessionReconnectMax() time.Duration {
	d, _ := ParseDurationOrDefault("session.reconnect_max", c.Session.ReconnectMax, 30*time.Second)
	return d
}

func (c *Config) BroadcastDefaultInterval() time.Duration {
	d, _ := ParseDurationOrDefault("broadcast.default_interval", c.Broadcast.DefaultInterval, 5*time.Second)
	return d
}

func (c *Config) BroadcastIdleTTL() time.Duration {
	d, _ := ParseDurationOrDefault("broadcast.idle_ttl", c.Broadcast.IdleTTL, time.Hour)
	return d
}

func (c *Config) StorageBusyTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	return d
}
