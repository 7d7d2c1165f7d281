// Package config holds the server's named options. Values come from
// BAYEUX_* environment variables (with defaults from struct tags), optionally
// overlaid by a YAML file that can be watched for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/bayeux-server-go/longpoll"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the full option set. Durations accept Go duration syntax in both
// the environment and the YAML file.
type Config struct {
	// Timeout is how long a /meta/connect is held. ENV: BAYEUX_TIMEOUT
	Timeout time.Duration `env:"BAYEUX_TIMEOUT,default=30s" yaml:"timeout"`
	// Interval is the reconnect interval advised to clients. ENV: BAYEUX_INTERVAL
	Interval time.Duration `env:"BAYEUX_INTERVAL,default=0s" yaml:"interval"`
	// MaxInterval is the grace after the interval before a session that
	// stopped connecting expires. ENV: BAYEUX_MAX_INTERVAL
	MaxInterval time.Duration `env:"BAYEUX_MAX_INTERVAL,default=10s" yaml:"max_interval"`
	// MaxServerInterval bounds a held connect; zero disables it.
	MaxServerInterval time.Duration `env:"BAYEUX_MAX_SERVER_INTERVAL,default=0s" yaml:"max_server_interval"`
	InactiveInterval  time.Duration `env:"BAYEUX_INACTIVE_INTERVAL,default=30m" yaml:"inactive_interval"`
	// MaxQueue triggers max-queue listeners; negative means unbounded.
	MaxQueue       int           `env:"BAYEUX_MAX_QUEUE,default=-1" yaml:"max_queue"`
	MaxLazyTimeout time.Duration `env:"BAYEUX_MAX_LAZY_TIMEOUT,default=5s" yaml:"max_lazy_timeout"`

	AutoBatch               bool `env:"BAYEUX_AUTO_BATCH,default=true" yaml:"auto_batch"`
	TrustClientSession      bool `env:"BAYEUX_TRUST_CLIENT_SESSION,default=true" yaml:"trust_client_session"`
	MetaConnectDeliveryOnly bool `env:"BAYEUX_META_CONNECT_DELIVERY_ONLY,default=false" yaml:"meta_connect_delivery_only"`
	BroadcastToPublisher    bool `env:"BAYEUX_BROADCAST_TO_PUBLISHER,default=true" yaml:"broadcast_to_publisher"`

	// HeartbeatInterval is how long a held poll may go unprobed.
	HeartbeatInterval time.Duration `env:"BAYEUX_HEARTBEAT_INTERVAL,default=1m" yaml:"heartbeat_interval"`
	SweepPeriod       time.Duration `env:"BAYEUX_SWEEP_PERIOD,default=1s" yaml:"sweep_period"`

	Path string `env:"BAYEUX_PATH,default=/cometd" yaml:"path"`
	Addr string `env:"BAYEUX_ADDR,default=:8080" yaml:"addr"`
	// RedisAddr enables the Redis broker when set. ENV: BAYEUX_REDIS_ADDR
	RedisAddr string `env:"BAYEUX_REDIS_ADDR" yaml:"redis_addr"`
}

// FromEnv decodes the environment, falling back to tag defaults.
func FromEnv() (Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	return c, nil
}

// Load decodes the environment and, when path is not empty, overlays the
// YAML file at path. Keys present in the file win.
func Load(path string) (Config, error) {
	c, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile overlays the YAML document at path onto c.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	if err := doc.Decode(c); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Validate checks option ranges.
func (c Config) Validate() error {
	var errs []error
	nonNeg := map[string]time.Duration{
		"timeout":             c.Timeout,
		"interval":            c.Interval,
		"max_server_interval": c.MaxServerInterval,
		"inactive_interval":   c.InactiveInterval,
		"max_lazy_timeout":    c.MaxLazyTimeout,
		"heartbeat_interval":  c.HeartbeatInterval,
	}
	for name, d := range nonNeg {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must not be negative", ErrInvalid, name))
		}
	}
	if c.MaxInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_interval must be positive", ErrInvalid))
	}
	if c.SweepPeriod <= 0 {
		errs = append(errs, fmt.Errorf("%w: sweep_period must be positive", ErrInvalid))
	}
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("%w: path %q must start with /", ErrInvalid, c.Path))
	}
	if c.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: addr is required", ErrInvalid))
	}
	return errors.Join(errs...)
}

// SessionDefaults returns the server-side session tunables.
func (c Config) SessionDefaults() sessions.Defaults {
	return sessions.Defaults{
		Timeout:              c.Timeout,
		Interval:             c.Interval,
		MaxInterval:          c.MaxInterval,
		MaxServerInterval:    c.MaxServerInterval,
		InactiveInterval:     c.InactiveInterval,
		MaxLazyTimeout:       c.MaxLazyTimeout,
		MaxQueue:             c.MaxQueue,
		BroadcastToPublisher: c.BroadcastToPublisher,
	}
}

// TransportSettings returns the long-polling tunables.
func (c Config) TransportSettings() longpoll.Settings {
	return longpoll.Settings{
		Timeout:                 c.Timeout,
		Interval:                c.Interval,
		AutoBatch:               c.AutoBatch,
		TrustClientSession:      c.TrustClientSession,
		MetaConnectDeliveryOnly: c.MetaConnectDeliveryOnly,
		HeartbeatInterval:       c.HeartbeatInterval,
		SweepPeriod:             c.SweepPeriod,
	}
}
