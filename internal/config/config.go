// Package config loads the blockq server configuration.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "blockq.yaml"

// Config is the root of blockq.yaml.
type Config struct {
	HTTP     HTTPConfig    `yaml:"http"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Log      LogConfig     `yaml:"log"`
	Redis    RedisConfig   `yaml:"redis"`
	Store    StoreConfig   `yaml:"store"`
	Queue    QueueConfig   `yaml:"queue"`
	Backends string        `yaml:"backends"`
	// WatchBackends reloads the backends file when it changes.
	WatchBackends bool          `yaml:"watch_backends"`
	Blocks        []BlockConfig `yaml:"blocks"`
}

// BlockConfig declares an input block created at startup when it does not exist yet.
type BlockConfig struct {
	ID        string `yaml:"id"`
	InputType string `yaml:"input_type"`
	Variable  string `yaml:"variable"`
	Value     string `yaml:"value"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig persists a single-process document on disk. Ignored when redis.addr is set.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig selects the shared document store. An empty Addr keeps everything in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// Lock guards backend calls with a Redis lock shared by every attached process.
	Lock bool `yaml:"lock"`
	// EpochPoll is how often the shared environment epoch is re-read.
	EpochPoll time.Duration `yaml:"epoch_poll"`
	// EncryptionKey is a base64 AES-256 key sealing attribute values at rest.
	EncryptionKey string `yaml:"encryption_key"`
	// FallbackKeys still open values sealed before a key rotation.
	FallbackKeys []string `yaml:"fallback_keys"`
}

// Keys decodes the encryption keys. active is nil when encryption is off.
func (r RedisConfig) Keys() (active []byte, fallbacks [][]byte, err error) {
	if r.EncryptionKey == "" {
		return nil, nil, nil
	}
	if active, err = decodeKey(r.EncryptionKey); err != nil {
		return nil, nil, fmt.Errorf("redis.encryption_key: %w", err)
	}
	for i, k := range r.FallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("redis.fallback_keys[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, key)
	}
	return active, fallbacks, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

type QueueConfig struct {
	AbortTimeout    time.Duration `yaml:"abort_timeout"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	HistoryLimit    int           `yaml:"history_limit"`
	RetainCompleted bool          `yaml:"retain_completed"`
	// RateLimit is the maximum number of dispatches per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":2112"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Redis: RedisConfig{
			Prefix:    "blockq:",
			EpochPoll: 5 * time.Second,
		},
		Queue: QueueConfig{
			AbortTimeout: 5 * time.Second,
			HistoryLimit: 16,
			RateBurst:    1,
		},
		Backends: "backends.yaml",
	}
}

// Load reads path over the defaults. A missing file at DefaultPath yields the defaults;
// a missing file that was asked for explicitly is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.AbortTimeout < 0 {
		errs = append(errs, errors.New("queue.abort_timeout must not be negative"))
	}
	if c.Queue.ExecTimeout < 0 {
		errs = append(errs, errors.New("queue.exec_timeout must not be negative"))
	}
	if c.Queue.HistoryLimit < 0 {
		errs = append(errs, errors.New("queue.history_limit must not be negative"))
	}
	if c.Queue.RateLimit < 0 {
		errs = append(errs, errors.New("queue.rate_limit must not be negative"))
	}
	if c.Queue.RateLimit > 0 && c.Queue.RateBurst < 1 {
		errs = append(errs, errors.New("queue.rate_burst must be at least 1 when rate_limit is set"))
	}
	if c.Redis.Lock && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.lock requires redis.addr"))
	}
	if c.Store.Path != "" && c.Redis.Addr != "" {
		errs = append(errs, errors.New("store.path and redis.addr are mutually exclusive"))
	}
	if c.Redis.EncryptionKey != "" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.encryption_key requires redis.addr"))
	}
	if len(c.Redis.FallbackKeys) > 0 && c.Redis.EncryptionKey == "" {
		errs = append(errs, errors.New("redis.fallback_keys requires redis.encryption_key"))
	}
	if _, _, err := c.Redis.Keys(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Blocks))
	for i, b := range c.Blocks {
		switch {
		case b.ID == "":
			errs = append(errs, fmt.Errorf("blocks[%d].id is required", i))
		case seen[b.ID]:
			errs = append(errs, fmt.Errorf("blocks[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		switch b.InputType {
		case "", "text", "number":
		default:
			errs = append(errs, fmt.Errorf("blocks[%d].input_type %q must be text or number", i, b.InputType))
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
