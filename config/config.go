// Package config loads tallyd settings from a TOML file with environment
// overrides. Durations are written as strings ("60s", "15m").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Store     StoreConfig     `toml:"store"`
	Redis     RedisConfig     `toml:"redis"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Retry     RetryConfig     `toml:"retry"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// APIKeys guard the /v1 routes when non-empty.
	APIKeys []string `toml:"api_keys"`
}

type RateLimitConfig struct {
	Limit         int64         `toml:"limit"`
	Window        time.Duration `toml:"window"`
	WriteBack     string        `toml:"write_back"`
	Restore       bool          `toml:"restore"`
	Shards        int           `toml:"shards"`
	SweepInterval time.Duration `toml:"sweep_interval"`
	SweepGrace    time.Duration `toml:"sweep_grace"`
	StoreTimeout  time.Duration `toml:"store_timeout"`
}

type StoreConfig struct {
	Driver       string        `toml:"driver"`
	DatabaseURL  string        `toml:"database_url"`
	MaxRetries   int           `toml:"max_retries"`
	RetryDelay   time.Duration `toml:"retry_delay"`
	MaxOpenConns int           `toml:"max_open_conns"`
}

// RedisConfig enables Redis persistence of rate limit windows when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type TrackerConfig struct {
	PendingTTL   time.Duration `toml:"pending_ttl"`
	StoreTimeout time.Duration `toml:"store_timeout"`
}

type RetryConfig struct {
	QueueSize   int           `toml:"queue_size"`
	PerSecond   float64       `toml:"per_second"`
	Burst       int           `toml:"burst"`
	MaxAttempts int           `toml:"max_attempts"`
	BackoffBase time.Duration `toml:"backoff_base"`
	BackoffMax  time.Duration `toml:"backoff_max"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    64 << 10,
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:         5,
			Window:        time.Minute,
			WriteBack:     "async",
			Restore:       true,
			Shards:        32,
			SweepInterval: time.Minute,
			SweepGrace:    5 * time.Minute,
			StoreTimeout:  2 * time.Second,
		},
		Store: StoreConfig{
			Driver:     DriverMemory,
			MaxRetries: 10,
			RetryDelay: time.Second,
		},
		Redis: RedisConfig{
			Prefix: "tally:ratelimit:",
		},
		Tracker: TrackerConfig{
			PendingTTL:   15 * time.Minute,
			StoreTimeout: 2 * time.Second,
		},
		Retry: RetryConfig{
			QueueSize:   1024,
			PerSecond:   10,
			Burst:       5,
			MaxAttempts: 8,
			BackoffBase: 100 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides connection settings from DATABASE_URL, REDIS_ADDR,
// REDIS_PASSWORD, REDIS_DB, TALLY_ADDR and TALLY_API_KEYS (comma
// separated). Setting DATABASE_URL selects the postgres driver.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TALLY_ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("TALLY_API_KEYS"); ok && v != "" {
		c.Server.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DatabaseURL = v
		c.Store.Driver = DriverPostgres
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return errors.New("server.addr is required")
	case c.RateLimit.Limit <= 0:
		return fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit)
	case c.RateLimit.Window <= 0:
		return fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window)
	case c.RateLimit.SweepInterval < 0 || c.RateLimit.SweepGrace < 0:
		return errors.New("ratelimit sweep settings must not be negative")
	case c.Tracker.PendingTTL < 0:
		return fmt.Errorf("tracker.pending_ttl must not be negative, got %s", c.Tracker.PendingTTL)
	case c.Retry.QueueSize <= 0 || c.Retry.PerSecond <= 0 || c.Retry.MaxAttempts <= 0:
		return errors.New("retry queue_size, per_second and max_attempts must be positive")
	case c.Retry.BackoffBase <= 0 || c.Retry.BackoffMax < c.Retry.BackoffBase:
		return fmt.Errorf("retry.backoff_base must be positive and at most backoff_max, got %s and %s", c.Retry.BackoffBase, c.Retry.BackoffMax)
	}

	switch c.RateLimit.WriteBack {
	case "async", "sync", "none":
	default:
		return fmt.Errorf("ratelimit.write_back must be async, sync or none, got %q", c.RateLimit.WriteBack)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	return nil
}
