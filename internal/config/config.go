// Package config defines the top-level configuration for arbscan and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBSCAN_* environment variables.
type Config struct {
	Venues    []VenueConfig  `toml:"venue"`
	Cache     CacheConfig    `toml:"cache"`
	Detector  DetectorConfig `toml:"detector"`
	Dispatch  DispatchConfig `toml:"dispatch"`
	Feed      FeedConfig     `toml:"feed"`
	Postgres  PostgresConfig `toml:"postgres"`
	Redis     RedisConfig    `toml:"redis"`
	S3        S3Config       `toml:"s3"`
	Notify    NotifyConfig   `toml:"notify"`
	Pair      string         `toml:"pair"`
	LogLevel  string         `toml:"log_level"`
	LogFormat string         `toml:"log_format"`
}

// VenueConfig describes one trading venue: endpoints, subscription parameters,
// fee schedule, and rate-limit budget. Loaded once at startup; not hot-reloaded.
type VenueConfig struct {
	Name         string   `toml:"name"`
	WSURL        string   `toml:"ws_url"`
	RestURL      string   `toml:"rest_url"`
	Parser       string   `toml:"parser"` // frame parser: "binance", "kraken", "coinbase"
	Poll         bool     `toml:"poll"`   // REST poll instead of streaming
	PollInterval duration `toml:"poll_interval"`
	ApiKey       string   `toml:"api_key"`
	ApiSecret    string   `toml:"api_secret"`
	MakerFeePct  float64  `toml:"maker_fee_pct"`
	TakerFeePct  float64  `toml:"taker_fee_pct"`
	TransferCost float64  `toml:"transfer_cost"`
	Burst        int      `toml:"burst"`       // token bucket capacity
	RefillRate   float64  `toml:"refill_rate"` // tokens per second
	MaxInflight  int      `toml:"max_inflight"`
}

// CacheConfig holds price cache tuning parameters.
type CacheConfig struct {
	StaleAfter duration `toml:"stale_after"`
	NoiseFloor float64  `toml:"noise_floor"` // relative price delta below which an update is a no-op
}

// DetectorConfig holds arbitrage detection thresholds.
type DetectorConfig struct {
	MinProfitPct     float64  `toml:"min_profit_pct"`     // emission threshold
	LogProfitPct     float64  `toml:"log_profit_pct"`     // informational logging threshold
	Cooldown         duration `toml:"cooldown"`           // per (buy,sell) key alert gate
	TickInterval     duration `toml:"tick_interval"`      // fallback evaluation tick
	CooldownPruneGap duration `toml:"cooldown_prune_gap"` // how often expired cooldown keys are dropped
}

// DispatchConfig holds request dispatcher retry parameters shared by all venues.
type DispatchConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	RetryBase      duration `toml:"retry_base"`
	RetryMax       duration `toml:"retry_max"`
	RetryAfter     duration `toml:"retry_after"` // default wait on 429 without a Retry-After header
	MaxTokenWait   duration `toml:"max_token_wait"`
	RequestTimeout duration `toml:"request_timeout"`
}

// FeedConfig holds connection manager parameters shared by all venues.
type FeedConfig struct {
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	HeartbeatGrace    duration `toml:"heartbeat_grace"`
	MaxMissedPongs    int      `toml:"max_missed_pongs"`
	ReconnectBase     duration `toml:"reconnect_base"`
	ReconnectFactor   float64  `toml:"reconnect_factor"`
	ReconnectMax      duration `toml:"reconnect_max"`
	MaxReconnects     int      `toml:"max_reconnects"`
	SendQueueSize     int      `toml:"send_queue_size"`
	ShutdownGrace     duration `toml:"shutdown_grace"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the opportunity bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Channel    string `toml:"channel"`
}

// S3Config holds object storage parameters for the history archiver.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	ForcePathStyle bool     `toml:"force_path_style"`
	RetentionDays  int      `toml:"retention_days"`
	Interval       duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values. These
// match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Pair: "BTC/USDT",
		Cache: CacheConfig{
			StaleAfter: duration{60 * time.Second},
			NoiseFloor: 0.0001,
		},
		Detector: DetectorConfig{
			MinProfitPct:     0.5,
			LogProfitPct:     0.1,
			Cooldown:         duration{30 * time.Second},
			TickInterval:     duration{5 * time.Second},
			CooldownPruneGap: duration{5 * time.Minute},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    4,
			RetryBase:      duration{500 * time.Millisecond},
			RetryMax:       duration{15 * time.Second},
			RetryAfter:     duration{5 * time.Second},
			MaxTokenWait:   duration{30 * time.Second},
			RequestTimeout: duration{15 * time.Second},
		},
		Feed: FeedConfig{
			HeartbeatInterval: duration{25 * time.Second},
			HeartbeatGrace:    duration{10 * time.Second},
			MaxMissedPongs:    3,
			ReconnectBase:     duration{2 * time.Second},
			ReconnectFactor:   2.0,
			ReconnectMax:      duration{60 * time.Second},
			MaxReconnects:     20,
			SendQueueSize:     64,
			ShutdownGrace:     duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "arbscan",
			User:          "arbscan",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Channel:    "opportunities",
		},
		S3: S3Config{
			Enabled:        false,
			Region:         "us-east-1",
			Bucket:         "arbscan-history",
			ForcePathStyle: true,
			RetentionDays:  30,
			Interval:       duration{time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity", "venue_degraded", "error"},
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validParsers enumerates the frame parsers registered in internal/feed.
var validParsers = map[string]bool{
	"binance":  true,
	"kraken":   true,
	"coinbase": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}
	if strings.Count(c.Pair, "/") != 1 {
		errs = append(errs, fmt.Sprintf("pair %q must be in BASE/QUOTE form", c.Pair))
	}

	if len(c.Venues) < 2 {
		errs = append(errs, fmt.Sprintf("at least 2 venues are required for cross-venue detection, got %d", len(c.Venues)))
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		prefix := fmt.Sprintf("venue[%d]", i)
		if v.Name == "" {
			errs = append(errs, prefix+": name must not be empty")
		} else if seen[v.Name] {
			errs = append(errs, prefix+": duplicate venue name "+v.Name)
		}
		seen[v.Name] = true

		if v.Poll {
			if v.RestURL == "" {
				errs = append(errs, prefix+": rest_url is required for polled venues")
			}
			if v.PollInterval.Duration <= 0 {
				errs = append(errs, prefix+": poll_interval must be > 0 for polled venues")
			}
		} else if v.WSURL == "" {
			errs = append(errs, prefix+": ws_url is required for streaming venues")
		}
		if !validParsers[v.Parser] {
			errs = append(errs, fmt.Sprintf("%s: unknown parser %q (valid: binance, kraken, coinbase)", prefix, v.Parser))
		}
		if v.MakerFeePct < 0 || v.TakerFeePct < 0 {
			errs = append(errs, prefix+": fee percentages must be >= 0")
		}
		if v.TransferCost < 0 {
			errs = append(errs, prefix+": transfer_cost must be >= 0")
		}
		if v.Burst < 1 {
			errs = append(errs, prefix+": burst must be >= 1")
		}
		if v.RefillRate <= 0 {
			errs = append(errs, prefix+": refill_rate must be > 0")
		}
		if v.MaxInflight < 1 {
			errs = append(errs, prefix+": max_inflight must be >= 1")
		}
	}

	if c.Cache.StaleAfter.Duration <= 0 {
		errs = append(errs, "cache: stale_after must be > 0")
	}
	if c.Cache.NoiseFloor < 0 {
		errs = append(errs, "cache: noise_floor must be >= 0")
	}

	if c.Detector.MinProfitPct <= 0 {
		errs = append(errs, "detector: min_profit_pct must be > 0")
	}
	if c.Detector.Cooldown.Duration <= 0 {
		errs = append(errs, "detector: cooldown must be > 0")
	}
	if c.Detector.TickInterval.Duration <= 0 {
		errs = append(errs, "detector: tick_interval must be > 0")
	}

	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, "dispatch: max_attempts must be >= 1")
	}
	if c.Dispatch.RetryBase.Duration <= 0 {
		errs = append(errs, "dispatch: retry_base must be > 0")
	}
	if c.Dispatch.RetryMax.Duration < c.Dispatch.RetryBase.Duration {
		errs = append(errs, "dispatch: retry_max must be >= retry_base")
	}

	if c.Feed.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "feed: heartbeat_interval must be > 0")
	}
	if c.Feed.MaxMissedPongs < 1 {
		errs = append(errs, "feed: max_missed_pongs must be >= 1")
	}
	if c.Feed.ReconnectFactor <= 1 {
		errs = append(errs, "feed: reconnect_factor must be > 1")
	}
	if c.Feed.ReconnectMax.Duration < c.Feed.ReconnectBase.Duration {
		errs = append(errs, "feed: reconnect_max must be >= reconnect_base")
	}
	if c.Feed.SendQueueSize < 1 {
		errs = append(errs, "feed: send_queue_size must be >= 1")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.Channel == "" {
			errs = append(errs, "redis: channel must not be empty")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiver requires postgres to be enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// FeeFractions returns maker/taker fees converted from percent to fractions.
func (v VenueConfig) FeeFractions() (maker, taker float64) {
	return v.MakerFeePct / 100, v.TakerFeePct / 100
}
