// Package config loads tuning knobs for processes that embed a dispatcher.
// The library core takes options, never files; this package exists for the
// executables around it, which read a TOML file and environment overrides
// and map the result onto dispatcher options.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"pipelink/dispatch"
	"pipelink/logging"
	"pipelink/middleware"
	"pipelink/protocol"
)

// Environment overrides. They win over values from the file.
const (
	EnvLogLevel      = "PIPELINK_LOG_LEVEL"
	EnvLogFormat     = "PIPELINK_LOG_FORMAT"
	EnvSpinInterval  = "PIPELINK_SPIN_INTERVAL"
	EnvMaxFrameBytes = "PIPELINK_MAX_FRAME_BYTES"
)

// LogConfig selects log verbosity and output shape.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// RateLimitConfig throttles inbound calls on the serving side.
type RateLimitConfig struct {
	Enabled   bool    `toml:"enabled"`
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// Config is the resolved configuration.
type Config struct {
	SpinInterval  time.Duration
	MaxFrameBytes uint32
	CallTimeout   time.Duration // 0 leaves inbound calls unbounded
	RateLimit     RateLimitConfig
	Log           LogConfig
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		SpinInterval:  dispatch.DefaultSpinInterval,
		MaxFrameBytes: protocol.DefaultMaxBody,
		Log:           LogConfig{Level: "info", Format: "console"},
	}
}

// fileConfig is the raw TOML shape. Durations arrive as strings so the file
// can say "5ms" rather than a bare number with an implied unit.
type fileConfig struct {
	SpinInterval  string          `toml:"spin_interval"`
	MaxFrameBytes int64           `toml:"max_frame_bytes"`
	CallTimeout   string          `toml:"call_timeout"`
	RateLimit     RateLimitConfig `toml:"rate_limit"`
	Log           LogConfig       `toml:"log"`
}

// Load reads a TOML file over the defaults, applies environment overrides
// and validates the result. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if meta.IsDefined("spin_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SpinInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse spin_interval: %w", err)
		}
		cfg.SpinInterval = d
	}
	if meta.IsDefined("max_frame_bytes") {
		if raw.MaxFrameBytes <= 0 || raw.MaxFrameBytes > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("max_frame_bytes out of range: %d", raw.MaxFrameBytes)
		}
		cfg.MaxFrameBytes = uint32(raw.MaxFrameBytes)
	}
	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Values that fail to parse are
// ignored rather than fatal, matching how the file loader treats absent keys.
func applyEnv(cfg *Config) {
	if d, ok := parseDuration(os.Getenv(EnvSpinInterval)); ok {
		cfg.SpinInterval = d
	}
	if n, ok := parseBytes(os.Getenv(EnvMaxFrameBytes)); ok {
		cfg.MaxFrameBytes = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Log.Format = v
	}
}

func parseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func parseBytes(raw string) (uint32, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

// Validate rejects configurations the dispatcher could not run with.
func (c Config) Validate() error {
	if c.SpinInterval <= 0 {
		return fmt.Errorf("config: spin_interval must be positive")
	}
	if c.MaxFrameBytes == 0 {
		return fmt.Errorf("config: max_frame_bytes must be positive")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("config: call_timeout must not be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.PerSecond <= 0 {
			return fmt.Errorf("config: rate_limit.per_second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("config: rate_limit.burst must be positive")
		}
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Log.Level))); err != nil {
		return fmt.Errorf("config: log level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the logger the configuration describes, writing to w.
func (lc LogConfig) NewLogger(w io.Writer) (logging.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(lc.Level)))
	if err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}
	out := w
	if strings.EqualFold(lc.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w}
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logging.NewZerologAdapter(zl), nil
}

// DispatcherOptions maps the configuration onto dispatcher options: spin
// interval, logger, and the middleware chain the config enables.
func (c Config) DispatcherOptions(log logging.Logger) []dispatch.Option {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if c.RateLimit.Enabled {
		mws = append(mws, middleware.RateLimitMiddleware(c.RateLimit.PerSecond, c.RateLimit.Burst))
	}
	if c.CallTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(c.CallTimeout))
	}
	return []dispatch.Option{
		dispatch.WithSpinInterval(c.SpinInterval),
		dispatch.WithLogger(log),
		dispatch.WithMiddleware(mws...),
	}
}
