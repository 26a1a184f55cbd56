// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPort           = ":3000"
	DefaultFileTTL        = 60 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultMaxUploadBytes = 50 << 20
	DefaultMaxMessageSize = 8192
)

// RateLimitConfig defines the parameters for per-connection frame rate
// limiting on the realtime channel.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay's runtime settings. All values have working
// defaults; the zero Config is sanitized into them.
type Config struct {
	// Port is the listen address, ":3000" by default.
	Port string
	// FileTTL is how long uploaded files stay downloadable.
	FileTTL time.Duration
	// SweepInterval is the period of the expired-file sweeper.
	SweepInterval time.Duration
	// MaxUploadBytes caps a single uploaded payload.
	MaxUploadBytes int64
	// MaxMessageSize caps a single inbound realtime frame.
	MaxMessageSize int64
	// AllowedOrigins restricts websocket upgrades; "*" allows any origin,
	// which is the default for this authentication-free relay.
	AllowedOrigins []string
	RateLimit      RateLimitConfig
}

func defaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		FileTTL:        DefaultFileTTL,
		SweepInterval:  DefaultSweepInterval,
		MaxUploadBytes: DefaultMaxUploadBytes,
		MaxMessageSize: DefaultMaxMessageSize,
		AllowedOrigins: []string{"*"},
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if !strings.HasPrefix(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.FileTTL <= 0 {
		cfg.FileTTL = DefaultFileTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	normalized, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalized

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to
// defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	copied := *cfg
	copied.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(copied)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset. Recognized variables: PORT,
// FILE_TTL_MINUTES, SWEEP_INTERVAL_SECONDS, MAX_UPLOAD_BYTES,
// MAX_MESSAGE_SIZE, ALLOWED_ORIGINS, RATE_LIMIT_BURST,
// RATE_LIMIT_REFILL_INTERVAL.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if minutes := os.Getenv("FILE_TTL_MINUTES"); minutes != "" {
		if parsed, err := strconv.Atoi(minutes); err == nil && parsed > 0 {
			cfg.FileTTL = time.Duration(parsed) * time.Minute
		}
	}

	if seconds := os.Getenv("SWEEP_INTERVAL_SECONDS"); seconds != "" {
		if parsed, err := strconv.Atoi(seconds); err == nil && parsed > 0 {
			cfg.SweepInterval = time.Duration(parsed) * time.Second
		}
	}

	if maxBytes := os.Getenv("MAX_UPLOAD_BYTES"); maxBytes != "" {
		if parsed, err := strconv.ParseInt(maxBytes, 10, 64); err == nil && parsed > 0 {
			cfg.MaxUploadBytes = parsed
		}
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		if parsed, err := strconv.ParseInt(maxSize, 10, 64); err == nil && parsed > 0 {
			cfg.MaxMessageSize = parsed
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if parsed, err := strconv.Atoi(burst); err == nil && parsed > 0 {
			cfg.RateLimit.Burst = parsed
		}
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		if parsed, err := strconv.Atoi(interval); err == nil && parsed > 0 {
			cfg.RateLimit.RefillInterval = time.Duration(parsed) * time.Second
		}
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
