package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/validate"
)

type Config struct {
	ServerAddr   string `validate:"required"`
	IngestPath   string `validate:"required|startsWith:/"`
	MaxBodyBytes int64  `validate:"required|min:1"` // bytes for the ingest payload

	LogLevel  string `validate:"required|in:trace,debug,info,warn,error,fatal,panic"`
	LogFormat string `validate:"in:json,console"`

	StoreDriver string `validate:"required|in:memory,sqlite,postgres"`
	StoreDSN    string
	StoreTable  string `validate:"required"`

	TaxonomyPath string        // empty means the built-in table
	DedupWindow  time.Duration // 0 disables the duplicate guard

	CacheSizeMB   int           `validate:"required|min:1"`
	StatsCacheTTL time.Duration // 0 disables the stats cache

	Outputs []string // enabled sinks: log, kafka

	MiddlewareMode      bool
	ForwardDestination  string
	AutoInjectCollector bool

	TestMode bool
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func Load() Config {
	return Config{
		ServerAddr:   getOr("SERVER_ADDR", ":19890"),
		IngestPath:   getOr("INGEST_PATH", "/api/track"),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 64<<10), // 64 KiB default

		LogLevel:  strings.ToLower(getOr("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getOr("LOG_FORMAT", "json")),

		StoreDriver: strings.ToLower(getOr("STORE_DRIVER", "memory")),
		StoreDSN:    getOr("STORE_DSN", ""),
		StoreTable:  getOr("STORE_TABLE", "bot_visits"),

		TaxonomyPath: getOr("TAXONOMY_PATH", ""),
		DedupWindow:  getDuration("DEDUP_WINDOW", 0),

		CacheSizeMB:   int(getInt64("CACHE_SIZE_MB", 16)),
		StatsCacheTTL: getDuration("STATS_CACHE_TTL", 30*time.Second),

		Outputs: getStringSlice("OUTPUTS", ""), // no mirror sinks by default

		MiddlewareMode:      getBool("MIDDLEWARE_MODE", false),
		ForwardDestination:  getOr("FORWARD_DESTINATION", ""),
		AutoInjectCollector: getBool("AUTO_INJECT_COLLECTOR", true),

		TestMode: getBool("TEST_MODE", false),
	}
}

// Validate checks field rules and the cross-field constraints tags cannot
// express.
func (c Config) Validate() error {
	if v := validate.Struct(&c); !v.Validate() {
		return fmt.Errorf("invalid config: %s", v.Errors.One())
	}
	if c.StoreDriver != "memory" && c.StoreDSN == "" {
		return fmt.Errorf("invalid config: STORE_DSN is required for store driver %q", c.StoreDriver)
	}
	if c.MiddlewareMode && c.ForwardDestination == "" {
		return fmt.Errorf("invalid config: FORWARD_DESTINATION is required in middleware mode")
	}
	if c.DedupWindow < 0 || c.StatsCacheTTL < 0 {
		return fmt.Errorf("invalid config: durations must not be negative")
	}
	for _, o := range c.Outputs {
		switch o {
		case "log", "kafka":
		default:
			return fmt.Errorf("invalid config: unknown output %q", o)
		}
	}
	return nil
}
