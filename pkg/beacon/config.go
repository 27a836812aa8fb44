// Package beacon is the Go collector SDK: it builds visit events from an
// Environment and delivers them to a botbeacon ingest endpoint over the
// beacon, POST and pixel tiers.
package beacon

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultIngestPath is appended to a script's origin when no endpoint is configured.
const DefaultIngestPath = "/api/track"

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Config mirrors the browser's window.BotBeaconConfig plus the knobs a Go
// caller needs.
type Config struct {
	// Endpoint is the absolute ingest URL. When empty, ScriptURL is used to
	// derive it.
	Endpoint  string
	ScriptURL string

	// Debug enables logging of every sent and dropped event through Logger.
	Debug  bool
	Logger zerolog.Logger

	// UserAgent is sent on every delivery. Empty keeps Go's default.
	UserAgent string
}

// ResolveEndpoint returns cfg.Endpoint, or the origin of cfg.ScriptURL
// joined with DefaultIngestPath.
func (cfg Config) ResolveEndpoint() (string, error) {
	if cfg.Endpoint != "" {
		return checkEndpoint(cfg.Endpoint)
	}
	if cfg.ScriptURL == "" {
		return "", fmt.Errorf("%w: neither endpoint nor script URL set", ErrInvalidEndpoint)
	}
	return ResolveEndpoint(cfg.ScriptURL)
}

// ResolveEndpoint derives the ingest URL from the URL the collector script
// was loaded from: https://cdn.example/collector.js -> https://cdn.example/api/track.
func ResolveEndpoint(scriptURL string) (string, error) {
	u, err := parseAbsolute(scriptURL)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: DefaultIngestPath}).String(), nil
}

func checkEndpoint(raw string) (string, error) {
	u, err := parseAbsolute(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidEndpoint, raw)
	}
	return u, nil
}

func (cfg Config) logger() zerolog.Logger {
	if !cfg.Debug {
		return zerolog.Nop()
	}
	return cfg.Logger
}
