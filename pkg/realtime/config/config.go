// Package config loads runtime settings from PARLO_* environment variables
// with sane defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// TokenURL is the backend endpoint issuing session credentials.
	TokenURL string
	// TokenAPIKey authenticates against the issuance endpoint, if required.
	TokenAPIKey string
	// NegotiationURL is the provider's SDP exchange endpoint.
	NegotiationURL string

	Model    string
	Voice    string
	Language string

	// CoalesceDelay is the debounce window after a speech stop-signal.
	CoalesceDelay time.Duration
	// EmissionDelay is the fixed assistant-message emission delay.
	EmissionDelay time.Duration
	// MaxAccumulation bounds how long an item buffer may accumulate before
	// being finalized as abandoned.
	MaxAccumulation time.Duration

	// BridgeAddr is the listen address of the browser-UI websocket bridge.
	BridgeAddr string

	EventBuffer         int
	ShutdownGracePeriod time.Duration
}

func FromEnv() (Config, error) {
	cfg := Config{
		TokenURL:       envOr("PARLO_TOKEN_URL", ""),
		TokenAPIKey:    envOr("PARLO_TOKEN_API_KEY", ""),
		NegotiationURL: envOr("PARLO_NEGOTIATION_URL", ""),
		Model:          envOr("PARLO_MODEL", ""),
		Voice:          envOr("PARLO_VOICE", "alloy"),
		Language:       envOr("PARLO_LANGUAGE", "en"),
		BridgeAddr:     envOr("PARLO_BRIDGE_ADDR", ":8765"),
	}

	var err error
	if cfg.CoalesceDelay, err = envDurationOr("PARLO_COALESCE_DELAY", 800*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.EmissionDelay, err = envDurationOr("PARLO_EMISSION_DELAY", 150*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxAccumulation, err = envDurationOr("PARLO_MAX_ACCUMULATION", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGracePeriod, err = envDurationOr("PARLO_SHUTDOWN_GRACE", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.EventBuffer, err = envIntOr("PARLO_EVENT_BUFFER", 64); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.TokenURL) == "" {
		return Config{}, fmt.Errorf("PARLO_TOKEN_URL is required")
	}
	if strings.TrimSpace(cfg.NegotiationURL) == "" {
		return Config{}, fmt.Errorf("PARLO_NEGOTIATION_URL is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envDurationOr(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", key)
	}
	return d, nil
}
