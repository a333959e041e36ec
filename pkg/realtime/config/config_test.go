package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("PARLO_TOKEN_URL", "https://api.example.com/v1/session-token")
	t.Setenv("PARLO_NEGOTIATION_URL", "https://rt.example.com/v1/realtime")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.CoalesceDelay != 800*time.Millisecond {
		t.Fatalf("coalesce delay=%v", cfg.CoalesceDelay)
	}
	if cfg.EmissionDelay != 150*time.Millisecond {
		t.Fatalf("emission delay=%v", cfg.EmissionDelay)
	}
	if cfg.MaxAccumulation != 30*time.Second {
		t.Fatalf("max accumulation=%v", cfg.MaxAccumulation)
	}
	if cfg.BridgeAddr != ":8765" || cfg.Voice != "alloy" || cfg.Language != "en" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PARLO_TOKEN_URL", "https://api.example.com/token")
	t.Setenv("PARLO_NEGOTIATION_URL", "https://rt.example.com/rt")
	t.Setenv("PARLO_COALESCE_DELAY", "250ms")
	t.Setenv("PARLO_VOICE", "aria")
	t.Setenv("PARLO_EVENT_BUFFER", "128")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.CoalesceDelay != 250*time.Millisecond || cfg.Voice != "aria" || cfg.EventBuffer != 128 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("PARLO_TOKEN_URL", "")
	t.Setenv("PARLO_NEGOTIATION_URL", "https://rt.example.com/rt")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for missing token url")
	}
}

func TestFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("PARLO_TOKEN_URL", "https://api.example.com/token")
	t.Setenv("PARLO_NEGOTIATION_URL", "https://rt.example.com/rt")
	t.Setenv("PARLO_COALESCE_DELAY", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}
