package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerBase == "" {
		t.Fatal("expected default server_base to be set")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.PingInterval != cfg.PingInterval {
		t.Fatalf("reloaded ping interval = %v, want %v", reloaded.PingInterval, cfg.PingInterval)
	}
}

func TestDecodeSecondsToDuration(t *testing.T) {
	cfg, err := Decode([]byte(`{"ping_interval_sec": 20, "restart_cooldown_sec": 45.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Fatalf("ping interval = %v, want 20s", cfg.PingInterval)
	}
	if cfg.RestartCooldown != time.Duration(45.5*float64(time.Second)) {
		t.Fatalf("restart cooldown = %v, want 45.5s", cfg.RestartCooldown)
	}
}

func TestValidatePingIntervalBoundary(t *testing.T) {
	cfg := Default()
	cfg.PingInterval = 5 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("5s should be accepted: %v", err)
	}
	cfg.PingInterval = 4 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("4s should be rejected")
	}
}

func TestValidateRejectsEmptyServerBase(t *testing.T) {
	cfg := Default()
	cfg.ServerBase = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty server_base")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "TRACE"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
