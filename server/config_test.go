package server

import (
	"testing"
	"time"
)

func TestConfigFromEnvAdmissionDefault(t *testing.T) {
	t.Setenv("ADMIT_ON_CHAIN_ERROR", "")
	t.Setenv("CHAIN_ID", "")
	t.Setenv("ROOM_TTL", "")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.DenyOnChainError {
		t.Fatal("admission must default to fail-open")
	}

	t.Setenv("ADMIT_ON_CHAIN_ERROR", "false")
	cfg, err = ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if !cfg.DenyOnChainError {
		t.Fatal("ADMIT_ON_CHAIN_ERROR=false must deny on chain error")
	}

	t.Setenv("ADMIT_ON_CHAIN_ERROR", "not-a-bool")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatal("expected error for unparseable ADMIT_ON_CHAIN_ERROR")
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := ServerConfig{}
	cfg.setDefaults()

	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("listen addr: got %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.RoomTTL != 2*time.Hour || cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected sweep defaults: ttl=%s interval=%s", cfg.RoomTTL, cfg.SweepInterval)
	}
	// The zero value must keep fail-open admission regardless of how the
	// config was built.
	if cfg.DenyOnChainError {
		t.Fatal("zero-value config must be fail-open")
	}
}
