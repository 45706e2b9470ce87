package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %s, want :8080", cfg.ListenAddr)
	}
	if cfg.DBPath != "./facilitator.db" {
		t.Errorf("DBPath = %s, want ./facilitator.db", cfg.DBPath)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %s, want 30s", cfg.SweepInterval)
	}
	if cfg.MaxSubmitAttempts != 4 {
		t.Errorf("MaxSubmitAttempts = %d, want 4", cfg.MaxSubmitAttempts)
	}
}

func TestLoadEndpointsFromEnvironment(t *testing.T) {
	t.Setenv("RPC_URL_BASE_SEPOLIA", "https://sepolia.base.org")
	t.Setenv("RPC_URL_SOLANA_DEVNET", "https://api.devnet.solana.com")
	t.Setenv("RPC_URL_UNKNOWN_NET", "https://nowhere.example")
	t.Setenv("SWEEP_INTERVAL", "10s")

	cfg := Load()

	if got := cfg.EVMEndpoints["base-sepolia"]; got != "https://sepolia.base.org" {
		t.Errorf("base-sepolia endpoint = %q", got)
	}
	if got := cfg.SVMEndpoints["solana-devnet"]; got != "https://api.devnet.solana.com" {
		t.Errorf("solana-devnet endpoint = %q", got)
	}
	if len(cfg.EVMEndpoints)+len(cfg.SVMEndpoints) != 2 {
		t.Errorf("endpoints = %d, want only the two supported networks", len(cfg.EVMEndpoints)+len(cfg.SVMEndpoints))
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Errorf("SweepInterval = %s, want 10s", cfg.SweepInterval)
	}
}
