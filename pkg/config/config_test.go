package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Fatalf("port=%s, expected 8080", cfg.Port)
	}
	if cfg.AgentTTL != 120*time.Second {
		t.Fatalf("agent ttl=%v, expected 120s", cfg.AgentTTL)
	}
	if cfg.SlotStaleWindow != 24*time.Hour {
		t.Fatalf("stale window=%v, expected 24h", cfg.SlotStaleWindow)
	}
	if cfg.Transport != "ws" {
		t.Fatalf("transport=%s, expected ws", cfg.Transport)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_TTL_SECONDS", "30")
	t.Setenv("SLOT_STALE_HOURS", "6")
	t.Setenv("FIRE_TRANSPORT", "FILEDROP")
	t.Setenv("DB_PATH", "/tmp/test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.AgentTTL != 30*time.Second {
		t.Fatalf("agent ttl=%v, expected 30s", cfg.AgentTTL)
	}
	if cfg.SlotStaleWindow != 6*time.Hour {
		t.Fatalf("stale window=%v, expected 6h", cfg.SlotStaleWindow)
	}
	if cfg.Transport != "filedrop" {
		t.Fatalf("transport=%s, expected lowercased filedrop", cfg.Transport)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("db path=%s", cfg.DBPath)
	}
}
