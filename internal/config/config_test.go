package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("AccessTTL %v", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 336*time.Hour {
		t.Fatalf("RefreshTTL %v", cfg.RefreshTTL)
	}
	if cfg.MaxFailedLogins != 10 {
		t.Fatalf("MaxFailedLogins %d", cfg.MaxFailedLogins)
	}
	if cfg.AnonymousAccess || cfg.SetupMode {
		t.Fatal("anonymous access and setup mode default off")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SENTRA_LISTEN_ADDR", ":9090")
	t.Setenv("SENTRA_TOKEN_SECRET", "hunter2")
	t.Setenv("SENTRA_ACCESS_TTL", "5m")
	t.Setenv("SENTRA_ANONYMOUS_ACCESS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.TokenSecret != "hunter2" {
		t.Fatalf("TokenSecret %q", cfg.TokenSecret)
	}
	if cfg.AccessTTL != 5*time.Minute {
		t.Fatalf("AccessTTL %v", cfg.AccessTTL)
	}
	if !cfg.AnonymousAccess {
		t.Fatal("AnonymousAccess not read")
	}
}
