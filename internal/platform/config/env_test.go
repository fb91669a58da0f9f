package config

import (
	"strings"
	"testing"
)

func TestParseEnvDefaults(t *testing.T) {
	var cfg ServerEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.DeployEnv != "dev" || cfg.ShutdownGraceS != 5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.DisableDB != nil || cfg.SnapshotEveryS != nil {
		t.Fatalf("unset optional values should stay nil: %+v", cfg)
	}
	if cfg.Production() {
		t.Fatalf("dev should not be production")
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("GUARDWATCH_ADDR", ":9999")
	t.Setenv("GUARDWATCH_DISABLE_DB", "true")
	t.Setenv("GUARDWATCH_SNAPSHOT_EVERY_SECONDS", "30")
	t.Setenv("DEPLOY_ENV", "production")

	var cfg ServerEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.DisableDB == nil || !*cfg.DisableDB {
		t.Fatalf("disable db not set")
	}
	if cfg.SnapshotEveryS == nil || *cfg.SnapshotEveryS != 30 {
		t.Fatalf("snapshot every not set")
	}
	if !cfg.Production() {
		t.Fatalf("expected production")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("GUARDWATCH_SNAPSHOT_EVERY_SECONDS", "not-an-int")

	var cfg ServerEnv
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestAdminEnvDefaults(t *testing.T) {
	var cfg AdminEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.ServerURL != "http://127.0.0.1:8080" {
		t.Fatalf("server url=%q", cfg.ServerURL)
	}
}
