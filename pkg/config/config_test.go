package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.DefaultTTLSeconds != 3600 {
		t.Errorf("expected default ttl 3600, got %d", cfg.Cache.DefaultTTLSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidateRejectsSlashInAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainMappings["bad/alias"] = DomainMapping{Upstream: "https://example.org"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for alias containing '/'")
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainMappings["cn"] = DomainMapping{}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing upstream")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.DomainMappings["cn"] = DomainMapping{Upstream: "https://api.example.org", TTLSeconds: 60}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.DomainMappings["cn"].Upstream != "https://api.example.org" {
		t.Errorf("unexpected upstream after round trip: %q", loaded.DomainMappings["cn"].Upstream)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default config, got port %d", cfg.Server.Port)
	}
}

func TestTTLForAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.DefaultTTLSeconds = 3600
	cfg.DomainMappings["news"] = DomainMapping{Upstream: "https://news.example.org", TTLSeconds: 60}
	cfg.DomainMappings["cn"] = DomainMapping{Upstream: "https://api.example.org"}

	if got := cfg.TTLForAlias("news"); got != 60 {
		t.Errorf("expected override ttl 60, got %d", got)
	}
	if got := cfg.TTLForAlias("cn"); got != 3600 {
		t.Errorf("expected default ttl 3600, got %d", got)
	}
}

func TestRateLimitForAlias(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttling.DefaultRequestsPerHour = 1000
	cfg.Throttling.DomainLimits = map[string]int{"news": 2}
	cfg.DomainMappings["news"] = DomainMapping{Upstream: "https://news.example.org", RateLimitPerHour: 500}
	cfg.DomainMappings["cn"] = DomainMapping{Upstream: "https://api.example.org"}

	if got := cfg.RateLimitForAlias("news"); got != 2 {
		t.Errorf("expected domain_limits override 2, got %d", got)
	}
	if got := cfg.RateLimitForAlias("cn"); got != 1000 {
		t.Errorf("expected default 1000, got %d", got)
	}
}
