package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "SESSION_STORE", "SESSION_IDLE_TTL_MINUTES", "AI_TIMEOUT_SECONDS",
		"ARK_TEMPERATURE", "IMAGE_MAX_BYTES", "IMAGE_MAX_PIXELS", "CORS_ALLOWED_ORIGINS", "RATE_LIMIT_PER_MINUTE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Session.Store != "memory" || cfg.Session.IdleTTL != time.Hour {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if cfg.AI.Timeout != time.Minute || cfg.AI.KeywordLimit != 5 {
		t.Fatalf("unexpected ai config %+v", cfg.AI)
	}
	if cfg.AI.Temperature == nil || *cfg.AI.Temperature != 0.2 {
		t.Fatalf("expected default temperature 0.2, got %v", cfg.AI.Temperature)
	}
	if cfg.Image.MaxBytes != 10<<20 || cfg.Image.MaxPixels != 36_000_000 {
		t.Fatalf("unexpected image config %+v", cfg.Image)
	}
	if cfg.RateLimit.PerMinute != 30 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("SESSION_STORE", "Redis")
	t.Setenv("SESSION_IDLE_TTL_MINUTES", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Session.Store != "redis" || cfg.Session.IdleTTL != 5*time.Minute {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected redis db %d", cfg.Redis.DB)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":               "80 80",
		"SESSION_STORE":      "postgres",
		"AI_TIMEOUT_SECONDS": "soon",
		"ARK_TEMPERATURE":    "hot",
		"IMAGE_MAX_PIXELS":   "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestAIConfigEnabled(t *testing.T) {
	if (AIConfig{Model: "m"}).Enabled() {
		t.Fatal("expected disabled without credentials")
	}
	if !(AIConfig{Model: "m", APIKey: "k"}).Enabled() {
		t.Fatal("expected enabled with api key")
	}
	if !(AIConfig{Model: "m", AccessKey: "ak", SecretKey: "sk"}).Enabled() {
		t.Fatal("expected enabled with ak/sk")
	}
}
