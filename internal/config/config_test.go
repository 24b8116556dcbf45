package config

import (
	"testing"
	"time"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_PORT", "TRUST_PROXY_HEADERS", "TOKEN_HEADER", "LOG_LEVEL", "LOG_FORMAT",
		"STORAGE_TYPE", "ADMISSION_SHARDS", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD",
		"REDIS_DB", "REDIS_KEY_PREFIX", "RATE_LIMIT_MAX_TRACKED_KEYS", "RATE_LIMIT_IP_REQUESTS",
		"RATE_LIMIT_IP_WINDOW_SECONDS", "RATE_LIMIT_TOKEN_DEFAULT_REQUESTS",
		"RATE_LIMIT_TOKEN_DEFAULT_WINDOW_SECONDS", "TOKENS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "8080" || cfg.Server.TrustProxyHeaders || cfg.Server.TokenHeader != "API_KEY" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Storage.Type != "memory" || cfg.Storage.Shards != 32 {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Storage.Redis.Host != "localhost" || cfg.Storage.Redis.Port != 6379 || cfg.Storage.Redis.KeyPrefix != "admission" {
		t.Fatalf("unexpected redis config %+v", cfg.Storage.Redis)
	}

	want := domain.Rule{MaxEvents: 10, Window: time.Second, MaxTrackedKeys: 10000}
	if cfg.Admission.IPRule != want {
		t.Fatalf("expected ip rule %+v, got %+v", want, cfg.Admission.IPRule)
	}
	if cfg.Admission.DefaultTokenRule != (domain.Rule{}) {
		t.Fatalf("expected no default token rule, got %+v", cfg.Admission.DefaultTokenRule)
	}
	if len(cfg.Admission.TokenRules) != 0 {
		t.Fatalf("expected no token overrides, got %v", cfg.Admission.TokenRules)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_TYPE", "Redis")
	t.Setenv("TRUST_PROXY_HEADERS", "true")
	t.Setenv("RATE_LIMIT_MAX_TRACKED_KEYS", "500")
	t.Setenv("RATE_LIMIT_IP_REQUESTS", "3")
	t.Setenv("RATE_LIMIT_IP_WINDOW_SECONDS", "60")
	t.Setenv("RATE_LIMIT_TOKEN_DEFAULT_REQUESTS", "20")
	t.Setenv("RATE_LIMIT_TOKEN_DEFAULT_WINDOW_SECONDS", "10")
	t.Setenv("TOKENS", "abc:100:1, vip:0:30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Type != "redis" || !cfg.Server.TrustProxyHeaders {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Admission.IPRule != (domain.Rule{MaxEvents: 3, Window: time.Minute, MaxTrackedKeys: 500}) {
		t.Fatalf("unexpected ip rule %+v", cfg.Admission.IPRule)
	}
	if cfg.Admission.DefaultTokenRule != (domain.Rule{MaxEvents: 20, Window: 10 * time.Second, MaxTrackedKeys: 500}) {
		t.Fatalf("unexpected default token rule %+v", cfg.Admission.DefaultTokenRule)
	}
	if got := cfg.Admission.TokenRules["abc"]; got != (domain.Rule{MaxEvents: 100, Window: time.Second, MaxTrackedKeys: 500}) {
		t.Fatalf("unexpected abc override %+v", got)
	}
	if got := cfg.Admission.TokenRules["vip"]; got.MaxEvents != 0 || got.Window != 30*time.Second {
		t.Fatalf("unexpected vip override %+v", got)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"RATE_LIMIT_IP_REQUESTS":       "ten",
		"RATE_LIMIT_IP_WINDOW_SECONDS": "0",
		"RATE_LIMIT_MAX_TRACKED_KEYS":  "0",
		"REDIS_PORT":                   "redis",
		"TRUST_PROXY_HEADERS":          "maybe",
		"ADMISSION_SHARDS":             "many",
		"TOKENS":                       "abc:1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}
