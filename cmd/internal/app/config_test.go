package app

import (
	"os"
	"testing"
	"time"
)

// clearConfigEnv unsets all COOP_* variables so defaults apply. envconfig
// treats a set-but-empty variable as an explicit value, so t.Setenv(k, "")
// would not do.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"COOP_HTTP_ADDR", "COOP_LOG_LEVEL", "COOP_LOG_FORMAT",
		"COOP_DATABASE_URL", "COOP_DB_MAX_CONNS", "COOP_DB_MIN_CONNS",
		"COOP_READINESS_REQUIRE_DB", "COOP_REQUIRE_TOKEN_SECRET",
		"COOP_TOKEN_SECRET", "COOP_TOKEN_ISSUER", "COOP_TOKEN_TTL",
		"COOP_GEMINI_API_KEY", "COOP_GEMINI_MODEL", "COOP_BOT_STREAM_DELAY",
	} {
		if prev, ok := os.LookupEnv(k); ok {
			t.Cleanup(func() { os.Setenv(k, prev) })
			os.Unsetenv(k)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr: got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("logging defaults: got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DBMaxConns != 10 || cfg.DBMinConns != 0 {
		t.Fatalf("pool defaults: got %d/%d", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if cfg.TokenIssuer != "coopchat" {
		t.Fatalf("TokenIssuer: got %q", cfg.TokenIssuer)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("TokenTTL: got %v", cfg.TokenTTL)
	}
	if cfg.BotStreamDelay != 10*time.Millisecond {
		t.Fatalf("BotStreamDelay: got %v", cfg.BotStreamDelay)
	}
	if cfg.RequireTokenSecret || cfg.ReadinessRequireDB {
		t.Fatalf("policy defaults should be off: %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("COOP_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("COOP_DB_MAX_CONNS", "25")
	t.Setenv("COOP_TOKEN_TTL", "15m")
	t.Setenv("COOP_BOT_STREAM_DELAY", "0s")
	t.Setenv("COOP_READINESS_REQUIRE_DB", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9090" {
		t.Fatalf("HTTPAddr: got %q", cfg.HTTPAddr)
	}
	if cfg.DBMaxConns != 25 {
		t.Fatalf("DBMaxConns: got %d", cfg.DBMaxConns)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("TokenTTL: got %v", cfg.TokenTTL)
	}
	if cfg.BotStreamDelay != 0 {
		t.Fatalf("BotStreamDelay: got %v", cfg.BotStreamDelay)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatal("ReadinessRequireDB: expected true")
	}
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("COOP_TOKEN_TTL", "an hour or so")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig: expected error for malformed duration")
	}
}
