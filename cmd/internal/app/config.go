package app

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime configuration, loaded from COOP_* environment
// variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`

	// Security policy:
	// If true, COOP_TOKEN_SECRET MUST be set (>= 32 bytes). Without the
	// policy a missing secret falls back to an ephemeral random one, which
	// invalidates all tokens on restart. Fine for dev, wrong for prod.
	RequireTokenSecret bool          `envconfig:"REQUIRE_TOKEN_SECRET" default:"false"`
	TokenSecret        string        `envconfig:"TOKEN_SECRET"`
	TokenIssuer        string        `envconfig:"TOKEN_ISSUER" default:"coopchat"`
	TokenTTL           time.Duration `envconfig:"TOKEN_TTL" default:"24h"`

	// Assistant backend. An empty API key selects the scripted responder.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL"`

	// Pacing between streamed assistant updates.
	BotStreamDelay time.Duration `envconfig:"BOT_STREAM_DELAY" default:"10ms"`
}

// LoadConfig loads Config from COOP_* environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("coop", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
