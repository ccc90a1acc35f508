package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	NotifyChannel  string   `mapstructure:"NOTIFY_CHANNEL"`
	MetricsEnabled bool     `mapstructure:"METRICS_ENABLED"`

	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	// Blood bank time windows and limits.
	CrossMatchValidity   time.Duration `mapstructure:"CROSSMATCH_VALIDITY"`
	ReturnWindow         time.Duration `mapstructure:"RETURN_WINDOW"`
	SeparationAlertAfter time.Duration `mapstructure:"SEPARATION_ALERT_AFTER"`
	ShortfallSample      int           `mapstructure:"SHORTFALL_SAMPLE"`
	TxTimeout            time.Duration `mapstructure:"TX_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "DEFAULT_TENANT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "MIGRATIONS_DIR", "NOTIFY_CHANNEL", "METRICS_ENABLED",
	"TRACE_SAMPLE_RATE",
	"CROSSMATCH_VALIDITY", "RETURN_WINDOW", "SEPARATION_ALERT_AFTER", "SHORTFALL_SAMPLE", "TX_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("NOTIFY_CHANNEL", "bloodbank.notices")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("CROSSMATCH_VALIDITY", "72h")
	v.SetDefault("RETURN_WINDOW", "4h")
	v.SetDefault("SEPARATION_ALERT_AFTER", "6h")
	v.SetDefault("SHORTFALL_SAMPLE", 8)
	v.SetDefault("TX_TIMEOUT", "5s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "external" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set when AUTH_MODE is \"external\" (ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	windows := map[string]time.Duration{
		"CROSSMATCH_VALIDITY":    c.CrossMatchValidity,
		"RETURN_WINDOW":          c.ReturnWindow,
		"SEPARATION_ALERT_AFTER": c.SeparationAlertAfter,
		"TX_TIMEOUT":             c.TxTimeout,
	}
	for name, d := range windows {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.ShortfallSample <= 0 {
		return fmt.Errorf("SHORTFALL_SAMPLE must be positive, got %d", c.ShortfallSample)
	}
	return nil
}
