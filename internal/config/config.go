package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	DevOrgID      string   `mapstructure:"DEV_ORG_ID"`

	// Rule engine tuning
	RuleTimeoutMs      int `mapstructure:"RULE_TIMEOUT_MS"`
	RuleMaxConcurrency int `mapstructure:"RULE_MAX_CONCURRENCY"`

	// Change delivery
	ChangePollIntervalSec int `mapstructure:"CHANGE_POLL_INTERVAL_SEC"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8100")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEV_ORG_ID", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("RULE_TIMEOUT_MS", 5000)
	v.SetDefault("RULE_MAX_CONCURRENCY", 8)
	v.SetDefault("CHANGE_POLL_INTERVAL_SEC", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("DEV_ORG_ID")
	v.BindEnv("RULE_TIMEOUT_MS")
	v.BindEnv("RULE_MAX_CONCURRENCY")
	v.BindEnv("CHANGE_POLL_INTERVAL_SEC")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_ISSUER must be set so that real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when ENV is %q; refusing to start without authentication configuration", c.Env)
	}
	if c.RuleTimeoutMs <= 0 {
		return fmt.Errorf("RULE_TIMEOUT_MS must be positive, got %d", c.RuleTimeoutMs)
	}
	if c.RuleMaxConcurrency <= 0 {
		return fmt.Errorf("RULE_MAX_CONCURRENCY must be positive, got %d", c.RuleMaxConcurrency)
	}
	return nil
}
