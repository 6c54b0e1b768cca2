package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	CacheBackend    string        `mapstructure:"CACHE_BACKEND"`
	SessionCacheTTL time.Duration `mapstructure:"SESSION_CACHE_TTL"`
	StudyLock       bool          `mapstructure:"STUDY_LOCK_ENABLED"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	MigrationsDir   string        `mapstructure:"MIGRATIONS_DIR"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CACHE_BACKEND", "SESSION_CACHE_TTL", "STUDY_LOCK_ENABLED", "METRICS_ENABLED",
	"CORS_ORIGINS", "MIGRATIONS_DIR", "REQUEST_TIMEOUT", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_BACKEND", CacheMemory)
	v.SetDefault("SESSION_CACHE_TTL", "30m")
	v.SetDefault("STUDY_LOCK_ENABLED", true)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "2M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is %q", CacheRedis)
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheMemory, CacheRedis, c.CacheBackend)
	}
	if c.SessionCacheTTL < 0 {
		return fmt.Errorf("SESSION_CACHE_TTL must not be negative, got %s", c.SessionCacheTTL)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsProduction() && !c.StudyLock {
		return fmt.Errorf("STUDY_LOCK_ENABLED must stay on in production")
	}
	if _, err := c.BodyLimitBytes(); err != nil {
		return err
	}
	return nil
}

const defaultBodyLimit = 2 << 20

// BodyLimitBytes parses BODY_LIMIT ("512K", "2M", "1G", "2MB" or bytes).
// An empty value means 2 MB.
func (c *Config) BodyLimitBytes() (int64, error) {
	s := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(c.BodyLimit)), "B")
	if s == "" {
		return defaultBodyLimit, nil
	}
	shift := 0
	switch s[len(s)-1] {
	case 'K':
		shift = 10
	case 'M':
		shift = 20
	case 'G':
		shift = 30
	}
	if shift > 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("BODY_LIMIT %q is not a positive size", c.BodyLimit)
	}
	return n << shift, nil
}
