package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	UsersStorePostgres = "postgres"
	UsersStoreMemory   = "memory"
)

type Config struct {
	Environment string `toml:"environment"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	SentryEnabled bool   `toml:"sentry_enabled"`
	// metrics
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
	// users store: "postgres" or "memory"
	UsersStore     string `toml:"users_store"`
	PostgresHost   string `toml:"postgres_host"`
	PostgresPort   string `toml:"postgres_port"`
	PostgresUser   string `toml:"postgres_user"`
	PostgresDBName string `toml:"postgres_db_name"`
	// redis (rate limiting)
	RedisHost          string `toml:"redis_host"`
	RedisPort          string `toml:"redis_port"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	RateLimitDisabled  bool   `toml:"rate_limit_disabled"`
	// http
	UploadsPath    string   `toml:"uploads_path"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// auth
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
	TokenIssuer     string `toml:"token_issuer"`
	BcryptCost      int    `toml:"bcrypt_cost"`
	CookieSecure    bool   `toml:"cookie_secure"`
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

// Load reads the TOML file and returns the config of the given environment,
// with defaults applied and validated.
func Load(env, path string) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config file [%s]: %w", path, err)
	}
	return fromToml(&t, env)
}

// Parse is Load for an in-memory TOML document.
func Parse(env, data string) (*Config, error) {
	var t Toml
	if _, err := toml.Decode(data, &t); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fromToml(&t, env)
}

func fromToml(t *Toml, env string) (*Config, error) {
	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("no config for env [%s]", env)
	}

	cfg.setDefaults(env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults(env string) {
	if c.Environment == "" {
		c.Environment = strings.ToLower(env)
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.UsersStore == "" {
		c.UsersStore = UsersStorePostgres
	}
	if c.PostgresUser == "" {
		c.PostgresUser = "postgres"
	}
	if c.PostgresPort == "" {
		c.PostgresPort = "5432"
	}
	if c.RedisPort == "" {
		c.RedisPort = "6379"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 20
	}
	if c.UploadsPath == "" {
		c.UploadsPath = "./uploads"
	}
	if c.TokenTTLMinutes == 0 {
		c.TokenTTLMinutes = 60
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.UsersStore {
	case UsersStorePostgres:
		if c.PostgresHost == "" || c.PostgresDBName == "" {
			return errors.New("postgres host and db name must be set for the postgres users store")
		}
	case UsersStoreMemory:
	default:
		return fmt.Errorf("unknown users store: %s", c.UsersStore)
	}
	if c.TokenTTLMinutes < 0 {
		return fmt.Errorf("invalid token ttl: %d minutes", c.TokenTTLMinutes)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid rate limit: %d", c.RateLimitPerMinute)
	}
	return nil
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}
