package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: LOGICA_DB__POSTGRES__HOST sets db.postgres.host.
const EnvPrefix = "LOGICA_"

const defaultStateSecret = "change-me"

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	DB         DBConfig         `koanf:"db"`
	Log        LogConfig        `koanf:"log"`
	Security   SecurityConfig   `koanf:"security"`
	Validation ValidationConfig `koanf:"validation"`
	OAuth      OAuthConfig      `koanf:"oauth"`
	Directory  DirectoryConfig  `koanf:"directory"`
}

type HTTPConfig struct {
	Port           string        `koanf:"port"`
	FrontendURL    string        `koanf:"frontend_url"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type DBConfig struct {
	Adapter       string         `koanf:"adapter"`
	SQLiteFile    string         `koanf:"sqlite_file"`
	MigrationsDir string         `koanf:"migrations_dir"`
	Postgres      PostgresConfig `koanf:"postgres"`
}

// PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type SecurityConfig struct {
	BcryptCost         int           `koanf:"bcrypt_cost"`
	TokenTTL           time.Duration `koanf:"token_ttl"`
	StateSecret        string        `koanf:"state_secret"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
}

type ValidationConfig struct {
	// PhoneRegion is an ISO 3166 alpha-2 code; empty only checks length.
	PhoneRegion string `koanf:"phone_region"`
}

type OAuthConfig struct {
	Google GoogleConfig `koanf:"google"`
	// EnforceApproval applies the approval gate to federated sign-in.
	EnforceApproval bool `koanf:"enforce_approval"`
}

type GoogleConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

type DirectoryConfig struct {
	// Policies are "ability:object:action" rules, e.g. "manager:accounts:list".
	Policies []string `koanf:"policies"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"http.port":                      "8080",
		"http.frontend_url":              "http://localhost:3000",
		"http.allowed_origins":           []string{},
		"http.read_timeout":              "5s",
		"http.write_timeout":             "10s",
		"db.adapter":                     "postgres",
		"db.sqlite_file":                 "./data/logica.db",
		"db.migrations_dir":              "./migrations",
		"db.postgres.dsn":                "",
		"db.postgres.host":               "localhost",
		"db.postgres.port":               "5432",
		"db.postgres.user":               "logica",
		"db.postgres.password":           "logicapass",
		"db.postgres.name":               "logica",
		"db.postgres.sslmode":            "disable",
		"log.level":                      "info",
		"log.format":                     "console",
		"security.bcrypt_cost":           10,
		"security.token_ttl":             "0s",
		"security.state_secret":          defaultStateSecret,
		"security.rate_limit_per_minute": 60,
		"validation.phone_region":        "",
		"oauth.enforce_approval":         false,
		"oauth.google.client_id":         "",
		"oauth.google.client_secret":     "",
		"oauth.google.redirect_url":      "http://localhost:8080/auth/google/callback",
		"directory.policies": []string{
			"manager:accounts:list",
			"manager:accounts:search",
			"administrator:accounts:list",
			"administrator:accounts:search",
			"administrator:accounts:approve",
		},
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	pg := c.DB.Postgres
	if pg.DSN != "" {
		return pg.DSN, nil
	}

	if pg.Host == "" {
		return "", errors.New("db.postgres.host or db.postgres.dsn must be set")
	}
	if pg.User == "" {
		return "", errors.New("db.postgres.user must be set")
	}
	if pg.Name == "" {
		return "", errors.New("db.postgres.name must be set")
	}

	port := pg.Port
	if port == "" {
		port = "5432"
	}
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		pg.Host, port, pg.User, pg.Name, sslMode)
	if pg.Password != "" {
		dsn += " password=" + pg.Password
	}
	return dsn, nil
}

// New loads defaults, then the YAML file named by CONFIG_FILE (if any), then
// LOGICA_* environment variables.
func New() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	c := &Config{}
	if err := k.Unmarshal("", c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) validate() error {
	switch c.DB.Adapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.DB.Postgres.DSN = dsn
	case "sqlite":
		if strings.TrimSpace(c.DB.SQLiteFile) == "" {
			return errors.New("db.sqlite_file must be set when db.adapter=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported db.adapter: %s (supported: postgres, sqlite, memory)", c.DB.Adapter)
	}

	mode := strings.ToLower(getenv("ENV", getenv(EnvPrefix+"ENV", "")))
	if mode == "production" || mode == "prod" {
		if c.Security.StateSecret == "" || c.Security.StateSecret == defaultStateSecret {
			return errors.New("security.state_secret must be set in production")
		}
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q (supported: debug, info, warn, error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (supported: console, json)", c.Log.Format)
	}

	if _, err := strconv.Atoi(c.HTTP.Port); err != nil {
		return fmt.Errorf("invalid http.port: %s", c.HTTP.Port)
	}
	if c.Security.RateLimitPerMinute < 0 {
		return fmt.Errorf("invalid security.rate_limit_per_minute: %d", c.Security.RateLimitPerMinute)
	}
	return nil
}
