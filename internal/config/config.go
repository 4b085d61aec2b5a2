package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lawnchairsociety/tokenrealms/server/internal/database"
)

// EnvPrefix prefixes every environment override, e.g. TOKENREALMS_HTTP_ADDRESS.
const EnvPrefix = "TOKENREALMS_"

// ServerConfig holds server-wide configuration settings.
type ServerConfig struct {
	HTTP        HTTPConfig        `yaml:"http" envPrefix:"HTTP_"`
	Telegram    TelegramConfig    `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Game        GameConfig        `yaml:"game" envPrefix:"GAME_"`
	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Database    DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Connections ConnectionsConfig `yaml:"connections" envPrefix:"CONNECTIONS_"`
	Admin       AdminConfig       `yaml:"admin" envPrefix:"ADMIN_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// HTTPConfig holds listener and websocket settings.
type HTTPConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`

	// AllowedOrigins lists origins allowed for CORS and websocket upgrades.
	// Empty enforces same-origin; "*" allows all (not recommended for production).
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`

	// MaxMessageSize is the maximum websocket message size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TelegramConfig holds the Mini App signing settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token" env:"BOT_TOKEN"`

	// InitDataMaxAge rejects init data signed longer ago than this. 0 disables the check.
	InitDataMaxAge time.Duration `yaml:"init_data_max_age" env:"INIT_DATA_MAX_AGE"`
}

// GameConfig holds gameplay tuning.
type GameConfig struct {
	EncounterChance float64 `yaml:"encounter_chance" env:"ENCOUNTER_CHANCE"`

	// SessionIdleMinutes ends sessions with no action for this long. 0 disables.
	SessionIdleMinutes int `yaml:"session_idle_minutes" env:"SESSION_IDLE_MINUTES"`

	// RegionsFile optionally replaces the built-in region catalog.
	RegionsFile string `yaml:"regions_file" env:"REGIONS_FILE"`
}

// PersistenceConfig tunes the save synchronizer.
type PersistenceConfig struct {
	SaveInterval time.Duration `yaml:"save_interval" env:"SAVE_INTERVAL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// DatabaseConfig selects and configures the player store.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver   string         `yaml:"driver" env:"DRIVER"`
	Path     string         `yaml:"path" env:"PATH"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// PostgresConfig mirrors database.PostgresConfig for YAML and env loading.
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RateLimitConfig holds request rate and signature-failure lockout settings.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained per-IP request rate. 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`

	// MaxFailures is the number of bad signatures before an IP is locked out.
	MaxFailures int `yaml:"max_failures" env:"MAX_FAILURES"`

	// LockoutSeconds is the initial lockout duration in seconds.
	LockoutSeconds int `yaml:"lockout_seconds" env:"LOCKOUT_SECONDS"`

	// MaxLockoutSeconds is the maximum lockout duration (for exponential backoff).
	MaxLockoutSeconds int `yaml:"max_lockout_seconds" env:"MAX_LOCKOUT_SECONDS"`
}

// ConnectionsConfig holds websocket connection limit settings.
type ConnectionsConfig struct {
	// MaxPerIP is the maximum concurrent connections allowed from a single IP address.
	// 0 means unlimited (not recommended).
	MaxPerIP int `yaml:"max_per_ip" env:"MAX_PER_IP"`

	// MaxTotal is the maximum total concurrent connections to the server.
	// 0 means unlimited.
	MaxTotal int `yaml:"max_total" env:"MAX_TOTAL"`
}

// AdminConfig protects the admin API.
type AdminConfig struct {
	// TokenHash is a bcrypt hash of the admin bearer token. Empty disables the admin API.
	TokenHash string `yaml:"token_hash" env:"TOKEN_HASH"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318.
	// Empty disables tracing.
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// DefaultConfig returns a ServerConfig with secure defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		HTTP: HTTPConfig{
			Address:         ":8080",
			AllowedOrigins:  []string{}, // Same-origin only by default
			MaxMessageSize:  4096,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Game: GameConfig{
			EncounterChance:    0.6,
			SessionIdleMinutes: 30,
		},
		Persistence: PersistenceConfig{
			SaveInterval: 5 * time.Second,
			MaxAttempts:  3,
			RetryBackoff: 100 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/tokenrealms.db",
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			MaxFailures:       5,   // Default: 5 bad signatures before lockout
			LockoutSeconds:    30,  // Default: 30 second initial lockout
			MaxLockoutSeconds: 300, // Default: 5 minute max lockout
		},
		Connections: ConnectionsConfig{
			MaxPerIP: 3,   // Default: 3 connections per IP
			MaxTotal: 100, // Default: 100 total connections
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tokenrealms",
			SampleRatio: 1,
		},
	}
}

// LoadConfig loads server configuration from a YAML file, then applies
// TOKENREALMS_* environment overrides. A missing file yields the defaults.
func LoadConfig(path string) (*ServerConfig, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return DefaultConfig(), fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Use defaults if file doesn't exist
	default:
		return config, err
	}

	if err := config.ApplyEnv(); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides settings from TOKENREALMS_* environment variables.
// Unset variables leave the current values alone.
func (c *ServerConfig) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Telegram.InitDataMaxAge < 0 {
		return fmt.Errorf("telegram.init_data_max_age must not be negative")
	}
	if c.Game.EncounterChance < 0 || c.Game.EncounterChance > 1 {
		return fmt.Errorf("game.encounter_chance %v outside 0-1", c.Game.EncounterChance)
	}
	if c.Game.SessionIdleMinutes < 0 {
		return fmt.Errorf("game.session_idle_minutes must not be negative")
	}
	if c.Persistence.SaveInterval < 0 {
		return fmt.Errorf("persistence.save_interval must not be negative")
	}
	if c.Persistence.MaxAttempts < 1 {
		return fmt.Errorf("persistence.max_attempts must be at least 1")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.burst must be positive when requests_per_second is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio %v outside 0-1", c.Telemetry.SampleRatio)
	}
	if c.Database.Driver == "memory" {
		return nil
	}
	return c.ToDatabaseConfig().Validate()
}

// ToDatabaseConfig converts the database section for database.OpenWithConfig.
func (c *ServerConfig) ToDatabaseConfig() database.Config {
	pg := c.Database.Postgres
	return database.Config{
		Driver:     c.Database.Driver,
		SQLitePath: c.Database.Path,
		Postgres: database.PostgresConfig{
			Host:            pg.Host,
			Port:            pg.Port,
			User:            pg.User,
			Password:        pg.Password,
			Database:        pg.Database,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		},
	}
}

// IsOriginAllowed checks if the given origin is allowed based on the config.
// Returns true if:
// - AllowedOrigins contains "*" (allow all)
// - AllowedOrigins contains the exact origin
// - AllowedOrigins is empty and origin matches the request host (same-origin)
func (c *HTTPConfig) IsOriginAllowed(origin, requestHost string) bool {
	// If no origins configured, enforce same-origin policy
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// isSameOrigin checks if the origin matches the request host (same-origin policy).
func isSameOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true // No origin header means same-origin (e.g., non-browser client)
	}

	// Extract host from origin URL (e.g., "http://localhost:3000" -> "localhost:3000")
	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
