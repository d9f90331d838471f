package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every configuration variable (LANGMATE_HTTP_ADDR, ...).
const EnvPrefix = "LANGMATE"

// Storage backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

// Auth modes.
const (
	AuthHeader = "header"
	AuthPaseto = "paseto"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`

	CORSAllowedOrigins   []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `envconfig:"CORS_ALLOW_CREDENTIALS" default:"false"`
	CORSMaxAgeSeconds    int      `envconfig:"CORS_MAX_AGE_SECONDS" default:"600"`

	Store string `envconfig:"STORE" default:"memory"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"langmate"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	DBMigrate   bool   `envconfig:"DB_MIGRATE" default:"true"`

	// Empty runs Badger in memory.
	BadgerDir string `envconfig:"BADGER_DIR"`

	// Empty keeps event fanout in-process.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"langmate:events"`

	AppendAttempts int           `envconfig:"APPEND_ATTEMPTS" default:"3"`
	AppendBackoff  time.Duration `envconfig:"APPEND_BACKOFF" default:"25ms"`

	AuthMode           string        `envconfig:"AUTH_MODE" default:"header"`
	AuthUserHeader     string        `envconfig:"AUTH_USER_HEADER" default:"X-User-ID"`
	PasetoPublicKeyHex string        `envconfig:"PASETO_PUBLIC_KEY_HEX"`
	PasetoIssuer       string        `envconfig:"PASETO_ISSUER" default:"langmate"`
	PasetoClockSkew    time.Duration `envconfig:"PASETO_CLOCK_SKEW" default:"30s"`

	WSOriginRequired    bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSAllowedOrigins    []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSInsecureSkipCheck bool          `envconfig:"WS_INSECURE_SKIP_VERIFY" default:"false"`
	WSSendQueueSize     int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSHeartbeat         time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout  time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSRateEvents        int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow        time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool `envconfig:"READINESS_REQUIRE_DB" default:"false"`
}

// LoadConfig loads Config from LANGMATE_* environment variables and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
}

// Validate rejects inconsistent settings at startup.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory, StoreBadger:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("LANGMATE_STORE=postgres requires LANGMATE_DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LANGMATE_STORE %q (memory|postgres|badger)", c.Store))
	}

	switch c.AuthMode {
	case AuthHeader:
	case AuthPaseto:
		if strings.TrimSpace(c.PasetoPublicKeyHex) == "" {
			errs = append(errs, errors.New("LANGMATE_AUTH_MODE=paseto requires LANGMATE_PASETO_PUBLIC_KEY_HEX"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LANGMATE_AUTH_MODE %q (header|paseto)", c.AuthMode))
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown LANGMATE_LOG_FORMAT %q (json|pretty)", c.LogFormat))
	}

	if c.AppendAttempts < 1 {
		errs = append(errs, errors.New("LANGMATE_APPEND_ATTEMPTS must be >= 1"))
	}
	if c.AppendBackoff < 0 {
		errs = append(errs, errors.New("LANGMATE_APPEND_BACKOFF must not be negative"))
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		errs = append(errs, errors.New("LANGMATE_DB_MIN_CONNS must be between 0 and LANGMATE_DB_MAX_CONNS"))
	}

	return errors.Join(errs...)
}

func (c Config) dbEnabled() bool { return c.Store == StorePostgres }
