package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `validate:"required"`

	// Gateway base URL, e.g. http://host/transporteRest/. Only the init and
	// track commands need it.
	GatewayURL     string        `validate:"omitempty,url"`
	GatewayTimeout time.Duration `validate:"gt=0"`

	DiscoveryInterval time.Duration `validate:"gt=0"`
	TrackInterval     time.Duration `validate:"gt=0"`
	TrackJitter       time.Duration `validate:"gte=0,ltfield=TrackInterval"`
	StaggerMin        time.Duration `validate:"gte=0"`
	StaggerMax        time.Duration `validate:"gtefield=StaggerMin"`
	RetryBackoff      time.Duration `validate:"gt=0"`
	LineCacheSize     int           `validate:"gt=0"`

	MetricsAddr       string
	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// ErrNoGateway is returned by RequireGateway when STM_BASE_URL is unset.
var ErrNoGateway = errors.New("STM_BASE_URL must be set")

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := getenvDefault("PGDATABASE", "stm")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.GatewayURL = strings.TrimSpace(os.Getenv("STM_BASE_URL"))

	var err error
	if cfg.GatewayTimeout, err = durationEnv("GATEWAY_TIMEOUT_SEC", time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DiscoveryInterval, err = durationEnv("DISCOVERY_INTERVAL_SEC", time.Second, 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.TrackInterval, err = durationEnv("TRACK_INTERVAL_SEC", time.Second, 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.TrackJitter, err = durationEnv("TRACK_JITTER_SEC", time.Second, 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaggerMin, err = durationEnv("START_STAGGER_MIN_MS", time.Millisecond, 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.StaggerMax, err = durationEnv("START_STAGGER_MAX_MS", time.Millisecond, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = durationEnv("RETRY_BACKOFF_SEC", time.Second, 10*time.Minute); err != nil {
		return nil, err
	}

	cfg.LineCacheSize = 256
	if v := os.Getenv("LINE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LINE_CACHE_SIZE: %q", v)
		}
		cfg.LineCacheSize = n
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// NATS fan-out of written locations. Empty disables publishing.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "stm")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "debug"))
	cfg.LogFile = os.Getenv("LOG_FILE")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RequireGateway fails when no gateway base URL is configured.
func (c *Config) RequireGateway() error {
	if c.GatewayURL == "" {
		return ErrNoGateway
	}
	return nil
}

// durationEnv reads a non-negative integer count of unit from key.
func durationEnv(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
