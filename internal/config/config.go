// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/verifier"
)

// Classifier transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds every tunable the service and CLI read at start-up.
type Config struct {
	HTTPAddr        string
	DatabaseDSN     string
	RedisAddr       string
	LogLevel        string
	ShutdownTimeout time.Duration

	ClassifierURL       string
	ClassifierTransport string
	ClassifierGRPCAddr  string
	ClassifierTimeout   time.Duration

	JWTSecret     string
	JWTAudience   string
	SessionSecret string
	CORSOrigins   []string

	ViolationRadiusMeters float64
	DefaultMode           catalog.Mode
}

// Load reads the given .env files (missing files are ignored) and then the
// process environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	cfg := &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:         getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=wastesense port=5432 sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ClassifierURL:       strings.TrimRight(getEnv("CLASSIFIER_URL", "http://127.0.0.1:5000"), "/"),
		ClassifierTransport: strings.ToLower(getEnv("CLASSIFIER_TRANSPORT", TransportHTTP)),
		ClassifierGRPCAddr:  getEnv("CLASSIFIER_GRPC_ADDR", "classifier:50051"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		JWTAudience:         os.Getenv("JWT_AUDIENCE"),
		SessionSecret:       getEnv("SESSION_SECRET", ""),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ClassifierTimeout, err = getDuration("CLASSIFIER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ViolationRadiusMeters, err = getFloat("VIOLATION_RADIUS_METERS", verifier.DefaultViolationRadiusMeters); err != nil {
		return nil, err
	}
	if cfg.DefaultMode, err = catalog.ParseMode(getEnv("DEFAULT_MODE", string(catalog.ModeCampus))); err != nil {
		return nil, fmt.Errorf("DEFAULT_MODE: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with. SESSION_SECRET may
// be empty; the router then signs cookies with a per-process secret.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.ClassifierTransport {
	case TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("CLASSIFIER_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.ClassifierTransport)
	}
	if c.ViolationRadiusMeters <= 0 {
		return fmt.Errorf("VIOLATION_RADIUS_METERS must be positive, got %v", c.ViolationRadiusMeters)
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
