// Package config loads server configuration from a .env file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Port     int
	DBDriver string
	DBPath   string

	// DatabaseURL is the PostgreSQL DSN, used when DBDriver is postgres.
	DatabaseURL string

	// RedisAddr enables the shared topology cache when set.
	RedisAddr        string
	TopologyFile     string
	TopologyCacheTTL time.Duration

	// SweepInterval schedules the reconciliation sweep; 0 disables it.
	SweepInterval time.Duration
	SweepWorkers  int

	// JWTSecret enables bearer-token admin authentication when set.
	JWTSecret string

	LogMode        string
	AllowedOrigins []string

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool
}

// Load reads .env (optional), then the environment, then args.
func Load(args []string) (*Config, error) {
	envLoaded := godotenv.Load() == nil

	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		DBDriver:         getEnv("DB_DRIVER", DriverSQLite),
		DBPath:           getEnv("DB_PATH", "progress.db"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		TopologyFile:     getEnv("TOPOLOGY_FILE", "courses.json"),
		TopologyCacheTTL: getEnvDuration("TOPOLOGY_CACHE_TTL", 5*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour),
		SweepWorkers:     getEnvInt("SWEEP_WORKERS", 8),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		LogMode:          getEnv("LOG_MODE", "development"),
		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		EnvFileLoaded:    envLoaded,
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "storage driver: memory, sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.TopologyFile, "topology", cfg.TopologyFile, "course topology JSON file")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "reconciliation sweep interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.SweepWorkers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive")
	}
	return nil
}

// Production reports whether logs should use the production encoder.
func (c *Config) Production() bool {
	return strings.EqualFold(c.LogMode, "production")
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
