package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Log      Log
	Store    Store
	Redis    Redis
	Database Database
	CE       CE
	Metrics  Metrics
	HTTP     HTTP
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

type Store struct {
	Driver string `env:"CE_STORE_DRIVER" envDefault:"redis" validate:"oneof=redis postgres sqlite memory"`
}

type Redis struct {
	Addr      string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"ce"`
}

type Database struct {
	// URL is a postgres connection string, or a file path for sqlite.
	URL string `env:"DATABASE_URL"`
}

type CE struct {
	WorkerCount     int           `env:"CE_WORKER_COUNT" envDefault:"1" validate:"gte=1,lte=64"`
	Delay           time.Duration `env:"CE_DELAY" envDefault:"2s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"CE_SHUTDOWN_TIMEOUT" envDefault:"40s" validate:"gte=0"`
	LogsDir         string        `env:"CE_LOGS_DIR"`
	StaleAfter      time.Duration `env:"CE_STALE_AFTER" envDefault:"6h" validate:"gt=0"`
	Heartbeat       time.Duration `env:"CE_HEARTBEAT_INTERVAL" envDefault:"1m" validate:"gt=0,ltfield=StaleAfter"`
	SweepSchedule   string        `env:"CE_SWEEP_SCHEDULE" envDefault:"@every 10m" validate:"required"`
}

type Metrics struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"false"`
}

type HTTP struct {
	Port int `env:"HTTP_PORT" envDefault:"8080" validate:"gt=0,lt=65536"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if (c.Store.Driver == DriverPostgres || c.Store.Driver == DriverSQLite) && c.Database.URL == "" {
		return fmt.Errorf("config validation failed: DATABASE_URL is required for the %s store", c.Store.Driver)
	}
	return nil
}
