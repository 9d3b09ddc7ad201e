package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Rabbit    RabbitConfig
	Resolvers ResolverConfig
	Redis     RedisConfig
}

type AppConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

type DatabaseConfig struct {
	Driver   string `envconfig:"DB_DRIVER" default:"postgres"`
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"postgres"`
	Password string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName   string `envconfig:"DB_NAME" default:"cashback_db"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"1h"`
}

type RabbitConfig struct {
	Host              string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port              int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User              string `envconfig:"RABBITMQ_USER" default:"guest"`
	Password          string `envconfig:"RABBITMQ_PASSWORD" default:"guest"`
	VHost             string `envconfig:"RABBITMQ_VHOST" default:"/"`
	TransactionQueue  string `envconfig:"RABBITMQ_TRANSACTION_QUEUE" default:"cashback_transactions"`
	CancellationQueue string `envconfig:"RABBITMQ_CANCELLATION_QUEUE" default:"cashback_cancellations"`
	BalanceExchange   string `envconfig:"RABBITMQ_BALANCE_EXCHANGE" default:"balance_exchange"`
	BalanceRoutingKey string `envconfig:"RABBITMQ_BALANCE_ROUTING_KEY" default:"balance.cashback"`
	Prefetch          int    `envconfig:"RABBITMQ_PREFETCH" default:"50"`
	Workers           int    `envconfig:"RABBITMQ_WORKERS" default:"5"`
}

// URL returns the AMQP connection string.
func (r RabbitConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", r.User, r.Password, r.Host, r.Port, r.VHost)
}

type ResolverConfig struct {
	MIDInterpreterURL  string        `envconfig:"MID_INTERPRETER_URL" default:"http://localhost:8081"`
	AffiliatedStoreURL string        `envconfig:"AFFILIATED_STORE_URL" default:"http://localhost:8082"`
	Timeout            time.Duration `envconfig:"RESOLVER_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	Enabled bool          `envconfig:"REDIS_ENABLED" default:"false"`
	URL     string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RateTTL time.Duration `envconfig:"REDIS_RATE_TTL" default:"5m"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	switch cfg.Database.Driver {
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	cfg.Rabbit.Workers = clamp(cfg.Rabbit.Workers, 1, 10)
	if cfg.Rabbit.Prefetch < cfg.Rabbit.Workers {
		cfg.Rabbit.Prefetch = cfg.Rabbit.Workers
	}

	return &cfg, nil
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
