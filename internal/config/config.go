package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Booking  BookingConfig  `mapstructure:"booking"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type GatewayConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    uint64        `mapstructure:"max_retries"`
}

type BookingConfig struct {
	HoldTTL            time.Duration `mapstructure:"hold_ttl"`
	CancellationCutoff time.Duration `mapstructure:"cancellation_cutoff"`
	MaxGenerationDays  int           `mapstructure:"max_generation_days"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
}

type WorkerConfig struct {
	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RetentionPeriod   time.Duration `mapstructure:"retention_period"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.request_timeout", 30*time.Second)
	viper.SetDefault("server.rate_limit", 100)
	viper.SetDefault("server.rate_burst", 200)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("gateway.timeout", 10*time.Second)
	viper.SetDefault("gateway.max_retries", 3)

	viper.SetDefault("booking.hold_ttl", 15*time.Minute)
	viper.SetDefault("booking.cancellation_cutoff", 24*time.Hour)
	viper.SetDefault("booking.max_generation_days", 90)
	viper.SetDefault("booking.cache_ttl", 30*time.Second)

	viper.SetDefault("worker.outbox_interval", 5*time.Second)
	viper.SetDefault("worker.outbox_batch_size", 100)
	viper.SetDefault("worker.sweep_interval", time.Minute)
	viper.SetDefault("worker.reconcile_interval", 10*time.Minute)
	viper.SetDefault("worker.retention_period", 7*24*time.Hour)
}
