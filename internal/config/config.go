package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FANOUT_CONFIG is unset.
const DefaultPath = "internal/config/config.yaml"

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Redrive   RedriveConfig   `yaml:"redrive"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	GroupID     string        `yaml:"group_id"`
	BatchSize   int           `yaml:"batch_size"`
	BatchLinger time.Duration `yaml:"batch_linger"`
	// DrainTimeout is how long an in-flight batch may run after shutdown starts.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// FanoutConfig tunes the pipeline. Zero values are replaced by defaults in Load,
// except MaxRetries, which is only defaulted when absent so that 0 disables retries.
type FanoutConfig struct {
	Workers          int           `yaml:"workers"`
	RecordTimeout    time.Duration `yaml:"record_timeout"`
	BatchSize        int           `yaml:"batch_size"`
	WriteConcurrency int           `yaml:"write_concurrency"`
	MaxRetries       *uint64       `yaml:"max_retries"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	PageSize         int           `yaml:"page_size"`
	FollowerCacheTTL time.Duration `yaml:"follower_cache_ttl"`
	// WriteRPS throttles feed store writes in entries per second; 0 disables it.
	WriteRPS   int `yaml:"write_rps"`
	WriteBurst int `yaml:"write_burst"`
}

type RedriveConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Batch       int           `yaml:"batch"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml bytes, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "feed-fanout"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchLinger == 0 {
		c.Kafka.BatchLinger = 200 * time.Millisecond
	}
	if c.Kafka.DrainTimeout == 0 {
		c.Kafka.DrainTimeout = 10 * time.Second
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}

	f := &c.Fanout
	if f.Workers == 0 {
		f.Workers = 16
	}
	if f.RecordTimeout == 0 {
		f.RecordTimeout = 30 * time.Second
	}
	if f.BatchSize == 0 {
		f.BatchSize = 25
	}
	if f.WriteConcurrency == 0 {
		f.WriteConcurrency = 4
	}
	if f.MaxRetries == nil {
		n := uint64(5)
		f.MaxRetries = &n
	}
	if f.BackoffBase == 0 {
		f.BackoffBase = 50 * time.Millisecond
	}
	if f.BackoffCap == 0 {
		f.BackoffCap = 2 * time.Second
	}
	if f.PageSize == 0 {
		f.PageSize = 500
	}
	if f.WriteRPS > 0 && f.WriteBurst < f.BatchSize {
		f.WriteBurst = f.BatchSize
	}

	if c.Redrive.Interval == 0 {
		c.Redrive.Interval = time.Second
	}
	if c.Redrive.Batch == 0 {
		c.Redrive.Batch = 100
	}
	if c.Redrive.MaxAttempts == 0 {
		c.Redrive.MaxAttempts = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Postgres.DSN == "":
		return errors.New("postgres.dsn is required")
	case len(c.Kafka.Brokers) == 0:
		return errors.New("kafka.brokers is required")
	case c.Kafka.Topic == "":
		return errors.New("kafka.topic is required")
	case c.Fanout.Workers < 0 || c.Fanout.BatchSize < 0 || c.Fanout.WriteConcurrency < 0:
		return errors.New("fanout sizes must be positive")
	case c.Fanout.RecordTimeout < 0 || c.Fanout.FollowerCacheTTL < 0 || c.Kafka.DrainTimeout < 0:
		return errors.New("fanout durations must not be negative")
	}
	return nil
}
