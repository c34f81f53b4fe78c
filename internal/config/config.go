package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Lock      LockConfig      `yaml:"lock"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Queue     QueueConfig     `yaml:"queue"`
	SES       SESConfig       `yaml:"ses"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port for net/http.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig selects the population store. An empty URL means the
// in-memory store, which only suits development.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int    `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds" validate:"min=0"`
}

// Lifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// RedisConfig holds the Redis connection used by the redis lock backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LockConfig holds Lock Coordinator settings.
type LockConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=redis postgres dynamodb memory"`
	Prefix          string `yaml:"prefix"`
	StepTTLSeconds  int    `yaml:"step_ttl_seconds" validate:"min=1"`
	ChunkTTLSeconds int    `yaml:"chunk_ttl_seconds" validate:"min=1"`
	DynamoDBTable   string `yaml:"dynamodb_table" validate:"required_if=Backend dynamodb"`
	DynamoDBRegion  string `yaml:"dynamodb_region"`
}

// StepTTL is the lease lifetime of a step run.
func (c LockConfig) StepTTL() time.Duration {
	return time.Duration(c.StepTTLSeconds) * time.Second
}

// ChunkTTL is the lease lifetime of a chunk delivery.
func (c LockConfig) ChunkTTL() time.Duration {
	return time.Duration(c.ChunkTTLSeconds) * time.Second
}

// DispatchConfig holds Dispatch Pipeline settings.
type DispatchConfig struct {
	ChunkSize        int    `yaml:"chunk_size" validate:"min=1"`
	DefaultFromEmail string `yaml:"default_from_email" validate:"required"`
}

// QueueConfig selects the task runner channel.
type QueueConfig struct {
	Backend       string   `yaml:"backend" validate:"oneof=kafka gochannel"`
	Brokers       []string `yaml:"brokers" validate:"required_if=Backend kafka"`
	Topic         string   `yaml:"topic" validate:"required"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// SESConfig holds AWS SES API configuration. When disabled, messages go to
// the log transport.
type SESConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// TrackingConfig holds engagement link signing settings.
type TrackingConfig struct {
	Secret  string `yaml:"secret"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

// SchedulerConfig holds the cron specs of the periodic triggers.
type SchedulerConfig struct {
	RunSteps  string `yaml:"run_steps"`
	SendDrips string `yaml:"send_drips"`
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Defaults returns a Config holding only default values: in-memory store,
// memory locks and the gochannel queue.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
	}
	if cfg.Lock.StepTTLSeconds == 0 {
		cfg.Lock.StepTTLSeconds = 24 * 60 * 60
	}
	if cfg.Lock.ChunkTTLSeconds == 0 {
		cfg.Lock.ChunkTTLSeconds = 15 * 60
	}
	if cfg.Lock.DynamoDBRegion == "" {
		cfg.Lock.DynamoDBRegion = "us-west-2"
	}
	if cfg.Dispatch.ChunkSize == 0 {
		cfg.Dispatch.ChunkSize = 100
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "gochannel"
	}
	if cfg.Queue.Topic == "" {
		cfg.Queue.Topic = "squeeze.drip-chunks"
	}
	if cfg.Queue.ConsumerGroup == "" {
		cfg.Queue.ConsumerGroup = "squeeze-worker"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Scheduler.RunSteps == "" {
		cfg.Scheduler.RunSteps = "*/5 * * * *"
	}
	if cfg.Scheduler.SendDrips == "" {
		cfg.Scheduler.SendDrips = "*/15 * * * *"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "squeeze"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
// An empty path starts from Defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SQUEEZE_LOCK_BACKEND"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := os.Getenv("SQUEEZE_PREFIX"); v != "" {
		cfg.Lock.Prefix = v
	}
	if v := os.Getenv("SQUEEZE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.ChunkSize = n
		}
	}
	if v := os.Getenv("SQUEEZE_DEFAULT_FROM"); v != "" {
		cfg.Dispatch.DefaultFromEmail = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Queue.Brokers = strings.Split(v, ",")
		cfg.Queue.Backend = "kafka"
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

var validate = validator.New()

// Validate checks struct tags, cross-section requirements and cron specs.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Lock.Backend == "redis" && cfg.Redis.URL == "" {
		return fmt.Errorf("invalid config: lock backend redis needs redis.url")
	}
	if cfg.Lock.Backend == "postgres" && cfg.Database.URL == "" {
		return fmt.Errorf("invalid config: lock backend postgres needs database.url")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"scheduler.run_steps":  cfg.Scheduler.RunSteps,
		"scheduler.send_drips": cfg.Scheduler.SendDrips,
	} {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid config: %s %q: %w", name, spec, err)
		}
	}
	return nil
}
