package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis" validate:"required"`
	Broker    BrokerConfig    `mapstructure:"broker" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage" validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Stream    StreamConfig    `mapstructure:"stream" validate:"required"`
	Reaper    ReaperConfig    `mapstructure:"reaper" validate:"required"`
	Events    EventsConfig    `mapstructure:"events" validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
}

// RedisConfig configures the shared counter store and the pub/sub transport.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=15"`
}

// BrokerConfig describes the AMQP topology used for generation requests.
type BrokerConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	Exchange       string        `mapstructure:"exchange" validate:"required"`
	Queue          string        `mapstructure:"queue" validate:"required"`
	RoutingKey     string        `mapstructure:"routing_key" validate:"required"`
	PublishRetries uint64        `mapstructure:"publish_retries" validate:"lte=10"`
	RetryBase      time.Duration `mapstructure:"retry_base" validate:"required,gt=0"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" validate:"required,gt=0"`
}

// StorageConfig points at the object store bucket holding task artifacts.
type StorageConfig struct {
	Bucket           string `mapstructure:"bucket" validate:"required"`
	MaxArtifactBytes int64  `mapstructure:"max_artifact_bytes" validate:"required,gt=0"`
	// Endpoint overrides the object store endpoint, e.g. for a local emulator.
	Endpoint string `mapstructure:"endpoint"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// RateLimitConfig configures the admission rate limiter.
type RateLimitConfig struct {
	Window            time.Duration `mapstructure:"window" validate:"required,gt=0"`
	MaxSubmissions    int64         `mapstructure:"max_submissions" validate:"required,gt=0"`
	MaxStreamConnects int64         `mapstructure:"max_stream_connects" validate:"required,gt=0"`
}

// StreamConfig configures the status streaming protocol.
// HeartbeatInterval must be strictly shorter than InactivityTimeout.
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0,ltfield=InactivityTimeout"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"required,gt=0"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"required,gt=0"`
	MaxProtocolErrors int           `mapstructure:"max_protocol_errors" validate:"required,gt=0"`
}

// ReaperConfig configures reconciliation of abandoned submissions.
type ReaperConfig struct {
	Interval           time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	EnqueueGrace       time.Duration `mapstructure:"enqueue_grace" validate:"required,gt=0"`
	StuckProcessingAge time.Duration `mapstructure:"stuck_processing_age" validate:"required,gt=0"`
	BatchSize          int           `mapstructure:"batch_size" validate:"required,gt=0"`
}

// EventsConfig sizes the side-channel event dispatcher.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"required,gt=0"`
}

// WorkerConfig is only consumed by the reference worker process.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency" validate:"gte=0"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl" validate:"gte=0"`
	GeminiAPIKey string        `mapstructure:"gemini_api_key"`
	ImageModel   string        `mapstructure:"image_model"`
	// MaxRetries bounds model calls per delivery after the first attempt.
	MaxRetries         int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryBase          time.Duration `mapstructure:"retry_base" validate:"gte=0"`
	PromptTemplatePath string        `mapstructure:"prompt_template_path"`
}
