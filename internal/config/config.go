package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Delivery engine
	MaxAttemptsPerTransport int           `envconfig:"MAX_ATTEMPTS_PER_TRANSPORT" default:"3"`
	InitialRetryDelay       time.Duration `envconfig:"INITIAL_RETRY_DELAY" default:"1s"`
	MaxRetryDelay           time.Duration `envconfig:"MAX_RETRY_DELAY" default:"30s"`
	RetryMultiplier         float64       `envconfig:"RETRY_MULTIPLIER" default:"2.0"`
	EnableBreaker           bool          `envconfig:"ENABLE_BREAKER" default:"true"`
	EnableQueue             bool          `envconfig:"ENABLE_QUEUE" default:"true"`

	// Circuit breaker
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerOpenDuration     time.Duration `envconfig:"BREAKER_OPEN_DURATION" default:"30s"`

	// Rate limiting
	RateCapacity int           `envconfig:"RATE_CAPACITY" default:"100"`
	RateWindow   time.Duration `envconfig:"RATE_WINDOW" default:"60s"`

	// Job queue
	QueueMaxConcurrency     int           `envconfig:"QUEUE_MAX_CONCURRENCY" default:"5"`
	QueuePollInterval       time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueJobTimeout         time.Duration `envconfig:"QUEUE_JOB_TIMEOUT" default:"90s"`
	QueueRetryBaseDelay     time.Duration `envconfig:"QUEUE_RETRY_BASE_DELAY" default:"5s"`
	QueueMaxRetries         int           `envconfig:"QUEUE_MAX_RETRIES" default:"2"`
	QueueStuckSweepInterval time.Duration `envconfig:"QUEUE_STUCK_SWEEP_INTERVAL" default:"60s"`
	QueueHistoryLimit       int           `envconfig:"QUEUE_HISTORY_LIMIT" default:"100"`

	// Idempotency
	IdempotencyTTL           time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	IdempotencySweepInterval time.Duration `envconfig:"IDEMPOTENCY_SWEEP_INTERVAL" default:"1h"`

	// Mock transports
	PrimaryTransientRate     float64       `envconfig:"PRIMARY_TRANSIENT_RATE" default:"0.03"`
	PrimaryRateLimitedRate   float64       `envconfig:"PRIMARY_RATE_LIMITED_RATE" default:"0.01"`
	PrimaryPermLocalRate     float64       `envconfig:"PRIMARY_PERM_LOCAL_RATE" default:"0.01"`
	PrimaryPermGlobalRate    float64       `envconfig:"PRIMARY_PERM_GLOBAL_RATE" default:"0.0"`
	SecondaryTransientRate   float64       `envconfig:"SECONDARY_TRANSIENT_RATE" default:"0.05"`
	SecondaryRateLimitedRate float64       `envconfig:"SECONDARY_RATE_LIMITED_RATE" default:"0.02"`
	SecondaryPermLocalRate   float64       `envconfig:"SECONDARY_PERM_LOCAL_RATE" default:"0.01"`
	SecondaryPermGlobalRate  float64       `envconfig:"SECONDARY_PERM_GLOBAL_RATE" default:"0.0"`
	MockLatency              time.Duration `envconfig:"MOCK_LATENCY" default:"100ms"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
