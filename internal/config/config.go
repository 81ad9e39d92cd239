// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8084"`

	// Broker connection. The reference deployment targets a single-node Redis;
	// any broker exposing list/hash/zset/pubsub with per-key TTL works.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Queue key layout. All job-scoped keys derive from these prefixes.
	QueueKey      string `env:"QUEUE_KEY" envDefault:"agent:jobs"`
	StatusPrefix  string `env:"STATUS_PREFIX" envDefault:"agent:status:"`
	ChannelPrefix string `env:"CHANNEL_PREFIX" envDefault:"agent:events:"`

	// JobTTL bounds the lifetime of every job-scoped key. Terminal records stay
	// readable until it expires.
	JobTTL time.Duration `env:"JOB_TTL" envDefault:"6h"`

	// ChunkCharLimit caps the size of a single streamed chunk event.
	ChunkCharLimit int `env:"CHUNK_CHAR_LIMIT" envDefault:"600"`

	// Liveness knobs. WorkerHeartbeatInterval must stay strictly below
	// HeartbeatStaleAfter, which must stay strictly below JobTTL.
	WorkerHeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatStaleAfter     time.Duration `env:"HEARTBEAT_STALE_AFTER" envDefault:"60s"`
	WatchdogInterval        time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"5s"`

	// WorkerConcurrency is the number of sibling consumer loops per worker
	// process. Each loop processes at most one job at a time.
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`

	// Bot service (the synchronous agent-execution backend).
	BotServiceBaseURL string `env:"BOT_SERVICE_BASE_URL" envDefault:"http://localhost:8000/api"`
	// BotRequestTimeout is advisory: exceeding it logs a warning, the call is
	// never cancelled by the worker.
	BotRequestTimeout time.Duration `env:"BOT_REQUEST_TIMEOUT" envDefault:"180s"`
	BotConnectTimeout time.Duration `env:"BOT_CONNECT_TIMEOUT" envDefault:"10s"`

	// CompletionWaitTimeout bounds the blocking (non-streaming) proxy path.
	CompletionWaitTimeout time.Duration `env:"COMPLETION_WAIT_TIMEOUT" envDefault:"210s"`

	DefaultUserID   string `env:"DEFAULT_USER_ID" envDefault:"openai-proxy"`
	DefaultUserRole string `env:"DEFAULT_USER_ROLE"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"agent-relay"`

	MetricsPort           int           `env:"METRICS_PORT" envDefault:"9090"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	// HTTPWriteTimeout applies to the whole response; SSE streams can stay open
	// for the full completion wait, so keep it above CompletionWaitTimeout.
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"240s"`
}

// Load parses environment variables into a Config and validates the liveness
// ordering invariant.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c Config) Validate() error {
	if c.WorkerHeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat interval must be positive, got %v", c.WorkerHeartbeatInterval)
	}
	if c.HeartbeatStaleAfter <= c.WorkerHeartbeatInterval {
		return fmt.Errorf("heartbeat stale-after (%v) must exceed the heartbeat interval (%v)", c.HeartbeatStaleAfter, c.WorkerHeartbeatInterval)
	}
	if c.JobTTL <= c.HeartbeatStaleAfter {
		return fmt.Errorf("job TTL (%v) must exceed heartbeat stale-after (%v)", c.JobTTL, c.HeartbeatStaleAfter)
	}
	if c.ChunkCharLimit < 1 {
		return fmt.Errorf("chunk char limit must be at least 1, got %d", c.ChunkCharLimit)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
