package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string

	MetaVerifyToken      string
	MetaAppSecret        string
	MetaWebhookPath      string
	EvolutionWebhookPath string
	EvolutionAPIURL      string
	GraphAPIBaseURL      string
	GraphAPIVersion      string
	ProfileLookupTimeout time.Duration
	ProfileLookupRetries int
	ProfileRetryInterval time.Duration
	SendRatePerSecond    float64

	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	LLMTimeout        time.Duration
	DefaultConfidence float64

	RabbitMQURL         string
	RabbitMQQueue       string
	RabbitMQQueuePrefix string
	AMQPSpecificEvents  []string
	EventsWebhookURL    string
	EventsWebhookFormat string

	S3 S3Config

	ChannelCacheTTL       time.Duration
	WebhookProcessTimeout time.Duration
	WebhookConcurrency    int
	AutoProcess           bool
	SessionSweepSchedule  string
	DispatchMaxRetries    int
	DispatchRetryBackoff  time.Duration
}

// S3Config is the media archive configuration.
type S3Config struct {
	Enabled       bool
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Unset values take defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		Port:      p.str("PORT", "8080"),
		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: p.str("LOG_FORMAT", "console"),

		DatabaseDriver: strings.ToLower(p.str("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    p.str("DATABASE_URL", "file:omnidesk.db?_pragma=busy_timeout(5000)"),

		MetaVerifyToken:      getenv("META_VERIFY_TOKEN"),
		MetaAppSecret:        getenv("META_APP_SECRET"),
		MetaWebhookPath:      p.str("META_WEBHOOK_PATH", "/webhooks/meta"),
		EvolutionWebhookPath: p.str("EVOLUTION_WEBHOOK_PATH", "/webhooks/evolution"),
		EvolutionAPIURL:      strings.TrimRight(getenv("EVOLUTION_API_URL"), "/"),
		GraphAPIBaseURL:      strings.TrimRight(p.str("GRAPH_API_BASE_URL", "https://graph.facebook.com"), "/"),
		GraphAPIVersion:      p.str("GRAPH_API_VERSION", "v19.0"),
		ProfileLookupTimeout: p.duration("PROFILE_LOOKUP_TIMEOUT", 5*time.Second),
		ProfileLookupRetries: p.integer("PROFILE_LOOKUP_RETRIES", 2),
		ProfileRetryInterval: p.duration("PROFILE_RETRY_INTERVAL", time.Hour),
		SendRatePerSecond:    p.float("SEND_RATE_PER_SECOND", 20),

		LLMBaseURL:        strings.TrimRight(p.str("LLM_BASE_URL", "https://api.openai.com/v1"), "/"),
		LLMAPIKey:         getenv("LLM_API_KEY"),
		LLMModel:          p.str("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:        p.duration("LLM_TIMEOUT", 30*time.Second),
		DefaultConfidence: p.float("DEFAULT_CONFIDENCE", 0.7),

		RabbitMQURL:         getenv("RABBITMQ_URL"),
		RabbitMQQueue:       p.str("RABBITMQ_QUEUE", "omnidesk_events"),
		RabbitMQQueuePrefix: p.str("RABBITMQ_QUEUE_PREFIX", "omnidesk"),
		AMQPSpecificEvents:  splitList(getenv("AMQP_SPECIFIC_EVENTS")),
		EventsWebhookURL:    getenv("EVENTS_WEBHOOK_URL"),
		EventsWebhookFormat: strings.ToLower(p.str("EVENTS_WEBHOOK_FORMAT", "json")),

		S3: S3Config{
			Enabled:       p.boolean("S3_ENABLED", false),
			Endpoint:      getenv("S3_ENDPOINT"),
			Region:        p.str("S3_REGION", "us-east-1"),
			Bucket:        getenv("S3_BUCKET"),
			AccessKey:     getenv("S3_ACCESS_KEY"),
			SecretKey:     getenv("S3_SECRET_KEY"),
			PathStyle:     p.boolean("S3_PATH_STYLE", false),
			PublicURL:     getenv("S3_PUBLIC_URL"),
			RetentionDays: p.integer("S3_RETENTION_DAYS", 0),
		},

		ChannelCacheTTL:       p.duration("CHANNEL_CACHE_TTL", 5*time.Minute),
		WebhookProcessTimeout: p.duration("WEBHOOK_PROCESS_TIMEOUT", 20*time.Second),
		WebhookConcurrency:    p.integer("WEBHOOK_CONCURRENCY", 4),
		AutoProcess:           p.boolean("AUTO_PROCESS", true),
		SessionSweepSchedule:  p.str("SESSION_SWEEP_SCHEDULE", "@every 5m"),
		DispatchMaxRetries:    p.integer("DISPATCH_MAX_RETRIES", 3),
		DispatchRetryBackoff:  p.duration("DISPATCH_RETRY_BACKOFF", 2*time.Second),
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}

	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("invalid configuration: unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.EventsWebhookFormat != "json" && cfg.EventsWebhookFormat != "form" {
		return nil, fmt.Errorf("invalid configuration: EVENTS_WEBHOOK_FORMAT must be json or form, got %q", cfg.EventsWebhookFormat)
	}
	if cfg.DefaultConfidence < 0 || cfg.DefaultConfidence > 1 {
		return nil, fmt.Errorf("invalid configuration: DEFAULT_CONFIDENCE must be within [0,1], got %v", cfg.DefaultConfidence)
	}
	if cfg.WebhookConcurrency < 1 {
		cfg.WebhookConcurrency = 1
	}
	if cfg.S3.Enabled && cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("invalid configuration: S3_ENABLED requires S3_BUCKET")
	}

	if cfg.MetaVerifyToken == "" {
		log.Warn().Msg("META_VERIFY_TOKEN not set, Meta webhook verification will always fail")
	}
	if cfg.MetaAppSecret == "" {
		log.Warn().Msg("META_APP_SECRET not set, skipping Meta webhook signature validation")
	}

	return cfg, nil
}

type parser struct {
	getenv func(string) string
	errs   []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
