// Package config provides configuration for the pipeline and router.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// SummaryFailurePolicy controls what the ML consumer does when summary
// generation exhausts its retry budget.
type SummaryFailurePolicy string

const (
	// SummaryEmitWithout emits the enriched document with the summary absent.
	SummaryEmitWithout SummaryFailurePolicy = "emit-without-summary"
	// SummaryDeadLetter sends the record to the dead-letter topic.
	SummaryDeadLetter SummaryFailurePolicy = "dead-letter"
)

// Config holds the full service configuration.
type Config struct {
	// Server settings
	HTTPPort int `toml:"http_port"`

	// Persistence
	DatabaseURL string `toml:"database_url"`

	// Message bus
	BusKind       string   `toml:"bus_kind"` // "memory" or "kafka"
	KafkaBrokers  []string `toml:"kafka_brokers"`
	BusPartitions int      `toml:"bus_partitions"`

	// Change source
	ChangeSourceURL  string        `toml:"change_source_url"`
	PollInterval     time.Duration `toml:"-"`
	BackfillRate     float64       `toml:"backfill_rate"` // rows/sec during historical backfill
	PublishRetries   int           `toml:"publish_retries"`
	PublishBackoff   time.Duration `toml:"-"`

	// Assembly
	IdleWindow        time.Duration `toml:"-"`
	MaxConversationAge time.Duration `toml:"-"`
	BreakerThreshold  int           `toml:"breaker_threshold"`
	BreakerCooldown   time.Duration `toml:"-"`
	HoldQueueLimit    int           `toml:"hold_queue_limit"`

	// ML processing
	MLServiceURL         string               `toml:"ml_service_url"`
	MLCallTimeout        time.Duration        `toml:"-"`
	EnableEmbeddings     bool                 `toml:"enable_embeddings"`
	EnableSummaries      bool                 `toml:"enable_summaries"`
	SummaryRetryBudget   int                  `toml:"summary_retry_budget"`
	SummaryFailurePolicy SummaryFailurePolicy `toml:"summary_failure_policy"`
	SummaryMaxPromptTokens int                `toml:"summary_max_prompt_tokens"`

	// Index writer
	SearchIndexURL string        `toml:"search_index_url"`
	BatchSize      int           `toml:"batch_size"`
	BatchMaxWait   time.Duration `toml:"-"`

	// Recovery
	RetryDelay  time.Duration `toml:"-"`
	MaxAttempts int           `toml:"max_attempts"`

	// Inference router
	LocalBackendURL    string        `toml:"local_backend_url"`
	LocalModel         string        `toml:"local_model"`
	HebrewModel        string        `toml:"hebrew_model"`
	RemoteBackendURL   string        `toml:"remote_backend_url"`
	RemoteAPIKey       string        `toml:"remote_api_key"`
	RemoteModel        string        `toml:"remote_model"`
	InferenceTimeout   time.Duration `toml:"-"`
	LatencyThresholdMs float64       `toml:"latency_threshold_ms"`
	ErrorRateThreshold float64       `toml:"error_rate_threshold"`

	// Health
	HealthPollInterval time.Duration `toml:"-"`

	// Logging
	LogLevel string `toml:"log_level"`
}

// Load builds the configuration from an optional TOML file (CONFIG_FILE)
// overlaid with environment variables. Environment always wins.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPPort:      8080,
		DatabaseURL:   "file:callstream.db?cache=shared&mode=rwc",
		BusKind:       "memory",
		BusPartitions: 8,

		ChangeSourceURL: "file:changes.db?cache=shared&mode=rwc",
		PollInterval:    2 * time.Second,
		BackfillRate:    50,
		PublishRetries:  3,
		PublishBackoff:  200 * time.Millisecond,

		IdleWindow:         30 * time.Second,
		MaxConversationAge: 10 * time.Minute,
		BreakerThreshold:   5,
		BreakerCooldown:    30 * time.Second,
		HoldQueueLimit:     100,

		MLServiceURL:           "http://localhost:5000",
		MLCallTimeout:          15 * time.Second,
		EnableEmbeddings:       true,
		EnableSummaries:        true,
		SummaryRetryBudget:     2,
		SummaryFailurePolicy:   SummaryEmitWithout,
		SummaryMaxPromptTokens: 3000,

		SearchIndexURL: "http://localhost:8081",
		BatchSize:      10,
		BatchMaxWait:   5 * time.Second,

		RetryDelay:  time.Minute,
		MaxAttempts: 5,

		LocalBackendURL:    "http://localhost:11434",
		LocalModel:         "dictalm-fast",
		HebrewModel:        "dictalm-fast",
		RemoteBackendURL:   "https://api.openai.com",
		RemoteModel:        "gpt-4o-mini",
		InferenceTimeout:   15 * time.Second,
		LatencyThresholdMs: 3000,
		ErrorRateThreshold: 0.5,

		HealthPollInterval: 10 * time.Second,

		LogLevel: "info",
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	cfg.BusKind = getEnv("BUS_KIND", cfg.BusKind)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	cfg.BusPartitions = getEnvInt("BUS_PARTITIONS", cfg.BusPartitions)

	cfg.ChangeSourceURL = getEnv("CHANGE_SOURCE_URL", cfg.ChangeSourceURL)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.BackfillRate = getEnvFloat("BACKFILL_RATE", cfg.BackfillRate)
	cfg.PublishRetries = getEnvInt("PUBLISH_RETRIES", cfg.PublishRetries)
	cfg.PublishBackoff = getEnvDuration("PUBLISH_BACKOFF_MS", cfg.PublishBackoff)

	cfg.IdleWindow = getEnvDuration("IDLE_WINDOW_MS", cfg.IdleWindow)
	cfg.MaxConversationAge = getEnvDuration("MAX_CONVERSATION_AGE_MS", cfg.MaxConversationAge)
	cfg.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldown = getEnvDuration("BREAKER_COOLDOWN_MS", cfg.BreakerCooldown)
	cfg.HoldQueueLimit = getEnvInt("HOLD_QUEUE_LIMIT", cfg.HoldQueueLimit)

	cfg.MLServiceURL = getEnv("ML_SERVICE_URL", cfg.MLServiceURL)
	cfg.MLCallTimeout = getEnvDuration("ML_CALL_TIMEOUT_MS", cfg.MLCallTimeout)
	cfg.EnableEmbeddings = getEnvBool("ENABLE_EMBEDDINGS", cfg.EnableEmbeddings)
	cfg.EnableSummaries = getEnvBool("ENABLE_SUMMARIES", cfg.EnableSummaries)
	cfg.SummaryRetryBudget = getEnvInt("SUMMARY_RETRY_BUDGET", cfg.SummaryRetryBudget)
	if v := os.Getenv("SUMMARY_FAILURE_POLICY"); v != "" {
		cfg.SummaryFailurePolicy = SummaryFailurePolicy(v)
	}
	cfg.SummaryMaxPromptTokens = getEnvInt("SUMMARY_MAX_PROMPT_TOKENS", cfg.SummaryMaxPromptTokens)

	cfg.SearchIndexURL = getEnv("SEARCH_INDEX_URL", cfg.SearchIndexURL)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.BatchMaxWait = getEnvDuration("BATCH_MAX_WAIT_MS", cfg.BatchMaxWait)

	cfg.RetryDelay = getEnvDuration("RETRY_DELAY_MS", cfg.RetryDelay)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts)

	cfg.LocalBackendURL = getEnv("LOCAL_BACKEND_URL", cfg.LocalBackendURL)
	cfg.LocalModel = getEnv("LOCAL_MODEL", cfg.LocalModel)
	cfg.HebrewModel = getEnv("HEBREW_MODEL", cfg.HebrewModel)
	cfg.RemoteBackendURL = getEnv("REMOTE_BACKEND_URL", cfg.RemoteBackendURL)
	cfg.RemoteAPIKey = getEnv("REMOTE_API_KEY", cfg.RemoteAPIKey)
	cfg.RemoteModel = getEnv("REMOTE_MODEL", cfg.RemoteModel)
	cfg.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT_MS", cfg.InferenceTimeout)
	cfg.LatencyThresholdMs = getEnvFloat("LATENCY_THRESHOLD_MS", cfg.LatencyThresholdMs)
	cfg.ErrorRateThreshold = getEnvFloat("ERROR_RATE_THRESHOLD", cfg.ErrorRateThreshold)

	cfg.HealthPollInterval = getEnvDuration("HEALTH_POLL_INTERVAL_MS", cfg.HealthPollInterval)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
