package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/mailpilot/pkg/models"
)

// Config holds all configuration for the mailpilot server and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Worker    WorkerConfig
	Billing   BillingConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
	// OperatorKeyHash is the bcrypt hash of the operator credential. Empty disables
	// the operator routes.
	OperatorKeyHash string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL       string
	StatusTTL time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// WorkerConfig controls the dispatcher loop and the retry policy.
type WorkerConfig struct {
	Enabled      bool
	ID           string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	ReclaimLimit int
	Lease        time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
}

type BillingConfig struct {
	Kinds       []models.JobKind
	CreditCosts map[models.JobKind]int64
	Packages    []models.CreditPackage
}

// Package returns the credit package with the given key.
func (b BillingConfig) Package(key string) (models.CreditPackage, bool) {
	for _, p := range b.Packages {
		if p.Key == key {
			return p, true
		}
	}
	return models.CreditPackage{}, false
}

type TelemetryConfig struct {
	Exporter    string
	Endpoint    string
	ServiceName string
	Insecure    bool
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

const defaultPackages = "starter:100:5.00,pro:1000:40.00,enterprise:5000:200.00"

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	packages, err := parsePackages(envString("CREDIT_PACKAGES", defaultPackages))
	if err != nil {
		return nil, err
	}
	kinds, err := parseKinds(envString("JOB_KINDS", string(models.JobKindSummary)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("MAILPILOT_PORT", 8080),
			Env:               envString("MAILPILOT_ENV", "development"),
			RequestsPerMinute: envInt("MAILPILOT_REQUESTS_PER_MINUTE", 60),
			OperatorKeyHash:   os.Getenv("MAILPILOT_OPERATOR_KEY_HASH"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			StatusTTL: envDuration("REDIS_JOB_STATUS_TTL", 24*time.Hour),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-3-5-haiku-20241022"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
		},
		Worker: WorkerConfig{
			Enabled:      envBool("WORKER_ENABLED", true),
			ID:           envString("WORKER_ID", defaultWorkerID()),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			BatchSize:    envInt("WORKER_BATCH_SIZE", 20),
			Concurrency:  envInt("WORKER_CONCURRENCY", 4),
			ReclaimLimit: envInt("WORKER_RECLAIM_LIMIT", 100),
			Lease:        envDuration("WORKER_LEASE", 5*time.Minute),
			BackoffBase:  envDuration("WORKER_BACKOFF_BASE", 30*time.Second),
			BackoffMax:   envDuration("WORKER_BACKOFF_MAX", 30*time.Minute),
			MaxAttempts:  envInt("WORKER_MAX_ATTEMPTS", 3),
		},
		Billing: BillingConfig{
			Kinds: kinds,
			CreditCosts: map[models.JobKind]int64{
				models.JobKindSummary:          int64(envInt("CREDITS_SUMMARY", 1)),
				models.JobKindClassification:   int64(envInt("CREDITS_CLASSIFICATION", 1)),
				models.JobKindActionExtraction: int64(envInt("CREDITS_ACTION_EXTRACTION", 2)),
			},
			Packages: packages,
		},
		Telemetry: TelemetryConfig{
			Exporter:    strings.ToLower(envString("OTEL_EXPORTER", "none")),
			Endpoint:    envString("OTEL_ENDPOINT", "http://localhost:4318"),
			ServiceName: envString("OTEL_SERVICE_NAME", "mailpilot"),
			Insecure:    envBool("OTEL_INSECURE", true),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if h := c.Server.OperatorKeyHash; h != "" {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return fmt.Errorf("MAILPILOT_OPERATOR_KEY_HASH must be a bcrypt hash: %w", err)
		}
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, anthropic, mock; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	w := c.Worker
	if w.BatchSize <= 0 || w.Concurrency <= 0 {
		return fmt.Errorf("WORKER_BATCH_SIZE and WORKER_CONCURRENCY must be positive")
	}
	if w.MaxAttempts <= 0 {
		return fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive, got %d", w.MaxAttempts)
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		return fmt.Errorf("WORKER_BACKOFF_BASE must be positive and not exceed WORKER_BACKOFF_MAX")
	}
	// A lease shorter than the summarizer timeout lets a live call be reclaimed.
	if c.AI.InferenceTimeout >= w.Lease {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS (%s) must be shorter than WORKER_LEASE (%s)",
			c.AI.InferenceTimeout, w.Lease)
	}

	for kind, cost := range c.Billing.CreditCosts {
		if cost < 0 {
			return fmt.Errorf("credit cost for %s must not be negative", kind)
		}
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("OTEL_EXPORTER must be one of none, stdout, otlphttp; got %q", c.Telemetry.Exporter)
	}

	return nil
}

// parsePackages reads "key:credits:price" triples separated by commas.
func parsePackages(raw string) ([]models.CreditPackage, error) {
	var out []models.CreditPackage
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("CREDIT_PACKAGES entry %q must be key:credits:price", item)
		}
		credits, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || credits <= 0 {
			return nil, fmt.Errorf("CREDIT_PACKAGES entry %q has invalid credits", item)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil || price.IsNegative() {
			return nil, fmt.Errorf("CREDIT_PACKAGES entry %q has invalid price", item)
		}
		out = append(out, models.CreditPackage{Key: parts[0], Credits: credits, PriceUSD: price})
	}
	return out, nil
}

func parseKinds(raw string) ([]models.JobKind, error) {
	var kinds []models.JobKind
	for _, s := range strings.Split(raw, ",") {
		k := models.JobKind(strings.TrimSpace(s))
		if k == "" {
			continue
		}
		if !k.Valid() {
			return nil, fmt.Errorf("JOB_KINDS contains unknown kind %q", k)
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("JOB_KINDS must name at least one kind")
	}
	return kinds, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
