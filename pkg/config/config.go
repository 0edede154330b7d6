// Package config loads the copilot's runtime configuration from
// environment variables. Every field has a safe dev default except the
// backends themselves: a service with no evidence bucket or records table
// simply reports those capabilities as not configured.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by BlobBackend and RecordsBackend.
const (
	BackendMemory = "memory"
	BackendAWS    = "aws"
	BackendGCS    = "gcs"
	BackendSQL    = "sql"
)

// Config holds the full service configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Storage
	AWSRegion      string
	BlobBackend    string // memory | aws | gcs
	EvidenceBucket string
	RecordsBackend string // memory | aws | sql
	RecordsTable   string
	RecordsDSN     string // sql backend connection string

	// Orchestration
	EventBusName          string
	StateMachineARN       string // incident pipeline
	ReviewStateMachineARN string // PR review cycle

	// Budgets
	MaxRowsPerQuery      int
	MaxBytesTotal        int
	MaxTimeWindowMinutes int

	// GitHub
	GitHubBaseURL       string
	GitHubOwner         string
	GitHubToken         string
	GitHubWebhookSecret string
	GitHubBotSlug       string

	// Tracker (Jira-compatible)
	TrackerBaseURL    string
	TrackerEmail      string
	TrackerToken      string
	TrackerProjectKey string

	// Chat
	ChatWebhookURL string

	// Action switches
	AutomationEnabled    bool
	DryRun               bool
	EnablePRAction       bool
	MinPRConfidence      float64
	AllowedPatchPrefixes []string

	// Infra
	RedisAddr    string
	OTLPEndpoint string
	OTLPEnabled  bool
	OTLPInsecure bool
	DebugPersist bool

	// Repo resolution mapping file (YAML), optional.
	RepoMappingPath string

	// HTTP limits
	RateLimitPerSecond float64
	RateLimitBurst     int
	ShutdownTimeout    time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		ListenAddr: envStr("LISTEN_ADDR", ":8080"),
		LogLevel:   envStr("LOG_LEVEL", "INFO"),

		AWSRegion:      envStr("AWS_REGION", "us-east-1"),
		BlobBackend:    envStr("BLOB_BACKEND", BackendMemory),
		EvidenceBucket: os.Getenv("EVIDENCE_BUCKET"),
		RecordsBackend: envStr("RECORDS_BACKEND", BackendMemory),
		RecordsTable:   os.Getenv("RECORDS_TABLE"),
		RecordsDSN:     os.Getenv("RECORDS_DSN"),

		EventBusName:          os.Getenv("EVENT_BUS_NAME"),
		StateMachineARN:       os.Getenv("STATE_MACHINE_ARN"),
		ReviewStateMachineARN: os.Getenv("REVIEW_STATE_MACHINE_ARN"),

		MaxRowsPerQuery:      envInt("MAX_ROWS_PER_QUERY", 100),
		MaxBytesTotal:        envInt("MAX_BYTES_TOTAL", 200_000),
		MaxTimeWindowMinutes: envInt("MAX_TIME_WINDOW_MINUTES", 15),

		GitHubBaseURL:       envStr("GITHUB_BASE_URL", "https://api.github.com"),
		GitHubOwner:         os.Getenv("GITHUB_OWNER"),
		GitHubToken:         os.Getenv("GITHUB_TOKEN"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubBotSlug:       envStr("GITHUB_BOT_SLUG", "opsrunbook-copilot-bot"),

		TrackerBaseURL:    os.Getenv("TRACKER_BASE_URL"),
		TrackerEmail:      os.Getenv("TRACKER_EMAIL"),
		TrackerToken:      os.Getenv("TRACKER_TOKEN"),
		TrackerProjectKey: envStr("TRACKER_PROJECT_KEY", "OPS"),

		ChatWebhookURL: os.Getenv("CHAT_WEBHOOK_URL"),

		AutomationEnabled:    envBool("AUTOMATION_ENABLED", true),
		DryRun:               envBool("DRY_RUN", true),
		EnablePRAction:       envBool("ENABLE_PR_ACTION", false),
		MinPRConfidence:      envFloat("MIN_PR_CONFIDENCE", 0.7),
		AllowedPatchPrefixes: envList("ALLOWED_PATCH_PREFIXES"),

		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: envStr("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  envBool("OTLP_ENABLED", false),
		OTLPInsecure: envBool("OTLP_INSECURE", true),
		DebugPersist: envBool("DEBUG_PERSIST", false),

		RepoMappingPath: os.Getenv("REPO_MAPPING_PATH"),

		RateLimitPerSecond: envFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 20),
		ShutdownTimeout:    time.Duration(envInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// IngestConfigured reports whether the incident intake can persist and
// dispatch work.
func (c *Config) IngestConfigured() bool {
	if c.BlobBackend == BackendMemory || c.RecordsBackend == BackendMemory {
		return true
	}
	return c.EvidenceBucket != "" && (c.RecordsTable != "" || c.RecordsDSN != "")
}

// WebhookConfigured reports whether GitHub webhook intake can verify
// payloads.
func (c *Config) WebhookConfigured() bool {
	return c.GitHubWebhookSecret != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
