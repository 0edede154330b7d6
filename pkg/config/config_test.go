package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opsrunbook/copilot/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LISTEN_ADDR", "LOG_LEVEL", "AWS_REGION", "BLOB_BACKEND",
		"EVIDENCE_BUCKET", "RECORDS_BACKEND", "RECORDS_TABLE",
		"MAX_TIME_WINDOW_MINUTES", "AUTOMATION_ENABLED", "DRY_RUN",
		"ENABLE_PR_ACTION", "MIN_PR_CONFIDENCE", "GITHUB_BOT_SLUG",
		"ALLOWED_PATCH_PREFIXES", "SHUTDOWN_TIMEOUT_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "us-east-1", cfg.AWSRegion)
	assert.Equal(t, config.BackendMemory, cfg.BlobBackend)
	assert.Equal(t, config.BackendMemory, cfg.RecordsBackend)
	assert.Equal(t, 100, cfg.MaxRowsPerQuery)
	assert.Equal(t, 200_000, cfg.MaxBytesTotal)
	assert.Equal(t, 15, cfg.MaxTimeWindowMinutes)
	assert.True(t, cfg.AutomationEnabled)
	assert.True(t, cfg.DryRun, "dry run on by default")
	assert.False(t, cfg.EnablePRAction, "pr action opt-in")
	assert.Equal(t, 0.7, cfg.MinPRConfidence)
	assert.Equal(t, "opsrunbook-copilot-bot", cfg.GitHubBotSlug)
	assert.Nil(t, cfg.AllowedPatchPrefixes)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("BLOB_BACKEND", "aws")
	t.Setenv("EVIDENCE_BUCKET", "copilot-evidence")
	t.Setenv("RECORDS_BACKEND", "aws")
	t.Setenv("RECORDS_TABLE", "copilot-records")
	t.Setenv("MAX_TIME_WINDOW_MINUTES", "30")
	t.Setenv("AUTOMATION_ENABLED", "false")
	t.Setenv("DRY_RUN", "0")
	t.Setenv("ENABLE_PR_ACTION", "yes")
	t.Setenv("MIN_PR_CONFIDENCE", "0.85")
	t.Setenv("ALLOWED_PATCH_PREFIXES", "src/, docs/ ,README.md")

	cfg := config.Load()

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "copilot-evidence", cfg.EvidenceBucket)
	assert.Equal(t, "copilot-records", cfg.RecordsTable)
	assert.Equal(t, 30, cfg.MaxTimeWindowMinutes)
	assert.False(t, cfg.AutomationEnabled)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.EnablePRAction)
	assert.Equal(t, 0.85, cfg.MinPRConfidence)
	assert.Equal(t, []string{"src/", "docs/", "README.md"}, cfg.AllowedPatchPrefixes)
}

func TestLoadMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_ROWS_PER_QUERY", "lots")
	t.Setenv("MIN_PR_CONFIDENCE", "high")

	cfg := config.Load()

	assert.Equal(t, 100, cfg.MaxRowsPerQuery)
	assert.Equal(t, 0.7, cfg.MinPRConfidence)
}

func TestIngestConfigured(t *testing.T) {
	cfg := &config.Config{BlobBackend: config.BackendMemory, RecordsBackend: config.BackendMemory}
	assert.True(t, cfg.IngestConfigured(), "memory backends always work")

	cfg = &config.Config{BlobBackend: config.BackendAWS, RecordsBackend: config.BackendAWS}
	assert.False(t, cfg.IngestConfigured(), "aws backends need bucket and table")

	cfg.EvidenceBucket = "b"
	cfg.RecordsTable = "t"
	assert.True(t, cfg.IngestConfigured())
}

func TestWebhookConfigured(t *testing.T) {
	assert.False(t, (&config.Config{}).WebhookConfigured())
	assert.True(t, (&config.Config{GitHubWebhookSecret: "s"}).WebhookConfigured())
}
