package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opsrunbook/copilot/pkg/version"
)

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"copilot", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), version.Version)
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"copilot", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "replay")
	assert.Empty(t, errOut.String())
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"copilot", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestStepRequiresName(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runStepCmd([]string{"--input", "/dev/null"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Usage: copilot step")
}

func TestReplayRequiresIncident(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runReplayCmd(nil, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--incident is required")
}

func TestDoctorReportsMemoryBackends(t *testing.T) {
	for _, key := range []string{
		"BLOB_BACKEND", "RECORDS_BACKEND", "EVIDENCE_BUCKET", "RECORDS_TABLE",
		"RECORDS_DSN", "GITHUB_WEBHOOK_SECRET", "STATE_MACHINE_ARN",
	} {
		t.Setenv(key, "")
	}

	var out, errOut bytes.Buffer
	code := runDoctorCmd(&out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "blob backend")
	assert.Contains(t, out.String(), "memory")
	assert.Contains(t, out.String(), "Ingest: ready", "memory backends need no external config")
	assert.Contains(t, out.String(), "Webhook intake: NOT ready")
}

func TestSQLDriverSelection(t *testing.T) {
	for _, tc := range []struct {
		dsn     string
		driver  string
		dialect string
	}{
		{"postgres://user:pw@db:5432/copilot", "postgres", "postgres"},
		{"host=db user=copilot dbname=copilot", "postgres", "postgres"},
		{"/var/lib/copilot/records.db", "sqlite", "sqlite"},
		{"file::memory:?cache=shared", "sqlite", "sqlite"},
	} {
		driver, dialect := sqlDriver(tc.dsn)
		assert.Equal(t, tc.driver, driver, tc.dsn)
		assert.Equal(t, tc.dialect, dialect, tc.dsn)
	}
}

func TestUsageListsEveryCommand(t *testing.T) {
	var out bytes.Buffer
	printUsage(&out)
	for _, cmd := range []string{"serve", "step", "replay", "doctor", "version", "help"} {
		assert.True(t, strings.Contains(out.String(), cmd), cmd)
	}
}
