package main

import (
	"fmt"
	"io"

	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/version"
)

// runDoctorCmd prints the effective configuration surface so operators
// can see what a deployed instance will and won't do.
func runDoctorCmd(stdout, _ io.Writer) int {
	cfg := config.Load()

	fmt.Fprintf(stdout, "opsrunbook-copilot %s\n\n", version.Version)

	section(stdout, "Storage")
	row(stdout, "blob backend", cfg.BlobBackend)
	row(stdout, "evidence bucket", orUnset(cfg.EvidenceBucket))
	row(stdout, "records backend", cfg.RecordsBackend)
	row(stdout, "records table", orUnset(cfg.RecordsTable))
	row(stdout, "records dsn", present(cfg.RecordsDSN))

	section(stdout, "Orchestration")
	row(stdout, "state machine", orUnset(cfg.StateMachineARN))
	row(stdout, "review state machine", orUnset(cfg.ReviewStateMachineARN))
	row(stdout, "event bus", orUnset(cfg.EventBusName))
	row(stdout, "redis", orUnset(cfg.RedisAddr))

	section(stdout, "Integrations")
	row(stdout, "github owner", orUnset(cfg.GitHubOwner))
	row(stdout, "github token", present(cfg.GitHubToken))
	row(stdout, "webhook secret", present(cfg.GitHubWebhookSecret))
	row(stdout, "tracker", orUnset(cfg.TrackerBaseURL))
	row(stdout, "chat webhook", present(cfg.ChatWebhookURL))

	section(stdout, "Safety")
	row(stdout, "automation enabled", yesNo(cfg.AutomationEnabled))
	row(stdout, "dry run", yesNo(cfg.DryRun))
	row(stdout, "pr action", yesNo(cfg.EnablePRAction))
	row(stdout, "min pr confidence", fmt.Sprintf("%.2f", cfg.MinPRConfidence))

	fmt.Fprintln(stdout, "")
	if cfg.IngestConfigured() {
		fmt.Fprintln(stdout, "Ingest: ready")
	} else {
		fmt.Fprintln(stdout, "Ingest: NOT ready (set EVIDENCE_BUCKET and RECORDS_TABLE or RECORDS_DSN)")
	}
	if cfg.WebhookConfigured() {
		fmt.Fprintln(stdout, "Webhook intake: ready")
	} else {
		fmt.Fprintln(stdout, "Webhook intake: NOT ready (set GITHUB_WEBHOOK_SECRET)")
	}
	return 0
}

func section(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func row(w io.Writer, name, value string) {
	fmt.Fprintf(w, "  %-22s %s\n", name, value)
}

func orUnset(v string) string {
	if v == "" {
		return "(unset)"
	}
	return v
}

func present(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "(set)"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
