package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsrunbook/copilot/pkg/actions"
	"github.com/opsrunbook/copilot/pkg/analyze"
	"github.com/opsrunbook/copilot/pkg/blobstore"
	"github.com/opsrunbook/copilot/pkg/chat"
	"github.com/opsrunbook/copilot/pkg/cloudwatch"
	"github.com/opsrunbook/copilot/pkg/collect"
	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/events"
	"github.com/opsrunbook/copilot/pkg/github"
	"github.com/opsrunbook/copilot/pkg/pipeline"
	"github.com/opsrunbook/copilot/pkg/policy"
	"github.com/opsrunbook/copilot/pkg/recordstore"
	"github.com/opsrunbook/copilot/pkg/reporesolve"
	"github.com/opsrunbook/copilot/pkg/review"
	"github.com/opsrunbook/copilot/pkg/snapshot"
	"github.com/opsrunbook/copilot/pkg/stepfn"
	"github.com/opsrunbook/copilot/pkg/tracker"
)

// components is everything the pipeline needs, wired from configuration.
// Optional integrations are nil when unconfigured.
type components struct {
	blobs     blobstore.Store
	records   recordstore.Store
	emitter   events.Emitter
	runner    *actions.Runner
	analyzer  *analyze.Analyzer
	persister *snapshot.Persister
	source    github.Client
	sfn       *stepfn.Client
	cycle     *review.Cycle
	local     *pipeline.LocalRuntime
}

// buildComponents wires the shared component graph. The returned closer
// releases any SQL pool the record store opened.
//
//nolint:gocognit
func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, func() error, error) {
	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}
	records, closeRecords, err := openRecordStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("record store: %w", err)
	}

	fail := func(err error) (*components, func() error, error) {
		_ = closeRecords()
		return nil, nil, err
	}

	var emitter events.Emitter
	if cfg.EventBusName != "" {
		emitter, err = events.NewBusEmitter(ctx, cfg.EventBusName, cfg.AWSRegion)
		if err != nil {
			return fail(fmt.Errorf("event bus: %w", err))
		}
	} else {
		emitter = events.NewLogEmitter(logger)
	}

	var tickets tracker.Client
	if cfg.TrackerBaseURL != "" {
		tickets, err = tracker.NewHTTPClient(tracker.Config{
			BaseURL:    cfg.TrackerBaseURL,
			Email:      cfg.TrackerEmail,
			APIToken:   cfg.TrackerToken,
			ProjectKey: cfg.TrackerProjectKey,
		})
		if err != nil {
			return fail(fmt.Errorf("tracker: %w", err))
		}
	} else {
		tickets = tracker.NewDryRunClient()
		logger.Info("tracker not configured, tickets run dry")
	}

	var notifier chat.Notifier
	if cfg.ChatWebhookURL != "" {
		notifier, err = chat.NewWebhookNotifier(cfg.ChatWebhookURL)
		if err != nil {
			return fail(fmt.Errorf("chat notifier: %w", err))
		}
	} else {
		notifier = chat.NewDryRunNotifier()
		logger.Info("chat webhook not configured, notifications run dry")
	}

	var source github.Client
	if cfg.GitHubOwner != "" && cfg.GitHubToken != "" {
		source, err = github.NewHTTPClient(ctx, github.Config{
			Owner:       cfg.GitHubOwner,
			BaseURL:     cfg.GitHubBaseURL,
			Credentials: github.Credentials{PAT: cfg.GitHubToken},
		})
		if err != nil {
			return fail(fmt.Errorf("github client: %w", err))
		}
	}

	rules, err := reporesolve.LoadRules(cfg.RepoMappingPath)
	if err != nil {
		return fail(fmt.Errorf("repo mapping: %w", err))
	}
	resolver := &reporesolve.Resolver{Rules: rules, Owner: cfg.GitHubOwner}
	if source != nil {
		resolver.Checker = source
	}

	gate, err := policy.NewGate()
	if err != nil {
		return fail(fmt.Errorf("policy gate: %w", err))
	}

	runner := actions.NewRunner(records, emitter, tickets, notifier, source, resolver, gate, actions.Config{
		AutomationEnabled:   cfg.AutomationEnabled,
		EnablePR:            cfg.EnablePRAction,
		DryRun:              cfg.DryRun,
		ConfidenceThreshold: cfg.MinPRConfidence,
	}, logger)

	c := &components{
		blobs:     blobs,
		records:   records,
		emitter:   emitter,
		runner:    runner,
		analyzer:  analyze.NewAnalyzer(blobs, records, emitter, repoMapFromRules(rules), logger),
		persister: snapshot.NewPersister(blobs, records, emitter, logger),
		source:    source,
	}

	if cfg.StateMachineARN != "" || cfg.ReviewStateMachineARN != "" || cfg.BlobBackend == config.BackendAWS {
		c.sfn, err = stepfn.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fail(fmt.Errorf("step functions client: %w", err))
		}
	}

	c.local = &pipeline.LocalRuntime{
		Snapshots: c.persister,
		Analyzer:  c.analyzer,
		Actions:   c.runner,
		Blobs:     blobs,
		Log:       logger,
	}
	if cfg.BlobBackend == config.BackendAWS {
		insights, err := cloudwatch.NewInsightsClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fail(fmt.Errorf("cloudwatch insights: %w", err))
		}
		metrics, err := cloudwatch.NewMetricsClient(ctx, cfg.AWSRegion)
		if err != nil {
			return fail(fmt.Errorf("cloudwatch metrics: %w", err))
		}
		c.local.Logs = collect.NewLogsCollector(insights, blobs, emitter, logger)
		c.local.Metrics = collect.NewMetricsCollector(metrics, blobs, emitter, logger)
		c.local.Workflow = collect.NewWorkflowCollector(c.sfn, blobs, emitter, logger)
	}

	if source != nil {
		c.cycle = review.NewCycle(source, blobs, records, review.Config{
			BotSlug:      cfg.GitHubBotSlug,
			AllowedPaths: cfg.AllowedPatchPrefixes,
		}, logger)
	}

	return c, closeRecords, nil
}

// repoMapFromRules flattens mapping rules into the analyzer's
// pattern -> repo lookup.
func repoMapFromRules(rules []reporesolve.MappingRule) map[string]string {
	if len(rules) == 0 {
		return nil
	}
	m := make(map[string]string, len(rules))
	for _, r := range rules {
		m[r.Pattern] = r.Repo
	}
	return m
}
