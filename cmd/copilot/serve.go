package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsrunbook/copilot/pkg/api"
	"github.com/opsrunbook/copilot/pkg/config"
	"github.com/opsrunbook/copilot/pkg/observability"
	"github.com/opsrunbook/copilot/pkg/pipeline"
	"github.com/opsrunbook/copilot/pkg/version"
	"github.com/opsrunbook/copilot/pkg/webhook"
)

const readHeaderTimeout = 5 * time.Second

func runServe(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "opsrunbook-copilot",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEnabled,
		Insecure:     cfg.OTLPInsecure,
		SampleRate:   1.0,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	c, closeStores, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		logger.Error("wiring failed", "error", err)
		return 1
	}
	defer func() { _ = closeStores() }()

	var runtime pipeline.Runtime
	if cfg.StateMachineARN != "" {
		runtime = pipeline.NewWorkflowRuntime(c.sfn, cfg.StateMachineARN)
		logger.Info("pipeline runtime: workflow", "state_machine", cfg.StateMachineARN)
	} else {
		if c.local.Logs == nil {
			logger.Info("collectors disabled outside the aws backend, runs record skips")
		}
		runtime = c.local
		logger.Info("pipeline runtime: local")
	}

	var hooks *webhook.Handler
	if cfg.GitHubWebhookSecret != "" {
		var dispatcher webhook.Dispatcher
		switch {
		case cfg.ReviewStateMachineARN != "":
			dispatcher = pipeline.NewWorkflowReviewDispatcher(c.sfn, cfg.ReviewStateMachineARN)
		case c.cycle != nil:
			dispatcher = &pipeline.LocalReviewDispatcher{Cycle: c.cycle}
		default:
			logger.Warn("webhook intake accepts deliveries but no review dispatcher is configured")
		}
		hooks = webhook.NewHandler(c.blobs, c.records, dispatcher, webhook.Config{
			Secret:  cfg.GitHubWebhookSecret,
			BotSlug: cfg.GitHubBotSlug,
		}, logger)
		if cfg.RedisAddr != "" {
			hooks = hooks.WithRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		}
	}

	server := api.NewServer(cfg, c.blobs, c.records, runtime, hooks, logger)
	if c.sfn != nil {
		server = server.WithExecutions(c.sfn)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "version", version.Version)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
	}

	fmt.Fprintln(stdout, "bye")
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
