// Package main is the entry point for the mail merge service.
//
// It loads configuration, builds the sending credential, the dispatcher and
// the tracking aggregator, mounts their handlers on the core chassis and
// serves HTTP until SIGINT or SIGTERM. On shutdown the HTTP server drains
// first, then the running batch is cancelled and awaited, then the
// aggregator is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"

	"mailmerge/internal/api/handlers"
	"mailmerge/internal/config"
	"mailmerge/internal/core"
	"mailmerge/internal/dispatch"
	"mailmerge/internal/external"
	"mailmerge/internal/metrics"
	"mailmerge/internal/tracking"
	"mailmerge/internal/types"
)

// recorder is what the service needs from a metrics backend.
type recorder interface {
	dispatch.Metrics
	tracking.Metrics
	core.MetricsCollector
}

var (
	_ dispatch.Credential      = (*external.SESSender)(nil)
	_ dispatch.Credential      = (*external.SendGridSender)(nil)
	_ recorder                 = (*metrics.CloudWatchRecorder)(nil)
	_ recorder                 = metrics.Noop{}
	_ handlers.BatchService    = (*dispatch.Dispatcher)(nil)
	_ handlers.TrackingService = (*tracking.Aggregator)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("mailmerge starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"email_provider", cfg.Email.Provider,
	)

	ctx := context.Background()
	awsCfg, err := external.LoadAWSConfig(ctx, external.AWSOptions{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey.Unmask(),
		EndpointURL:     cfg.AWS.EndpointURL,
	})
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	return runHTTPServer(srv, cfg, logger)
}

// secretProvider picks SSM outside local development. Locally, pointer
// variables are not resolved at all.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return config.NewEnvVarProvider()
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// buildServer wires every component onto a mounted core.Server and registers
// their shutdown hooks.
func buildServer(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*core.Server, error) {
	rec := newRecorder(cfg, awsCfg, logger)

	cred, err := newCredential(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(dispatch.Config{
		Interval: cfg.Dispatch.Interval,
		Cap:      cfg.Dispatch.Cap,
		Logger:   logger.With("component", "dispatcher"),
		Metrics:  rec,
	})

	aggregator := tracking.NewAggregator(tracking.AggregatorConfig{
		Client: tracking.ClientConfig{
			BaseURL:        cfg.Tracking.BaseURL,
			PixelURL:       cfg.Tracking.PixelURL,
			MaxConcurrency: cfg.Tracking.MaxConcurrency,
			MaxAttempts:    cfg.Tracking.MaxAttempts,
			RetryDelay:     cfg.Tracking.RetryDelay,
			UserAgent:      cfg.Tracking.UserAgent,
			Metrics:        rec,
			Logger:         logger.With("component", "tracking"),
		},
		LinkTTL: cfg.Tracking.LinkTTL,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		_ = aggregator.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = rec

	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
		ProbeName: "tracking",
		Fn: func(context.Context) error {
			if aggregator.Closed() {
				return errors.New("aggregator is closed")
			}
			return nil
		},
	})

	batchHandler := handlers.NewBatchHandler(dispatcher, cred, cfg.Server.MaxBatchSize, srv.Validator, logger)
	trackingHandler := handlers.NewTrackingHandler(aggregator, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { r.Route("/batches", batchHandler.RegisterRoutes) },
		func(r chi.Router) { r.Route("/tracking", trackingHandler.RegisterRoutes) },
	)

	srv.OnShutdown(func(ctx context.Context) error {
		if err := dispatcher.Cancel(); err == nil {
			logger.Info("cancelled running batch for shutdown")
		}
		return dispatcher.Wait(ctx)
	})
	srv.OnShutdown(func(context.Context) error {
		return aggregator.Close()
	})

	srv.MountRoutes()
	return srv, nil
}

func newCredential(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (dispatch.Credential, error) {
	switch cfg.Email.Provider {
	case "ses":
		return external.NewSESSender(awsCfg, external.SESSenderConfig{
			FromAddress:   cfg.Email.FromAddress,
			FromName:      cfg.Email.FromName,
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger,
		}), nil
	case "sendgrid":
		return external.NewSendGridSender(&http.Client{Timeout: 30 * time.Second}, external.SendGridSenderConfig{
			APIKey:      cfg.Email.SendGridAPIKey,
			BaseURL:     cfg.Email.SendGridURL,
			FromAddress: cfg.Email.FromAddress,
			FromName:    cfg.Email.FromName,
			Logger:      logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Email.Provider)
	}
}

func newRecorder(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) recorder {
	if !cfg.Observability.MetricsEnabled {
		return metrics.Noop{}
	}
	return metrics.NewCloudWatchRecorder(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace,
		&slogAdapter{logger: logger.With("component", "metrics")},
	)
}

func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Link creation and count polls fan out to the tracking service.
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter lets a *slog.Logger satisfy types.Logger, whose With returns
// the interface rather than *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
