package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/database"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/service"
	"courier/internal/tracing"
	"courier/pkg/transport"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Courier %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting Courier")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		if level > logrus.InfoLevel {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    "courier",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.Exporter == "stdout",
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Failed to close database: %v", err)
		}
	}()

	transportClient := transport.NewClientWithLogger(
		cfg.Transport.BaseURL,
		cfg.Transport.AuthToken,
		&http.Client{Timeout: time.Duration(cfg.Transport.TimeoutSec) * time.Second},
		logger,
	)

	events := service.NewBus(logger)
	directory := service.NewMemoryDirectory()
	uploader := service.NewUploadCoordinator(transportClient, db, cfg.Queue.UploadConcurrency, logger)

	// The sender, the queue, and the coordinator form a cycle: handler
	// errors settle in the queue, which gates the conversation and then
	// forwards rate-limit blocks to the coordinator, which restarts
	// queues. Construct the pipeline first with forward references.
	var (
		sender      *service.Sender
		coordinator *service.ChallengeCoordinator
	)
	pipeline := queue.NewPipeline(db, func(ctx context.Context, job models.Job, shouldContinue func() bool) error {
		return sender.Handle(ctx, job, shouldContinue)
	}, queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		MaxAge:        time.Duration(cfg.Queue.MaxAgeHours) * time.Hour,
		JobTimeout:    time.Duration(cfg.Queue.JobTimeoutSec) * time.Second,
		ShutdownGrace: time.Duration(cfg.Queue.ShutdownGraceSec) * time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		},
		OnAbandon: func(ctx context.Context, job models.Job, err error) {
			metrics.IncrementCounter("jobs_abandoned_total", nil, "Jobs abandoned after max attempts")
			sender.HandleAbandon(ctx, job, err)
		},
		OnRateLimit: func(ctx context.Context, job models.Job, err error) {
			conversationID, ok := models.ConversationFromQueueType(job.QueueType)
			if !ok {
				return
			}
			if regErr := coordinator.RegisterRateLimit(ctx, conversationID, err); regErr != nil {
				logger.WithError(regErr).Error("Failed to register rate-limit block")
			}
		},
	}, logger)

	coordinator = service.NewChallengeCoordinator(db, pipeline, transportClient, nil, events, service.ChallengeOptions{
		MaxAge:        time.Duration(cfg.Challenge.MaxAgeHours) * time.Hour,
		PromptTimeout: time.Duration(cfg.Challenge.PromptTimeoutSec) * time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Challenge.SolveBackoffInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Challenge.SolveBackoffMaxSec) * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, logger)

	socket := NewChallengeSocket(coordinator, logger)
	coordinator.SetPrompter(socket)

	sender = service.NewSender(db, directory, transportClient, uploader, events, logger)

	// Blocks must be restored before queue replay so suspended
	// conversations stay gated.
	if err := coordinator.Load(ctx); err != nil {
		return fmt.Errorf("failed to load challenge registry: %w", err)
	}
	defer coordinator.Shutdown()

	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("failed to start send pipeline: %w", err)
	}

	scheduler := service.NewScheduler(db, cfg.RetentionDays, constants.DefaultCleanupIntervalHours,
		time.Duration(cfg.Challenge.MaxAgeHours)*time.Hour, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	server := NewServer(cfg, db, pipeline, coordinator, socket, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Queue.ShutdownGraceSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Pipeline shutdown incomplete: %v", err)
	}

	logger.Info("Shutdown completed")
	return nil
}
