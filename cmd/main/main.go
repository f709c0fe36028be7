package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/classifier"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/healthcheck"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/ingestion"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/relay"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/scheduler"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/sender"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/utils"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Telegram Notify Relay",
		zap.String("environment", cfg.Environment),
		zap.String("nats_url", cfg.NATS.URL),
		zap.Bool("notifier_enabled", cfg.Notifier.Enabled),
	)

	// Initialize repository
	repo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	// Build the notification pipeline
	telegramSender := sender.NewTelegramSender(cfg.Notifier)
	if cfg.Notifier.Enabled && !telegramSender.Configured() {
		logger.Log.Warn("Notifier is enabled but no bot token is configured, deliveries will stall")
	}

	cls := classifier.New(cfg.Notifier)
	service := relay.NewService(cfg.Notifier, cls, repo.Queue(), repo.Dedup())
	drainer := relay.NewDrainer(cfg.Notifier, repo.Queue(), telegramSender)
	reporter := relay.NewReporter(repo.Queue(), repo.Dedup())

	// Subscribe to the audit event stream
	subscriber, err := ingestion.NewSubscriber(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.QueueGroup,
		func(ctx context.Context, ev model.AuditEvent) error {
			_, err := service.OnEvent(ctx, ev)
			return err
		})
	if err != nil {
		logger.Log.Fatal("Failed to initialize NATS subscriber", zap.Error(err))
	}

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	if err := subscriber.Start(mainCtx); err != nil {
		logger.Log.Fatal("Failed to start NATS subscriber", zap.Error(err))
	}

	// Start background jobs: drain, retention sweeps, silence sweep
	sched := scheduler.New(cfg, drainer, repo.Queue(), repo.Dedup())
	if err := sched.Start(mainCtx); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Create health check server
	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	healthServer.RegisterStatsHandler(reporter)

	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	healthServer.Start()

	logger.Log.Info("Operational endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
		zap.String("stats", fmt.Sprintf("http://localhost:%d/stats", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	wg.Add(4)

	// Shutdown the NATS subscriber first so no new events arrive mid-shutdown
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping NATS subscriber")
		start := time.Now()
		subscriber.Close()
		logger.Log.Info("[shutdown] NATS subscriber stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping NATS subscriber",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Shutdown the scheduler, waiting for any in-flight drain run
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping scheduler")
		start := time.Now()
		sched.Stop()
		logger.Log.Info("[shutdown] Scheduler stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping scheduler",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Shutdown health check server (includes metrics if enabled)
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping health check server")
		start := time.Now()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] Health check server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping health check server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Close the database connection last
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Closing PostgreSQL connection")
		start := time.Now()
		if err := repo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] PostgreSQL connection closed",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing database connection",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	// Wait with a timeout for all components to shut down
	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] All components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	logger.Log.Info("Telegram Notify Relay shutdown complete")
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}
