package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ChronoSend/internal/api"
	"ChronoSend/internal/audit"
	"ChronoSend/internal/config"
	"ChronoSend/internal/email"
	"ChronoSend/internal/metrics"
	"ChronoSend/internal/queue"
	"ChronoSend/internal/ratelimit"
	"ChronoSend/internal/recovery"
	"ChronoSend/internal/retry"
	"ChronoSend/internal/store"
	"ChronoSend/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database (migrations first, then the pool)
	// ------------------------------------------------
	if err := store.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	// ------------------------------------------------
	// Redis (execution queue + rate limiter)
	// ------------------------------------------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Execution Queue
	// ------------------------------------------------
	q := queue.New(rdb, logger)

	// ------------------------------------------------
	// Restart Recovery (before the pool starts pulling)
	// ------------------------------------------------
	loader := &recovery.Loader{
		Store:                st,
		Queue:                q,
		Log:                  logger,
		MissedSendAfter:      cfg.MissedSendAfter,
		ProcessingStaleAfter: cfg.ProcessingStaleAfter,
	}
	if _, err := loader.Run(ctx); err != nil {
		// Degraded start: live traffic still flows, a later restart retries.
		logger.Error("recovery failed, continuing without replay", zap.Error(err))
	}

	go q.Run(ctx, cfg.PollInterval)

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := &email.Sender{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		User:        cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		TemplateDir: "templates",
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	pool := &worker.Pool{
		Store:   st,
		Queue:   q,
		Sender:  sender,
		Rate:    ratelimit.New(rdb, cfg.OwnerHourlyLimit, logger),
		Global:  rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalRatePerSec),
		Audit:   audit.NewPGSink(st.Pool(), logger),
		Log:     logger,
		Policy:  retry.NewPolicy(cfg.MaxAttempts, cfg.BackoffCap),
		Spacing: cfg.MinSpacing,
	}
	pool.Start(ctx, &wg, cfg.WorkerCount)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	handler := api.NewHandler(st, q, logger)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Give in-flight attempts a bounded grace period to persist their outcome.
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("grace period elapsed, abandoning in-flight attempts",
			zap.Duration("grace", cfg.ShutdownGrace))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
