package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bkyalo/mpesaKenya/api/routes"
	"github.com/bkyalo/mpesaKenya/internal/config"
	"github.com/bkyalo/mpesaKenya/internal/handlers"
	mongorepo "github.com/bkyalo/mpesaKenya/internal/repositories/mongodb"
	"github.com/bkyalo/mpesaKenya/internal/services"
	"github.com/bkyalo/mpesaKenya/pkg/daraja"
	"github.com/bkyalo/mpesaKenya/pkg/mongodb"
	"github.com/bkyalo/mpesaKenya/pkg/smsgateway"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func main() {
	// Load .env if present; environment variables take precedence either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	// Connect to MongoDB
	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mongoClient, err := mongodb.NewClient(connectCtx, cfg.MongoDB.URI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Error("Error disconnecting from MongoDB", "error", err)
		}
	}()
	db := mongoClient.Database(cfg.MongoDB.Database)

	// Repositories
	txnRepo, err := mongorepo.NewTransactionRepository(connectCtx, db)
	if err != nil {
		log.Fatalf("Failed to initialize transaction repository: %v", err)
	}
	logRepo := mongorepo.NewTransactionLogRepository(db)

	// Provider client
	provider := daraja.NewClient(daraja.Config{
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		Environment:    cfg.Mpesa.Environment,
		Shortcode:      cfg.Mpesa.Shortcode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		HTTPTimeout:    cfg.Mpesa.HTTPTimeout,
	})

	// Alert gateway
	var alerts smsgateway.Gateway
	if cfg.SMS.MockSMS {
		alerts = smsgateway.NewMockGateway(logger)
	} else {
		alerts = smsgateway.NewHTTPGateway(cfg.SMS.BaseURL, cfg.SMS.APIKey)
	}

	// Services
	resolver := services.NewConfigPayableResolver(viper.GetViper())
	fulfiller := services.NewLoggingFulfiller(logger)
	paymentService := services.NewPaymentService(txnRepo, logRepo, provider, resolver, fulfiller, cfg.Poll.MinQueryInterval, logger)
	sweeperService := services.NewSweeperService(txnRepo, logRepo, provider, paymentService, cfg.Sweeper, logger)
	monitorService := services.NewMonitorService(txnRepo, provider, mongoClient, alerts, cfg, logger)
	authService := services.NewAuthService(cfg)

	// Handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	callbackHandler := handlers.NewCallbackHandler(paymentService, logger)
	adminHandler := handlers.NewAdminHandler(authService, monitorService, txnRepo)

	router := routes.SetupRouter(cfg, paymentHandler, callbackHandler, adminHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Background jobs share one cancellable context tied to shutdown
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	go runSweeper(jobCtx, sweeperService, cfg.Sweeper.Interval, logger)
	go runMonitor(jobCtx, monitorService, cfg.Monitor.Interval, logger)

	go func() {
		logger.Info("Starting server", "port", cfg.Server.Port, "environment", cfg.Mpesa.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	stopJobs()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
}

// runSweeper runs the reconciliation sweeper on a fixed period
func runSweeper(ctx context.Context, sweeper services.SweeperService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			if _, err := sweeper.RunOnce(runCtx); err != nil {
				logger.Error("Sweeper pass failed", "error", err)
			}
			cancel()
		}
	}
}

// runMonitor runs the health checks on a fixed period
func runMonitor(ctx context.Context, monitor services.MonitorService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			report := monitor.RunChecks(runCtx)
			logger.Info("Health checks finished", "status", report.Status)
			cancel()
		}
	}
}
