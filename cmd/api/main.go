package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookflow/auth"
	"bookflow/booking"
	"bookflow/clock"
	"bookflow/config"
	"bookflow/db"
	"bookflow/event"
	"bookflow/migrations"
	"bookflow/notify"
	"bookflow/outbox"
	"bookflow/reconcile"
	"bookflow/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.Default()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := db.NewPool(startupCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	clk := clock.NewSystem()

	verifier := webhook.NewVerifier(map[event.Provider]webhook.Keys{
		event.ProviderCalendly: {Primary: cfg.CalendlySigningKey, Secondary: cfg.CalendlySigningKeySecondary},
		event.ProviderStripe:   {Primary: cfg.StripeSigningKey, Secondary: cfg.StripeSigningKeySecondary},
	}, cfg.ReplayWindow, clk)

	store := booking.NewStore(clk)
	bookingSvc := booking.NewService(pool, store)

	ledger := reconcile.NewLedger()
	unmatched := reconcile.NewUnmatchedQueue()
	outboxRepo := outbox.NewRepository()

	coordinator := reconcile.NewCoordinator(pool, pool, store, ledger, outboxRepo, unmatched, clk, logger, reconcile.Config{
		CASRetries:          cfg.CASRetries,
		MissingBookingTries: cfg.MissingBookingTries,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := reconcile.NewSweeper(pool, coordinator, unmatched, outboxRepo, logger, reconcile.SweeperConfig{})
	if err := sweeper.Start(runCtx); err != nil {
		logger.Fatalf("start sweeper: %v", err)
	}
	defer sweeper.Stop()

	publisher, err := notify.NewPublisher(cfg.AMQPURL, cfg.NotifyExchange)
	if err != nil {
		logger.Fatalf("connect message broker: %v", err)
	}
	defer publisher.Close()

	refunder := notify.NewStripeRefunder(cfg.StripeAPIKey, cfg.StripeAPIBaseURL)
	executor := notify.NewExecutor(publisher, refunder)

	dispatcher := outbox.NewDispatcher(pool, outboxRepo, executor, clk, logger, outbox.DispatcherConfig{
		Workers:     cfg.DispatcherWorkers,
		Interval:    cfg.DispatcherInterval,
		MaxAttempts: cfg.IntentMaxAttempts,
	})

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.AdminJWTSecret)

	server := NewServer(verifier, coordinator, bookingSvc, authSvc, unmatched, outboxRepo,
		pool, clk, logger, cfg.WebhookTimeout)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Routes(),
	}

	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- dispatcher.Run(runCtx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- httpServer.ListenAndServe()
	}()

	logger.Printf("api listening on %s", cfg.HTTPAddr)

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server error: %v", err)
		}
	case err := <-dispatchErr:
		if err != nil {
			logger.Printf("dispatcher error: %v", err)
		}
	case <-runCtx.Done():
		logger.Printf("shutdown signal received, stopping server")
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("server shutdown error: %v", err)
	}
	logger.Printf("server stopped")
}
