package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quickclinic/booking-platform/internal/api/router"
	"github.com/quickclinic/booking-platform/internal/config"
	"github.com/quickclinic/booking-platform/internal/consultation"
	"github.com/quickclinic/booking-platform/internal/emr"
	"github.com/quickclinic/booking-platform/internal/events"
	"github.com/quickclinic/booking-platform/internal/group"
	"github.com/quickclinic/booking-platform/internal/http/handlers"
	"github.com/quickclinic/booking-platform/internal/observability/metrics"
	"github.com/quickclinic/booking-platform/internal/payments"
	"github.com/quickclinic/booking-platform/internal/reconciliation"
	"github.com/quickclinic/booking-platform/internal/scheduler"
	"github.com/quickclinic/booking-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting booking platform API", "env", cfg.Env, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	location, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		logger.Error("invalid clinic timezone", "tz", cfg.ClinicTimezone, "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	paymentMetrics := metrics.NewPaymentMetrics(registry)
	syncMetrics := metrics.NewSyncMetrics(registry)
	reconMetrics := metrics.NewReconciliationMetrics(registry)

	// Live events
	broadcaster := events.NewBroadcaster(rdb, logger.Component("events"))
	hub := events.NewHub(rdb, logger.Component("hub"))
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event hub stopped", "error", err)
		}
	}()
	queueCache := events.NewQueueCache(rdb)

	// EMR client and consultation lifecycle
	emrClient := emr.NewClient(cfg.EMRBaseURL, cfg.EMRAPIKey, logger.Component("emr")).
		WithRetry(cfg.EMRRetryMaxAttempts, cfg.EMRRetryBaseDelay)
	consultationRepo := consultation.NewRepository(pool)
	paymentRepo := payments.NewRepository(pool)
	lifecycle := consultation.NewService(
		consultationRepo, emrClient, paymentRepo, broadcaster, queueCache, location,
		logger.Component("consultation"))

	// Payments
	tokenStore := payments.NewTokenStore(pool)
	stripeSvc := payments.NewStripeService(
		cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL,
		logger.Component("stripe")).
		WithRetry(cfg.GatewayRetryMaxAttempts, cfg.GatewayRetryBaseDelay)
	if cfg.StripeBaseURL != "" {
		stripeSvc = stripeSvc.WithBaseURL(cfg.StripeBaseURL)
	}
	cardTokenSvc := payments.NewCardTokenService(
		cfg.CardTokenAPIKey, cfg.CardTokenBaseURL, tokenStore,
		logger.Component("cardtoken")).
		WithRetry(cfg.GatewayRetryMaxAttempts, cfg.GatewayRetryBaseDelay)
	orchestrator, err := payments.NewOrchestrator(map[payments.Method]payments.GatewayHandler{
		payments.MethodCard:         stripeSvc.CreatePaymentSheet,
		payments.MethodBankTransfer: stripeSvc.CreateCheckoutSession,
		payments.MethodSavedCard:    cardTokenSvc.Charge,
	}, paymentRepo, payments.NewCorporateCodeStore(pool), lifecycle, logger.Component("payments"))
	if err != nil {
		logger.Error("payment orchestrator wiring", "error", err)
		os.Exit(1)
	}
	webhookSvc := payments.NewWebhookService(paymentRepo, lifecycle, tokenStore, logger.Component("payments"))
	stripeWebhook := payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, webhookSvc, paymentMetrics, logger.Component("stripe"))
	cardTokenWebhook := payments.NewCardTokenWebhookHandler(cfg.CardTokenWebhookSecret, webhookSvc, paymentMetrics, logger.Component("cardtoken"))

	// EMR sync
	cursorStore := emr.NewCursorStore(pool)
	mirrorStore := emr.NewMirrorStore(pool)
	documentStore := emr.NewDocumentStore(pool)
	syncEngine := emr.NewSyncEngine(emrClient, cursorStore, map[string]emr.Merger{
		emr.ResourceInvoice:        emr.NewInvoiceMerger(lifecycle, logger.Component("sync")),
		emr.ResourceDocument:       emr.NewDocumentMerger(documentStore),
		emr.ResourcePatientProfile: emr.NewProfileMerger(mirrorStore, syncMetrics, logger.Component("sync")),
	}, cfg.EMRPageBudget, syncMetrics, logger.Component("sync"))
	emrWebhook, err := emr.NewWebhookHandler(
		cfg.EMRWebhookPublicKey, lifecycle, emrClient, broadcaster, syncEngine,
		syncMetrics, logger.Component("emr"))
	if err != nil {
		logger.Error("emr webhook wiring", "error", err)
		os.Exit(1)
	}
	resolver := emr.NewConflictResolver(mirrorStore, emrClient)

	// Reconciliation
	fees, err := reconciliation.LoadFeeSchedule(cfg.FeeScheduleJSON)
	if err != nil {
		logger.Error("fee schedule", "error", err)
		os.Exit(1)
	}
	reconEngine := reconciliation.NewEngine(
		paymentRepo, reconciliation.NewRepository(pool), fees, reconMetrics,
		logger.Component("reconciliation"))

	// Scheduler
	jobs := scheduler.New(location, logger.Component("scheduler"))
	jobs.Every("emr-sync", cfg.SyncInterval, syncEngine.PullAll)
	jobs.Every("pending-queue-expiry", cfg.PendingQueueInterval, func(ctx context.Context) error {
		swept, err := paymentRepo.ExpireStaleCreated(ctx, time.Now().UTC().Add(-cfg.PendingQueueInterval))
		if swept > 0 {
			logger.Info("expired stale payments", "count", swept)
		}
		return err
	})
	jobs.Every("reconciliation", cfg.ReconciliationInterval, reconEngine.Run)
	jobs.Daily("nightly-sweep", lifecycle.NightlySweep)
	jobs.Start(ctx)

	// HTTP surface
	coordinator := group.NewCoordinator(consultationRepo, cfg.GSTRateBasis)
	familyStore := group.NewFamilyStore(pool)
	bookingHandler := handlers.NewBookingHandler(consultationRepo, lifecycle, coordinator, familyStore, logger.Component("http"))
	paymentHandler := handlers.NewPaymentHandler(orchestrator, logger.Component("http"))
	familyHandler := handlers.NewFamilyHandler(familyStore, logger.Component("http"))
	liveHandler := handlers.NewLiveHandler(hub, nil, logger.Component("http"))
	adminHandler := handlers.NewAdminHandler(mirrorStore, resolver, lifecycle, logger.Component("http"))

	r := router.New(&router.Config{
		Logger:             logger,
		BookingHandler:     bookingHandler,
		PaymentHandler:     paymentHandler,
		FamilyHandler:      familyHandler,
		LiveHandler:        liveHandler,
		AdminHandler:       adminHandler,
		StripeWebhook:      stripeWebhook.Handle,
		CardTokenWebhook:   cardTokenWebhook.Handle,
		EMRWebhook:         emrWebhook.Handle,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AccountJWTSecret:   cfg.AccountJWTSecret,
		AdminJWTSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	jobs.Wait()
	logger.Info("server stopped")
}
