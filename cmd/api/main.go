package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
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

	"github.com/arclighthealth/radsched/internal/api/router"
	"github.com/arclighthealth/radsched/internal/audit"
	appconfig "github.com/arclighthealth/radsched/internal/config"
	"github.com/arclighthealth/radsched/internal/consent"
	"github.com/arclighthealth/radsched/internal/conversation"
	"github.com/arclighthealth/radsched/internal/http/handlers"
	"github.com/arclighthealth/radsched/internal/identity"
	"github.com/arclighthealth/radsched/internal/ie"
	"github.com/arclighthealth/radsched/internal/messaging"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/internal/worker"
	"github.com/arclighthealth/radsched/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting radsched API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	codec, err := identity.NewCodec(cfg.PhoneHashSalt, cfg.PhoneEncryptionKey, cfg.PhoneKeyID)
	if err != nil {
		logger.Error("failed to initialize phone codec", "error", err)
		os.Exit(1)
	}

	// Stores
	convStore := conversation.NewStore(pool)
	consentStore := consent.NewStore(pool)
	auditor := audit.NewRecorder(pool)
	smsConfigStore := messaging.NewConfigStore(pool)

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	smsConfigs := messaging.NewConfigCache(smsConfigStore, redisClient, cfg.SMSConfigTTL, logger)

	// Metrics
	registry := prometheus.NewRegistry()
	msgMetrics := metrics.NewMessagingMetrics(registry)
	convMetrics := metrics.NewConversationMetrics(registry)

	// Outbound SMS
	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		Providers: map[string]messaging.Provider{
			"twilio": messaging.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger),
			"telnyx": messaging.NewTelnyxProvider(cfg.TelnyxAPIKey, cfg.TelnyxProfileID, logger),
		},
		Configs:  smsConfigs,
		Consents: consentStore,
		Auditor:  auditor,
		Codec:    codec,
		Logger:   logger,
		Metrics:  msgMetrics,
	})

	ieClient := ie.NewClient(ie.Config{
		BaseURL:     cfg.IEBaseURL,
		APIKey:      cfg.IEAPIKey,
		Timeout:     cfg.IETimeout,
		MaxAttempts: cfg.IEMaxAttempts,
		RetryBase:   cfg.IERetryBase,
		Logger:      logger,
	})

	var durationRules map[string]string
	if cfg.DurationAggregationJSON != "" {
		if err := json.Unmarshal([]byte(cfg.DurationAggregationJSON), &durationRules); err != nil {
			logger.Warn("invalid duration aggregation config, using defaults", "error", err)
		}
	}

	engine := conversation.NewEngine(conversation.EngineConfig{
		Store:             convStore,
		Consents:          consentStore,
		Auditor:           auditor,
		Sender:            dispatcher,
		Scheduler:         ieClient,
		Codec:             codec,
		Logger:            logger,
		Metrics:           convMetrics,
		SessionTTL:        cfg.SessionTTL,
		SlotMaxRetries:    cfg.SlotMaxRetries,
		BookingMaxRetries: cfg.BookingMaxRetries,
		DurationRules:     durationRules,
	})

	// Background loops
	monitor := worker.NewMonitor(worker.MonitorConfig{
		Store:      convStore,
		Engine:     engine,
		Logger:     logger,
		Metrics:    convMetrics,
		Interval:   cfg.StuckMonitorInterval,
		SlotSLA:    cfg.SlotResponseSLA,
		BookingSLA: cfg.BookingSLA,
	})
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Store:     convStore,
		Auditor:   auditor,
		Strikes:   engine,
		Logger:    logger,
		Metrics:   convMetrics,
		Interval:  cfg.ExpirySweepInterval,
		Retention: time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour,
	})
	go monitor.Run(ctx)
	go sweeper.Run(ctx)

	// HTTP edge
	r := router.New(&router.Config{
		Logger: logger,
		Health: handlers.NewHealthHandler(pool),
		Orders: handlers.NewOrdersHandler(engine, auditor, cfg.OrderWebhookToken, cfg.OrderWebhookSecret, logger, msgMetrics),
		SMSWebhooks: handlers.NewSMSWebhookHandler(handlers.SMSWebhookConfig{
			Engine:          engine,
			Auditor:         auditor,
			Security:        auditor,
			TwilioAuthToken: cfg.TwilioAuthToken,
			TelnyxSecret:    cfg.TelnyxWebhookSecret,
			PublicBaseURL:   cfg.PublicBaseURL,
			Logger:          logger,
			Metrics:         msgMetrics,
		}),
		IECallbacks: handlers.NewIECallbackHandler(engine, logger),
		Admin: handlers.NewAdminHandler(handlers.AdminConfig{
			Store:      convStore,
			Auditor:    auditor,
			Engine:     engine,
			SMSConfigs: smsConfigStore,
			Logger:     logger,
			SlotSLA:    cfg.SlotResponseSLA,
			BookingSLA: cfg.BookingSLA,
		}),
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		SecurityAuditor: auditor,
		IECallbackToken: cfg.IEBearerToken,
		AdminJWTSecret:  cfg.AdminJWTSecret,
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
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
