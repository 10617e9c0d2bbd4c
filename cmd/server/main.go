package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/repair-dispatch/internal/cancellation"
	"github.com/example/repair-dispatch/internal/config"
	"github.com/example/repair-dispatch/internal/dispatch"
	"github.com/example/repair-dispatch/internal/escrow"
	"github.com/example/repair-dispatch/internal/eta"
	"github.com/example/repair-dispatch/internal/geo"
	httpapi "github.com/example/repair-dispatch/internal/http"
	"github.com/example/repair-dispatch/internal/ingest"
	"github.com/example/repair-dispatch/internal/logging"
	"github.com/example/repair-dispatch/internal/otp"
	"github.com/example/repair-dispatch/internal/payments"
	"github.com/example/repair-dispatch/internal/requests"
	"github.com/example/repair-dispatch/internal/storage"
	"github.com/example/repair-dispatch/internal/subscription"
)

func main() {
	// a missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.RequestStore = storage.NewMemoryStore()
		quotas subscription.Service = subscription.NewMemoryService()
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, db, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		store = storage.NewPostgresStore(db)
		quotas = subscription.NewPostgresService(db)
		logger.Info("using postgres store")
	} else {
		logger.Warn("PG_DSN not set, requests are kept in memory")
	}

	var (
		index geo.Geo        = geo.NewIndex()
		queue dispatch.Queue = dispatch.NewMemoryQueue(dispatch.DefaultQueueTTL)
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		queue = dispatch.NewRedisQueue(rc, dispatch.DefaultQueueTTL)
		logger.Info("using redis geo index and offer queue", "addr", cfg.RedisAddr)
	}

	var (
		events    requests.StatusPublisher
		locations httpapi.LocationSink = httpapi.GeoSink{Geo: index}
	)
	if len(cfg.KafkaBrokers) > 0 {
		ep := ingest.NewEventProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		defer ep.Close()
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		defer lp.Close()
		events, locations = ep, lp
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "events_topic", cfg.EventsTopic, "location_topic", cfg.LocationTopic)
	}

	var gateway escrow.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, pay_now funding is disabled")
	}
	ledger := escrow.NewLedger(escrow.Config{
		VisitFee:             cfg.VisitFee,
		TechnicianVisitShare: cfg.TechnicianVisitShare,
		Currency:             cfg.Currency,
	}, gateway, quotas, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps, Logger: logger}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	ws := dispatch.NewWSRegistry(logger)
	push := dispatch.NewPushDispatcher(cfg.NotifyWebhookURL, ws)

	deps := dispatch.Deps{Store: store, Geo: index, Queue: queue, Notifier: push, ETA: estimator, Logger: logger}
	if events != nil {
		deps.Events = events
	}
	broadcaster := dispatch.NewBroadcaster(dispatch.Config{
		RadiusKm: cfg.DispatchRadiusKm,
		TopN:     cfg.DispatchTopN,
		Retry: dispatch.RetryConfig{
			Initial: cfg.DispatchRetryInitial,
			Max:     cfg.DispatchRetryMax,
			Timeout: cfg.DispatchRetryTimeout,
		},
	}, deps)
	defer broadcaster.Close()

	otpCfg := otp.DefaultConfig()
	otpCfg.TTL = cfg.OTPTTL
	otpCfg.MaxAttempts = cfg.OTPMaxAttempts

	svc := requests.NewService(requests.Deps{
		Store:    store,
		Geo:      index,
		Dispatch: broadcaster,
		Ledger:   ledger,
		OTP:      otp.NewVerifier(otpCfg),
		Policy:   cancellation.Policy{LoyaltyPenalty: cfg.LoyaltyPenalty, ReliabilityPenalty: cfg.ReliabilityPenalty},
		Codes:    push,
		Events:   events,
		Logger:   logger,
	})

	if err := broadcaster.Resume(ctx); err != nil {
		logger.Warn("resume open requests failed", "error", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, locations, ws, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("repair-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// migrate applies the SQL files in dir in name order. Every statement is
// idempotent so reruns are safe.
func migrate(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			logger.Error("migration exec error", "file", filepath.Base(f), "error", err)
			return err
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
