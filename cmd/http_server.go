package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-chi/chi"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/auth"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/internal/ledger/outbox"
	ledgerPostgres "github.com/frahmantamala/credit-ledger/internal/ledger/postgres"
	"github.com/frahmantamala/credit-ledger/internal/purchase"
	"github.com/frahmantamala/credit-ledger/internal/reconciliation"
	"github.com/frahmantamala/credit-ledger/internal/storage"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/internal/transport/openapi"
	"github.com/frahmantamala/credit-ledger/internal/transport/rest"
	"github.com/frahmantamala/credit-ledger/internal/video"
	videoPostgres "github.com/frahmantamala/credit-ledger/internal/video/postgres"
	"github.com/frahmantamala/credit-ledger/internal/vidu"
	"github.com/frahmantamala/credit-ledger/internal/webhook"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server: purchases, MercadoPago webhooks, balances and video generation`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Redis    *redis.Client
	Router   *chi.Mux
	Logger   *slog.Logger
	Events   *events.EventBus
	Pool     *video.Pool
	Relay    *outbox.Relay
	Producer sarama.SyncProducer
}

func startHTTPServer() {
	deps, err := initializeDependencies(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	lg.Info("Starting HTTP server", "address", addr, "env", deps.Config.App.Env)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	deps.Pool.Start()
	if deps.Relay != nil {
		go deps.Relay.Run(background)
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("Received signal, shutting down...", "signal", sig)
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			lg.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		lg.Error("Server shutdown error", "error", err)
	}

	// workers drain before the database closes
	if err := deps.Pool.Shutdown(ctx); err != nil {
		lg.Warn("video queue not drained before deadline", "error", err)
	}
	stopBackground()
	if err := deps.Events.Wait(ctx); err != nil {
		lg.Warn("event handlers still running at shutdown", "error", err)
	}

	if deps.Producer != nil {
		if err := deps.Producer.Close(); err != nil {
			lg.Error("Kafka producer close error", "error", err)
		}
	}
	if deps.Redis != nil {
		if err := deps.Redis.Close(); err != nil {
			lg.Error("Redis close error", "error", err)
		}
	}
	if err := deps.DB.Close(); err != nil {
		lg.Error("Database close error", "error", err)
	}

	lg.Info("Server stopped")
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	gdb, err := initGorm(db, cfg.App.Env)
	if err != nil {
		return nil, err
	}
	rdb, err := initRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	bus := newEventBus(lg)
	credits := newLedger(cfg, db, gdb, lg)
	payments := newPaymentStack(cfg, gdb, credits, rdb, bus, lg)
	base := transport.NewBaseHandler(lg)

	checks := map[string]rest.Checker{"postgres": db.PingContext}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	webhookHandler, err := newWebhookHandler(cfg, base, payments, rdb, lg)
	if err != nil {
		return nil, err
	}

	purchaseSvc := purchase.NewService(payments.Purchases, payments.Gateway, purchase.CheckoutConfig{
		Packages:        cfg.MercadoPago.Packages,
		Currency:        cfg.MercadoPago.Currency,
		NotificationURL: cfg.MercadoPago.NotificationURL,
		SuccessURL:      cfg.MercadoPago.SuccessURL,
	}, lg)

	videoSvc, err := newVideoService(ctx, cfg, gdb, credits, bus, checks, lg)
	if err != nil {
		return nil, err
	}
	pool := video.NewPool(video.PoolConfig{}, videoSvc.Process, videoSvc.Abandon, lg)
	videoSvc.SetDispatcher(pool)

	deps := &Dependencies{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Router: chi.NewRouter(),
		Logger: lg,
		Events: bus,
		Pool:   pool,
	}

	if cfg.Kafka.Enabled {
		producer, err := outbox.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		deps.Producer = producer
		deps.Relay = outbox.NewRelay(ledgerPostgres.NewOutboxRepository(gdb, cfg.Kafka.Topic), producer, outbox.Config{
			Interval:   cfg.Kafka.RelayInterval,
			BatchSize:  cfg.Kafka.RelayBatchSize,
			MaxRetries: cfg.Kafka.MaxRetries,
		}, lg)
	}

	routes := rest.Routes{
		Health:         rest.NewHealthHandler(base, checks),
		Webhook:        webhookHandler,
		Purchase:       purchase.NewHandler(base, purchaseSvc),
		Reconciliation: reconciliation.NewHandler(base, payments.Processor),
		Ledger:         ledger.NewHandler(base, credits),
		Video:          video.NewHandler(base, videoSvc, cfg.Video.CallbackToken),
		Tokens:         auth.NewJWTTokenGenerator(cfg.Security.JWTSecret, cfg.Security.JWTAudience),
		AdminRole:      cfg.Security.AdminRole,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	setupOpenAPI(ctx, cfg, &routes, lg)

	rest.RegisterAllRoutes(deps.Router, routes, lg)
	return deps, nil
}

func newWebhookHandler(cfg *internal.Config, base *transport.BaseHandler, payments *paymentStack,
	rdb *redis.Client, lg *slog.Logger) (*webhook.Handler, error) {
	var limiter webhook.RateLimiter = webhook.NewMemoryLimiter(cfg.Webhook.RateLimitPerMinute, time.Minute)
	if rdb != nil {
		limiter = webhook.NewRedisLimiter(rdb, cfg.Webhook.RateLimitPerMinute, time.Minute)
	}

	ipValidator, err := webhook.NewIPValidator(cfg.App.IsProduction(), cfg.MercadoPago.TrustAllIPs,
		cfg.MercadoPago.AllowedIPRanges, cfg.MercadoPago.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook ip ranges: %w", err)
	}

	return webhook.NewHandler(base, payments.Processor, limiter, ipValidator, payments.Audit, webhook.HandlerConfig{
		WebhookSecret:    cfg.MercadoPago.WebhookSecret,
		RequireSignature: cfg.MercadoPago.RequireSignature,
		MaxBodyBytes:     cfg.Webhook.MaxBodyBytes,
		RequestTimeout:   cfg.MercadoPago.RequestTimeout,
	}, lg), nil
}

func newVideoService(ctx context.Context, cfg *internal.Config, gdb *gorm.DB, credits ledger.Ledger,
	publisher events.Publisher, checks map[string]rest.Checker, lg *slog.Logger) (*video.Service, error) {
	vc := cfg.Video
	deps := video.Deps{
		Repo:   videoPostgres.NewVideoRepository(gdb),
		Ledger: credits,
		Generator: vidu.NewClient(vidu.Config{
			BaseURL:     vc.ViduBaseURL,
			APIKey:      vc.ViduAPIKey,
			CallbackURL: vc.CallbackURL,
			Timeout:     vc.Timeout,
		}, lg),
		Publisher: publisher,
	}

	if cfg.Storage.Enabled {
		store, err := storage.NewS3Store(ctx, storage.Config{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			EndpointURL:     cfg.Storage.EndpointURL,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PresignTTL:      cfg.Storage.PresignTTL,
		}, lg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize image storage: %w", err)
		}
		deps.Store = store
		checks["s3"] = store.Ping
	}

	if vc.Moderation.Enabled {
		deps.Moderator = video.NewModerationClient(video.ModerationConfig{
			URL:     vc.Moderation.URL,
			APIKey:  vc.Moderation.APIKey,
			Model:   vc.Moderation.Model,
			Timeout: vc.Moderation.Timeout,
		}, lg)
	} else {
		lg.Warn("image moderation disabled; every image is accepted")
	}

	return video.NewService(deps, video.Config{
		Model:        vc.Model,
		Duration:     vc.Duration,
		Resolution:   vc.Resolution,
		MaxRetries:   vc.MaxRetries,
		ConsumeMode:  video.ConsumeMode(vc.ConsumeMode),
		MaxImageSide: vc.MaxImageSide,
		CreditCost:   vc.CreditCost,
	}, lg), nil
}

// setupOpenAPI serves the contract and validates authenticated requests against it.
// A missing or broken document disables both rather than blocking startup.
func setupOpenAPI(ctx context.Context, cfg *internal.Config, routes *rest.Routes, lg *slog.Logger) {
	path := cfg.Server.OpenAPIPath
	if path == "" {
		return
	}

	doc, err := openapi.Load(ctx, path)
	if err != nil {
		lg.Warn("openapi document unavailable; request validation disabled", "path", path, "error", err)
		return
	}
	validate, err := openapi.RequestValidator(doc, lg)
	if err != nil {
		lg.Warn("openapi router failed; request validation disabled", "error", err)
		return
	}

	routes.OpenAPIPath = path
	routes.RequestValidate = validate
}
