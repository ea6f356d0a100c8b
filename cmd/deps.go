package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	ledgerPostgres "github.com/frahmantamala/credit-ledger/internal/ledger/postgres"
	"github.com/frahmantamala/credit-ledger/internal/ledger/rpc"
	"github.com/frahmantamala/credit-ledger/internal/mercadopago"
	purchasePostgres "github.com/frahmantamala/credit-ledger/internal/purchase/postgres"
	"github.com/frahmantamala/credit-ledger/internal/reconciliation"
	webhooklogPostgres "github.com/frahmantamala/credit-ledger/internal/webhooklog/postgres"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm shares the sqlx pool with gorm so both see the same connections.
func initGorm(db *sqlx.DB, env string) (*gorm.DB, error) {
	level := gormlogger.Warn
	if env == "production" {
		level = gormlogger.Error
	}
	gdb, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	return gdb, nil
}

// initRedis returns nil when redis is disabled.
func initRedis(ctx context.Context, cfg internal.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func newLedger(cfg *internal.Config, db *sqlx.DB, gdb *gorm.DB, lg *slog.Logger) ledger.Ledger {
	if cfg.Ledger.Mode == "rpc" {
		lg.Info("using stored procedure ledger")
		return rpc.NewClient(db, cfg.Video.CreditCost, lg)
	}
	return ledgerPostgres.NewLedger(gdb, ledgerPostgres.NewOutboxRepository(gdb, cfg.Kafka.Topic), cfg.Video.CreditCost, lg)
}

// newEventBus logs every domain event; the durable copy goes through the ledger outbox.
func newEventBus(lg *slog.Logger) *events.EventBus {
	bus := events.NewEventBus(lg)

	logEvent := func(ctx context.Context, event events.Event) error {
		logger.From(ctx).Info("domain event",
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"payload", event.Payload())
		return nil
	}

	for _, eventType := range []string{
		events.EventTypePurchaseReconciled,
		events.EventTypeCreditsApplied,
		events.EventTypeCreditsConsumed,
		events.EventTypeCreditsRefunded,
		events.EventTypeVideoFailed,
		events.EventTypeVideoCompleted,
		events.EventTypeVideoRefunded,
	} {
		bus.Subscribe(eventType, logEvent)
	}
	return bus
}

// paymentStack is everything needed to reconcile MercadoPago payments.
type paymentStack struct {
	Gateway   *mercadopago.Client
	Purchases *purchasePostgres.PurchaseRepository
	Audit     *webhooklogPostgres.WebhookLogRepository
	Processor *reconciliation.Processor
}

func newPaymentStack(cfg *internal.Config, gdb *gorm.DB, l ledger.Ledger, rdb *redis.Client,
	publisher events.Publisher, lg *slog.Logger) *paymentStack {
	mp := cfg.MercadoPago
	gw := mercadopago.NewClient(mercadopago.Config{
		BaseURL:       mp.BaseURL,
		AccessToken:   mp.AccessToken,
		Timeout:       mp.GatewayTimeout,
		FetchAttempts: mp.FetchAttempts,
		FetchBackoff:  mp.FetchBackoff,
	}, lg)

	purchases := purchasePostgres.NewPurchaseRepository(gdb)
	audit := webhooklogPostgres.NewWebhookLogRepository(gdb)

	var locker reconciliation.Locker
	if rdb != nil {
		locker = reconciliation.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	}

	processor := reconciliation.NewProcessor(purchases, l, gw, audit, locker, publisher, reconciliation.Config{
		Mode: reconciliation.Mode(mp.ProcessorMode),
	}, lg)

	return &paymentStack{Gateway: gw, Purchases: purchases, Audit: audit, Processor: processor}
}
