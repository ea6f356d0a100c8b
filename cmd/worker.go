package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-ledger/internal/ledger/outbox"
	ledgerPostgres "github.com/frahmantamala/credit-ledger/internal/ledger/postgres"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background jobs",
	Long:  `Run background jobs: the ledger outbox relay and the pending purchase sweep.`,
}

var outboxWorkerCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Publish ledger outbox messages to Kafka",
	Long:  `Relay pending ledger outbox rows to Kafka until interrupted, or a single batch with --once`,
	Run: func(cmd *cobra.Command, args []string) {
		startOutboxWorker()
	},
}

var pendingWorkerCmd = &cobra.Command{
	Use:   "pending",
	Short: "Re-check a user's pending purchases with MercadoPago",
	Long:  `Recover purchases whose webhook never arrived by asking the gateway for their payments`,
	Run: func(cmd *cobra.Command, args []string) {
		checkPendingPurchases()
	},
}

var (
	outboxOnce   bool
	pendingUser  string
	pendingLimit int
)

func startOutboxWorker() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	lg := logger.LoggerWrapper()

	if len(config.Kafka.Brokers) == 0 {
		lg.Error("no kafka brokers configured")
		os.Exit(1)
	}

	db, err := initDB(config.Database)
	if err != nil {
		lg.Error("failed to init db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	gdb, err := initGorm(db, config.App.Env)
	if err != nil {
		lg.Error("failed to init gorm", "error", err)
		os.Exit(1)
	}

	producer, err := outbox.NewProducer(config.Kafka.Brokers)
	if err != nil {
		lg.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	relay := outbox.NewRelay(ledgerPostgres.NewOutboxRepository(gdb, config.Kafka.Topic), producer, outbox.Config{
		Interval:   config.Kafka.RelayInterval,
		BatchSize:  config.Kafka.RelayBatchSize,
		MaxRetries: config.Kafka.MaxRetries,
	}, lg)

	if outboxOnce {
		sent, err := relay.Flush(context.Background())
		if err != nil {
			lg.Error("outbox flush failed", "error", err)
			os.Exit(1)
		}
		lg.Info("outbox flushed", "sent", sent)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lg.Info("outbox worker is running. Press Ctrl+C to stop.", "topic", config.Kafka.Topic)
	relay.Run(ctx)
	lg.Info("outbox worker shutdown complete")
}

func checkPendingPurchases() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	lg := logger.LoggerWrapper()

	if pendingUser == "" {
		lg.Error("--user is required")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := initDB(config.Database)
	if err != nil {
		lg.Error("failed to init db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	gdb, err := initGorm(db, config.App.Env)
	if err != nil {
		lg.Error("failed to init gorm", "error", err)
		os.Exit(1)
	}
	rdb, err := initRedis(ctx, config.Redis)
	if err != nil {
		lg.Error("failed to init redis", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	bus := newEventBus(lg)
	payments := newPaymentStack(config, gdb, newLedger(config, db, gdb, lg), rdb, bus, lg)

	result, err := payments.Processor.CheckPending(ctx, pendingUser, pendingLimit)
	if err != nil {
		lg.Error("pending purchase check failed", "user_id", pendingUser, "error", err)
		os.Exit(1)
	}
	_ = bus.Wait(ctx)

	lg.Info("pending purchases checked",
		"user_id", pendingUser,
		"checked", result.Checked,
		"processed", result.Processed,
		"total_pending", result.TotalPending)
}

func init() {
	outboxWorkerCmd.Flags().BoolVar(&outboxOnce, "once", false, "Publish one batch and exit")
	pendingWorkerCmd.Flags().StringVar(&pendingUser, "user", "", "User whose pending purchases are re-checked")
	pendingWorkerCmd.Flags().IntVar(&pendingLimit, "limit", 0, "Maximum purchases to check (default 10)")

	workerCmd.AddCommand(outboxWorkerCmd)
	workerCmd.AddCommand(pendingWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
