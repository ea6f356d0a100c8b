package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/ledger"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

type Store interface {
	GetPending(ctx context.Context, limit int) ([]*dm.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	RecordFailure(ctx context.Context, id int64, maxRetries int) error
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// Relay publishes ledger outbox messages to Kafka.
type Relay struct {
	store    Store
	producer sarama.SyncProducer
	cfg      Config
	logger   *slog.Logger
}

func NewRelay(store Store, producer sarama.SyncProducer, cfg Config, lg *slog.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Relay{store: store, producer: producer, cfg: cfg, logger: logger.OrDefault(lg)}
}

// NewProducer builds a sync producer that waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return sarama.NewSyncProducer(brokers, cfg)
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started", "interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// Flush sends one batch of pending messages and returns how many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	messages, err := r.store.GetPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if r.send(ctx, msg) {
			sent++
		}
	}
	return sent, nil
}

func (r *Relay) send(ctx context.Context, msg *dm.OutboxMessage) bool {
	_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.MessageKey),
		Value: sarama.StringEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(msg.EventType)},
		},
	})
	if err == nil {
		if err := r.store.MarkSent(ctx, msg.ID); err != nil {
			r.logger.Error("mark outbox message sent failed", "id", msg.ID, "error", err)
			return false
		}
		r.logger.Debug("outbox message sent", "id", msg.ID, "topic", msg.Topic, "event_type", msg.EventType)
		return true
	}

	r.logger.Warn("outbox message send failed", "id", msg.ID, "retry_count", msg.RetryCount, "error", err)
	if err := r.store.RecordFailure(ctx, msg.ID, r.cfg.MaxRetries); err != nil {
		r.logger.Error("record outbox failure failed", "id", msg.ID, "error", err)
	}
	if msg.RetryCount+1 >= r.cfg.MaxRetries {
		r.logger.Error("outbox message exceeded max retries", "id", msg.ID, "event_type", msg.EventType)
	}
	return false
}
