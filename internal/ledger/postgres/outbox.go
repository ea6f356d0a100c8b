package postgres

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/ledger"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
)

type OutboxRepository struct {
	db    *gorm.DB
	topic string
}

func NewOutboxRepository(db *gorm.DB, topic string) *OutboxRepository {
	return &OutboxRepository{db: db, topic: topic}
}

// Append stores event in the outbox using tx, so it commits or rolls back with the balance change.
func (r *OutboxRepository) Append(ctx context.Context, tx *gorm.DB, key string, event events.Event) error {
	if tx == nil {
		tx = r.db
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&dm.OutboxMessage{
		MessageKey: key,
		Topic:      r.topic,
		EventType:  event.EventType(),
		Payload:    string(payload),
		Status:     dm.OutboxStatusPending,
	}).Error
}

func (r *OutboxRepository) GetPending(ctx context.Context, limit int) ([]*dm.OutboxMessage, error) {
	var messages []*dm.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", dm.OutboxStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&dm.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", dm.OutboxStatusSent).Error
}

// RecordFailure bumps the retry counter and parks the message once maxRetries is reached.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, maxRetries int) error {
	return r.db.WithContext(ctx).
		Model(&dm.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"status": gorm.Expr("CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END",
				maxRetries, dm.OutboxStatusFailed),
		}).Error
}
