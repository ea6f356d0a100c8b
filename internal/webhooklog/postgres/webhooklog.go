package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/webhooklog"
	"github.com/frahmantamala/credit-ledger/internal/webhooklog"
)

type WebhookLogRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewWebhookLogRepository(db *gorm.DB) *WebhookLogRepository {
	return &WebhookLogRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *WebhookLogRepository) Record(ctx context.Context, e webhooklog.Entry) error {
	row, err := e.ToModel(r.now())
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *WebhookLogRepository) ListByPaymentID(ctx context.Context, paymentID string, limit int) ([]*dm.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*dm.WebhookLog
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("received_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
