package webhooklog

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/webhooklog"
)

// Entry describes one inbound webhook attempt and how it ended.
type Entry struct {
	PaymentID string
	EventType string
	Payload   map[string]interface{}
	Signature string
	Valid     bool
	Error     string
	Processed bool
	SourceIP  string
	RequestID string
}

// Store is insert-only. Rows are for forensics and never gate business logic.
type Store interface {
	Record(ctx context.Context, e Entry) error
	ListByPaymentID(ctx context.Context, paymentID string, limit int) ([]*dm.WebhookLog, error)
}

// ToModel converts e into a row stamped with receivedAt.
func (e Entry) ToModel(receivedAt time.Time) (*dm.WebhookLog, error) {
	row := &dm.WebhookLog{
		EventType:  e.EventType,
		IsValid:    e.Valid,
		Processed:  e.Processed,
		SourceIP:   e.SourceIP,
		RequestID:  e.RequestID,
		ReceivedAt: receivedAt,
	}
	if row.EventType == "" {
		row.EventType = "unknown"
	}
	if e.PaymentID != "" {
		row.PaymentID = &e.PaymentID
	}
	if e.Signature != "" {
		row.Signature = &e.Signature
	}
	if e.Error != "" {
		row.ErrorMessage = &e.Error
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		row.Payload = datatypes.JSON(raw)
	}
	return row, nil
}
