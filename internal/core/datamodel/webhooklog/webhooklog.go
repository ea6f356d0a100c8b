package webhooklog

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookLog is one inbound webhook attempt. Rows are never updated.
type WebhookLog struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	PaymentID    *string        `gorm:"column:payment_id;index"`
	EventType    string         `gorm:"column:event_type;not null"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	Signature    *string        `gorm:"column:signature"`
	IsValid      bool           `gorm:"column:is_valid;not null;default:false"`
	ErrorMessage *string        `gorm:"column:error_message"`
	Processed    bool           `gorm:"column:processed;not null;default:false"`
	SourceIP     string         `gorm:"column:source_ip"`
	RequestID    string         `gorm:"column:request_id"`
	ReceivedAt   time.Time      `gorm:"column:received_at;not null;index"`
}

func (WebhookLog) TableName() string {
	return "mercadopago_webhook_logs"
}
