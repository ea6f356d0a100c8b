package ledger

import "time"

type TransactionType string

const (
	TransactionPurchase    TransactionType = "purchase"
	TransactionConsumption TransactionType = "consumption"
	TransactionRefund      TransactionType = "refund"
)

type UserProfile struct {
	UserID         string    `gorm:"column:user_id;primaryKey"`
	Email          string    `gorm:"column:email"`
	CreditsBalance int       `gorm:"column:credits_balance;not null;default:0;check:chk_credits_balance_non_negative,credits_balance >= 0"`
	Version        int64     `gorm:"column:version;not null;default:0"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}

// CreditTransaction is an append-only balance movement. Amount is signed.
type CreditTransaction struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          string          `gorm:"column:user_id;not null;index"`
	Amount          int             `gorm:"column:amount;not null"`
	BalanceAfter    int             `gorm:"column:balance_after;not null"`
	TransactionType TransactionType `gorm:"column:transaction_type;not null"`
	PurchaseID      *string         `gorm:"column:purchase_id;index"`
	VideoID         *string         `gorm:"column:video_id;index"`
	IdempotencyKey  string          `gorm:"column:idempotency_key;not null;uniqueIndex"`
	Description     string          `gorm:"column:description"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxMessage is written in the same transaction as a balance mutation and relayed later.
type OutboxMessage struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MessageKey string    `gorm:"column:message_key;not null"`
	Topic      string    `gorm:"column:topic;not null"`
	EventType  string    `gorm:"column:event_type;not null"`
	Payload    string    `gorm:"column:payload;not null"`
	Status     string    `gorm:"column:status;not null;default:pending;index"`
	RetryCount int       `gorm:"column:retry_count;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
