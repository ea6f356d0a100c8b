package purchase

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is the payment status of a credit purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusRefunded},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal forward move from s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition is the single authority for payment status changes.
func (s Status) Transition(next Status) (Status, error) {
	if !next.Valid() {
		return s, fmt.Errorf("unknown payment status %q", next)
	}
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("illegal payment status transition %s -> %s", s, next)
	}
	return next, nil
}

func (s Status) IsFinal() bool {
	return s != StatusPending
}

type CreditPurchase struct {
	ID            string     `gorm:"column:id;primaryKey"`
	UserID        string     `gorm:"column:user_id;not null;index"`
	PackageID     string     `gorm:"column:package_id;not null"`
	CreditsAmount int        `gorm:"column:credits_amount;not null"`
	PricePaid     float64    `gorm:"column:price_paid;not null"`
	Currency      string     `gorm:"column:currency"`
	PaymentMethod *string    `gorm:"column:payment_method"`
	PaymentStatus Status     `gorm:"column:payment_status;not null;default:pending;index"`
	PaymentID     *string    `gorm:"column:payment_id;index"`
	PreferenceID  *string    `gorm:"column:preference_id;index"`
	AppliedAt     *time.Time `gorm:"column:applied_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (CreditPurchase) TableName() string {
	return "credit_purchases"
}

func (p *CreditPurchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = StatusPending
	}
	return nil
}

// IsApplied reports whether the purchase credits were already granted.
func (p *CreditPurchase) IsApplied() bool {
	return p.AppliedAt != nil
}
