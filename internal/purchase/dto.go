package purchase

import (
	"time"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
)

type CheckoutRequest struct {
	PackageID string `json:"package_id" validate:"required,max=64"`
}

type PurchaseResponse struct {
	ID            string     `json:"id"`
	PackageID     string     `json:"package_id"`
	CreditsAmount int        `json:"credits_amount"`
	PricePaid     float64    `json:"price_paid"`
	PaymentStatus string     `json:"payment_status"`
	PaymentID     *string    `json:"payment_id,omitempty"`
	Applied       bool       `json:"applied"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func ToResponse(p *dm.CreditPurchase) PurchaseResponse {
	return PurchaseResponse{
		ID:            p.ID,
		PackageID:     p.PackageID,
		CreditsAmount: p.CreditsAmount,
		PricePaid:     p.PricePaid,
		PaymentStatus: string(p.PaymentStatus),
		PaymentID:     p.PaymentID,
		Applied:       p.IsApplied(),
		AppliedAt:     p.AppliedAt,
		CreatedAt:     p.CreatedAt,
	}
}
