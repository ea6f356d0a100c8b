package purchase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
)

var (
	ErrNotFound       = errors.New("purchase not found")
	ErrStatusConflict = errors.New("purchase status changed concurrently")
)

// Repository is the persistence contract for credit purchases.
type Repository interface {
	Create(ctx context.Context, p *dm.CreditPurchase) error
	GetByID(ctx context.Context, id string) (*dm.CreditPurchase, error)
	ListPendingByUser(ctx context.Context, userID string, limit int) ([]*dm.CreditPurchase, error)
	CountPendingByUser(ctx context.Context, userID string) (int64, error)
	FindRecentPending(ctx context.Context, since time.Time) (*dm.CreditPurchase, error)
	SetPreferenceID(ctx context.Context, id, preferenceID string) error
	// UpdateStatus moves a purchase from -> to only if it is still in from.
	UpdateStatus(ctx context.Context, id string, from, to dm.Status, paymentID string, paymentMethod *string) error
}

// MapGatewayStatus maps a gateway payment status onto a final purchase status.
// ok is false when the payment has not reached a final state yet.
func MapGatewayStatus(status string) (dm.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case gateway.StatusApproved:
		return dm.StatusApproved, true
	case gateway.StatusRejected:
		return dm.StatusRejected, true
	case gateway.StatusCancelled, gateway.StatusRefunded, gateway.StatusChargedBack:
		return dm.StatusCancelled, true
	}
	return dm.StatusPending, false
}
