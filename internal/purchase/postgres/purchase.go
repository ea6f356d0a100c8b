package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	purchasepkg "github.com/frahmantamala/credit-ledger/internal/purchase"
)

type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) Create(ctx context.Context, p *dm.CreditPurchase) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PurchaseRepository) GetByID(ctx context.Context, id string) (*dm.CreditPurchase, error) {
	var p dm.CreditPurchase
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, purchasepkg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PurchaseRepository) ListPendingByUser(ctx context.Context, userID string, limit int) ([]*dm.CreditPurchase, error) {
	var purchases []*dm.CreditPurchase
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND payment_status = ?", userID, dm.StatusPending).
		Order("created_at DESC").
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

func (r *PurchaseRepository) CountPendingByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&dm.CreditPurchase{}).
		Where("user_id = ? AND payment_status = ?", userID, dm.StatusPending).
		Count(&count).Error
	return count, err
}

func (r *PurchaseRepository) FindRecentPending(ctx context.Context, since time.Time) (*dm.CreditPurchase, error) {
	var p dm.CreditPurchase
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND created_at >= ?", dm.StatusPending, since).
		Order("created_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, purchasepkg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PurchaseRepository) SetPreferenceID(ctx context.Context, id, preferenceID string) error {
	return r.db.WithContext(ctx).Model(&dm.CreditPurchase{}).
		Where("id = ?", id).
		Update("preference_id", preferenceID).Error
}

func (r *PurchaseRepository) UpdateStatus(ctx context.Context, id string, from, to dm.Status, paymentID string, paymentMethod *string) error {
	if _, err := from.Transition(to); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"payment_status": to,
		"updated_at":     time.Now().UTC(),
	}
	if paymentID != "" {
		updates["payment_id"] = paymentID
	}
	if paymentMethod != nil {
		updates["payment_method"] = *paymentMethod
	}

	res := r.db.WithContext(ctx).Model(&dm.CreditPurchase{}).
		Where("id = ? AND payment_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return purchasepkg.ErrStatusConflict
	}
	return nil
}
