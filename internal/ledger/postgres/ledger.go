package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dmledger "github.com/frahmantamala/credit-ledger/internal/core/datamodel/ledger"
	dmpurchase "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	dmvideo "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// Ledger implements ledger.Ledger with gorm transactions. Each mutation locks the
// rows it reads, guards every update with a conditional WHERE and appends one
// credit_transactions row plus one outbox message before committing.
type Ledger struct {
	db     *gorm.DB
	outbox *OutboxRepository
	cost   int
	logger *slog.Logger
}

func NewLedger(db *gorm.DB, outbox *OutboxRepository, creditCost int, lg *slog.Logger) *Ledger {
	if creditCost <= 0 {
		creditCost = 1
	}
	return &Ledger{db: db, outbox: outbox, cost: creditCost, logger: logger.OrDefault(lg)}
}

var _ ledger.Ledger = (*Ledger)(nil)

func (l *Ledger) ApplyPurchase(ctx context.Context, purchaseID string) (*ledger.ApplyResult, error) {
	var res *ledger.ApplyResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p dmpurchase.CreditPurchase
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", purchaseID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrPurchaseNotFound
		}
		if err != nil {
			return err
		}

		alreadyApplied := func() error {
			bal, err := l.balance(tx, p.UserID)
			if err != nil {
				return err
			}
			res = &ledger.ApplyResult{Success: true, AlreadyApplied: true, NewBalance: bal, UserID: p.UserID}
			return nil
		}

		if p.IsApplied() {
			return alreadyApplied()
		}
		if p.PaymentStatus != dmpurchase.StatusApproved {
			return ledger.ErrPurchaseNotApproved
		}

		upd := tx.Model(&dmpurchase.CreditPurchase{}).
			Where("id = ? AND applied_at IS NULL", p.ID).
			Update("applied_at", time.Now().UTC())
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return alreadyApplied()
		}

		bal, err := l.credit(tx, p.UserID, p.CreditsAmount)
		if err != nil {
			return err
		}

		purchaseRef := p.ID
		if err := l.record(ctx, tx, &dmledger.CreditTransaction{
			UserID:          p.UserID,
			Amount:          p.CreditsAmount,
			BalanceAfter:    bal,
			TransactionType: dmledger.TransactionPurchase,
			PurchaseID:      &purchaseRef,
			IdempotencyKey:  ledger.PurchaseKey(p.ID),
			Description:     fmt.Sprintf("purchase of package %s", p.PackageID),
		}, events.NewCreditsAppliedEvent(p.ID, p.UserID, p.CreditsAmount, bal)); err != nil {
			return err
		}

		res = &ledger.ApplyResult{Success: true, NewBalance: bal, CreditsAdded: p.CreditsAmount, UserID: p.UserID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyApplied {
		l.logger.Info("purchase credits applied",
			"purchase_id", purchaseID,
			"user_id", res.UserID,
			"credits", res.CreditsAdded,
			"new_balance", res.NewBalance)
	}
	return res, nil
}

func (l *Ledger) ConsumeForVideo(ctx context.Context, userID, videoID string) (*ledger.ConsumeResult, error) {
	var res *ledger.ConsumeResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := l.lockVideo(tx, videoID)
		if err != nil {
			return err
		}
		if v.UserID != userID {
			return ledger.ErrVideoNotFound
		}
		if v.CreditsUsed != 0 {
			return ledger.ErrAlreadyConsumed
		}

		upd := tx.Model(&dmvideo.VideoGeneration{}).
			Where("id = ? AND credits_used = 0", v.ID).
			Update("credits_used", 1)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ledger.ErrAlreadyConsumed
		}

		bal, err := l.debit(tx, userID, l.cost)
		if err != nil {
			return err
		}

		videoRef := v.ID
		if err := l.record(ctx, tx, &dmledger.CreditTransaction{
			UserID:          userID,
			Amount:          -l.cost,
			BalanceAfter:    bal,
			TransactionType: dmledger.TransactionConsumption,
			VideoID:         &videoRef,
			IdempotencyKey:  ledger.ConsumeKey(v.ID, v.RetryCount),
			Description:     "video generation",
		}, events.NewCreditsConsumedEvent(v.ID, userID, l.cost, bal)); err != nil {
			return err
		}

		res = &ledger.ConsumeResult{Success: true, NewBalance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Ledger) RefundForVideo(ctx context.Context, videoID string) (*ledger.RefundResult, error) {
	var res *ledger.RefundResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := l.lockVideo(tx, videoID)
		if err != nil {
			return err
		}

		refundKey := ledger.RefundKey(v.ID, v.RetryCount)
		alreadyRefunded := func() error {
			var count int64
			if err := tx.Model(&dmledger.CreditTransaction{}).
				Where("idempotency_key = ?", refundKey).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ledger.ErrNotConsumed
			}
			bal, err := l.balance(tx, v.UserID)
			if err != nil {
				return err
			}
			res = &ledger.RefundResult{Success: true, AlreadyRefunded: true, NewBalance: bal}
			return nil
		}

		if v.CreditsUsed == 0 {
			return alreadyRefunded()
		}

		amount, err := l.consumedAmount(tx, v)
		if err != nil {
			return err
		}

		upd := tx.Model(&dmvideo.VideoGeneration{}).
			Where("id = ? AND credits_used = 1", v.ID).
			Update("credits_used", 0)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return alreadyRefunded()
		}

		bal, err := l.credit(tx, v.UserID, amount)
		if err != nil {
			return err
		}

		videoRef := v.ID
		if err := l.record(ctx, tx, &dmledger.CreditTransaction{
			UserID:          v.UserID,
			Amount:          amount,
			BalanceAfter:    bal,
			TransactionType: dmledger.TransactionRefund,
			VideoID:         &videoRef,
			IdempotencyKey:  refundKey,
			Description:     "refund for failed video generation",
		}, events.NewCreditsRefundedEvent(v.ID, v.UserID, amount, bal)); err != nil {
			return err
		}

		res = &ledger.RefundResult{Success: true, NewBalance: bal, Refunded: amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Ledger) CreateVideoAndConsume(ctx context.Context, params ledger.CreateVideoParams) (*ledger.CreateVideoResult, error) {
	var res *ledger.CreateVideoResult

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.ensureProfile(tx, params.UserID); err != nil {
			return err
		}

		var profile dmledger.UserProfile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", params.UserID).
			First(&profile).Error; err != nil {
			return err
		}
		if profile.CreditsBalance < l.cost {
			return ledger.ErrInsufficientCredits
		}

		maxRetries := params.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}
		v := &dmvideo.VideoGeneration{
			UserID:           params.UserID,
			Prompt:           params.Prompt,
			TranslatedPrompt: params.TranslatedPrompt,
			SourceImageKey:   params.SourceImageKey,
			Status:           dmvideo.StatusProcessing,
			CreditsUsed:      1,
			MaxRetries:       maxRetries,
			Model:            params.Model,
			Duration:         params.Duration,
			Resolution:       params.Resolution,
		}
		if err := tx.Create(v).Error; err != nil {
			return err
		}

		bal, err := l.debit(tx, params.UserID, l.cost)
		if err != nil {
			return err
		}

		videoRef := v.ID
		if err := l.record(ctx, tx, &dmledger.CreditTransaction{
			UserID:          params.UserID,
			Amount:          -l.cost,
			BalanceAfter:    bal,
			TransactionType: dmledger.TransactionConsumption,
			VideoID:         &videoRef,
			IdempotencyKey:  ledger.ConsumeKey(v.ID, v.RetryCount),
			Description:     "video generation",
		}, events.NewCreditsConsumedEvent(v.ID, params.UserID, l.cost, bal)); err != nil {
			return err
		}

		res = &ledger.CreateVideoResult{Success: true, VideoID: v.ID, Video: v, NewBalance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (int, error) {
	return l.balance(l.db.WithContext(ctx), userID)
}

func (l *Ledger) lockVideo(tx *gorm.DB, videoID string) (*dmvideo.VideoGeneration, error) {
	var v dmvideo.VideoGeneration
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", videoID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// consumedAmount returns what the current attempt debited, falling back to the configured cost.
func (l *Ledger) consumedAmount(tx *gorm.DB, v *dmvideo.VideoGeneration) (int, error) {
	var txn dmledger.CreditTransaction
	err := tx.Where("idempotency_key = ?", ledger.ConsumeKey(v.ID, v.RetryCount)).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l.cost, nil
	}
	if err != nil {
		return 0, err
	}
	return -txn.Amount, nil
}

func (l *Ledger) ensureProfile(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&dmledger.UserProfile{UserID: userID}).Error
}

func (l *Ledger) credit(tx *gorm.DB, userID string, amount int) (int, error) {
	if err := l.ensureProfile(tx, userID); err != nil {
		return 0, err
	}
	if err := tx.Model(&dmledger.UserProfile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"credits_balance": gorm.Expr("credits_balance + ?", amount),
			"version":         gorm.Expr("version + 1"),
		}).Error; err != nil {
		return 0, err
	}
	return l.balance(tx, userID)
}

func (l *Ledger) debit(tx *gorm.DB, userID string, amount int) (int, error) {
	upd := tx.Model(&dmledger.UserProfile{}).
		Where("user_id = ? AND credits_balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"credits_balance": gorm.Expr("credits_balance - ?", amount),
			"version":         gorm.Expr("version + 1"),
		})
	if upd.Error != nil {
		return 0, upd.Error
	}
	if upd.RowsAffected == 0 {
		return 0, ledger.ErrInsufficientCredits
	}
	return l.balance(tx, userID)
}

func (l *Ledger) balance(tx *gorm.DB, userID string) (int, error) {
	var profile dmledger.UserProfile
	err := tx.Select("credits_balance").Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return profile.CreditsBalance, nil
}

func (l *Ledger) record(ctx context.Context, tx *gorm.DB, txn *dmledger.CreditTransaction, event events.Event) error {
	if err := tx.Create(txn).Error; err != nil {
		return fmt.Errorf("append credit transaction %s: %w", txn.IdempotencyKey, err)
	}
	if l.outbox == nil {
		return nil
	}
	if err := l.outbox.Append(ctx, tx, txn.UserID, event); err != nil {
		return fmt.Errorf("append outbox message: %w", err)
	}
	return nil
}
