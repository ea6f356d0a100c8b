package reconciliation

import (
	"context"
	"fmt"

	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

const DefaultPendingLimit = 10

type PendingResult struct {
	Processed    int   `json:"processed"`
	Checked      int   `json:"checked"`
	TotalPending int64 `json:"total_pending"`
}

// CheckPending re-queries the gateway for a user's purchases stuck in pending.
// It is a manual recovery path for missed webhooks and goes through the same
// settle step, so a purchase is never credited twice.
func (p *Processor) CheckPending(ctx context.Context, userID string, limit int) (*PendingResult, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	ctx = logger.With(ctx, "user_id", userID)
	log := logger.From(ctx)

	total, err := p.purchases.CountPendingByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count pending purchases: %w", err)
	}

	pending, err := p.purchases.ListPendingByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending purchases: %w", err)
	}

	res := &PendingResult{TotalPending: total}
	for _, pur := range pending {
		if pur.PreferenceID == nil || *pur.PreferenceID == "" {
			continue
		}
		res.Checked++

		search, err := p.gateway.SearchPayments(ctx, *pur.PreferenceID)
		if err != nil {
			log.Warn("payment search failed", "purchase_id", pur.ID, "error", err)
			continue
		}
		if len(search.Results) == 0 {
			continue
		}

		// results are sorted newest first
		payment := search.Results[0]
		if payment.ExternalReference != "" && payment.ExternalReference != pur.ID {
			log.Warn("payment found by preference references another purchase",
				"purchase_id", pur.ID,
				"external_reference", payment.ExternalReference,
				"security", true)
			continue
		}

		out := p.settle(ctx, &payment, pur)
		if out.Err != nil {
			log.Warn("pending purchase not settled", "purchase_id", pur.ID, "error", out.Err)
			continue
		}
		if out.PaymentStatus != pur.PaymentStatus {
			res.Processed++
		}
	}

	log.Info("pending purchases checked",
		"processed", res.Processed,
		"checked", res.Checked,
		"total_pending", res.TotalPending)
	return res, nil
}
