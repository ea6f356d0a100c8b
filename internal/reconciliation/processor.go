package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/internal/purchase"
	"github.com/frahmantamala/credit-ledger/internal/webhook"
	"github.com/frahmantamala/credit-ledger/internal/webhooklog"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	GetMerchantOrder(ctx context.Context, orderID string) (*gateway.MerchantOrder, error)
	SearchPayments(ctx context.Context, preferenceID string) (*gateway.SearchResult, error)
}

type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

type Config struct {
	Mode Mode
	// DevelopmentWindow bounds how old a pending purchase the development
	// processor may match when the external reference is unusable.
	DevelopmentWindow time.Duration
	AmountTolerance   float64
}

// Outcome describes how one payment resolution ended.
type Outcome struct {
	Status        string
	PaymentID     string
	PurchaseID    string
	PaymentStatus dm.Status
	Applied       bool
	NewBalance    int
	Err           error
}

// Valid reports whether the delivery referred to a legitimate payment and purchase.
func (o Outcome) Valid() bool {
	return o.Err == nil
}

func (o Outcome) Processed() bool {
	switch o.Status {
	case webhook.StatusProcessed, webhook.StatusAlreadyProcessed, webhook.StatusNotApproved:
		return true
	}
	return false
}

// Processor turns gateway truth into purchase status transitions and credit grants.
// Correctness relies on the pending guard in the repository and the ledger's
// applied_at marker, never on delivery order.
type Processor struct {
	purchases purchase.Repository
	ledger    ledger.Ledger
	gateway   Gateway
	audit     webhooklog.Store
	locker    Locker
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewProcessor(purchases purchase.Repository, l ledger.Ledger, gw Gateway, audit webhooklog.Store,
	locker Locker, publisher events.Publisher, cfg Config, lg *slog.Logger) *Processor {
	if cfg.Mode == "" {
		cfg.Mode = ModeProduction
	}
	if cfg.DevelopmentWindow <= 0 {
		cfg.DevelopmentWindow = 24 * time.Hour
	}
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = 0.01
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Processor{
		purchases: purchases,
		ledger:    l,
		gateway:   gw,
		audit:     audit,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.OrDefault(lg),
		now:       time.Now,
	}
}

// Handle resolves a webhook delivery and writes exactly one audit row for it.
func (p *Processor) Handle(ctx context.Context, d webhook.Delivery) (res webhook.Result) {
	var out Outcome
	defer func() {
		if r := recover(); r != nil {
			logger.From(ctx).Error("panic while processing webhook", "panic", r, "resource_id", d.Event.ResourceID)
			out = Outcome{Status: webhook.StatusError, PaymentID: d.Event.ResourceID, Err: fmt.Errorf("unexpected error: %v", r)}
			res = webhook.Result{Status: out.Status, Message: out.Err.Error()}
		}
		p.record(ctx, d, out)
	}()

	switch d.Event.Type {
	case webhook.EventPayment:
		out = p.ProcessPayment(ctx, d.Event.ResourceID)
	case webhook.EventMerchantOrder:
		out = p.ProcessMerchantOrder(ctx, d.Event.ResourceID)
	default:
		out = Outcome{Status: webhook.StatusIgnored}
	}

	res = webhook.Result{Status: out.Status}
	if out.Err != nil {
		res.Message = out.Err.Error()
	}
	return res
}

// ProcessPayment resolves one gateway payment id end to end.
func (p *Processor) ProcessPayment(ctx context.Context, paymentID string) Outcome {
	log := logger.From(ctx).With("payment_id", paymentID)

	if err := ValidateResourceID(paymentID); err != nil {
		log.Warn("rejecting malformed payment id", "security", true)
		return Outcome{Status: webhook.StatusRejected, PaymentID: paymentID, Err: err}
	}

	if p.locker != nil {
		release, acquired, err := p.locker.Acquire(ctx, "reconcile:payment:"+paymentID)
		if err != nil {
			log.Error("reconcile lock unavailable, continuing without it", "error", err)
		} else if !acquired {
			log.Info("payment is being reconciled elsewhere")
			return Outcome{Status: webhook.StatusInProgress, PaymentID: paymentID}
		} else {
			defer release()
		}
	}

	payment, err := p.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		log.Error("failed to fetch payment from gateway", "error", err)
		return Outcome{Status: webhook.StatusError, PaymentID: paymentID, Err: fmt.Errorf("fetch payment: %w", err)}
	}

	pur, out := p.locatePurchase(ctx, payment)
	if pur == nil {
		return out
	}
	return p.settle(ctx, payment, pur)
}

// ProcessMerchantOrder resolves an order through its first payment.
func (p *Processor) ProcessMerchantOrder(ctx context.Context, orderID string) Outcome {
	log := logger.From(ctx).With("merchant_order_id", orderID)

	if err := ValidateResourceID(orderID); err != nil {
		log.Warn("rejecting malformed merchant order id", "security", true)
		return Outcome{Status: webhook.StatusRejected, Err: err}
	}

	order, err := p.gateway.GetMerchantOrder(ctx, orderID)
	if err != nil {
		log.Error("failed to fetch merchant order", "error", err)
		return Outcome{Status: webhook.StatusError, Err: fmt.Errorf("fetch merchant order: %w", err)}
	}
	if len(order.Payments) == 0 {
		log.Info("merchant order has no payments yet")
		return Outcome{Status: webhook.StatusNotApproved}
	}
	if len(order.Payments) > 1 {
		log.Warn("merchant order has several payments, using the first", "payments", len(order.Payments))
	}

	return p.ProcessPayment(ctx, strconv.FormatInt(order.Payments[0].ID, 10))
}

func (p *Processor) locatePurchase(ctx context.Context, payment *gateway.Payment) (*dm.CreditPurchase, Outcome) {
	log := logger.From(ctx).With("payment_id", payment.IDString(), "external_reference", payment.ExternalReference)
	reject := func(err error) Outcome {
		return Outcome{Status: webhook.StatusRejected, PaymentID: payment.IDString(), Err: err}
	}

	ref := payment.ExternalReference
	if err := ValidateExternalReference(ref); err != nil {
		if p.cfg.Mode != ModeDevelopment {
			log.Warn("rejecting payment with malformed external reference", "security", true)
			return nil, reject(err)
		}

		pur, ferr := p.purchases.FindRecentPending(ctx, p.now().Add(-p.cfg.DevelopmentWindow))
		if ferr != nil {
			log.Warn("no recent pending purchase to match in development mode", "error", ferr)
			return nil, reject(internal.ErrPurchaseNotFound)
		}
		log.Info("development mode matched most recent pending purchase", "purchase_id", pur.ID)
		return pur, Outcome{}
	}

	pur, err := p.purchases.GetByID(ctx, ref)
	if errors.Is(err, purchase.ErrNotFound) {
		log.Warn("payment references unknown purchase", "security", true)
		return nil, reject(internal.ErrPurchaseNotFound)
	}
	if err != nil {
		log.Error("failed to load purchase", "error", err)
		return nil, Outcome{Status: webhook.StatusError, PaymentID: payment.IDString(), Err: err}
	}
	return pur, Outcome{}
}

// settle applies the gateway status to pur. Shared by the webhook path and the pending sweep.
func (p *Processor) settle(ctx context.Context, payment *gateway.Payment, pur *dm.CreditPurchase) Outcome {
	paymentID := payment.IDString()
	log := logger.From(ctx).With("payment_id", paymentID, "purchase_id", pur.ID, "user_id", pur.UserID)
	base := Outcome{PaymentID: paymentID, PurchaseID: pur.ID, PaymentStatus: pur.PaymentStatus}

	if owner := metadataUserID(payment.Metadata); owner != "" && owner != pur.UserID {
		log.Warn("payment metadata user does not own purchase", "metadata_user_id", owner, "security", true)
		base.Status = webhook.StatusRejected
		base.Err = ErrOwnershipMismatch
		return base
	}

	if p.cfg.Mode != ModeDevelopment && math.Abs(payment.TransactionAmount-pur.PricePaid) > p.cfg.AmountTolerance {
		log.Warn("payment amount differs from purchase price",
			"gateway_amount", payment.TransactionAmount,
			"expected_amount", pur.PricePaid)
	}

	target, final := purchase.MapGatewayStatus(payment.Status)

	switch pur.PaymentStatus {
	case dm.StatusApproved:
		if pur.IsApplied() {
			log.Info("purchase already applied, nothing to do")
			base.Status = webhook.StatusAlreadyProcessed
			base.Applied = true
			return base
		}
		log.Warn("approved purchase was never applied, applying now")
		return p.apply(ctx, pur, base)

	case dm.StatusPending:
		if !final {
			log.Info("payment not final yet", "gateway_status", payment.Status)
			base.Status = webhook.StatusNotApproved
			return base
		}

	default:
		log.Info("purchase already settled", "payment_status", pur.PaymentStatus)
		base.Status = webhook.StatusAlreadyProcessed
		return base
	}

	var method *string
	if payment.PaymentMethodID != "" {
		method = &payment.PaymentMethodID
	}
	err := p.purchases.UpdateStatus(ctx, pur.ID, dm.StatusPending, target, paymentID, method)
	if errors.Is(err, purchase.ErrStatusConflict) {
		// another delivery won the transition; continue from whatever it left
		fresh, gerr := p.purchases.GetByID(ctx, pur.ID)
		if gerr != nil {
			base.Status = webhook.StatusError
			base.Err = gerr
			return base
		}
		if fresh.PaymentStatus == dm.StatusApproved && !fresh.IsApplied() {
			return p.apply(ctx, fresh, base)
		}
		base.Status = webhook.StatusAlreadyProcessed
		base.PaymentStatus = fresh.PaymentStatus
		base.Applied = fresh.IsApplied()
		return base
	}
	if err != nil {
		log.Error("failed to update purchase status", "error", err)
		base.Status = webhook.StatusError
		base.Err = fmt.Errorf("update purchase status: %w", err)
		return base
	}

	base.PaymentStatus = target
	_ = p.publisher.Publish(ctx, events.NewPurchaseReconciledEvent(pur.ID, pur.UserID, paymentID, string(target)))
	log.Info("purchase status updated", "payment_status", target)

	if target != dm.StatusApproved {
		base.Status = webhook.StatusProcessed
		return base
	}
	return p.apply(ctx, pur, base)
}

func (p *Processor) apply(ctx context.Context, pur *dm.CreditPurchase, base Outcome) Outcome {
	log := logger.From(ctx).With("purchase_id", pur.ID, "user_id", pur.UserID)

	res, err := p.ledger.ApplyPurchase(ctx, pur.ID)
	if err != nil {
		log.Error("failed to apply purchase credits", "error", err)
		base.Status = webhook.StatusError
		base.Err = fmt.Errorf("apply purchase: %w", err)
		return base
	}

	base.PaymentStatus = dm.StatusApproved
	base.Applied = true
	base.NewBalance = res.NewBalance
	if res.AlreadyApplied {
		base.Status = webhook.StatusAlreadyProcessed
		return base
	}

	_ = p.publisher.Publish(ctx, events.NewCreditsAppliedEvent(pur.ID, pur.UserID, pur.CreditsAmount, res.NewBalance))
	log.Info("purchase credits granted", "credits", pur.CreditsAmount, "new_balance", res.NewBalance)
	base.Status = webhook.StatusProcessed
	return base
}

func (p *Processor) record(ctx context.Context, d webhook.Delivery, out Outcome) {
	if p.audit == nil {
		return
	}

	paymentID := out.PaymentID
	if paymentID == "" {
		paymentID = d.Event.ResourceID
	}
	entry := webhooklog.Entry{
		PaymentID: paymentID,
		EventType: string(d.Event.Type),
		Payload:   d.Payload,
		Signature: d.Signature,
		Valid:     out.Valid(),
		Processed: out.Processed(),
		SourceIP:  d.SourceIP,
		RequestID: d.RequestID,
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}

	actx, cancel := internal.Detached(ctx, 5*time.Second)
	defer cancel()
	if err := p.audit.Record(actx, entry); err != nil {
		p.logger.Error("failed to write webhook audit log", "payment_id", paymentID, "error", err)
	}
}

func metadataUserID(md map[string]interface{}) string {
	if md == nil {
		return ""
	}
	if v, ok := md["user_id"].(string); ok {
		return v
	}
	return ""
}
