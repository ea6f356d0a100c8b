package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

type PreferenceCreator interface {
	CreatePreference(ctx context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error)
}

type CheckoutConfig struct {
	Packages        []internal.CreditPackage
	Currency        string
	NotificationURL string
	SuccessURL      string
}

type CheckoutResult struct {
	PurchaseID   string  `json:"purchase_id"`
	PreferenceID string  `json:"preference_id"`
	InitPoint    string  `json:"init_point"`
	Credits      int     `json:"credits"`
	Price        float64 `json:"price"`
}

type ServiceAPI interface {
	Checkout(ctx context.Context, userID, packageID string) (*CheckoutResult, error)
	Get(ctx context.Context, userID, purchaseID string) (*dm.CreditPurchase, error)
}

type Service struct {
	repo    Repository
	gateway PreferenceCreator
	cfg     CheckoutConfig
	logger  *slog.Logger
}

func NewService(repo Repository, gw PreferenceCreator, cfg CheckoutConfig, lg *slog.Logger) *Service {
	return &Service{repo: repo, gateway: gw, cfg: cfg, logger: logger.OrDefault(lg)}
}

func (s *Service) findPackage(id string) (internal.CreditPackage, bool) {
	for _, p := range s.cfg.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return internal.CreditPackage{}, false
}

// Checkout records a pending purchase and opens a gateway preference for it.
func (s *Service) Checkout(ctx context.Context, userID, packageID string) (*CheckoutResult, error) {
	pkg, ok := s.findPackage(packageID)
	if !ok {
		return nil, internal.ErrPackageNotFound
	}

	p := &dm.CreditPurchase{
		UserID:        userID,
		PackageID:     pkg.ID,
		CreditsAmount: pkg.Credits,
		PricePaid:     pkg.Price,
		Currency:      s.cfg.Currency,
		PaymentStatus: dm.StatusPending,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	req := gateway.PreferenceRequest{
		Items: []gateway.PreferenceItem{{
			ID:         pkg.ID,
			Title:      pkg.Name,
			Quantity:   1,
			UnitPrice:  pkg.Price,
			CurrencyID: s.cfg.Currency,
		}},
		ExternalReference: p.ID,
		NotificationURL:   s.cfg.NotificationURL,
		Metadata:          map[string]interface{}{"user_id": userID, "purchase_id": p.ID},
	}
	if s.cfg.SuccessURL != "" {
		req.BackURLs = &gateway.BackURLs{Success: s.cfg.SuccessURL, Pending: s.cfg.SuccessURL, Failure: s.cfg.SuccessURL}
	}

	pref, err := s.gateway.CreatePreference(ctx, req)
	if err != nil {
		s.logger.Error("create preference failed", "purchase_id", p.ID, "error", err)
		return nil, internal.NewExternalError("payment gateway unavailable", internal.ErrCodeGatewayError, err)
	}

	if err := s.repo.SetPreferenceID(ctx, p.ID, pref.ID); err != nil {
		return nil, fmt.Errorf("store preference id: %w", err)
	}

	s.logger.Info("checkout started",
		"purchase_id", p.ID,
		"user_id", userID,
		"package_id", pkg.ID,
		"preference_id", pref.ID)

	return &CheckoutResult{
		PurchaseID:   p.ID,
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
		Credits:      pkg.Credits,
		Price:        pkg.Price,
	}, nil
}

func (s *Service) Get(ctx context.Context, userID, purchaseID string) (*dm.CreditPurchase, error) {
	p, err := s.repo.GetByID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrPurchaseNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		s.logger.Warn("purchase ownership mismatch", "purchase_id", purchaseID, "user_id", userID, "security", true)
		return nil, internal.ErrPurchaseNotFound
	}
	return p, nil
}
