package purchase_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	"github.com/frahmantamala/credit-ledger/internal/purchase"
)

type mockPurchaseRepository struct {
	purchases   map[string]*dm.CreditPurchase
	createError error
}

func newMockPurchaseRepository() *mockPurchaseRepository {
	return &mockPurchaseRepository{purchases: make(map[string]*dm.CreditPurchase)}
}

func (m *mockPurchaseRepository) Create(ctx context.Context, p *dm.CreditPurchase) error {
	if m.createError != nil {
		return m.createError
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now()
	m.purchases[p.ID] = p
	return nil
}

func (m *mockPurchaseRepository) GetByID(ctx context.Context, id string) (*dm.CreditPurchase, error) {
	p, ok := m.purchases[id]
	if !ok {
		return nil, purchase.ErrNotFound
	}
	return p, nil
}

func (m *mockPurchaseRepository) ListPendingByUser(ctx context.Context, userID string, limit int) ([]*dm.CreditPurchase, error) {
	var out []*dm.CreditPurchase
	for _, p := range m.purchases {
		if p.UserID == userID && p.PaymentStatus == dm.StatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPurchaseRepository) CountPendingByUser(ctx context.Context, userID string) (int64, error) {
	list, _ := m.ListPendingByUser(ctx, userID, 0)
	return int64(len(list)), nil
}

func (m *mockPurchaseRepository) FindRecentPending(ctx context.Context, since time.Time) (*dm.CreditPurchase, error) {
	return nil, purchase.ErrNotFound
}

func (m *mockPurchaseRepository) SetPreferenceID(ctx context.Context, id, preferenceID string) error {
	p, ok := m.purchases[id]
	if !ok {
		return purchase.ErrNotFound
	}
	p.PreferenceID = &preferenceID
	return nil
}

func (m *mockPurchaseRepository) UpdateStatus(ctx context.Context, id string, from, to dm.Status, paymentID string, paymentMethod *string) error {
	p, ok := m.purchases[id]
	if !ok {
		return purchase.ErrNotFound
	}
	if p.PaymentStatus != from {
		return purchase.ErrStatusConflict
	}
	p.PaymentStatus = to
	p.PaymentID = &paymentID
	return nil
}

type mockPreferenceCreator struct {
	lastRequest *gateway.PreferenceRequest
	err         error
}

func (m *mockPreferenceCreator) CreatePreference(ctx context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.lastRequest = &req
	return &gateway.Preference{ID: "pref-123", InitPoint: "https://mp.example/checkout/pref-123"}, nil
}

var _ = Describe("Purchase Service", func() {
	var (
		repo    *mockPurchaseRepository
		gw      *mockPreferenceCreator
		service *purchase.Service
		ctx     context.Context
	)

	BeforeEach(func() {
		repo = newMockPurchaseRepository()
		gw = &mockPreferenceCreator{}
		service = purchase.NewService(repo, gw, purchase.CheckoutConfig{
			Packages: []internal.CreditPackage{
				{ID: "starter", Name: "Starter", Credits: 10, Price: 19.9},
			},
			Currency:        "BRL",
			NotificationURL: "https://api.example/webhooks/mercadopago",
		}, nil)
		ctx = context.Background()
	})

	Describe("Checkout", func() {
		It("should create a pending purchase and attach the preference", func() {
			// When
			result, err := service.Checkout(ctx, "user-1", "starter")

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(result.PreferenceID).To(Equal("pref-123"))
			Expect(result.Credits).To(Equal(10))

			stored := repo.purchases[result.PurchaseID]
			Expect(stored.PaymentStatus).To(Equal(dm.StatusPending))
			Expect(*stored.PreferenceID).To(Equal("pref-123"))
			Expect(gw.lastRequest.ExternalReference).To(Equal(result.PurchaseID))
			Expect(gw.lastRequest.Metadata).To(HaveKeyWithValue("user_id", "user-1"))
		})

		It("should reject unknown packages", func() {
			_, err := service.Checkout(ctx, "user-1", "enterprise")

			Expect(err).To(MatchError(internal.ErrPackageNotFound))
			Expect(repo.purchases).To(BeEmpty())
		})

		It("should report the gateway as unavailable when the preference fails", func() {
			gw.err = errors.New("connection refused")

			_, err := service.Checkout(ctx, "user-1", "starter")

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeGatewayError))
		})
	})

	Describe("Get", func() {
		It("should hide purchases owned by another user", func() {
			result, err := service.Checkout(ctx, "user-1", "starter")
			Expect(err).ToNot(HaveOccurred())

			_, err = service.Get(ctx, "user-2", result.PurchaseID)

			Expect(err).To(MatchError(internal.ErrPurchaseNotFound))
		})

		It("should return the owner's purchase", func() {
			result, _ := service.Checkout(ctx, "user-1", "starter")

			p, err := service.Get(ctx, "user-1", result.PurchaseID)

			Expect(err).ToNot(HaveOccurred())
			Expect(p.CreditsAmount).To(Equal(10))
		})
	})

	Describe("MapGatewayStatus", func() {
		DescribeTable("maps gateway statuses",
			func(in string, want dm.Status, final bool) {
				got, ok := purchase.MapGatewayStatus(in)
				Expect(ok).To(Equal(final))
				Expect(got).To(Equal(want))
			},
			Entry("approved", "approved", dm.StatusApproved, true),
			Entry("rejected", "rejected", dm.StatusRejected, true),
			Entry("cancelled", "cancelled", dm.StatusCancelled, true),
			Entry("refunded", "refunded", dm.StatusCancelled, true),
			Entry("charged back", "charged_back", dm.StatusCancelled, true),
			Entry("in process", "in_process", dm.StatusPending, false),
			Entry("unknown", "weird", dm.StatusPending, false),
		)
	})
})
