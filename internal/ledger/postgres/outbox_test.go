package postgres_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/ledger"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	ledgerPostgres "github.com/frahmantamala/credit-ledger/internal/ledger/postgres"
)

var _ = Describe("OutboxRepository", func() {
	var (
		db   *gorm.DB
		repo *ledgerPostgres.OutboxRepository
		ctx  context.Context
	)

	BeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(db.AutoMigrate(&dm.OutboxMessage{})).To(Succeed())

		repo = ledgerPostgres.NewOutboxRepository(db, "credit-ledger")
		ctx = context.Background()
	})

	It("should store events as pending JSON messages keyed by user", func() {
		event := events.NewCreditsAppliedEvent("purchase-1", "user-1", 10, 10)

		Expect(repo.Append(ctx, nil, "user-1", event)).To(Succeed())

		pending, err := repo.GetPending(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Topic).To(Equal("credit-ledger"))
		Expect(pending[0].MessageKey).To(Equal("user-1"))
		Expect(pending[0].EventType).To(Equal(events.EventTypeCreditsApplied))
		Expect(pending[0].Payload).To(ContainSubstring(`"purchase_id":"purchase-1"`))
	})

	It("should drop sent messages from the pending batch", func() {
		Expect(repo.Append(ctx, nil, "user-1", events.NewCreditsAppliedEvent("p1", "user-1", 1, 1))).To(Succeed())
		pending, _ := repo.GetPending(ctx, 10)

		Expect(repo.MarkSent(ctx, pending[0].ID)).To(Succeed())

		pending, err := repo.GetPending(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("should fail a message once it reaches the retry limit", func() {
		Expect(repo.Append(ctx, nil, "user-1", events.NewCreditsAppliedEvent("p1", "user-1", 1, 1))).To(Succeed())
		pending, _ := repo.GetPending(ctx, 10)
		id := pending[0].ID

		Expect(repo.RecordFailure(ctx, id, 2)).To(Succeed())
		var msg dm.OutboxMessage
		Expect(db.First(&msg, id).Error).To(Succeed())
		Expect(msg.Status).To(Equal(dm.OutboxStatusPending))
		Expect(msg.RetryCount).To(Equal(1))

		Expect(repo.RecordFailure(ctx, id, 2)).To(Succeed())
		Expect(db.First(&msg, id).Error).To(Succeed())
		Expect(msg.Status).To(Equal(dm.OutboxStatusFailed))
	})
})
