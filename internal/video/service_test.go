package video_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/credit-ledger/internal"
	dmledger "github.com/frahmantamala/credit-ledger/internal/core/datamodel/ledger"
	dmpurchase "github.com/frahmantamala/credit-ledger/internal/core/datamodel/purchase"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	ledgerPostgres "github.com/frahmantamala/credit-ledger/internal/ledger/postgres"
	"github.com/frahmantamala/credit-ledger/internal/video"
	videoPostgres "github.com/frahmantamala/credit-ledger/internal/video/postgres"
	"github.com/frahmantamala/credit-ledger/internal/vidu"
)

type mockGenerator struct {
	mu       sync.Mutex
	requests []vidu.GenerateRequest
	taskID   string
	err      error
	panics   bool
}

func (m *mockGenerator) Submit(ctx context.Context, req vidu.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.panics {
		panic("generator exploded")
	}
	if m.err != nil {
		return "", m.err
	}
	return m.taskID, nil
}

type mockModerator struct {
	nsfw bool
	err  error
}

func (m *mockModerator) IsNSFW(ctx context.Context, image []byte) (bool, error) {
	return m.nsfw, m.err
}

type mockStore struct {
	objects map[string][]byte
}

func (m *mockStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.objects[key] = data
	return nil
}

func (m *mockStore) URL(ctx context.Context, key string) (string, error) {
	return "https://storage.example.com/" + key + "?signed=1", nil
}

type mockDispatcher struct {
	jobs []video.Job
}

func (m *mockDispatcher) Enqueue(job video.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

// staleBalanceLedger hides balance changes to exercise the legacy failsafe.
type staleBalanceLedger struct {
	ledger.Ledger
	balance int
}

func (l *staleBalanceLedger) GetBalance(ctx context.Context, userID string) (int, error) {
	return l.balance, nil
}

type brokenRefundLedger struct {
	ledger.Ledger
}

func (l *brokenRefundLedger) RefundForVideo(ctx context.Context, videoID string) (*ledger.RefundResult, error) {
	return nil, errors.New("connection reset")
}

func testImage(w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

var _ = Describe("Service", func() {
	var (
		db        *gorm.DB
		repo      *videoPostgres.VideoRepository
		native    *ledgerPostgres.Ledger
		generator *mockGenerator
		moderator *mockModerator
		svc       *video.Service
		ctx       context.Context
	)

	newService := func(l ledger.Ledger, mode video.ConsumeMode, store video.ImageStore) *video.Service {
		return video.NewService(video.Deps{
			Repo:      repo,
			Ledger:    l,
			Generator: generator,
			Moderator: moderator,
			Store:     store,
		}, video.Config{Model: "vidu2.0", Duration: 4, Resolution: "720p", MaxRetries: 1, ConsumeMode: mode}, nil)
	}

	fund := func(userID string, credits int) {
		p := &dmpurchase.CreditPurchase{
			UserID:        userID,
			PackageID:     "starter",
			CreditsAmount: credits,
			PricePaid:     9.9,
			PaymentStatus: dmpurchase.StatusApproved,
		}
		Expect(db.Create(p).Error).To(Succeed())
		_, err := native.ApplyPurchase(ctx, p.ID)
		Expect(err).ToNot(HaveOccurred())
	}

	balanceOf := func(userID string) int {
		bal, err := native.GetBalance(ctx, userID)
		Expect(err).ToNot(HaveOccurred())
		return bal
	}

	reload := func(id string) *dm.VideoGeneration {
		v, err := repo.GetByID(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return v
	}

	countTransactions := func(videoID string, kind dmledger.TransactionType) int64 {
		var n int64
		Expect(db.Model(&dmledger.CreditTransaction{}).
			Where("video_id = ? AND transaction_type = ?", videoID, kind).
			Count(&n).Error).To(Succeed())
		return n
	}

	BeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)

		Expect(db.AutoMigrate(
			&dmpurchase.CreditPurchase{},
			&dmledger.UserProfile{},
			&dmledger.CreditTransaction{},
			&dmledger.OutboxMessage{},
			&dm.VideoGeneration{},
		)).To(Succeed())

		repo = videoPostgres.NewVideoRepository(db)
		native = ledgerPostgres.NewLedger(db, ledgerPostgres.NewOutboxRepository(db, "credit-ledger"), 1, nil)
		generator = &mockGenerator{taskID: "task-1"}
		moderator = &mockModerator{}
		ctx = context.Background()
		svc = newService(native, video.ConsumeAtomic, nil)
	})

	Describe("Generate", func() {
		It("should take one credit and submit the job", func() {
			// Given
			fund("user-1", 3)

			// When
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "a cat surfing", ImageBase64: testImage(32, 32)})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Status).To(Equal(dm.StatusProcessing))
			Expect(v.CreditsUsed).To(Equal(1))
			Expect(*v.ViduTaskID).To(Equal("task-1"))
			Expect(balanceOf("user-1")).To(Equal(2))
			Expect(countTransactions(v.ID, dmledger.TransactionConsumption)).To(Equal(int64(1)))

			Expect(generator.requests).To(HaveLen(1))
			Expect(generator.requests[0].Model).To(Equal("vidu2.0"))
			Expect(generator.requests[0].Images[0]).To(HavePrefix("data:image/jpeg;base64,"))
		})

		It("should refuse without creating a row when credits are insufficient", func() {
			_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "a cat"})

			Expect(err).To(MatchError(internal.ErrInsufficientCredits))
			var n int64
			Expect(db.Model(&dm.VideoGeneration{}).Count(&n).Error).To(Succeed())
			Expect(n).To(BeZero())
			Expect(generator.requests).To(BeEmpty())
		})

		It("should reject NSFW images before consuming a credit", func() {
			// Given
			fund("user-1", 3)
			moderator.nsfw = true

			// When
			_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x", ImageBase64: testImage(8, 8)})

			// Then
			Expect(err).To(MatchError(internal.ErrNSFWContent))
			Expect(balanceOf("user-1")).To(Equal(3))
			Expect(generator.requests).To(BeEmpty())

			var rows []dm.VideoGeneration
			Expect(db.Find(&rows).Error).To(Succeed())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Status).To(Equal(dm.StatusFailed))
			Expect(*rows[0].ErrorCode).To(Equal(dm.ErrorCodeNSFW))
			Expect(rows[0].CreditsUsed).To(BeZero())
		})

		It("should fail closed when moderation is unavailable", func() {
			fund("user-1", 3)
			moderator.err = errors.New("moderation down")

			_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x", ImageBase64: testImage(8, 8)})

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeGatewayError))
			Expect(balanceOf("user-1")).To(Equal(3))
		})

		It("should reject images that do not decode", func() {
			fund("user-1", 3)

			_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{
				Prompt:      "x",
				ImageBase64: base64.StdEncoding.EncodeToString([]byte("not an image")),
			})

			Expect(err).To(MatchError(internal.ErrInvalidImage))
			Expect(balanceOf("user-1")).To(Equal(3))
		})

		DescribeTable("should refund exactly once and fail the video when submission fails",
			func(setup func(), code string) {
				// Given
				fund("user-1", 2)
				setup()

				// When
				v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "a cat"})

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(dm.StatusFailed))
				Expect(*v.ErrorCode).To(Equal(code))
				Expect(v.CreditsUsed).To(BeZero())
				Expect(balanceOf("user-1")).To(Equal(2))
				Expect(countTransactions(v.ID, dmledger.TransactionConsumption)).To(Equal(int64(1)))
				Expect(countTransactions(v.ID, dmledger.TransactionRefund)).To(Equal(int64(1)))
			},
			Entry("non-2xx answer", func() {
				generator.err = &vidu.APIError{StatusCode: 500, Body: "boom"}
			}, dm.ErrorCodeGatewayRejected),
			Entry("unparseable body", func() {
				generator.err = vidu.ErrInvalidResponse
			}, dm.ErrorCodeInvalidResponse),
			Entry("missing task id", func() {
				generator.err = vidu.ErrMissingTaskID
			}, dm.ErrorCodeMissingTaskID),
			Entry("unexpected panic", func() {
				generator.panics = true
			}, dm.ErrorCodeUnexpected),
		)

		It("should record a failed refund on the video for manual reconciliation", func() {
			// Given
			fund("user-1", 2)
			svc = newService(&brokenRefundLedger{Ledger: native}, video.ConsumeAtomic, nil)
			generator.err = &vidu.APIError{StatusCode: 400, Body: "bad"}

			// When
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "a cat"})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Status).To(Equal(dm.StatusFailed))
			Expect(*v.ErrorMessage).To(ContainSubstring("refund failed: connection reset"))
			Expect(v.CreditsUsed).To(Equal(1))
			Expect(v.RetryEligible()).To(BeFalse())
			Expect(balanceOf("user-1")).To(Equal(1))
		})

		It("should upload the image and send a presigned link when storage is configured", func() {
			fund("user-1", 1)
			store := &mockStore{objects: map[string][]byte{}}
			svc = newService(native, video.ConsumeAtomic, store)

			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x", ImageBase64: testImage(16, 16)})

			Expect(err).ToNot(HaveOccurred())
			Expect(store.objects).To(HaveLen(1))
			Expect(v.SourceImageKey).ToNot(BeNil())
			Expect(store.objects).To(HaveKey(*v.SourceImageKey))
			Expect(generator.requests[0].Images[0]).To(HavePrefix("https://storage.example.com/sources/user-1/"))
		})

		It("should hand the job to the dispatcher when one is set", func() {
			fund("user-1", 1)
			dispatcher := &mockDispatcher{}
			svc.SetDispatcher(dispatcher)

			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})

			Expect(err).ToNot(HaveOccurred())
			Expect(v.Status).To(Equal(dm.StatusProcessing))
			Expect(dispatcher.jobs).To(ConsistOf(video.Job{VideoID: v.ID}))
			Expect(generator.requests).To(BeEmpty())
		})

		Context("legacy consume mode", func() {
			It("should consume, mark processing and submit", func() {
				fund("user-1", 2)
				svc = newService(native, video.ConsumeLegacy, nil)

				v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})

				Expect(err).ToNot(HaveOccurred())
				Expect(v.Status).To(Equal(dm.StatusProcessing))
				Expect(v.CreditsUsed).To(Equal(1))
				Expect(balanceOf("user-1")).To(Equal(1))
			})

			It("should mark the row failed when credits are insufficient", func() {
				svc = newService(native, video.ConsumeLegacy, nil)

				_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})

				Expect(err).To(MatchError(internal.ErrInsufficientCredits))
				var rows []dm.VideoGeneration
				Expect(db.Find(&rows).Error).To(Succeed())
				Expect(rows).To(HaveLen(1))
				Expect(*rows[0].ErrorCode).To(Equal(dm.ErrorCodeInsufficient))
			})

			It("should compensate when the balance did not go down", func() {
				// Given
				fund("user-1", 2)
				svc = newService(&staleBalanceLedger{Ledger: native, balance: 2}, video.ConsumeLegacy, nil)

				// When
				_, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})

				// Then
				Expect(err).To(HaveOccurred())
				var v dm.VideoGeneration
				Expect(db.First(&v).Error).To(Succeed())
				Expect(v.Status).To(Equal(dm.StatusFailed))
				Expect(*v.ErrorCode).To(Equal(dm.ErrorCodeConsumeFailsafe))
				Expect(v.CreditsUsed).To(BeZero())
				Expect(balanceOf("user-1")).To(Equal(2))
				Expect(generator.requests).To(BeEmpty())
			})
		})
	})

	Describe("HandleCallback", func() {
		var v *dm.VideoGeneration

		BeforeEach(func() {
			fund("user-1", 2)
			var err error
			v, err = svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should complete the video on success", func() {
			err := svc.HandleCallback(ctx, vidu.Callback{
				TaskID:    "task-1",
				State:     vidu.StateSuccess,
				Creations: []vidu.Creation{{URL: "https://cdn.example.com/v.mp4"}},
			})

			Expect(err).ToNot(HaveOccurred())
			stored := reload(v.ID)
			Expect(stored.Status).To(Equal(dm.StatusCompleted))
			Expect(*stored.VideoURL).To(Equal("https://cdn.example.com/v.mp4"))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(balanceOf("user-1")).To(Equal(1))
		})

		It("should refund once when the job fails, even if the callback repeats", func() {
			cb := vidu.Callback{TaskID: "task-1", State: vidu.StateFailed, ErrCode: "ImageDownloadFailure"}

			Expect(svc.HandleCallback(ctx, cb)).To(Succeed())
			Expect(svc.HandleCallback(ctx, cb)).To(Succeed())

			stored := reload(v.ID)
			Expect(stored.Status).To(Equal(dm.StatusFailed))
			Expect(*stored.ErrorCode).To(Equal(dm.ErrorCodeGenerationFailed))
			Expect(*stored.ErrorMessage).To(ContainSubstring("ImageDownloadFailure"))
			Expect(balanceOf("user-1")).To(Equal(2))
			Expect(countTransactions(v.ID, dmledger.TransactionRefund)).To(Equal(int64(1)))
		})

		It("should reject unknown tasks", func() {
			err := svc.HandleCallback(ctx, vidu.Callback{TaskID: "nope", State: vidu.StateSuccess})
			Expect(err).To(MatchError(internal.ErrVideoNotFound))
		})
	})

	Describe("Retry", func() {
		It("should re-run a refunded failure with a fresh consumption", func() {
			// Given
			fund("user-1", 2)
			generator.err = &vidu.APIError{StatusCode: 503, Body: "busy"}
			failed, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())
			Expect(failed.Status).To(Equal(dm.StatusFailed))
			generator.err = nil
			generator.taskID = "task-2"

			// When
			v, err := svc.Retry(ctx, failed.ID)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Status).To(Equal(dm.StatusProcessing))
			Expect(v.RetryCount).To(Equal(1))
			Expect(*v.ViduTaskID).To(Equal("task-2"))
			Expect(v.ErrorCode).To(BeNil())
			Expect(balanceOf("user-1")).To(Equal(1))
			Expect(countTransactions(v.ID, dmledger.TransactionConsumption)).To(Equal(int64(2)))

			_, err = svc.Retry(ctx, v.ID)
			Expect(err).To(MatchError(internal.ErrRetryNotAllowed))
		})

		It("should not retry moderation rejections", func() {
			fund("user-1", 2)
			moderator.nsfw = true
			_, _ = svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x", ImageBase64: testImage(8, 8)})
			var rejected dm.VideoGeneration
			Expect(db.First(&rejected).Error).To(Succeed())

			_, err := svc.Retry(ctx, rejected.ID)

			Expect(err).To(MatchError(internal.ErrRetryNotAllowed))
		})

		It("should leave the failure and retry budget alone when the user cannot pay", func() {
			// Given a refunded failure and a balance spent elsewhere
			fund("user-1", 1)
			generator.err = &vidu.APIError{StatusCode: 503, Body: "busy"}
			failed, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())
			generator.err = nil
			_, err = svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "y"})
			Expect(err).ToNot(HaveOccurred())
			Expect(balanceOf("user-1")).To(BeZero())
			before := reload(failed.ID)

			// When
			_, err = svc.Retry(ctx, failed.ID)

			// Then
			Expect(err).To(MatchError(internal.ErrInsufficientCredits))
			after := reload(failed.ID)
			Expect(after.RetryCount).To(Equal(0))
			Expect(after.ErrorCode).To(Equal(before.ErrorCode))
			Expect(after.RetryEligible()).To(BeTrue())

			fund("user-1", 1)
			v, err := svc.Retry(ctx, failed.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(v.Status).To(Equal(dm.StatusProcessing))
			Expect(v.RetryCount).To(Equal(1))
		})

		It("should restore the row when the balance disappears before the consume", func() {
			// Given
			fund("user-1", 1)
			generator.err = &vidu.APIError{StatusCode: 503, Body: "busy"}
			failed, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())
			generator.err = nil
			_, err = svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "y"})
			Expect(err).ToNot(HaveOccurred())
			before := reload(failed.ID)

			// When the pre-check reads a balance that is already gone
			stale := newService(&staleBalanceLedger{Ledger: native, balance: 3}, video.ConsumeAtomic, nil)
			_, err = stale.Retry(ctx, failed.ID)

			// Then
			Expect(err).To(MatchError(internal.ErrInsufficientCredits))
			after := reload(failed.ID)
			Expect(after.Status).To(Equal(dm.StatusFailed))
			Expect(after.RetryCount).To(Equal(0))
			Expect(*after.ErrorCode).To(Equal(*before.ErrorCode))
			Expect(after.RetryEligible()).To(BeTrue())
			Expect(balanceOf("user-1")).To(BeZero())
		})

		It("should report unknown videos", func() {
			_, err := svc.Retry(ctx, "missing")
			Expect(err).To(MatchError(internal.ErrVideoNotFound))
		})
	})

	Describe("Abandon", func() {
		It("should refund a queued job and leave it retryable", func() {
			// Given a job that was accepted but never submitted
			fund("user-1", 1)
			dispatcher := &mockDispatcher{}
			svc.SetDispatcher(dispatcher)
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())
			Expect(balanceOf("user-1")).To(BeZero())

			// When
			svc.Abandon(ctx, dispatcher.jobs[0])

			// Then
			stored := reload(v.ID)
			Expect(stored.Status).To(Equal(dm.StatusFailed))
			Expect(*stored.ErrorCode).To(Equal(dm.ErrorCodeAbandoned))
			Expect(stored.RetryEligible()).To(BeTrue())
			Expect(balanceOf("user-1")).To(Equal(1))
			Expect(countTransactions(v.ID, dmledger.TransactionRefund)).To(Equal(int64(1)))
			Expect(generator.requests).To(BeEmpty())

			svc.Abandon(ctx, dispatcher.jobs[0])
			Expect(countTransactions(v.ID, dmledger.TransactionRefund)).To(Equal(int64(1)))
		})

		It("should settle a job whose worker context was already cancelled", func() {
			fund("user-1", 1)
			dispatcher := &mockDispatcher{}
			svc.SetDispatcher(dispatcher)
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			svc.Process(cancelled, dispatcher.jobs[0])

			Expect(reload(v.ID).Status).To(Equal(dm.StatusFailed))
			Expect(balanceOf("user-1")).To(Equal(1))
			Expect(generator.requests).To(BeEmpty())
		})

		It("should leave submitted jobs to their callback", func() {
			fund("user-1", 1)
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())

			svc.Abandon(ctx, video.Job{VideoID: v.ID})

			Expect(reload(v.ID).Status).To(Equal(dm.StatusProcessing))
			Expect(balanceOf("user-1")).To(BeZero())
		})
	})

	Describe("Get", func() {
		It("should hide videos owned by someone else", func() {
			fund("user-1", 1)
			v, err := svc.Generate(ctx, "user-1", video.GenerateRequest{Prompt: "x"})
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Get(ctx, "user-2", v.ID)
			Expect(err).To(MatchError(internal.ErrVideoNotFound))

			own, err := svc.Get(ctx, "user-1", v.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(own.ID).To(Equal(v.ID))
		})
	})
})
