package webhook_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/webhook"
)

var _ = Describe("MemoryLimiter", func() {
	It("should reject requests above the limit per key", func() {
		l := webhook.NewMemoryLimiter(3, time.Minute)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			ok, err := l.Allow(ctx, "10.0.0.1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		}
		ok, _ := l.Allow(ctx, "10.0.0.1")
		Expect(ok).To(BeFalse())

		ok, _ = l.Allow(ctx, "10.0.0.2")
		Expect(ok).To(BeTrue())
	})

	It("should admit requests again once the window slides", func() {
		l := webhook.NewMemoryLimiter(1, 20*time.Millisecond)
		ctx := context.Background()

		ok, _ := l.Allow(ctx, "ip")
		Expect(ok).To(BeTrue())
		ok, _ = l.Allow(ctx, "ip")
		Expect(ok).To(BeFalse())

		Eventually(func() bool {
			ok, _ := l.Allow(ctx, "ip")
			return ok
		}).WithTimeout(time.Second).WithPolling(10 * time.Millisecond).Should(BeTrue())
	})
})

var _ = Describe("IPValidator", func() {
	It("should accept everything outside production", func() {
		v, err := webhook.NewIPValidator(false, false, nil, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Allowed("203.0.113.7")).To(BeTrue())
	})

	It("should enforce configured ranges in production", func() {
		v, err := webhook.NewIPValidator(true, false, []string{"54.88.218.97", "18.215.140.160/27"}, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(v.Allowed("54.88.218.97")).To(BeTrue())
		Expect(v.Allowed("18.215.140.170")).To(BeTrue())
		Expect(v.Allowed("203.0.113.7")).To(BeFalse())
		Expect(v.Allowed("garbage")).To(BeFalse())
	})

	It("should refuse a production setup without ranges unless told to trust all", func() {
		_, err := webhook.NewIPValidator(true, false, nil, nil)
		Expect(err).To(HaveOccurred())

		v, err := webhook.NewIPValidator(true, true, nil, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(v.Allowed("203.0.113.7")).To(BeTrue())
	})
})
