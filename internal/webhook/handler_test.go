package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/webhooklog"
	"github.com/frahmantamala/credit-ledger/internal/mercadopago"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/internal/webhook"
	"github.com/frahmantamala/credit-ledger/internal/webhooklog"
)

type mockProcessor struct {
	deliveries []webhook.Delivery
	result     webhook.Result
}

func (m *mockProcessor) Handle(ctx context.Context, d webhook.Delivery) webhook.Result {
	m.deliveries = append(m.deliveries, d)
	return m.result
}

type memoryAuditStore struct {
	mu      sync.Mutex
	entries []webhooklog.Entry
}

func (m *memoryAuditStore) Record(ctx context.Context, e webhooklog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAuditStore) ListByPaymentID(ctx context.Context, paymentID string, limit int) ([]*dm.WebhookLog, error) {
	return nil, nil
}

var _ = Describe("Webhook Handler", func() {
	var (
		processor *mockProcessor
		audit     *memoryAuditStore
		limiter   *webhook.MemoryLimiter
		validator *webhook.IPValidator
		cfg       webhook.HandlerConfig
	)

	newHandler := func() *webhook.Handler {
		return webhook.NewHandler(transport.NewBaseHandler(nil), processor, limiter, validator, audit, cfg, nil)
	}

	send := func(h *webhook.Handler, req *http.Request) webhook.AckResponse {
		req.RemoteAddr = "10.0.0.1:4242"
		rec := httptest.NewRecorder()
		h.HandleNotification(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var ack webhook.AckResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &ack)).To(Succeed())
		Expect(ack.Received).To(BeTrue())
		return ack
	}

	post := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	BeforeEach(func() {
		processor = &mockProcessor{result: webhook.Result{Status: webhook.StatusProcessed}}
		audit = &memoryAuditStore{}
		limiter = webhook.NewMemoryLimiter(60, time.Minute)
		validator, _ = webhook.NewIPValidator(false, false, nil, nil)
		cfg = webhook.HandlerConfig{RequestTimeout: time.Second}
	})

	It("should dispatch payment events to the processor", func() {
		ack := send(newHandler(), post(`{"type":"payment","data":{"id":"123456789"},"user_id":"x"}`))

		Expect(ack.Status).To(Equal(webhook.StatusProcessed))
		Expect(processor.deliveries).To(HaveLen(1))
		d := processor.deliveries[0]
		Expect(d.Event.ResourceID).To(Equal("123456789"))
		Expect(d.SourceIP).To(Equal("10.0.0.1"))
		Expect(d.Payload).ToNot(HaveKey("user_id"))
		Expect(audit.entries).To(BeEmpty())
	})

	It("should accept GET notifications with query parameters", func() {
		req := httptest.NewRequest(http.MethodGet, "/webhooks/mercadopago?topic=payment&id=123456789", nil)

		send(newHandler(), req)

		Expect(processor.deliveries).To(HaveLen(1))
		Expect(processor.deliveries[0].Event.Type).To(Equal(webhook.EventPayment))
		Expect(processor.deliveries[0].Event.ResourceID).To(Equal("123456789"))
	})

	It("should acknowledge and audit unknown events without processing", func() {
		ack := send(newHandler(), post(`{"type":"subscription_preapproval","data":{"id":"1"}}`))

		Expect(ack.Status).To(Equal(webhook.StatusIgnored))
		Expect(processor.deliveries).To(BeEmpty())
		Expect(audit.entries).To(HaveLen(1))
	})

	It("should reject oversized bodies before parsing", func() {
		big := `{"type":"payment","resource":"` + strings.Repeat("x", webhook.MaxBodyBytes) + `"}`

		ack := send(newHandler(), post(big))

		Expect(ack.Status).To(Equal(webhook.StatusPayloadTooLarge))
		Expect(processor.deliveries).To(BeEmpty())
		Expect(audit.entries).To(HaveLen(1))
		Expect(audit.entries[0].Valid).To(BeFalse())
	})

	It("should reject malformed json", func() {
		ack := send(newHandler(), post(`{"type":`))

		Expect(ack.Status).To(Equal(webhook.StatusInvalidPayload))
		Expect(audit.entries).To(HaveLen(1))
	})

	It("should rate limit per source ip", func() {
		limiter = webhook.NewMemoryLimiter(1, time.Minute)
		h := newHandler()

		send(h, post(`{"type":"payment","data":{"id":"123456789"}}`))
		ack := send(h, post(`{"type":"payment","data":{"id":"123456789"}}`))

		Expect(ack.Status).To(Equal(webhook.StatusRateLimited))
		Expect(processor.deliveries).To(HaveLen(1))
		Expect(audit.entries).To(HaveLen(1))
	})

	It("should refuse sources outside the allowed ranges in production", func() {
		validator, _ = webhook.NewIPValidator(true, false, []string{"54.88.218.97/32"}, nil)

		ack := send(newHandler(), post(`{"type":"payment","data":{"id":"123456789"}}`))

		Expect(ack.Status).To(Equal(webhook.StatusForbidden))
		Expect(processor.deliveries).To(BeEmpty())
	})

	Context("with a webhook secret", func() {
		BeforeEach(func() {
			cfg.WebhookSecret = "secret"
			cfg.RequireSignature = true
		})

		It("should pass signed deliveries through", func() {
			req := post(`{"type":"payment","data":{"id":"123456789"}}`)
			req.Header.Set("x-request-id", "req-1")
			req.Header.Set("x-signature", "ts=1700000000,v1="+mercadopago.Sign("secret", "123456789", "req-1", "1700000000"))

			send(newHandler(), req)

			Expect(processor.deliveries).To(HaveLen(1))
			Expect(processor.deliveries[0].SignatureValid).To(BeTrue())
		})

		It("should reject unsigned deliveries", func() {
			ack := send(newHandler(), post(`{"type":"payment","data":{"id":"123456789"}}`))

			Expect(ack.Status).To(Equal(webhook.StatusInvalidSignature))
			Expect(processor.deliveries).To(BeEmpty())
			Expect(audit.entries).To(HaveLen(1))
			Expect(audit.entries[0].PaymentID).To(Equal("123456789"))
		})
	})
})
