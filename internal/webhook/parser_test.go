package webhook_test

import (
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/webhook"
)

var _ = Describe("Parser", func() {
	Describe("ExtractIDFromURL", func() {
		DescribeTable("extracts the trailing numeric segment",
			func(in, want string) {
				Expect(webhook.ExtractIDFromURL(in)).To(Equal(want))
			},
			Entry("url with query", "https://api.mp.com/v1/payments/123456?source=ipn", "123456"),
			Entry("bare id", "123456", "123456"),
			Entry("merchant order url", "https://api.mercadolibre.com/merchant_orders/987654321", "987654321"),
			Entry("trailing slash", "https://api.mp.com/v1/payments/123456/", "123456"),
			Entry("fragment", "/v1/payments/555666#x", "555666"),
			Entry("garbage passes through", "not-a-url", "not-a-url"),
			Entry("empty", "", ""),
		)
	})

	Describe("Parse", func() {
		It("should read payment ids from data.id", func() {
			ev := webhook.Parse(map[string]interface{}{
				"type": "payment",
				"data": map[string]interface{}{"id": "123456789"},
			})
			Expect(ev.Type).To(Equal(webhook.EventPayment))
			Expect(ev.ResourceID).To(Equal("123456789"))
		})

		It("should accept payment actions and numeric data ids", func() {
			ev := webhook.Parse(map[string]interface{}{
				"action": "payment.updated",
				"data":   map[string]interface{}{"id": float64(123456789)},
			})
			Expect(ev.Type).To(Equal(webhook.EventPayment))
			Expect(ev.ResourceID).To(Equal("123456789"))
		})

		It("should fall back to the resource url for payments", func() {
			ev := webhook.Parse(map[string]interface{}{
				"topic":    "payment",
				"resource": "https://api.mercadopago.com/v1/payments/123456789?x=1",
			})
			Expect(ev.ResourceID).To(Equal("123456789"))
		})

		It("should read merchant orders from the resource only", func() {
			ev := webhook.Parse(map[string]interface{}{
				"topic":    "merchant_order",
				"resource": "https://api.mercadolibre.com/merchant_orders/987654321",
				"data":     map[string]interface{}{"id": "111"},
			})
			Expect(ev.Type).To(Equal(webhook.EventMerchantOrder))
			Expect(ev.ResourceID).To(Equal("987654321"))
		})

		It("should treat a bare numeric id as a payment", func() {
			ev := webhook.Parse(map[string]interface{}{"id": "123456789"})
			Expect(ev.Type).To(Equal(webhook.EventPayment))
			Expect(ev.ResourceID).To(Equal("123456789"))
		})

		It("should mark anything else as unknown", func() {
			Expect(webhook.Parse(map[string]interface{}{"type": "plan"}).Type).To(Equal(webhook.EventUnknown))
			Expect(webhook.Parse(map[string]interface{}{"id": "abc"}).Type).To(Equal(webhook.EventUnknown))
			Expect(webhook.Parse(nil).Type).To(Equal(webhook.EventUnknown))
		})
	})

	Describe("ParseQuery", func() {
		It("should map data.id and type", func() {
			body := webhook.ParseQuery(url.Values{"data.id": {"123456789"}, "type": {"payment"}})

			ev := webhook.Parse(body)
			Expect(ev.Type).To(Equal(webhook.EventPayment))
			Expect(ev.ResourceID).To(Equal("123456789"))
		})

		It("should treat the IPN id as a resource", func() {
			body := webhook.ParseQuery(url.Values{"topic": {"merchant_order"}, "id": {"987654321"}})

			ev := webhook.Parse(body)
			Expect(ev.Type).To(Equal(webhook.EventMerchantOrder))
			Expect(ev.ResourceID).To(Equal("987654321"))
		})

		It("should produce an empty body for unrelated parameters", func() {
			Expect(webhook.ParseQuery(url.Values{"foo": {"bar"}})).To(BeEmpty())
		})
	})
})
