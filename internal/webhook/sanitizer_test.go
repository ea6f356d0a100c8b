package webhook_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/webhook"
)

var _ = Describe("Sanitize", func() {
	It("should keep only whitelisted top-level keys", func() {
		out := webhook.Sanitize(map[string]interface{}{
			"type":      "payment",
			"data":      map[string]interface{}{"id": "1"},
			"__proto__": map[string]interface{}{"admin": true},
			"user_id":   "spoofed",
		})

		Expect(out).To(HaveLen(2))
		Expect(out).To(HaveKey("type"))
		Expect(out).To(HaveKey("data"))
	})

	It("should truncate long strings at every depth", func() {
		long := strings.Repeat("a", 2000)
		out := webhook.Sanitize(map[string]interface{}{
			"resource": long,
			"data":     map[string]interface{}{"note": long, "list": []interface{}{long}},
		})

		Expect(out["resource"]).To(HaveLen(webhook.MaxStringLength))
		data := out["data"].(map[string]interface{})
		Expect(data["note"]).To(HaveLen(webhook.MaxStringLength))
		Expect(data["list"].([]interface{})[0]).To(HaveLen(webhook.MaxStringLength))
	})

	It("should deep copy nested objects", func() {
		data := map[string]interface{}{"id": "1"}
		out := webhook.Sanitize(map[string]interface{}{"data": data})

		out["data"].(map[string]interface{})["id"] = "changed"

		Expect(data["id"]).To(Equal("1"))
	})
})
