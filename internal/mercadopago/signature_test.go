package mercadopago_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/mercadopago"
)

var _ = Describe("Signature", func() {
	const secret = "webhook-secret"

	It("should build the manifest in id, request-id, ts order", func() {
		Expect(mercadopago.Manifest("123456", "req-1", "1700000000")).
			To(Equal("id:123456;request-id:req-1;ts:1700000000;"))
		Expect(mercadopago.Manifest("ABC123", "", "1700000000")).
			To(Equal("id:abc123;ts:1700000000;"))
	})

	It("should accept a correctly signed delivery", func() {
		sig := mercadopago.Sign(secret, "123456", "req-1", "1700000000")
		header := "ts=1700000000,v1=" + sig

		Expect(mercadopago.VerifySignature(secret, header, "req-1", "123456")).To(Succeed())
	})

	It("should reject a tampered data id", func() {
		sig := mercadopago.Sign(secret, "123456", "req-1", "1700000000")
		header := "ts=1700000000,v1=" + sig

		err := mercadopago.VerifySignature(secret, header, "req-1", "999999")

		Expect(err).To(MatchError(mercadopago.ErrInvalidSignature))
	})

	It("should distinguish missing from malformed headers", func() {
		Expect(mercadopago.VerifySignature(secret, "", "req-1", "1")).To(MatchError(mercadopago.ErrMissingSignature))
		Expect(mercadopago.VerifySignature(secret, "v1=abc", "req-1", "1")).To(MatchError(mercadopago.ErrInvalidSignature))
		Expect(mercadopago.VerifySignature(secret, "ts=1,v1=not-hex", "req-1", "1")).To(MatchError(mercadopago.ErrInvalidSignature))
	})
})
