package mercadopago_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	"github.com/frahmantamala/credit-ledger/internal/mercadopago"
)

var _ = Describe("Client", func() {
	var (
		server *httptest.Server
		calls  int32
		client *mercadopago.Client
	)

	newClient := func(handler http.HandlerFunc) {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			handler(w, r)
		}))
		client = mercadopago.NewClient(mercadopago.Config{
			BaseURL:       server.URL,
			AccessToken:   "test-token",
			Timeout:       time.Second,
			FetchAttempts: 3,
			FetchBackoff:  5 * time.Millisecond,
		}, nil)
	}

	BeforeEach(func() {
		atomic.StoreInt32(&calls, 0)
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("GetPayment", func() {
		It("should retry 404s and succeed on the third attempt", func() {
			// Given
			newClient(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer test-token"))
				Expect(r.URL.Path).To(Equal("/v1/payments/123456789"))
				if n < 3 {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"id":                 123456789,
					"status":             "approved",
					"external_reference": "9d7a3a48-6a1c-4c43-9a3f-1b2a9b0f4c11",
					"transaction_amount": 19.9,
				})
			})

			// When
			p, err := client.GetPayment(context.Background(), "123456789")

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(3)))
			Expect(p.Status).To(Equal(gateway.StatusApproved))
			Expect(p.IDString()).To(Equal("123456789"))
		})

		It("should give up with ErrNotFound after the configured attempts", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusNotFound)
			})

			_, err := client.GetPayment(context.Background(), "123456789")

			Expect(err).To(MatchError(mercadopago.ErrNotFound))
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(3)))
		})

		It("should not retry other errors", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"invalid token"}`))
			})

			_, err := client.GetPayment(context.Background(), "123456789")

			var apiErr *mercadopago.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		})

		It("should time out slow responses", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			})
			client = mercadopago.NewClient(mercadopago.Config{
				BaseURL:       server.URL,
				Timeout:       50 * time.Millisecond,
				FetchAttempts: 1,
			}, nil)

			_, err := client.GetPayment(context.Background(), "123456789")

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("timed out"))
		})
	})

	Describe("SearchPayments", func() {
		It("should query by preference id newest first", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/v1/payments/search"))
				Expect(r.URL.Query().Get("preference_id")).To(Equal("pref-1"))
				Expect(r.URL.Query().Get("criteria")).To(Equal("desc"))
				_, _ = w.Write([]byte(`{"paging":{"total":1},"results":[{"id":42,"status":"pending"}]}`))
			})

			res, err := client.SearchPayments(context.Background(), "pref-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(res.Results).To(HaveLen(1))
			Expect(res.Results[0].ID).To(Equal(int64(42)))
		})
	})

	Describe("GetMerchantOrder", func() {
		It("should decode the associated payments", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/merchant_orders/987654"))
				_, _ = w.Write([]byte(`{"id":987654,"payments":[{"id":123456789,"status":"approved"}]}`))
			})

			mo, err := client.GetMerchantOrder(context.Background(), "987654")

			Expect(err).ToNot(HaveOccurred())
			Expect(mo.Payments).To(HaveLen(1))
			Expect(mo.Payments[0].ID).To(Equal(int64(123456789)))
		})
	})

	Describe("CreatePreference", func() {
		It("should post the preference and return the checkout link", func() {
			newClient(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				var body gateway.PreferenceRequest
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body.ExternalReference).To(Equal("purchase-1"))
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://mp.example/pref-1"}`))
			})

			pref, err := client.CreatePreference(context.Background(), gateway.PreferenceRequest{ExternalReference: "purchase-1"})

			Expect(err).ToNot(HaveOccurred())
			Expect(pref.ID).To(Equal("pref-1"))
			Expect(pref.InitPoint).To(Equal("https://mp.example/pref-1"))
		})
	})
})
