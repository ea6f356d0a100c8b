package gateway

import (
	"strconv"
	"time"
)

// Payment statuses reported by MercadoPago.
const (
	StatusApproved    = "approved"
	StatusPending     = "pending"
	StatusAuthorized  = "authorized"
	StatusInProcess   = "in_process"
	StatusInMediation = "in_mediation"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

type Payment struct {
	ID                int64                  `json:"id"`
	Status            string                 `json:"status"`
	StatusDetail      string                 `json:"status_detail"`
	ExternalReference string                 `json:"external_reference"`
	TransactionAmount float64                `json:"transaction_amount"`
	CurrencyID        string                 `json:"currency_id"`
	PaymentMethodID   string                 `json:"payment_method_id"`
	PaymentTypeID     string                 `json:"payment_type_id"`
	DateCreated       time.Time              `json:"date_created"`
	DateApproved      *time.Time             `json:"date_approved"`
	Metadata          map[string]interface{} `json:"metadata"`
}

func (p Payment) IDString() string {
	return strconv.FormatInt(p.ID, 10)
}

type Paging struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type SearchResult struct {
	Paging  Paging    `json:"paging"`
	Results []Payment `json:"results"`
}

type OrderPayment struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type MerchantOrder struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	ExternalReference string         `json:"external_reference"`
	PreferenceID      string         `json:"preference_id"`
	Payments          []OrderPayment `json:"payments"`
}

type PreferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type BackURLs struct {
	Success string `json:"success,omitempty"`
	Pending string `json:"pending,omitempty"`
	Failure string `json:"failure,omitempty"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem       `json:"items"`
	ExternalReference string                 `json:"external_reference"`
	NotificationURL   string                 `json:"notification_url,omitempty"`
	BackURLs          *BackURLs              `json:"back_urls,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}
