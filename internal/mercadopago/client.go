package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/frahmantamala/credit-ledger/internal/core/datamodel/gateway"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// ErrNotFound is returned for 404s. A freshly created payment is often not
// visible yet, so fetches retry on it.
var ErrNotFound = errors.New("mercadopago: resource not found")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL       string
	AccessToken   string
	Timeout       time.Duration
	FetchAttempts int
	FetchBackoff  time.Duration
}

type Client struct {
	baseURL     string
	accessToken string
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(cfg Config, lg *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mercadopago.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.FetchBackoff < 0 {
		cfg.FetchBackoff = 0
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		timeout:     cfg.Timeout,
		attempts:    cfg.FetchAttempts,
		backoff:     cfg.FetchBackoff,
		httpClient:  &http.Client{},
		logger:      logger.OrDefault(lg),
	}
}

// GetPayment fetches a payment, retrying only while the gateway answers 404.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	var p gateway.Payment
	err := c.fetch(ctx, "payment", paymentID, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetMerchantOrder(ctx context.Context, orderID string) (*gateway.MerchantOrder, error) {
	var mo gateway.MerchantOrder
	err := c.fetch(ctx, "merchant_order", orderID, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/merchant_orders/"+url.PathEscape(orderID), nil, &mo)
	})
	if err != nil {
		return nil, err
	}
	return &mo, nil
}

// SearchPayments lists payments for a preference, newest first.
func (c *Client) SearchPayments(ctx context.Context, preferenceID string) (*gateway.SearchResult, error) {
	q := url.Values{}
	q.Set("preference_id", preferenceID)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var res gateway.SearchResult
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreatePreference(ctx context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error) {
	var pref gateway.Preference
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", req, &pref); err != nil {
		return nil, err
	}
	return &pref, nil
}

func (c *Client) fetch(ctx context.Context, kind, id string, fn retry.RetryFunc) error {
	b := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewConstant(c.backoff))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("gateway resource not visible yet",
				"kind", kind,
				"id", id,
				"attempt", attempt,
				"max_attempts", c.attempts)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("mercadopago %s %s: timed out after %s: %w", method, path, c.timeout, err)
		}
		return fmt.Errorf("mercadopago %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
