package vidu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

var (
	ErrInvalidResponse = errors.New("vidu: unparseable response body")
	ErrMissingTaskID   = errors.New("vidu: response has no task id")
)

// APIError is any non-2xx answer from the generation API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vidu: status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	Timeout     time.Duration
}

type GenerateRequest struct {
	Model       string   `json:"model"`
	Images      []string `json:"images,omitempty"`
	Prompt      string   `json:"prompt"`
	Duration    int      `json:"duration,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

type generateResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	timeout     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewClient(cfg Config, lg *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vidu.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
		logger:      logger.OrDefault(lg),
	}
}

// Submit starts a generation job and returns its task id. Image jobs go to
// img2video, prompt-only jobs to text2video.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}
	path := "/ent/v2/text2video"
	if len(req.Images) > 0 {
		path = "/ent/v2/img2video"
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("vidu: timed out after %s: %w", c.timeout, err)
		}
		return "", fmt.Errorf("vidu: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("vidu: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.TaskID == "" {
		return "", ErrMissingTaskID
	}

	c.logger.Debug("vidu task created", "task_id", out.TaskID, "state", out.State)
	return out.TaskID, nil
}

// Creation is one produced asset in a callback.
type Creation struct {
	URL      string `json:"url"`
	CoverURL string `json:"cover_url"`
}

// Callback is what the API posts when a task finishes.
type Callback struct {
	TaskID    string     `json:"id"`
	State     string     `json:"state"`
	ErrCode   string     `json:"err_code"`
	Creations []Creation `json:"creations"`
}

const (
	StateSuccess = "success"
	StateFailed  = "failed"
)
