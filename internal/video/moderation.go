package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

type ModerationConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ModerationClient calls an OpenAI-compatible /moderations endpoint with an image input.
type ModerationClient struct {
	url        string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

func NewModerationClient(cfg ModerationConfig, lg *slog.Logger) *ModerationClient {
	if cfg.URL == "" {
		cfg.URL = "https://api.openai.com/v1/moderations"
	}
	if cfg.Model == "" {
		cfg.Model = "omni-moderation-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ModerationClient{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		logger:     logger.OrDefault(lg),
	}
}

type moderationInput struct {
	Type     string            `json:"type"`
	ImageURL map[string]string `json:"image_url"`
}

type moderationRequest struct {
	Model string            `json:"model"`
	Input []moderationInput `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

// categories that count as NSFW for source images
var nsfwCategories = []string{"sexual", "sexual/minors"}

func (c *ModerationClient) IsNSFW(ctx context.Context, image []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(moderationRequest{
		Model: c.model,
		Input: []moderationInput{{Type: "image_url", ImageURL: map[string]string{"url": DataURI(image)}}},
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, fmt.Errorf("moderation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("moderation: decode response: %w", err)
	}

	for _, r := range out.Results {
		for _, cat := range nsfwCategories {
			if r.Categories[cat] {
				c.logger.Info("image flagged by moderation", "category", cat)
				return true, nil
			}
		}
	}
	return false, nil
}
