package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// Client calls the ledger stored procedures created by the migrations.
// Each procedure returns a JSON document; business failures come back as
// success=false with an error code and are mapped onto the ledger sentinels.
type Client struct {
	db     *sqlx.DB
	cost   int
	logger *slog.Logger
}

func NewClient(db *sqlx.DB, creditCost int, lg *slog.Logger) *Client {
	if creditCost <= 0 {
		creditCost = 1
	}
	return &Client{db: db, cost: creditCost, logger: logger.OrDefault(lg)}
}

var _ ledger.Ledger = (*Client)(nil)

type rpcResult struct {
	Success         bool   `json:"success"`
	NewBalance      int    `json:"new_balance"`
	AlreadyApplied  bool   `json:"already_applied"`
	AlreadyRefunded bool   `json:"already_refunded"`
	CreditsAdded    int    `json:"credits_added"`
	Refunded        int    `json:"refunded"`
	UserID          string `json:"user_id"`
	VideoID         string `json:"video_id"`
	Error           string `json:"error"`
}

func (c *Client) call(ctx context.Context, name, query string, args ...interface{}) (*rpcResult, error) {
	var raw []byte
	if err := c.db.GetContext(ctx, &raw, query, args...); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", name, err)
	}

	var res rpcResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("rpc %s: decode result: %w", name, err)
	}
	if !res.Success {
		c.logger.Debug("ledger rpc rejected", "rpc", name, "error", res.Error)
		if res.Error == "" {
			return nil, fmt.Errorf("rpc %s: unsuccessful without error code", name)
		}
		return nil, ledger.ErrorFromCode(res.Error)
	}
	return &res, nil
}

func (c *Client) ApplyPurchase(ctx context.Context, purchaseID string) (*ledger.ApplyResult, error) {
	res, err := c.call(ctx, "apply_credit_purchase_secure",
		`SELECT apply_credit_purchase_secure($1::uuid)`, purchaseID)
	if err != nil {
		return nil, err
	}
	return &ledger.ApplyResult{
		Success:        true,
		NewBalance:     res.NewBalance,
		AlreadyApplied: res.AlreadyApplied,
		CreditsAdded:   res.CreditsAdded,
		UserID:         res.UserID,
	}, nil
}

func (c *Client) ConsumeForVideo(ctx context.Context, userID, videoID string) (*ledger.ConsumeResult, error) {
	res, err := c.call(ctx, "consume_credit_for_video_secure",
		`SELECT consume_credit_for_video_secure($1, $2::uuid, $3)`, userID, videoID, c.cost)
	if err != nil {
		return nil, err
	}
	return &ledger.ConsumeResult{Success: true, NewBalance: res.NewBalance}, nil
}

func (c *Client) RefundForVideo(ctx context.Context, videoID string) (*ledger.RefundResult, error) {
	res, err := c.call(ctx, "refund_credits_for_vidu_failure",
		`SELECT refund_credits_for_vidu_failure($1::uuid)`, videoID)
	if err != nil {
		return nil, err
	}
	return &ledger.RefundResult{
		Success:         true,
		NewBalance:      res.NewBalance,
		Refunded:        res.Refunded,
		AlreadyRefunded: res.AlreadyRefunded,
	}, nil
}

// CreateVideoAndConsume leaves Video nil; callers load the row by VideoID.
func (c *Client) CreateVideoAndConsume(ctx context.Context, p ledger.CreateVideoParams) (*ledger.CreateVideoResult, error) {
	res, err := c.call(ctx, "create_video_and_consume_credits_atomic",
		`SELECT create_video_and_consume_credits_atomic($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.UserID, p.Prompt, p.TranslatedPrompt, p.SourceImageKey,
		p.Model, p.Duration, p.Resolution, p.MaxRetries, c.cost)
	if err != nil {
		return nil, err
	}
	return &ledger.CreateVideoResult{Success: true, VideoID: res.VideoID, NewBalance: res.NewBalance}, nil
}

func (c *Client) GetBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	if err := c.db.GetContext(ctx, &balance, `SELECT get_user_balance($1)`, userID); err != nil {
		return 0, fmt.Errorf("rpc get_user_balance: %w", err)
	}
	return balance, nil
}
