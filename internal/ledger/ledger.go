package ledger

import (
	"context"
	"errors"
	"fmt"

	dmvideo "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAlreadyConsumed     = errors.New("credits already consumed for video")
	ErrNotConsumed         = errors.New("no consumed credits to refund for video")
	ErrPurchaseNotFound    = errors.New("purchase not found")
	ErrPurchaseNotApproved = errors.New("purchase is not approved")
	ErrVideoNotFound       = errors.New("video not found")
)

// ApplyResult is returned by ApplyPurchase. AlreadyApplied means the call was a no-op.
type ApplyResult struct {
	Success        bool   `json:"success"`
	NewBalance     int    `json:"new_balance"`
	AlreadyApplied bool   `json:"already_applied"`
	CreditsAdded   int    `json:"credits_added"`
	UserID         string `json:"user_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ConsumeResult struct {
	Success    bool   `json:"success"`
	NewBalance int    `json:"new_balance"`
	Error      string `json:"error,omitempty"`
}

type RefundResult struct {
	Success         bool   `json:"success"`
	NewBalance      int    `json:"new_balance"`
	Refunded        int    `json:"refunded"`
	AlreadyRefunded bool   `json:"already_refunded"`
	Error           string `json:"error,omitempty"`
}

type CreateVideoParams struct {
	UserID           string
	Prompt           string
	TranslatedPrompt *string
	SourceImageKey   *string
	Model            string
	Duration         int
	Resolution       string
	MaxRetries       int
}

type CreateVideoResult struct {
	Success    bool                     `json:"success"`
	VideoID    string                   `json:"video_id"`
	Video      *dmvideo.VideoGeneration `json:"video_data"`
	NewBalance int                      `json:"new_balance"`
	Error      string                   `json:"error,omitempty"`
}

// Ledger is the only path that mutates credit balances. Every mutating call is
// atomic and idempotent on its own key (purchase id, video id + attempt).
type Ledger interface {
	ApplyPurchase(ctx context.Context, purchaseID string) (*ApplyResult, error)
	ConsumeForVideo(ctx context.Context, userID, videoID string) (*ConsumeResult, error)
	RefundForVideo(ctx context.Context, videoID string) (*RefundResult, error)
	// CreateVideoAndConsume inserts a processing video with credits_used=1 and debits
	// the balance in one transaction.
	CreateVideoAndConsume(ctx context.Context, params CreateVideoParams) (*CreateVideoResult, error)
	GetBalance(ctx context.Context, userID string) (int, error)
}

// Idempotency keys for credit_transactions.
func PurchaseKey(purchaseID string) string {
	return "purchase:" + purchaseID
}

func ConsumeKey(videoID string, attempt int) string {
	return fmt.Sprintf("consume:%s:%d", videoID, attempt)
}

func RefundKey(videoID string, attempt int) string {
	return fmt.Sprintf("refund:%s:%d", videoID, attempt)
}

// ErrorFromCode maps the error strings stored procedures return onto sentinels.
func ErrorFromCode(code string) error {
	switch code {
	case "":
		return nil
	case "insufficient_credits":
		return ErrInsufficientCredits
	case "already_consumed":
		return ErrAlreadyConsumed
	case "not_consumed":
		return ErrNotConsumed
	case "purchase_not_found":
		return ErrPurchaseNotFound
	case "purchase_not_approved":
		return ErrPurchaseNotApproved
	case "video_not_found":
		return ErrVideoNotFound
	}
	return fmt.Errorf("ledger: %s", code)
}
