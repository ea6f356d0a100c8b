package video

import (
	"context"
	"errors"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
	"github.com/frahmantamala/credit-ledger/internal/vidu"
)

var (
	ErrNotFound       = errors.New("video not found")
	ErrStatusConflict = errors.New("video status changed concurrently")
)

// Repository persists generation rows. Status changes are conditional on the
// current status and return ErrStatusConflict when the row moved on.
type Repository interface {
	Create(ctx context.Context, v *dm.VideoGeneration) error
	GetByID(ctx context.Context, id string) (*dm.VideoGeneration, error)
	GetByTaskID(ctx context.Context, taskID string) (*dm.VideoGeneration, error)
	MarkProcessing(ctx context.Context, id string) error
	SetTaskID(ctx context.Context, id, taskID string) error
	MarkCompleted(ctx context.Context, id, videoURL string) error
	MarkFailed(ctx context.Context, id, code, message string) error
	ResetForRetry(ctx context.Context, id string) error
	RevertRetry(ctx context.Context, id string, retryCount int, code, message *string) error
}

// Generator submits jobs to the external video API.
type Generator interface {
	Submit(ctx context.Context, req vidu.GenerateRequest) (string, error)
}

// Moderator reports whether an image must not be used.
type Moderator interface {
	IsNSFW(ctx context.Context, image []byte) (bool, error)
}

type ImageStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URL(ctx context.Context, key string) (string, error)
}

type PromptRefiner interface {
	Refine(ctx context.Context, prompt string) (string, error)
}

// IdentityRefiner sends prompts as written.
type IdentityRefiner struct{}

func (IdentityRefiner) Refine(_ context.Context, prompt string) (string, error) {
	return prompt, nil
}

// AllowAll is the moderator used when moderation is disabled.
type AllowAll struct{}

func (AllowAll) IsNSFW(context.Context, []byte) (bool, error) {
	return false, nil
}

type ConsumeMode string

const (
	// ConsumeAtomic creates the row and takes the credit in one ledger call.
	ConsumeAtomic ConsumeMode = "atomic"
	// ConsumeLegacy consumes, marks processing, then re-checks the balance.
	ConsumeLegacy ConsumeMode = "legacy"
)

type Config struct {
	Model        string
	Duration     int
	Resolution   string
	MaxRetries   int
	ConsumeMode  ConsumeMode
	MaxImageSide int
	// CreditCost is what one attempt takes from the balance.
	CreditCost int
}
