package video

import (
	"time"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
)

type GenerateRequest struct {
	Prompt      string `json:"prompt" validate:"required,max=2000"`
	ImageBase64 string `json:"image_base64" validate:"omitempty"`
	Model       string `json:"model" validate:"omitempty,max=64"`
	Duration    int    `json:"duration" validate:"omitempty,min=1,max=16"`
	Resolution  string `json:"resolution" validate:"omitempty,oneof=360p 720p 1080p"`
}

type VideoResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Prompt       string     `json:"prompt"`
	CreditsUsed  int        `json:"credits_used"`
	VideoURL     *string    `json:"video_url,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func ToResponse(v *dm.VideoGeneration) VideoResponse {
	return VideoResponse{
		ID:           v.ID,
		Status:       string(v.Status),
		Prompt:       v.Prompt,
		CreditsUsed:  v.CreditsUsed,
		VideoURL:     v.VideoURL,
		ErrorCode:    v.ErrorCode,
		ErrorMessage: v.ErrorMessage,
		RetryCount:   v.RetryCount,
		MaxRetries:   v.MaxRetries,
		CreatedAt:    v.CreatedAt,
		CompletedAt:  v.CompletedAt,
	}
}
