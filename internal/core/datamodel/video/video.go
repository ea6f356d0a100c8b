package video

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	// operator retry
	StatusFailed: {StatusPending},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransitionTo(next) {
		return s, fmt.Errorf("illegal video status transition %s -> %s", s, next)
	}
	return next, nil
}

// Error codes recorded on failed generations.
const (
	ErrorCodeNSFW             = "NSFW_CONTENT"
	ErrorCodeValidation       = "VALIDATION_ERROR"
	ErrorCodeGatewayRejected  = "VIDU_API_ERROR"
	ErrorCodeInvalidResponse  = "INVALID_RESPONSE"
	ErrorCodeMissingTaskID    = "MISSING_TASK_ID"
	ErrorCodeGenerationFailed = "GENERATION_FAILED"
	ErrorCodeConsumeFailsafe  = "CREDIT_CONSUMPTION_UNVERIFIED"
	ErrorCodeInsufficient     = "INSUFFICIENT_CREDITS"
	ErrorCodeUnexpected       = "UNEXPECTED_ERROR"
	ErrorCodeAbandoned        = "JOB_ABANDONED"
)

type VideoGeneration struct {
	ID               string     `gorm:"column:id;primaryKey"`
	UserID           string     `gorm:"column:user_id;not null;index"`
	Prompt           string     `gorm:"column:prompt;not null"`
	TranslatedPrompt *string    `gorm:"column:translated_prompt"`
	SourceImageKey   *string    `gorm:"column:source_image_key"`
	ViduTaskID       *string    `gorm:"column:vidu_task_id;index"`
	Status           Status     `gorm:"column:status;not null;default:pending;index"`
	CreditsUsed      int        `gorm:"column:credits_used;not null;default:0"`
	ErrorMessage     *string    `gorm:"column:error_message"`
	ErrorCode        *string    `gorm:"column:error_code"`
	RetryCount       int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries       int        `gorm:"column:max_retries;not null;default:1"`
	VideoURL         *string    `gorm:"column:video_url"`
	Model            string     `gorm:"column:model"`
	Duration         int        `gorm:"column:duration"`
	Resolution       string     `gorm:"column:resolution"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (VideoGeneration) TableName() string {
	return "video_generations"
}

func (v *VideoGeneration) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = StatusPending
	}
	return nil
}

// RetryEligible reports whether an operator may re-run a failed generation.
func (v *VideoGeneration) RetryEligible() bool {
	if v.Status != StatusFailed || v.CreditsUsed != 0 || v.RetryCount >= v.MaxRetries {
		return false
	}
	if v.ErrorCode == nil {
		return true
	}
	switch *v.ErrorCode {
	case ErrorCodeNSFW, ErrorCodeValidation, ErrorCodeInsufficient:
		return false
	}
	return true
}
