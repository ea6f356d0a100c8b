package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePurchaseReconciled = "purchase.reconciled"
	EventTypeCreditsApplied     = "credits.applied"
	EventTypeCreditsConsumed    = "credits.consumed"
	EventTypeCreditsRefunded    = "credits.refunded"
	EventTypeVideoFailed        = "video.failed"
	EventTypeVideoCompleted     = "video.completed"
	EventTypeVideoRefunded      = "video.refunded"
)

func newBase(eventType string, data map[string]interface{}) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewPurchaseReconciledEvent(purchaseID, userID, paymentID, status string) BaseEvent {
	return newBase(EventTypePurchaseReconciled, map[string]interface{}{
		"purchase_id": purchaseID,
		"user_id":     userID,
		"payment_id":  paymentID,
		"status":      status,
	})
}

func NewCreditsAppliedEvent(purchaseID, userID string, credits, newBalance int) BaseEvent {
	return newBase(EventTypeCreditsApplied, map[string]interface{}{
		"purchase_id": purchaseID,
		"user_id":     userID,
		"credits":     credits,
		"new_balance": newBalance,
	})
}

func NewVideoFailedEvent(videoID, userID, errorCode string, refunded bool) BaseEvent {
	return newBase(EventTypeVideoFailed, map[string]interface{}{
		"video_id":   videoID,
		"user_id":    userID,
		"error_code": errorCode,
		"refunded":   refunded,
	})
}

func NewVideoCompletedEvent(videoID, userID, videoURL string) BaseEvent {
	return newBase(EventTypeVideoCompleted, map[string]interface{}{
		"video_id":  videoID,
		"user_id":   userID,
		"video_url": videoURL,
	})
}

func NewVideoRefundedEvent(videoID, userID string, newBalance int) BaseEvent {
	return newBase(EventTypeVideoRefunded, map[string]interface{}{
		"video_id":    videoID,
		"user_id":     userID,
		"new_balance": newBalance,
	})
}

func NewCreditsConsumedEvent(videoID, userID string, amount, newBalance int) BaseEvent {
	return newBase(EventTypeCreditsConsumed, map[string]interface{}{
		"video_id":    videoID,
		"user_id":     userID,
		"amount":      amount,
		"new_balance": newBalance,
	})
}

func NewCreditsRefundedEvent(videoID, userID string, amount, newBalance int) BaseEvent {
	return newBase(EventTypeCreditsRefunded, map[string]interface{}{
		"video_id":    videoID,
		"user_id":     userID,
		"amount":      amount,
		"new_balance": newBalance,
	})
}
