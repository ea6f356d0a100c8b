package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
	videopkg "github.com/frahmantamala/credit-ledger/internal/video"
)

type VideoRepository struct {
	db *gorm.DB
}

func NewVideoRepository(db *gorm.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

func (r *VideoRepository) Create(ctx context.Context, v *dm.VideoGeneration) error {
	return r.db.WithContext(ctx).Create(v).Error
}

func (r *VideoRepository) GetByID(ctx context.Context, id string) (*dm.VideoGeneration, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *VideoRepository) GetByTaskID(ctx context.Context, taskID string) (*dm.VideoGeneration, error) {
	return r.first(ctx, "vidu_task_id = ?", taskID)
}

// MarkProcessing requires the credit to be taken already.
func (r *VideoRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, id, dm.StatusProcessing, "credits_used = 1", map[string]interface{}{})
}

func (r *VideoRepository) SetTaskID(ctx context.Context, id, taskID string) error {
	res := r.db.WithContext(ctx).Model(&dm.VideoGeneration{}).
		Where("id = ? AND status = ?", id, dm.StatusProcessing).
		Updates(map[string]interface{}{"vidu_task_id": taskID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return videopkg.ErrStatusConflict
	}
	return nil
}

func (r *VideoRepository) MarkCompleted(ctx context.Context, id, videoURL string) error {
	now := time.Now().UTC()
	return r.transition(ctx, id, dm.StatusCompleted, "", map[string]interface{}{
		"video_url":    videoURL,
		"completed_at": now,
	})
}

func (r *VideoRepository) MarkFailed(ctx context.Context, id, code, message string) error {
	return r.transition(ctx, id, dm.StatusFailed, "", map[string]interface{}{
		"error_code":    code,
		"error_message": message,
	})
}

// ResetForRetry moves a failed, refunded row back to pending for the next attempt.
func (r *VideoRepository) ResetForRetry(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&dm.VideoGeneration{}).
		Where("id = ? AND status = ? AND credits_used = 0 AND retry_count < max_retries", id, dm.StatusFailed).
		Updates(map[string]interface{}{
			"status":        dm.StatusPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_code":    nil,
			"error_message": nil,
			"vidu_task_id":  nil,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return videopkg.ErrStatusConflict
	}
	return nil
}

// RevertRetry undoes a reset whose attempt never got its credit, restoring the
// failure it replaced. It only matches the attempt identified by retryCount.
func (r *VideoRepository) RevertRetry(ctx context.Context, id string, retryCount int, code, message *string) error {
	res := r.db.WithContext(ctx).Model(&dm.VideoGeneration{}).
		Where("id = ? AND status = ? AND credits_used = 0 AND retry_count = ?", id, dm.StatusFailed, retryCount).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count - 1"),
			"error_code":    code,
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return videopkg.ErrStatusConflict
	}
	return nil
}

// transition applies to to every row whose current status may legally move there.
func (r *VideoRepository) transition(ctx context.Context, id string, to dm.Status, extra string, updates map[string]interface{}) error {
	var from []dm.Status
	for _, s := range []dm.Status{dm.StatusPending, dm.StatusProcessing, dm.StatusCompleted, dm.StatusFailed} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}

	updates["status"] = to
	updates["updated_at"] = time.Now().UTC()

	q := r.db.WithContext(ctx).Model(&dm.VideoGeneration{}).Where("id = ? AND status IN ?", id, from)
	if extra != "" {
		q = q.Where(extra)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return videopkg.ErrStatusConflict
	}
	return nil
}

func (r *VideoRepository) first(ctx context.Context, query string, args ...interface{}) (*dm.VideoGeneration, error) {
	var v dm.VideoGeneration
	err := r.db.WithContext(ctx).Where(query, args...).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, videopkg.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
