package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/credit-ledger/internal"
	dm "github.com/frahmantamala/credit-ledger/internal/core/datamodel/video"
	"github.com/frahmantamala/credit-ledger/internal/core/events"
	"github.com/frahmantamala/credit-ledger/internal/ledger"
	"github.com/frahmantamala/credit-ledger/internal/vidu"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

type ServiceAPI interface {
	Generate(ctx context.Context, userID string, req GenerateRequest) (*dm.VideoGeneration, error)
	Get(ctx context.Context, userID, videoID string) (*dm.VideoGeneration, error)
	Retry(ctx context.Context, videoID string) (*dm.VideoGeneration, error)
	HandleCallback(ctx context.Context, cb vidu.Callback) error
}

// Dispatcher hands submissions to background workers.
type Dispatcher interface {
	Enqueue(job Job) error
}

const compensationTimeout = 10 * time.Second

type Service struct {
	repo       Repository
	ledger     ledger.Ledger
	generator  Generator
	moderator  Moderator
	store      ImageStore
	refiner    PromptRefiner
	publisher  events.Publisher
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
}

type Deps struct {
	Repo      Repository
	Ledger    ledger.Ledger
	Generator Generator
	Moderator Moderator
	Store     ImageStore
	Refiner   PromptRefiner
	Publisher events.Publisher
}

func NewService(deps Deps, cfg Config, lg *slog.Logger) *Service {
	if deps.Moderator == nil {
		deps.Moderator = AllowAll{}
	}
	if deps.Refiner == nil {
		deps.Refiner = IdentityRefiner{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if cfg.ConsumeMode == "" {
		cfg.ConsumeMode = ConsumeAtomic
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.CreditCost <= 0 {
		cfg.CreditCost = 1
	}
	return &Service{
		repo:      deps.Repo,
		ledger:    deps.Ledger,
		generator: deps.Generator,
		moderator: deps.Moderator,
		store:     deps.Store,
		refiner:   deps.Refiner,
		publisher: deps.Publisher,
		cfg:       cfg,
		logger:    logger.OrDefault(lg),
	}
}

// SetDispatcher moves API submissions off the request path. Without one they run inline.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Generate checks the image, takes one credit together with creating the row
// and submits the job. NSFW images are rejected before any credit is taken.
func (s *Service) Generate(ctx context.Context, userID string, req GenerateRequest) (*dm.VideoGeneration, error) {
	ctx = logger.With(ctx, "user_id", userID)
	log := logger.From(ctx)

	var image []byte
	if req.ImageBase64 != "" {
		raw, err := DecodeImage(req.ImageBase64)
		if err != nil {
			return nil, err
		}
		if image, err = PrepareImage(raw, s.cfg.MaxImageSide); err != nil {
			return nil, err
		}

		nsfw, err := s.moderator.IsNSFW(ctx, image)
		if err != nil {
			log.Error("content moderation failed", "error", err)
			return nil, internal.NewExternalError("Content moderation unavailable", internal.ErrCodeGatewayError, err)
		}
		if nsfw {
			s.recordRejected(ctx, userID, req)
			return nil, internal.ErrNSFWContent
		}
	}

	translated := s.refine(ctx, req.Prompt)

	var imageKey *string
	imageURL := ""
	if image != nil {
		key, link, err := s.storeImage(ctx, userID, image)
		if err != nil {
			return nil, err
		}
		imageKey, imageURL = key, link
	}

	params := ledger.CreateVideoParams{
		UserID:           userID,
		Prompt:           req.Prompt,
		TranslatedPrompt: &translated,
		SourceImageKey:   imageKey,
		Model:            firstNonEmpty(req.Model, s.cfg.Model),
		Duration:         firstPositive(req.Duration, s.cfg.Duration),
		Resolution:       firstNonEmpty(req.Resolution, s.cfg.Resolution),
		MaxRetries:       s.cfg.MaxRetries,
	}

	var (
		v   *dm.VideoGeneration
		err error
	)
	if s.cfg.ConsumeMode == ConsumeLegacy {
		v, err = s.createLegacy(ctx, params)
	} else {
		v, err = s.createAtomic(ctx, params)
	}
	if err != nil {
		return nil, err
	}

	log.Info("video generation started", "video_id", v.ID, "consume_mode", s.cfg.ConsumeMode)
	return s.dispatch(ctx, v, Job{VideoID: v.ID, ImageURL: imageURL}), nil
}

func (s *Service) Get(ctx context.Context, userID, videoID string) (*dm.VideoGeneration, error) {
	v, err := s.repo.GetByID(ctx, videoID)
	if errors.Is(err, ErrNotFound) {
		return nil, internal.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, internal.ErrVideoNotFound
	}
	return v, nil
}

// Retry re-runs a failed generation whose credit was refunded. It takes a new
// credit under the next attempt's idempotency key. A retry that cannot be paid
// for leaves the row, its retry budget and its original failure untouched.
func (s *Service) Retry(ctx context.Context, videoID string) (*dm.VideoGeneration, error) {
	ctx = logger.With(ctx, "video_id", videoID)
	log := logger.From(ctx)

	v, err := s.repo.GetByID(ctx, videoID)
	if errors.Is(err, ErrNotFound) {
		return nil, internal.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	if !v.RetryEligible() {
		return nil, internal.ErrRetryNotAllowed
	}

	balance, err := s.ledger.GetBalance(ctx, v.UserID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance < s.cfg.CreditCost {
		log.Info("retry refused, insufficient credits", "balance", balance)
		return nil, internal.ErrInsufficientCredits
	}

	prevCode, prevMessage := v.ErrorCode, v.ErrorMessage
	if err := s.repo.ResetForRetry(ctx, v.ID); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, internal.ErrRetryNotAllowed
		}
		return nil, err
	}
	if v, err = s.repo.GetByID(ctx, videoID); err != nil {
		return nil, err
	}

	if err := s.consume(ctx, v); err != nil {
		if errors.Is(err, internal.ErrInsufficientCredits) {
			// balance was spent between the check and the consume
			if rerr := s.repo.RevertRetry(ctx, v.ID, v.RetryCount, prevCode, prevMessage); rerr != nil {
				log.Error("failed to restore video after unpaid retry", "error", rerr)
			}
		}
		return nil, err
	}

	imageURL := ""
	if v.SourceImageKey != nil && s.store != nil {
		if imageURL, err = s.store.URL(ctx, *v.SourceImageKey); err != nil {
			s.fail(ctx, v, dm.ErrorCodeUnexpected, "source image unavailable: "+err.Error())
			return nil, internal.NewExternalError("Source image unavailable", internal.ErrCodeGatewayError, err)
		}
	}

	log.Info("video generation retried", "retry_count", v.RetryCount)
	return s.dispatch(ctx, v, Job{VideoID: v.ID, ImageURL: imageURL}), nil
}

// HandleCallback settles a processing video from the API's completion callback.
// Callbacks for videos that already left processing are ignored.
func (s *Service) HandleCallback(ctx context.Context, cb vidu.Callback) error {
	if cb.TaskID == "" {
		return internal.NewValidationError("Missing task id", internal.ErrCodeValidationFailed)
	}
	ctx = logger.With(ctx, "task_id", cb.TaskID)
	log := logger.From(ctx)

	v, err := s.repo.GetByTaskID(ctx, cb.TaskID)
	if errors.Is(err, ErrNotFound) {
		return internal.ErrVideoNotFound
	}
	if err != nil {
		return err
	}
	if v.Status != dm.StatusProcessing {
		log.Info("callback for settled video ignored", "video_id", v.ID, "status", v.Status)
		return nil
	}

	switch cb.State {
	case vidu.StateSuccess:
		if len(cb.Creations) == 0 || cb.Creations[0].URL == "" {
			s.fail(ctx, v, dm.ErrorCodeInvalidResponse, "generation finished without a video url")
			return nil
		}
		url := cb.Creations[0].URL
		if err := s.repo.MarkCompleted(ctx, v.ID, url); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return nil
			}
			return err
		}
		_ = s.publisher.Publish(ctx, events.NewVideoCompletedEvent(v.ID, v.UserID, url))
		log.Info("video completed", "video_id", v.ID)

	case vidu.StateFailed:
		msg := "generation failed"
		if cb.ErrCode != "" {
			msg += ": " + cb.ErrCode
		}
		s.fail(ctx, v, dm.ErrorCodeGenerationFailed, msg)

	default:
		log.Debug("intermediate callback state", "state", cb.State)
	}
	return nil
}

// Process submits one job. Every failure after the credit was taken ends in a
// refund attempt followed by marking the row failed.
func (s *Service) Process(ctx context.Context, job Job) {
	log := logger.From(ctx).With("video_id", job.VideoID)

	v, err := s.repo.GetByID(ctx, job.VideoID)
	if err != nil {
		if ctx.Err() != nil {
			s.Abandon(context.WithoutCancel(ctx), job)
			return
		}
		log.Error("video job references unreadable row", "error", err)
		return
	}
	if v.Status != dm.StatusProcessing {
		log.Warn("video job for row not in processing", "status", v.Status)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while submitting video", "panic", r)
			s.fail(ctx, v, dm.ErrorCodeUnexpected, fmt.Sprintf("unexpected error: %v", r))
		}
	}()

	prompt := v.Prompt
	if v.TranslatedPrompt != nil && *v.TranslatedPrompt != "" {
		prompt = *v.TranslatedPrompt
	}
	req := vidu.GenerateRequest{
		Model:      v.Model,
		Prompt:     prompt,
		Duration:   v.Duration,
		Resolution: v.Resolution,
	}
	if job.ImageURL != "" {
		req.Images = []string{job.ImageURL}
	}

	taskID, err := s.generator.Submit(ctx, req)
	if err != nil {
		log.Warn("video api rejected job", "error", err)
		s.fail(ctx, v, submitErrorCode(err), err.Error())
		return
	}

	if err := s.repo.SetTaskID(ctx, v.ID, taskID); err != nil {
		// without the task id the callback cannot find the row
		log.Error("failed to store task id", "task_id", taskID, "error", err)
		s.fail(ctx, v, dm.ErrorCodeUnexpected, "failed to store task id: "+err.Error())
		return
	}
	log.Info("video job submitted", "task_id", taskID)
}

// Abandon settles a job the worker pool could not run before shutdown. The
// credit goes back and the row is left failed so it can be retried.
func (s *Service) Abandon(ctx context.Context, job Job) {
	log := logger.From(ctx).With("video_id", job.VideoID)

	v, err := s.repo.GetByID(ctx, job.VideoID)
	if err != nil {
		log.Error("abandoned video job references unreadable row", "error", err)
		return
	}
	if v.Status != dm.StatusProcessing || v.ViduTaskID != nil {
		return
	}

	log.Warn("video job abandoned at shutdown, refunding")
	s.fail(ctx, v, dm.ErrorCodeAbandoned, "video job abandoned at shutdown")
}

func (s *Service) createAtomic(ctx context.Context, params ledger.CreateVideoParams) (*dm.VideoGeneration, error) {
	res, err := s.ledger.CreateVideoAndConsume(ctx, params)
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		return nil, internal.ErrInsufficientCredits
	}
	if err != nil {
		return nil, fmt.Errorf("create video and consume credit: %w", err)
	}
	if res.Video != nil {
		return res.Video, nil
	}
	return s.repo.GetByID(ctx, res.VideoID)
}

func (s *Service) createLegacy(ctx context.Context, params ledger.CreateVideoParams) (*dm.VideoGeneration, error) {
	v := &dm.VideoGeneration{
		UserID:           params.UserID,
		Prompt:           params.Prompt,
		TranslatedPrompt: params.TranslatedPrompt,
		SourceImageKey:   params.SourceImageKey,
		Status:           dm.StatusPending,
		MaxRetries:       params.MaxRetries,
		Model:            params.Model,
		Duration:         params.Duration,
		Resolution:       params.Resolution,
	}
	if err := s.repo.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}
	if err := s.consume(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// consume is the three step path for rows that already exist: take the credit,
// move pending to processing, then verify the balance actually went down.
func (s *Service) consume(ctx context.Context, v *dm.VideoGeneration) error {
	log := logger.From(ctx).With("video_id", v.ID)

	before, err := s.ledger.GetBalance(ctx, v.UserID)
	if err != nil {
		s.markFailed(ctx, v, dm.ErrorCodeUnexpected, "balance unavailable: "+err.Error())
		return fmt.Errorf("read balance: %w", err)
	}

	if _, err := s.ledger.ConsumeForVideo(ctx, v.UserID, v.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			s.markFailed(ctx, v, dm.ErrorCodeInsufficient, "insufficient credits")
			return internal.ErrInsufficientCredits
		}
		log.Error("credit consumption failed", "error", err)
		s.fail(ctx, v, dm.ErrorCodeUnexpected, "credit consumption failed: "+err.Error())
		return fmt.Errorf("consume credit: %w", err)
	}

	if err := s.repo.MarkProcessing(ctx, v.ID); err != nil {
		log.Error("failed to mark video processing after consuming credit", "error", err)
		s.fail(ctx, v, dm.ErrorCodeUnexpected, "failed to mark processing: "+err.Error())
		return fmt.Errorf("mark processing: %w", err)
	}

	after, balErr := s.ledger.GetBalance(ctx, v.UserID)
	fresh, getErr := s.repo.GetByID(ctx, v.ID)
	if balErr != nil || getErr != nil || after >= before || fresh.CreditsUsed != 1 {
		log.Error("credit consumption could not be verified, compensating",
			"balance_before", before,
			"balance_after", after,
			"balance_error", balErr,
			"read_error", getErr)
		s.fail(ctx, v, dm.ErrorCodeConsumeFailsafe, "credit consumption could not be verified")
		return internal.NewInternalError("Credit consumption could not be verified", nil)
	}

	*v = *fresh
	return nil
}

// fail refunds whatever was consumed for v and then marks it failed. A refund
// error is kept in the error message for manual reconciliation.
func (s *Service) fail(ctx context.Context, v *dm.VideoGeneration, code, message string) {
	dctx, cancel := internal.Detached(ctx, compensationTimeout)
	defer cancel()
	log := logger.From(ctx).With("video_id", v.ID, "user_id", v.UserID, "error_code", code)

	refunded := false
	res, err := s.ledger.RefundForVideo(dctx, v.ID)
	switch {
	case err == nil:
		refunded = true
		if res.Refunded > 0 {
			_ = s.publisher.Publish(dctx, events.NewVideoRefundedEvent(v.ID, v.UserID, res.NewBalance))
			log.Info("credit refunded for failed video", "amount", res.Refunded, "new_balance", res.NewBalance)
		}
	case errors.Is(err, ledger.ErrNotConsumed):
	default:
		log.Error("refund failed, manual reconciliation required", "error", err)
		message = fmt.Sprintf("%s; refund failed: %v", message, err)
	}

	s.markFailed(dctx, v, code, message)
	_ = s.publisher.Publish(dctx, events.NewVideoFailedEvent(v.ID, v.UserID, code, refunded))
}

func (s *Service) markFailed(ctx context.Context, v *dm.VideoGeneration, code, message string) {
	if err := s.repo.MarkFailed(ctx, v.ID, code, message); err != nil && !errors.Is(err, ErrStatusConflict) {
		logger.From(ctx).Error("failed to mark video failed", "video_id", v.ID, "error", err)
	}
}

func (s *Service) dispatch(ctx context.Context, v *dm.VideoGeneration, job Job) *dm.VideoGeneration {
	if s.dispatcher != nil {
		err := s.dispatcher.Enqueue(job)
		if err == nil {
			return v
		}
		logger.From(ctx).Warn("video queue unavailable, submitting inline", "video_id", v.ID, "error", err)
	}

	s.Process(ctx, job)
	if fresh, err := s.repo.GetByID(ctx, v.ID); err == nil {
		return fresh
	}
	return v
}

func (s *Service) recordRejected(ctx context.Context, userID string, req GenerateRequest) {
	code := dm.ErrorCodeNSFW
	msg := "image rejected by content moderation"
	v := &dm.VideoGeneration{
		UserID:       userID,
		Prompt:       req.Prompt,
		Status:       dm.StatusFailed,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		MaxRetries:   s.cfg.MaxRetries,
		Model:        firstNonEmpty(req.Model, s.cfg.Model),
	}
	if err := s.repo.Create(ctx, v); err != nil {
		logger.From(ctx).Error("failed to record moderation rejection", "error", err)
		return
	}
	logger.From(ctx).Warn("image rejected by moderation before consumption", "video_id", v.ID)
}

func (s *Service) refine(ctx context.Context, prompt string) string {
	out, err := s.refiner.Refine(ctx, prompt)
	if err != nil || out == "" {
		if err != nil {
			logger.From(ctx).Warn("prompt refinement failed, using original prompt", "error", err)
		}
		return prompt
	}
	return out
}

func (s *Service) storeImage(ctx context.Context, userID string, image []byte) (*string, string, error) {
	if s.store == nil {
		return nil, DataURI(image), nil
	}

	key := fmt.Sprintf("sources/%s/%s.jpg", userID, uuid.NewString())
	if err := s.store.Put(ctx, key, image, "image/jpeg"); err != nil {
		return nil, "", internal.NewExternalError("Failed to store source image", internal.ErrCodeGatewayError, err)
	}
	link, err := s.store.URL(ctx, key)
	if err != nil {
		return nil, "", internal.NewExternalError("Failed to store source image", internal.ErrCodeGatewayError, err)
	}
	return &key, link, nil
}

func submitErrorCode(err error) string {
	switch {
	case errors.Is(err, vidu.ErrInvalidResponse):
		return dm.ErrorCodeInvalidResponse
	case errors.Is(err, vidu.ErrMissingTaskID):
		return dm.ErrorCodeMissingTaskID
	}
	return dm.ErrorCodeGatewayRejected
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
