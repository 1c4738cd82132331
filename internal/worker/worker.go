package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"pose-studio-backend/internal/credit"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/pipeline"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/store"
)

type generationStore interface {
	GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetAvatarByID(ctx context.Context, id uuid.UUID) (*models.Avatar, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
	IncrementItemsCompleted(ctx context.Context, id uuid.UUID) error
	IncrementItemsFailed(ctx context.Context, id uuid.UUID) error
	AddCreditRefunded(ctx context.Context, id uuid.UUID, amount int) error
	CreateGeneratedItem(ctx context.Context, item *models.GeneratedItem) error
	IncrementAvatarUsage(ctx context.Context, id uuid.UUID) error
}

type uploader interface {
	UploadPoseOutput(userID, generationID uuid.UUID, filename string, data []byte) (string, string, error)
}

type notifier interface {
	PublishUserEvent(userID uuid.UUID, event string, payload map[string]interface{}) error
}

type refunder interface {
	Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error
}

// stageFunc builds the per-item pipeline. Swappable so tests can run the
// worker without a live generation provider.
type stageFunc func(gen *models.Generation, avatar *models.Avatar, poseID string) []pipeline.Stage

// Worker processes generation jobs claimed from the queue. Items within
// one generation run strictly sequentially from the checkpoint index, so
// items_completed + items_failed always points at the next pose to do.
type Worker struct {
	store    generationStore
	storage  uploader
	realtime notifier
	credits  refunder
	stages   stageFunc
}

func New(s generationStore, storage uploader, realtime notifier, credits refunder, builder *StageBuilder) *Worker {
	return &Worker{
		store:    s,
		storage:  storage,
		realtime: realtime,
		credits:  credits,
		stages:   builder.Stages,
	}
}

// Process handles one claimed queue job end to end. Returning an error
// that wraps queue.ErrPermanent fails the job without retries; any other
// error goes through the queue's backoff cycle.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.GenerationPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
	}

	gen, err := w.store.GetGeneration(ctx, payload.GenerationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: generation %s not found", queue.ErrPermanent, payload.GenerationID)
		}
		return fmt.Errorf("failed to load generation %s: %w", payload.GenerationID, err)
	}

	// A completed or failed generation means a recovery re-queue raced an
	// already-finished run. Nothing to do.
	if gen.Status == models.StatusCompleted || gen.Status == models.StatusFailed {
		log.Printf("[Worker] generation %s already %s, skipping job %s", gen.ID, gen.Status, job.ID)
		return nil
	}

	if err := w.store.MarkProcessing(ctx, gen.ID); err != nil {
		return fmt.Errorf("failed to mark generation %s processing: %w", gen.ID, err)
	}

	avatar, err := w.store.GetAvatarByID(ctx, gen.AvatarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failBatch(ctx, gen, fmt.Sprintf("avatar %s not found", gen.AvatarID))
		}
		return fmt.Errorf("failed to load avatar %s: %w", gen.AvatarID, err)
	}

	poseIDs, err := gen.PoseIDs()
	if err != nil {
		return w.failBatch(ctx, gen, err.Error())
	}

	resume := gen.ResumeIndex()
	if resume > 0 {
		log.Printf("[Worker] generation %s resuming at item %d/%d (completed=%d failed=%d)",
			gen.ID, resume, gen.TotalExpectedItems, gen.ItemsCompleted, gen.ItemsFailed)
	} else {
		log.Printf("[Worker] generation %s starting, %d items", gen.ID, gen.TotalExpectedItems)
	}

	w.publish(gen.UserID, "generation.started", map[string]interface{}{
		"generation_id": gen.ID.String(),
		"status":        models.StatusProcessing,
		"total":         gen.TotalExpectedItems,
		"resume_index":  resume,
	})

	completed := gen.ItemsCompleted
	failed := gen.ItemsFailed
	for i := resume; i < len(poseIDs); i++ {
		// Interruption between items is safe: the checkpoint counters
		// already cover everything before index i.
		if ctx.Err() != nil {
			return fmt.Errorf("generation %s interrupted at item %d: %w", gen.ID, i, ctx.Err())
		}

		if err := w.processItem(ctx, gen, avatar, poseIDs[i], i); err != nil {
			log.Printf("[Worker] generation %s item %d (%s) failed: %v", gen.ID, i, poseIDs[i], err)
			failed++
		} else {
			completed++
		}

		w.publish(gen.UserID, "generation.progress", map[string]interface{}{
			"generation_id": gen.ID.String(),
			"status":        models.StatusProcessing,
			"completed":     completed,
			"failed":        failed,
			"total":         gen.TotalExpectedItems,
			"percentage":    (completed + failed) * 100 / gen.TotalExpectedItems,
		})
	}

	return w.finish(ctx, gen.ID)
}

// processItem runs the pipeline for one pose, uploads the output and
// advances exactly one checkpoint counter. An error return means the
// failure counter was incremented (or incrementing it failed).
func (w *Worker) processItem(ctx context.Context, gen *models.Generation, avatar *models.Avatar, poseID string, index int) error {
	start := time.Now()
	result, err := pipeline.Run(ctx, w.stages(gen, avatar, poseID))
	if err != nil {
		return w.recordItemFailure(ctx, gen.ID, poseID, err, start)
	}

	filename := fmt.Sprintf("pose_%03d_%s.jpg", index+1, poseID)
	_, publicURL, err := w.storage.UploadPoseOutput(gen.UserID, gen.ID, filename, result.Output)
	if err != nil {
		return w.recordItemFailure(ctx, gen.ID, poseID, fmt.Errorf("upload failed: %w", err), start)
	}

	stagesJSON, err := json.Marshal(result.AppliedStages)
	if err != nil {
		stagesJSON = nil
	}

	item := &models.GeneratedItem{
		ID:             uuid.New(),
		GenerationID:   gen.ID,
		PoseTemplateID: poseID,
		OutputURL:      sqlString(publicURL),
		AppliedStages:  stagesJSON,
		Success:        true,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if err := w.store.CreateGeneratedItem(ctx, item); err != nil {
		return w.recordItemFailure(ctx, gen.ID, poseID, fmt.Errorf("failed to record item: %w", err), start)
	}

	if err := w.store.IncrementItemsCompleted(ctx, gen.ID); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

func (w *Worker) recordItemFailure(ctx context.Context, generationID uuid.UUID, poseID string, itemErr error, start time.Time) error {
	item := &models.GeneratedItem{
		ID:             uuid.New(),
		GenerationID:   generationID,
		PoseTemplateID: poseID,
		Success:        false,
		ErrorMessage:   sqlString(itemErr.Error()),
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if err := w.store.CreateGeneratedItem(ctx, item); err != nil {
		log.Printf("[Worker] failed to record item failure for generation %s: %v", generationID, err)
	}

	if err := w.store.IncrementItemsFailed(ctx, generationID); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return itemErr
}

// finish re-reads the generation and settles it. The fresh read makes
// the terminal decision from database state, not in-memory counters.
func (w *Worker) finish(ctx context.Context, generationID uuid.UUID) error {
	gen, err := w.store.GetGeneration(ctx, generationID)
	if err != nil {
		return fmt.Errorf("failed to reload generation %s: %w", generationID, err)
	}

	if !gen.IsDone() {
		return fmt.Errorf("generation %s has unprocessed items after run (completed=%d failed=%d expected=%d)",
			gen.ID, gen.ItemsCompleted, gen.ItemsFailed, gen.TotalExpectedItems)
	}

	if err := w.store.MarkCompleted(ctx, gen.ID); err != nil {
		return fmt.Errorf("failed to mark generation %s completed: %w", gen.ID, err)
	}

	if err := w.store.IncrementAvatarUsage(ctx, gen.AvatarID); err != nil {
		log.Printf("[Worker] failed to bump avatar usage for %s: %v", gen.AvatarID, err)
	}

	refunded := w.refundFailedItems(ctx, gen)

	log.Printf("[Worker] generation %s completed: %d succeeded, %d failed, %d credits refunded",
		gen.ID, gen.ItemsCompleted, gen.ItemsFailed, refunded)

	w.publish(gen.UserID, "generation.completed", map[string]interface{}{
		"generation_id":   gen.ID.String(),
		"status":          models.StatusCompleted,
		"completed":       gen.ItemsCompleted,
		"failed":          gen.ItemsFailed,
		"credit_refunded": refunded,
	})
	return nil
}

// refundFailedItems pays back the per-pose cost of every failed item.
// Skipped when a refund was already issued, so a replayed completion
// cannot double-pay.
func (w *Worker) refundFailedItems(ctx context.Context, gen *models.Generation) int {
	if gen.ItemsFailed == 0 || gen.CreditRefunded > 0 {
		return gen.CreditRefunded
	}

	amount := gen.ItemsFailed * credit.CreditPerPose
	if err := w.credits.Refund(ctx, gen.UserID, amount, "partial generation failure", gen.ID); err != nil {
		log.Printf("[Worker] refund of %d credits for generation %s failed: %v", amount, gen.ID, err)
		return 0
	}
	if err := w.store.AddCreditRefunded(ctx, gen.ID, amount); err != nil {
		log.Printf("[Worker] failed to record refund on generation %s: %v", gen.ID, err)
	}
	return amount
}

// failBatch fails the whole generation, refunds whatever the user has
// not received, and tells the queue not to retry.
func (w *Worker) failBatch(ctx context.Context, gen *models.Generation, reason string) error {
	if err := w.store.MarkFailed(ctx, gen.ID, reason); err != nil {
		return fmt.Errorf("failed to mark generation %s failed: %w", gen.ID, err)
	}

	amount := gen.CreditCharged - gen.ItemsCompleted*credit.CreditPerPose - gen.CreditRefunded
	if amount > 0 {
		if err := w.credits.Refund(ctx, gen.UserID, amount, "generation failure", gen.ID); err != nil {
			log.Printf("[Worker] refund of %d credits for generation %s failed: %v", amount, gen.ID, err)
		} else if err := w.store.AddCreditRefunded(ctx, gen.ID, amount); err != nil {
			log.Printf("[Worker] failed to record refund on generation %s: %v", gen.ID, err)
		}
	}

	w.publish(gen.UserID, "generation.failed", map[string]interface{}{
		"generation_id": gen.ID.String(),
		"status":        models.StatusFailed,
		"error":         reason,
	})

	return fmt.Errorf("%w: generation %s failed: %s", queue.ErrPermanent, gen.ID, reason)
}

// publish sends a realtime event, best effort. Notification failures
// never affect the generation outcome.
func (w *Worker) publish(userID uuid.UUID, event string, payload map[string]interface{}) {
	if w.realtime == nil {
		return
	}
	if err := w.realtime.PublishUserEvent(userID, event, payload); err != nil {
		log.Printf("[Worker] failed to publish %s event: %v", event, err)
	}
}

func sqlString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
