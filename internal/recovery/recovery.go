package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/store"
)

const (
	// StallThreshold is how long a generation may sit in processing
	// without finishing before it is considered stalled.
	StallThreshold = 30 * time.Minute

	// HardTimeout is the absolute ceiling on processing time. Anything
	// older is force-failed regardless of recovery attempts.
	HardTimeout = 2 * time.Hour

	completedJobRetention = 24 * time.Hour
	failedJobRetention    = 7 * 24 * time.Hour
	purgeBatchLimit       = 1000
)

type generationStore interface {
	ListStalledGenerations(ctx context.Context, cutoff time.Time) ([]models.Generation, error)
	FailTimedOut(ctx context.Context, cutoff time.Time, errorMsg string) (int64, error)
	RunSerializable(ctx context.Context, fn func(ops store.TxOps) error) error
}

type jobQueue interface {
	GetJob(ctx context.Context, jobID string) (*queue.Job, error)
	RemoveJob(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, jobID string, payload queue.GenerationPayload, opts queue.EnqueueOptions) (*queue.Job, error)
	Purge(ctx context.Context, olderThan time.Duration, limit int, state string) (int64, error)
}

type notifier interface {
	PublishUserEvent(userID uuid.UUID, event string, payload map[string]interface{}) error
}

// Service finds generations stuck in processing and puts them back on
// the queue, force-fails the hopeless ones, and garbage-collects
// terminal queue entries. All per-generation decisions run inside a
// serializable transaction holding a row lock, so two sweeps racing on
// the same generation cannot both re-queue it.
type Service struct {
	store    generationStore
	queue    jobQueue
	realtime notifier
}

func NewService(s generationStore, q jobQueue, realtime notifier) *Service {
	return &Service{store: s, queue: q, realtime: realtime}
}

// RunResult summarizes one recovery pass.
type RunResult struct {
	Recovered int
	Failed    int
	TimedOut  int64
	Purged    int64
}

// RunOnce performs a full recovery pass: hard timeouts first, then
// stalled re-queues, then queue garbage collection.
func (s *Service) RunOnce(ctx context.Context) (*RunResult, error) {
	result := &RunResult{}

	timedOut, err := s.MarkFailedGenerations(ctx)
	if err != nil {
		return nil, err
	}
	result.TimedOut = timedOut

	recovered, failed, err := s.RecoverStalledJobs(ctx)
	if err != nil {
		return nil, err
	}
	result.Recovered = recovered
	result.Failed = failed

	purged, err := s.CleanupOldJobs(ctx)
	if err != nil {
		return nil, err
	}
	result.Purged = purged

	return result, nil
}

// RecoverStalledJobs re-queues every generation stuck in processing past
// the stall threshold, up to the per-generation attempt cap. Returns how
// many were re-queued and how many were forced to failed.
func (s *Service) RecoverStalledJobs(ctx context.Context) (recovered, failed int, err error) {
	cutoff := time.Now().Add(-StallThreshold)
	stalled, err := s.store.ListStalledGenerations(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to find stalled generations: %w", err)
	}

	if len(stalled) == 0 {
		return 0, 0, nil
	}
	log.Printf("[Recovery] found %d stalled generation(s)", len(stalled))

	for _, gen := range stalled {
		outcome, recoverErr := s.recoverOne(ctx, gen.ID)
		if recoverErr != nil {
			log.Printf("[Recovery] generation %s: %v", gen.ID, recoverErr)
			continue
		}
		switch outcome {
		case outcomeRequeued:
			recovered++
		case outcomeFailed:
			failed++
		}
	}

	if recovered > 0 || failed > 0 {
		log.Printf("[Recovery] pass done: %d re-queued, %d failed", recovered, failed)
	}
	return recovered, failed, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRequeued
	outcomeFailed
	outcomeCompleted
)

// recoverOne applies the recovery guards to a single generation under a
// row lock. The guards run in order: a generation that is no longer
// processing is left alone; one whose items are all accounted for is
// completed; one out of attempts is failed; otherwise its stale job is
// killed and a fresh job is enqueued under a new id.
func (s *Service) recoverOne(ctx context.Context, generationID uuid.UUID) (outcome, error) {
	// The recovery job id is fixed before the transaction so a
	// serialization retry re-enqueues the same id instead of stacking
	// duplicates.
	jobID := queue.RecoveryJobID(generationID)

	var result outcome
	var requeued *models.Generation

	err := s.store.RunSerializable(ctx, func(ops store.TxOps) error {
		result = outcomeSkipped
		requeued = nil

		gen, err := ops.GetGenerationForUpdate(ctx, generationID)
		if err != nil {
			return err
		}

		// Another sweep, or the worker itself, already moved it on.
		if gen.Status != models.StatusProcessing {
			return nil
		}

		// Every item is accounted for; the worker died between the last
		// increment and marking completion. Correct the record instead of
		// re-running an empty job.
		if gen.IsDone() {
			if err := ops.CompleteGeneration(ctx, gen.ID); err != nil {
				return err
			}
			result = outcomeCompleted
			return nil
		}

		if gen.RecoveryAttempts >= models.MaxRecoveryAttempts {
			if err := ops.FailGeneration(ctx, gen.ID, "maximum recovery attempts exceeded"); err != nil {
				return err
			}
			result = outcomeFailed
			return nil
		}

		// Kill the stale job so the old id cannot run again. The dead
		// worker's job usually sits active, but may also be waiting or
		// in a retry delay; anything still runnable under the old id
		// has to go before the re-queue. Terminal jobs are left for GC.
		if gen.QueueJobID.Valid {
			stale, err := s.queue.GetJob(ctx, gen.QueueJobID.String)
			if err != nil {
				return fmt.Errorf("failed to check stale job %s: %w", gen.QueueJobID.String, err)
			}
			if stale != nil && stale.State != queue.StateCompleted && stale.State != queue.StateFailed {
				log.Printf("[Recovery] removing stale %s job %s for generation %s", stale.State, stale.ID, generationID)
				if err := s.queue.RemoveJob(ctx, stale.ID); err != nil {
					return fmt.Errorf("failed to remove stale job %s: %w", stale.ID, err)
				}
			}
		}

		poseIDs, err := gen.PoseIDs()
		if err != nil {
			return err
		}

		if _, err := s.queue.Enqueue(ctx, jobID, queue.GenerationPayload{
			GenerationID:       gen.ID,
			UserID:             gen.UserID,
			AvatarID:           gen.AvatarID,
			SelectedPoseIDs:    poseIDs,
			Prompt:             gen.Prompt,
			TotalExpectedItems: gen.TotalExpectedItems,
			CreditCharged:      gen.CreditCharged,
			IsRecovery:         true,
		}, queue.EnqueueOptions{Priority: queue.PriorityHigh}); err != nil {
			return fmt.Errorf("failed to enqueue recovery job: %w", err)
		}

		if err := ops.RequeueGeneration(ctx, gen.ID, jobID); err != nil {
			return err
		}
		result = outcomeRequeued
		requeued = gen
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	switch result {
	case outcomeRequeued:
		log.Printf("[Recovery] generation %s re-queued as %s (attempt %d/%d, resuming at %d)",
			generationID, jobID, requeued.RecoveryAttempts+1, models.MaxRecoveryAttempts, requeued.ResumeIndex())
		s.publish(requeued.UserID, "generation.recovered", map[string]interface{}{
			"generation_id": generationID.String(),
			"status":        models.StatusQueued,
			"resume_index":  requeued.ResumeIndex(),
		})
	case outcomeFailed:
		log.Printf("[Recovery] generation %s exhausted recovery attempts, marked failed", generationID)
	case outcomeCompleted:
		log.Printf("[Recovery] generation %s had all items done, marked completed", generationID)
	}

	return result, nil
}

// MarkFailedGenerations dead-letters every generation that has been
// processing longer than the hard timeout.
func (s *Service) MarkFailedGenerations(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-HardTimeout)
	count, err := s.store.FailTimedOut(ctx, cutoff, "generation timeout - exceeded 2 hour limit")
	if err != nil {
		return 0, fmt.Errorf("failed to fail timed-out generations: %w", err)
	}
	if count > 0 {
		log.Printf("[Recovery] force-failed %d generation(s) past the %s hard timeout", count, HardTimeout)
	}
	return count, nil
}

// CleanupOldJobs garbage-collects terminal queue entries: completed jobs
// after a day, failed jobs after a week. Generation records are never
// touched.
func (s *Service) CleanupOldJobs(ctx context.Context) (int64, error) {
	completed, err := s.queue.Purge(ctx, completedJobRetention, purgeBatchLimit, queue.StateCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}

	failed, err := s.queue.Purge(ctx, failedJobRetention, purgeBatchLimit, queue.StateFailed)
	if err != nil {
		return completed, fmt.Errorf("failed to purge failed jobs: %w", err)
	}

	if completed+failed > 0 {
		log.Printf("[Recovery] purged %d completed and %d failed queue job(s)", completed, failed)
	}
	return completed + failed, nil
}

func (s *Service) publish(userID uuid.UUID, event string, payload map[string]interface{}) {
	if s.realtime == nil {
		return
	}
	if err := s.realtime.PublishUserEvent(userID, event, payload); err != nil {
		log.Printf("[Recovery] failed to publish %s event: %v", event, err)
	}
}
