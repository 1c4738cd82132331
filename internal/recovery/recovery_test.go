package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/store"
)

// fakeTxStore emulates the row-lock semantics recovery relies on: a
// locking read holds the generation's mutex until the transaction ends,
// so concurrent recoverOne calls serialize per generation.
type fakeTxStore struct {
	mu    sync.Mutex
	gens  map[uuid.UUID]*models.Generation
	locks map[uuid.UUID]*sync.Mutex
}

func newFakeTxStore() *fakeTxStore {
	return &fakeTxStore{
		gens:  make(map[uuid.UUID]*models.Generation),
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (f *fakeTxStore) lockFor(id uuid.UUID) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	return l
}

func (f *fakeTxStore) ListStalledGenerations(ctx context.Context, cutoff time.Time) ([]models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stalled []models.Generation
	for _, gen := range f.gens {
		if gen.Status == models.StatusProcessing && gen.StartedAt.Valid && gen.StartedAt.Time.Before(cutoff) {
			stalled = append(stalled, *gen)
		}
	}
	return stalled, nil
}

func (f *fakeTxStore) FailTimedOut(ctx context.Context, cutoff time.Time, errorMsg string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, gen := range f.gens {
		if gen.Status == models.StatusProcessing && gen.StartedAt.Valid && gen.StartedAt.Time.Before(cutoff) {
			gen.Status = models.StatusFailed
			gen.ErrorMessage = sql.NullString{String: errorMsg, Valid: true}
			count++
		}
	}
	return count, nil
}

func (f *fakeTxStore) RunSerializable(ctx context.Context, fn func(ops store.TxOps) error) error {
	ops := &fakeTxOps{store: f}
	err := fn(ops)
	ops.release()
	return err
}

type fakeTxOps struct {
	store *fakeTxStore
	held  []*sync.Mutex
}

func (o *fakeTxOps) release() {
	for _, l := range o.held {
		l.Unlock()
	}
	o.held = nil
}

func (o *fakeTxOps) GetGenerationForUpdate(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	l := o.store.lockFor(id)
	l.Lock()
	o.held = append(o.held, l)

	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	gen, ok := o.store.gens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *gen
	return &copied, nil
}

func (o *fakeTxOps) CompleteGeneration(ctx context.Context, id uuid.UUID) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.store.gens[id].Status = models.StatusCompleted
	return nil
}

func (o *fakeTxOps) FailGeneration(ctx context.Context, id uuid.UUID, errorMsg string) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	gen := o.store.gens[id]
	gen.Status = models.StatusFailed
	gen.ErrorMessage = sql.NullString{String: errorMsg, Valid: true}
	return nil
}

func (o *fakeTxOps) RequeueGeneration(ctx context.Context, id uuid.UUID, jobID string) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	gen := o.store.gens[id]
	gen.Status = models.StatusQueued
	gen.QueueJobID = sql.NullString{String: jobID, Valid: true}
	gen.RecoveryAttempts++
	gen.LastRecoveryAt = sql.NullTime{Time: time.Now(), Valid: true}
	return nil
}

type fakeJobQueue struct {
	mu       sync.Mutex
	jobs     map[string]*queue.Job
	removed  []string
	enqueued []string
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{jobs: make(map[string]*queue.Job)}
}

func (f *fakeJobQueue) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobQueue) RemoveJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeJobQueue) Enqueue(ctx context.Context, jobID string, payload queue.GenerationPayload, opts queue.EnqueueOptions) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		copied := *job
		return &copied, nil
	}
	body, _ := json.Marshal(payload)
	job := &queue.Job{
		ID:       jobID,
		Payload:  body,
		State:    queue.StateWaiting,
		Priority: opts.Priority,
	}
	f.jobs[jobID] = job
	f.enqueued = append(f.enqueued, jobID)
	copied := *job
	return &copied, nil
}

func (f *fakeJobQueue) Purge(ctx context.Context, olderThan time.Duration, limit int, state string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, job := range f.jobs {
		if job.State == state && job.FinishedAt.Valid && job.FinishedAt.Time.Before(cutoff) {
			delete(f.jobs, id)
			count++
		}
	}
	return count, nil
}

func seedStalled(fs *fakeTxStore, stalledFor time.Duration, attempts, completed, failed, total int) *models.Generation {
	gen := &models.Generation{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		AvatarID:           uuid.New(),
		Status:             models.StatusProcessing,
		Prompt:             "studio portrait",
		TotalExpectedItems: total,
		ItemsCompleted:     completed,
		ItemsFailed:        failed,
		RecoveryAttempts:   attempts,
		CreditCharged:      total * 30,
		StartedAt:          sql.NullTime{Time: time.Now().Add(-stalledFor), Valid: true},
	}
	poses := make([]string, total)
	for i := range poses {
		poses[i] = uuid.New().String()
	}
	gen.SelectedPoseIDs, _ = json.Marshal(poses)
	fs.gens[gen.ID] = gen
	return gen
}

func TestRecoverStalledJobs_RequeuesWithFreshJob(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	gen := seedStalled(fs, time.Hour, 0, 3, 1, 10)
	staleJobID := queue.GenerationJobID(gen.ID)
	gen.QueueJobID = sql.NullString{String: staleJobID, Valid: true}
	q.jobs[staleJobID] = &queue.Job{ID: staleJobID, State: queue.StateActive}

	recovered, failed, err := svc.RecoverStalledJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 0, failed)

	final := fs.gens[gen.ID]
	assert.Equal(t, models.StatusQueued, final.Status)
	assert.Equal(t, 1, final.RecoveryAttempts)
	assert.True(t, final.LastRecoveryAt.Valid)

	// The stale job is gone and the new one runs under a fresh id at
	// high priority with the recovery flag set.
	assert.Contains(t, q.removed, staleJobID)
	require.Len(t, q.enqueued, 1)
	newJobID := q.enqueued[0]
	assert.True(t, strings.HasPrefix(newJobID, "recovery-"))
	assert.Equal(t, newJobID, final.QueueJobID.String)

	job := q.jobs[newJobID]
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	payload, err := job.GenerationPayload()
	require.NoError(t, err)
	assert.True(t, payload.IsRecovery)
	assert.Equal(t, gen.ID, payload.GenerationID)
	assert.Len(t, payload.SelectedPoseIDs, 10)
}

func TestRecoverOne_MissingStaleJobStillRequeues(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	// The recorded job id points at nothing (already purged); recovery
	// must not trip over it.
	gen := seedStalled(fs, time.Hour, 0, 2, 0, 10)
	gen.QueueJobID = sql.NullString{String: queue.GenerationJobID(gen.ID), Valid: true}

	result, err := svc.recoverOne(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeRequeued, result)
	assert.Empty(t, q.removed)
	assert.Len(t, q.enqueued, 1)
}

func TestRecoverOne_TerminalStaleJobLeftAlone(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	gen := seedStalled(fs, time.Hour, 0, 2, 0, 10)
	staleJobID := queue.GenerationJobID(gen.ID)
	gen.QueueJobID = sql.NullString{String: staleJobID, Valid: true}
	q.jobs[staleJobID] = &queue.Job{ID: staleJobID, State: queue.StateFailed}

	result, err := svc.recoverOne(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeRequeued, result)

	// A terminal job cannot be claimed; it stays for the purge cycle.
	assert.Empty(t, q.removed)
	assert.Contains(t, q.jobs, staleJobID)
	assert.Len(t, q.enqueued, 1)
}

func TestRecoverOne_SkipsNonProcessing(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	for _, status := range []string{models.StatusQueued, models.StatusCompleted, models.StatusFailed} {
		gen := seedStalled(fs, time.Hour, 0, 0, 0, 5)
		gen.Status = status

		result, err := svc.recoverOne(context.Background(), gen.ID)
		require.NoError(t, err)
		assert.Equal(t, outcomeSkipped, result)
		assert.Equal(t, status, fs.gens[gen.ID].Status)
	}
	assert.Empty(t, q.enqueued)
}

func TestRecoverOne_CorrectsFinishedGeneration(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	// All items accounted for but the worker died before marking done.
	gen := seedStalled(fs, time.Hour, 1, 8, 2, 10)

	result, err := svc.recoverOne(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeCompleted, result)
	assert.Equal(t, models.StatusCompleted, fs.gens[gen.ID].Status)
	assert.Empty(t, q.enqueued)
}

func TestRecoverOne_FailsAfterMaxAttempts(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	gen := seedStalled(fs, time.Hour, models.MaxRecoveryAttempts, 2, 0, 10)

	result, err := svc.recoverOne(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomeFailed, result)

	final := fs.gens[gen.ID]
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, "maximum recovery attempts exceeded", final.ErrorMessage.String)
	assert.Empty(t, q.enqueued)
}

func TestRecoverOne_ConcurrentSweepsRequeueOnce(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	gen := seedStalled(fs, time.Hour, 0, 4, 0, 10)

	var wg sync.WaitGroup
	results := make([]outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.recoverOne(context.Background(), gen.ID)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	// The row lock serializes the two sweeps; the loser sees the status
	// guard and backs off.
	requeues := 0
	for _, r := range results {
		if r == outcomeRequeued {
			requeues++
		}
	}
	assert.Equal(t, 1, requeues)
	assert.Len(t, q.enqueued, 1)
	assert.Equal(t, 1, fs.gens[gen.ID].RecoveryAttempts)
}

func TestMarkFailedGenerations_HardTimeout(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	old := seedStalled(fs, 3*time.Hour, 0, 1, 0, 5)
	recent := seedStalled(fs, time.Hour, 0, 1, 0, 5)

	count, err := svc.MarkFailedGenerations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, models.StatusFailed, fs.gens[old.ID].Status)
	assert.Equal(t, "generation timeout - exceeded 2 hour limit", fs.gens[old.ID].ErrorMessage.String)
	assert.Equal(t, models.StatusProcessing, fs.gens[recent.ID].Status)
}

func TestCleanupOldJobs_PurgesByRetention(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	finished := func(ago time.Duration) sql.NullTime {
		return sql.NullTime{Time: time.Now().Add(-ago), Valid: true}
	}
	q.jobs["old-completed"] = &queue.Job{ID: "old-completed", State: queue.StateCompleted, FinishedAt: finished(25 * time.Hour)}
	q.jobs["fresh-completed"] = &queue.Job{ID: "fresh-completed", State: queue.StateCompleted, FinishedAt: finished(2 * time.Hour)}
	q.jobs["old-failed"] = &queue.Job{ID: "old-failed", State: queue.StateFailed, FinishedAt: finished(8 * 24 * time.Hour)}
	q.jobs["recent-failed"] = &queue.Job{ID: "recent-failed", State: queue.StateFailed, FinishedAt: finished(2 * 24 * time.Hour)}

	purged, err := svc.CleanupOldJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	assert.NotContains(t, q.jobs, "old-completed")
	assert.NotContains(t, q.jobs, "old-failed")
	assert.Contains(t, q.jobs, "fresh-completed")
	assert.Contains(t, q.jobs, "recent-failed")
}

func TestRunOnce_TimeoutBeforeRecovery(t *testing.T) {
	fs := newFakeTxStore()
	q := newFakeJobQueue()
	svc := NewService(fs, q, nil)

	// Past the hard timeout: must be dead-lettered, never re-queued,
	// even with attempts remaining.
	timedOut := seedStalled(fs, 3*time.Hour, 0, 1, 0, 5)
	stalled := seedStalled(fs, time.Hour, 0, 2, 0, 5)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.TimedOut)
	assert.Equal(t, 1, result.Recovered)
	assert.Equal(t, 0, result.Failed)

	assert.Equal(t, models.StatusFailed, fs.gens[timedOut.ID].Status)
	assert.Equal(t, models.StatusQueued, fs.gens[stalled.ID].Status)
}
