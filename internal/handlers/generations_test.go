package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pose-studio-backend/internal/credit"
	"pose-studio-backend/internal/middleware"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/store"
)

type fakeGenerationStore struct {
	ops        []string
	gens       map[uuid.UUID]*models.Generation
	avatars    map[uuid.UUID]*models.Avatar
	markedErr  error
	createdErr error
}

func newFakeGenerationStore() *fakeGenerationStore {
	return &fakeGenerationStore{
		gens:    make(map[uuid.UUID]*models.Generation),
		avatars: make(map[uuid.UUID]*models.Avatar),
	}
}

func (f *fakeGenerationStore) CreateGeneration(ctx context.Context, gen *models.Generation) (*models.Generation, error) {
	f.ops = append(f.ops, "CreateGeneration")
	if f.createdErr != nil {
		return nil, f.createdErr
	}
	gen.Status = models.StatusPending
	f.gens[gen.ID] = gen
	copied := *gen
	return &copied, nil
}

func (f *fakeGenerationStore) GetUserGeneration(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error) {
	gen, ok := f.gens[id]
	if !ok || gen.UserID != userID {
		return nil, store.ErrNotFound
	}
	copied := *gen
	return &copied, nil
}

func (f *fakeGenerationStore) ListGenerations(ctx context.Context, userID uuid.UUID) ([]models.Generation, error) {
	var out []models.Generation
	for _, gen := range f.gens {
		if gen.UserID == userID {
			out = append(out, *gen)
		}
	}
	return out, nil
}

func (f *fakeGenerationStore) ListGeneratedItems(ctx context.Context, generationID uuid.UUID) ([]models.GeneratedItem, error) {
	return nil, nil
}

func (f *fakeGenerationStore) GetAvatar(ctx context.Context, id, userID uuid.UUID) (*models.Avatar, error) {
	avatar, ok := f.avatars[id]
	if !ok || avatar.UserID != userID {
		return nil, store.ErrNotFound
	}
	copied := *avatar
	return &copied, nil
}

func (f *fakeGenerationStore) MarkQueued(ctx context.Context, id uuid.UUID, jobID string) error {
	f.ops = append(f.ops, "MarkQueued")
	if f.markedErr != nil {
		return f.markedErr
	}
	// Mirrors the conditional UPDATE: queued only applies from pending.
	if gen, ok := f.gens[id]; ok && gen.Status == models.StatusPending {
		gen.Status = models.StatusQueued
		gen.QueueJobID.String = jobID
		gen.QueueJobID.Valid = true
	}
	return nil
}

func (f *fakeGenerationStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	f.ops = append(f.ops, "MarkFailed")
	if gen, ok := f.gens[id]; ok {
		gen.Status = models.StatusFailed
		gen.ErrorMessage.String = errorMsg
		gen.ErrorMessage.Valid = true
	}
	return nil
}

type fakeEnqueuer struct {
	ops  *[]string
	jobs map[string]queue.GenerationPayload
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobID string, payload queue.GenerationPayload, opts queue.EnqueueOptions) (*queue.Job, error) {
	*f.ops = append(*f.ops, "Enqueue")
	if f.err != nil {
		return nil, f.err
	}
	f.jobs[jobID] = payload
	body, _ := json.Marshal(payload)
	return &queue.Job{ID: jobID, Payload: body, State: queue.StateWaiting, Priority: opts.Priority}, nil
}

type fakeLedger struct {
	charged  int
	refunded int
	err      error
}

func (f *fakeLedger) Charge(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.charged += amount
	return nil
}

func (f *fakeLedger) Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error {
	f.refunded += amount
	return nil
}

func createRouter(h *GenerationsHandler, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	})
	router.POST("/generations", h.CreateGeneration)
	return router
}

func createRequest(t *testing.T, avatarID uuid.UUID, poses []string) *http.Request {
	t.Helper()
	body, err := json.Marshal(models.CreateGenerationRequest{
		AvatarID:        avatarID.String(),
		SelectedPoseIDs: poses,
		Prompt:          "studio portrait",
	})
	require.NoError(t, err)
	req, err := http.NewRequest("POST", "/generations", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func seedAvatar(fs *fakeGenerationStore, userID uuid.UUID) uuid.UUID {
	avatarID := uuid.New()
	fs.avatars[avatarID] = &models.Avatar{
		ID:           avatarID,
		UserID:       userID,
		Name:         "test avatar",
		BaseImageURL: "https://cdn.test/avatar.jpg",
	}
	return avatarID
}

func TestCreateGeneration_PersistsQueuedBeforeJobIsClaimable(t *testing.T) {
	userID := uuid.New()
	fs := newFakeGenerationStore()
	avatarID := seedAvatar(fs, userID)
	enqueuer := &fakeEnqueuer{ops: &fs.ops, jobs: make(map[string]queue.GenerationPayload)}
	ledger := &fakeLedger{}
	h := &GenerationsHandler{store: fs, queue: enqueuer, credits: ledger}

	w := httptest.NewRecorder()
	createRouter(h, userID).ServeHTTP(w, createRequest(t, avatarID, []string{"pose-1", "pose-2"}))

	require.Equal(t, http.StatusCreated, w.Code)

	// The status write must land before the job exists: a worker can
	// claim within its first poll, and a late write would drag the
	// generation back to queued.
	assert.Equal(t, []string{"CreateGeneration", "MarkQueued", "Enqueue"}, fs.ops)

	require.Len(t, fs.gens, 1)
	for _, gen := range fs.gens {
		assert.Equal(t, models.StatusQueued, gen.Status)
		assert.Equal(t, queue.GenerationJobID(gen.ID), gen.QueueJobID.String)
		payload, ok := enqueuer.jobs[gen.QueueJobID.String]
		require.True(t, ok)
		assert.Equal(t, gen.ID, payload.GenerationID)
	}
	assert.Equal(t, 60, ledger.charged)

	var resp models.GenerationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusQueued, resp.Status)
}

func TestCreateGeneration_QueuedNeverOverwritesLaterStatus(t *testing.T) {
	userID := uuid.New()
	fs := newFakeGenerationStore()
	gen := &models.Generation{ID: uuid.New(), UserID: userID, Status: models.StatusProcessing}
	fs.gens[gen.ID] = gen

	require.NoError(t, fs.MarkQueued(context.Background(), gen.ID, "gen-"+gen.ID.String()))
	assert.Equal(t, models.StatusProcessing, gen.Status)
}

func TestCreateGeneration_EnqueueFailureFailsAndRefunds(t *testing.T) {
	userID := uuid.New()
	fs := newFakeGenerationStore()
	avatarID := seedAvatar(fs, userID)
	enqueuer := &fakeEnqueuer{ops: &fs.ops, jobs: make(map[string]queue.GenerationPayload), err: errors.New("queue unavailable")}
	ledger := &fakeLedger{}
	h := &GenerationsHandler{store: fs, queue: enqueuer, credits: ledger}

	w := httptest.NewRecorder()
	createRouter(h, userID).ServeHTTP(w, createRequest(t, avatarID, []string{"pose-1"}))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// Nothing will ever claim the job, so the record is failed and the
	// charge comes back.
	for _, gen := range fs.gens {
		assert.Equal(t, models.StatusFailed, gen.Status)
	}
	assert.Equal(t, 30, ledger.charged)
	assert.Equal(t, 30, ledger.refunded)
}

func TestCreateGeneration_InsufficientCredits(t *testing.T) {
	userID := uuid.New()
	fs := newFakeGenerationStore()
	avatarID := seedAvatar(fs, userID)
	enqueuer := &fakeEnqueuer{ops: &fs.ops, jobs: make(map[string]queue.GenerationPayload)}
	ledger := &fakeLedger{err: credit.ErrInsufficientCredits}
	h := &GenerationsHandler{store: fs, queue: enqueuer, credits: ledger}

	w := httptest.NewRecorder()
	createRouter(h, userID).ServeHTTP(w, createRequest(t, avatarID, []string{"pose-1"}))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Empty(t, enqueuer.jobs)
	assert.NotContains(t, fs.ops, "CreateGeneration")
}

func TestCreateGeneration_UnknownAvatar(t *testing.T) {
	userID := uuid.New()
	fs := newFakeGenerationStore()
	enqueuer := &fakeEnqueuer{ops: &fs.ops, jobs: make(map[string]queue.GenerationPayload)}
	h := &GenerationsHandler{store: fs, queue: enqueuer, credits: &fakeLedger{}}

	w := httptest.NewRecorder()
	createRouter(h, userID).ServeHTTP(w, createRequest(t, uuid.New(), []string{"pose-1"}))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, fs.ops)
}
