package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"pose-studio-backend/internal/credit"
	"pose-studio-backend/internal/middleware"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/store"
)

type generationStore interface {
	CreateGeneration(ctx context.Context, gen *models.Generation) (*models.Generation, error)
	GetUserGeneration(ctx context.Context, id, userID uuid.UUID) (*models.Generation, error)
	ListGenerations(ctx context.Context, userID uuid.UUID) ([]models.Generation, error)
	ListGeneratedItems(ctx context.Context, generationID uuid.UUID) ([]models.GeneratedItem, error)
	GetAvatar(ctx context.Context, id, userID uuid.UUID) (*models.Avatar, error)
	MarkQueued(ctx context.Context, id uuid.UUID, jobID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload queue.GenerationPayload, opts queue.EnqueueOptions) (*queue.Job, error)
}

type creditLedger interface {
	Charge(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error
	Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, referenceID uuid.UUID) error
}

type GenerationsHandler struct {
	store   generationStore
	queue   jobEnqueuer
	credits creditLedger
}

func NewGenerationsHandler(s *store.Store, q *queue.Queue, credits *credit.Ledger) *GenerationsHandler {
	return &GenerationsHandler{
		store:   s,
		queue:   q,
		credits: credits,
	}
}

// CreateGeneration charges the user, records the generation and puts it
// on the queue. The selected pose list is fixed here and never changes
// afterwards; the worker's checkpoint counters index into it.
// The queued status and job id are persisted before the job is
// enqueued: once a job is claimable a worker may advance the generation
// within milliseconds, and a write landing after that must not drag the
// status backwards.
func (h *GenerationsHandler) CreateGeneration(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	var req models.CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	avatarID, err := uuid.Parse(req.AvatarID)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid avatar id"})
		return
	}

	if _, err := h.store.GetAvatar(c.Request.Context(), avatarID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "avatar not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load avatar", Message: err.Error()})
		return
	}

	poseIDsJSON, err := json.Marshal(req.SelectedPoseIDs)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid pose ids"})
		return
	}

	gen := &models.Generation{
		ID:                 uuid.New(),
		UserID:             userID,
		AvatarID:           avatarID,
		Prompt:             req.Prompt,
		TotalExpectedItems: len(req.SelectedPoseIDs),
		SelectedPoseIDs:    poseIDsJSON,
		FashionSettings:    req.FashionSettings,
		BackgroundSettings: req.BackgroundSettings,
		CreditCharged:      len(req.SelectedPoseIDs) * credit.CreditPerPose,
	}
	if req.ProfessionTheme != "" {
		gen.ProfessionTheme = sql.NullString{String: req.ProfessionTheme, Valid: true}
	}

	if err := h.credits.Charge(c.Request.Context(), userID, gen.CreditCharged, "pose generation", gen.ID); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			c.JSON(http.StatusPaymentRequired, models.ErrorResponse{Error: "insufficient credits"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to charge credits", Message: err.Error()})
		return
	}

	created, err := h.store.CreateGeneration(c.Request.Context(), gen)
	if err != nil {
		// The charge already landed; pay it back rather than leave the
		// user billed for a generation that never existed.
		if refundErr := h.credits.Refund(c.Request.Context(), userID, gen.CreditCharged, "generation create failed", gen.ID); refundErr != nil {
			log.Printf("[API] failed to refund after create error for user %s: %v", userID, refundErr)
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to create generation", Message: err.Error()})
		return
	}

	jobID := queue.GenerationJobID(created.ID)
	if err := h.store.MarkQueued(c.Request.Context(), created.ID, jobID); err != nil {
		h.abandonGeneration(c, userID, created.ID, created.CreditCharged, "failed to queue generation")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to queue generation", Message: err.Error()})
		return
	}

	if _, err := h.queue.Enqueue(c.Request.Context(), jobID, queue.GenerationPayload{
		GenerationID:       created.ID,
		UserID:             userID,
		AvatarID:           avatarID,
		SelectedPoseIDs:    req.SelectedPoseIDs,
		Prompt:             req.Prompt,
		TotalExpectedItems: created.TotalExpectedItems,
		CreditCharged:      created.CreditCharged,
	}, queue.EnqueueOptions{Priority: queue.PriorityNormal}); err != nil {
		h.abandonGeneration(c, userID, created.ID, created.CreditCharged, "failed to enqueue generation job")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to enqueue generation", Message: err.Error()})
		return
	}
	created.Status = models.StatusQueued

	c.JSON(http.StatusCreated, toGenerationResponse(created))
}

// abandonGeneration settles a generation that never made it onto the
// queue: the record is failed so nothing waits on it and the charge is
// paid back.
func (h *GenerationsHandler) abandonGeneration(c *gin.Context, userID, generationID uuid.UUID, charged int, reason string) {
	if err := h.store.MarkFailed(c.Request.Context(), generationID, reason); err != nil {
		log.Printf("[API] failed to mark abandoned generation %s failed: %v", generationID, err)
	}
	if err := h.credits.Refund(c.Request.Context(), userID, charged, reason, generationID); err != nil {
		log.Printf("[API] failed to refund abandoned generation %s: %v", generationID, err)
	}
}

func (h *GenerationsHandler) ListGenerations(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	generations, err := h.store.ListGenerations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list generations", Message: err.Error()})
		return
	}

	resp := models.GenerationListResponse{Generations: []models.GenerationResponse{}}
	for i := range generations {
		resp.Generations = append(resp.Generations, toGenerationResponse(&generations[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *GenerationsHandler) GetGeneration(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	generationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid generation id"})
		return
	}

	gen, err := h.store.GetUserGeneration(c.Request.Context(), generationID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "generation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to get generation", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, toGenerationResponse(gen))
}

func (h *GenerationsHandler) ListGeneratedItems(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	generationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid generation id"})
		return
	}

	// Ownership check before exposing items.
	if _, err := h.store.GetUserGeneration(c.Request.Context(), generationID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "generation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to get generation", Message: err.Error()})
		return
	}

	items, err := h.store.ListGeneratedItems(c.Request.Context(), generationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list items", Message: err.Error()})
		return
	}

	resp := models.GeneratedItemListResponse{Items: []models.GeneratedItemResponse{}}
	for i := range items {
		resp.Items = append(resp.Items, toGeneratedItemResponse(&items[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func toGenerationResponse(gen *models.Generation) models.GenerationResponse {
	resp := models.GenerationResponse{
		ID:                 gen.ID.String(),
		Status:             gen.Status,
		TotalExpectedItems: gen.TotalExpectedItems,
		ItemsCompleted:     gen.ItemsCompleted,
		ItemsFailed:        gen.ItemsFailed,
		CreditCharged:      gen.CreditCharged,
		CreditRefunded:     gen.CreditRefunded,
		CreatedAt:          gen.CreatedAt,
	}
	if gen.ErrorMessage.Valid {
		resp.ErrorMessage = gen.ErrorMessage.String
	}
	if gen.StartedAt.Valid {
		resp.StartedAt = timePtr(gen.StartedAt.Time)
	}
	if gen.CompletedAt.Valid {
		resp.CompletedAt = timePtr(gen.CompletedAt.Time)
	}
	return resp
}

func toGeneratedItemResponse(item *models.GeneratedItem) models.GeneratedItemResponse {
	resp := models.GeneratedItemResponse{
		ID:             item.ID.String(),
		PoseTemplateID: item.PoseTemplateID,
		Success:        item.Success,
		DurationMs:     item.DurationMs,
	}
	if item.OutputURL.Valid {
		resp.OutputURL = item.OutputURL.String
	}
	if item.ErrorMessage.Valid {
		resp.ErrorMessage = item.ErrorMessage.String
	}
	if len(item.AppliedStages) > 0 {
		var stages []string
		if err := json.Unmarshal(item.AppliedStages, &stages); err == nil {
			resp.AppliedStages = stages
		}
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	return &t
}
