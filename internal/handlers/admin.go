package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/queue"
	"pose-studio-backend/internal/recovery"
)

// AdminHandler exposes operational endpoints: a manual recovery pass and
// a queue snapshot. Both sit behind the same auth as the rest of the
// API.
type AdminHandler struct {
	recovery *recovery.Service
	queue    *queue.Queue
}

func NewAdminHandler(r *recovery.Service, q *queue.Queue) *AdminHandler {
	return &AdminHandler{recovery: r, queue: q}
}

// RunRecovery triggers a full recovery pass on demand, in addition to
// the worker's periodic sweep.
func (h *AdminHandler) RunRecovery(c *gin.Context) {
	result, err := h.recovery.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "recovery pass failed", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.RecoveryRunResponse{
		Recovered: result.Recovered,
		Failed:    result.Failed,
		TimedOut:  int(result.TimedOut),
	})
}

// QueueMetrics reports the per-state job counts.
func (h *AdminHandler) QueueMetrics(c *gin.Context) {
	metrics, err := h.queue.QueueMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to get queue metrics", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.QueueMetricsResponse{
		Waiting:   metrics.Waiting,
		Active:    metrics.Active,
		Delayed:   metrics.Delayed,
		Completed: metrics.Completed,
		Failed:    metrics.Failed,
		Total:     metrics.Total(),
	})
}
