package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"pose-studio-backend/internal/middleware"
	"pose-studio-backend/internal/models"
	"pose-studio-backend/internal/store"
)

type AvatarsHandler struct {
	store *store.Store
}

func NewAvatarsHandler(s *store.Store) *AvatarsHandler {
	return &AvatarsHandler{store: s}
}

func (h *AvatarsHandler) CreateAvatar(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	var req models.CreateAvatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	avatar, err := h.store.CreateAvatar(c.Request.Context(), &models.Avatar{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         req.Name,
		BaseImageURL: req.BaseImageURL,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to create avatar", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, toAvatarResponse(avatar))
}

func (h *AvatarsHandler) ListAvatars(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	avatars, err := h.store.ListAvatars(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list avatars", Message: err.Error()})
		return
	}

	resp := make([]models.AvatarResponse, 0, len(avatars))
	for i := range avatars {
		resp = append(resp, toAvatarResponse(&avatars[i]))
	}
	c.JSON(http.StatusOK, gin.H{"avatars": resp})
}

func (h *AvatarsHandler) GetAvatar(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}

	avatarID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid avatar id"})
		return
	}

	avatar, err := h.store.GetAvatar(c.Request.Context(), avatarID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "avatar not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to get avatar", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, toAvatarResponse(avatar))
}

func toAvatarResponse(avatar *models.Avatar) models.AvatarResponse {
	return models.AvatarResponse{
		ID:           avatar.ID.String(),
		Name:         avatar.Name,
		BaseImageURL: avatar.BaseImageURL,
		UsageCount:   avatar.UsageCount,
		CreatedAt:    avatar.CreatedAt,
	}
}
