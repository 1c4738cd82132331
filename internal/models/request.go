package models

import "encoding/json"

type CreateGenerationRequest struct {
	AvatarID           string          `json:"avatar_id" binding:"required"`
	SelectedPoseIDs    []string        `json:"selected_pose_ids" binding:"required,min=1"`
	Prompt             string          `json:"prompt"`
	FashionSettings    json.RawMessage `json:"fashion_settings,omitempty"`
	BackgroundSettings json.RawMessage `json:"background_settings,omitempty"`
	ProfessionTheme    string          `json:"profession_theme,omitempty"`
}

type CreateAvatarRequest struct {
	Name         string `json:"name" binding:"required"`
	BaseImageURL string `json:"base_image_url" binding:"required"`
}
