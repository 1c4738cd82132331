package models

import "time"

type GenerationResponse struct {
	ID                 string     `json:"generation_id"`
	Status             string     `json:"status"`
	TotalExpectedItems int        `json:"total_expected_items"`
	ItemsCompleted     int        `json:"items_completed"`
	ItemsFailed        int        `json:"items_failed"`
	CreditCharged      int        `json:"credit_charged"`
	CreditRefunded     int        `json:"credit_refunded"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type GenerationListResponse struct {
	Generations []GenerationResponse `json:"generations"`
}

type GeneratedItemResponse struct {
	ID             string   `json:"id"`
	PoseTemplateID string   `json:"pose_template_id"`
	OutputURL      string   `json:"output_url,omitempty"`
	AppliedStages  []string `json:"applied_stages,omitempty"`
	Success        bool     `json:"success"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	DurationMs     int64    `json:"duration_ms"`
}

type GeneratedItemListResponse struct {
	Items []GeneratedItemResponse `json:"items"`
}

type AvatarResponse struct {
	ID           string    `json:"avatar_id"`
	Name         string    `json:"name"`
	BaseImageURL string    `json:"base_image_url"`
	UsageCount   int       `json:"usage_count"`
	CreatedAt    time.Time `json:"created_at"`
}

type RecoveryRunResponse struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

type QueueMetricsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
