package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the Flux generation provider. It carries no retry
// logic of its own: retries for batch jobs are the queue's
// responsibility, and enhancement calls are best-effort.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type GeneratePoseRequest struct {
	AvatarImageURL string `json:"avatar_image_url"`
	PoseTemplateID string `json:"pose_template_id"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
}

// GeneratePose renders the avatar in the given pose. This is the base
// generation call backing the mandatory first pipeline stage.
func (c *Client) GeneratePose(ctx context.Context, req GeneratePoseRequest) ([]byte, error) {
	if req.Width == 0 {
		req.Width = 1024
	}
	if req.Height == 0 {
		req.Height = 1024
	}
	return c.postImage(ctx, "generate/pose", req)
}

// AddFashionItems overlays the configured fashion items on the pose.
func (c *Client) AddFashionItems(ctx context.Context, image []byte, settings json.RawMessage) ([]byte, error) {
	return c.postImage(ctx, "enhance/fashion", map[string]interface{}{
		"image":    base64.StdEncoding.EncodeToString(image),
		"settings": settings,
	})
}

// ReplaceBackground swaps the pose background per the settings blob.
func (c *Client) ReplaceBackground(ctx context.Context, image []byte, settings json.RawMessage) ([]byte, error) {
	return c.postImage(ctx, "enhance/background", map[string]interface{}{
		"image":    base64.StdEncoding.EncodeToString(image),
		"settings": settings,
	})
}

// ApplyProfessionTheme restyles the pose for a profession theme.
func (c *Client) ApplyProfessionTheme(ctx context.Context, image []byte, theme string) ([]byte, error) {
	return c.postImage(ctx, "enhance/theme", map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(image),
		"theme": theme,
	})
}

func (c *Client) postImage(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed: status %d, body: %s", path, resp.StatusCode, string(data))
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s returned an empty image", path)
	}

	return data, nil
}
