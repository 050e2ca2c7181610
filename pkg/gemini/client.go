// Package gemini queries Google Gemini models through the genai SDK
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Client wraps a genai client
type Client struct {
	client *genai.Client
}

// NewClient creates a Gemini API client. An empty apiKey lets the SDK read
// GOOGLE_API_KEY / GEMINI_API_KEY from the environment.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	return NewClientWithConfig(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
}

// NewClientWithConfig creates a client from a full SDK configuration
func NewClientWithConfig(ctx context.Context, cfg *genai.ClientConfig) (*Client, error) {
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{client: c}, nil
}

// Ping checks that model exists for this API key
func (c *Client) Ping(ctx context.Context, model string) error {
	if _, err := c.client.Models.Get(ctx, model, nil); err != nil {
		return fmt.Errorf("gemini model %s unavailable: %w", model, err)
	}
	return nil
}

// Query sends the image and prompt and returns the model's text reply
func (c *Client) Query(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %w", err)
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(data, mime),
		genai.NewPartFromText(prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate error: %w", err)
	}
	return resp.Text(), nil
}
