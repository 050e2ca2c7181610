package client

import (
	"context"
)

// VisionClient is a multimodal model backend that answers a text prompt
// about one image.
type VisionClient interface {
	// Query sends prompt and the base64-encoded image and returns the raw reply
	Query(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// Ping checks that model is available on the backend
	Ping(ctx context.Context, model string) error
}
