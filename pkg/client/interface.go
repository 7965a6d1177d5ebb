package client

import (
	"context"
)

// Generator sends a single prompt plus image to a vision model and returns its text reply
type Generator interface {
	Generate(ctx context.Context, model, prompt string, image []byte, maxTokens int) (string, error)
}
