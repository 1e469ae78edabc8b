package video

import (
	"context"

	"server/internal/domain"
)

// ProgressFunc receives provider-side progress while a generation call is in
// flight. Implementations must be cheap; they are invoked from the polling
// loop.
type ProgressFunc func(percent int, message string)

// GenerateRequest is the provider-facing form of an admitted job.
type GenerateRequest struct {
	Model          domain.Model
	Prompt         string
	NegativePrompt string
	Duration       int
	AspectRatio    string
	CFGScale       float64
	ImageURL       string
	TailImageURL   string
	RequestID      string
}

// Generator is the single opaque remote call the rest of the system sees.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onProgress ProgressFunc) (*domain.Result, error)
}
