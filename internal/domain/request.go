package domain

import (
	"fmt"
	"strings"
)

// GenerateRequest is the admitted form of a generation submission. ImageHash
// is the content digest of the uploaded image bytes; the upload path itself
// never participates in identity.
type GenerateRequest struct {
	Model          Model
	Prompt         string
	NegativePrompt string
	Duration       int
	AspectRatio    string
	CFGScale       float64
	ImageHash      string
	TailImageHash  string
}

// Validate rejects requests that can never succeed against the provider.
func (r GenerateRequest) Validate() error {
	spec, err := r.Model.Spec()
	if err != nil {
		return err
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.ImageHash == "" {
		return fmt.Errorf("%w: input image is required", ErrInvalidRequest)
	}
	if !containsInt(spec.Durations, r.Duration) {
		return fmt.Errorf("%w: duration %d not supported by %s", ErrInvalidRequest, r.Duration, r.Model)
	}
	if !containsString(spec.AspectRatios, r.AspectRatio) {
		return fmt.Errorf("%w: aspect ratio %q not supported by %s", ErrInvalidRequest, r.AspectRatio, r.Model)
	}
	if r.CFGScale < 0 || r.CFGScale > 1 {
		return fmt.Errorf("%w: cfg_scale must be within [0,1]", ErrInvalidRequest)
	}
	return nil
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
