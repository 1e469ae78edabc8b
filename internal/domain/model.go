package domain

import "fmt"

// Model identifies a supported generation model. The set is closed: anything
// not present in the catalog is rejected at admission time.
type Model string

const (
	ModelKling21Master  Model = "kling_21_master"
	ModelKling21Pro     Model = "kling_21_pro"
	ModelKling21Std     Model = "kling_21_standard"
	ModelKling20Master  Model = "kling_20_master"
	ModelKling16Pro     Model = "kling_16_pro"
	ModelKling16Std     Model = "kling_16_standard"
	ModelLumaDream      Model = "luma_dream"
	ModelHaiperVideoV2  Model = "haiper_v2"
)

// ModelSpec describes one catalog entry: the remote endpoint it maps to and
// the constraints the provider enforces.
type ModelSpec struct {
	Endpoint      string
	DisplayName   string
	CostPerSecond float64
	Durations     []int
	AspectRatios  []string
}

var modelCatalog = map[Model]ModelSpec{
	ModelKling21Master: {
		Endpoint:      "fal-ai/kling-video/v2.1/master/image-to-video",
		DisplayName:   "Kling 2.1 Master",
		CostPerSecond: 0.28,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelKling21Pro: {
		Endpoint:      "fal-ai/kling-video/v2.1/pro/image-to-video",
		DisplayName:   "Kling 2.1 Pro",
		CostPerSecond: 0.09,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelKling21Std: {
		Endpoint:      "fal-ai/kling-video/v2.1/standard/image-to-video",
		DisplayName:   "Kling 2.1 Standard",
		CostPerSecond: 0.05,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelKling20Master: {
		Endpoint:      "fal-ai/kling-video/v2/master/image-to-video",
		DisplayName:   "Kling 2.0 Master",
		CostPerSecond: 0.28,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelKling16Pro: {
		Endpoint:      "fal-ai/kling-video/v1.6/pro/image-to-video",
		DisplayName:   "Kling 1.6 Pro",
		CostPerSecond: 0.095,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelKling16Std: {
		Endpoint:      "fal-ai/kling-video/v1.6/standard/image-to-video",
		DisplayName:   "Kling 1.6 Standard",
		CostPerSecond: 0.045,
		Durations:     []int{5, 10},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
	ModelLumaDream: {
		Endpoint:      "fal-ai/luma-dream-machine",
		DisplayName:   "Luma Dream Machine",
		CostPerSecond: 0.10,
		Durations:     []int{5},
		AspectRatios:  []string{"16:9", "9:16", "4:3", "3:4", "1:1"},
	},
	ModelHaiperVideoV2: {
		Endpoint:      "fal-ai/haiper-video-v2/image-to-video",
		DisplayName:   "Haiper 2.0",
		CostPerSecond: 0.04,
		Durations:     []int{4, 6},
		AspectRatios:  []string{"16:9", "9:16", "1:1"},
	},
}

// Spec returns the catalog entry for m.
func (m Model) Spec() (ModelSpec, error) {
	spec, ok := modelCatalog[m]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %q", ErrUnknownModel, string(m))
	}
	return spec, nil
}

// Known reports whether m is part of the supported catalog.
func (m Model) Known() bool {
	_, ok := modelCatalog[m]
	return ok
}

// EstimatedCost returns the projected charge for a clip of the given length.
func (m Model) EstimatedCost(durationSeconds int) float64 {
	spec, ok := modelCatalog[m]
	if !ok {
		return 0
	}
	return spec.CostPerSecond * float64(durationSeconds)
}

// Models lists the catalog in no particular order.
func Models() []Model {
	out := make([]Model, 0, len(modelCatalog))
	for m := range modelCatalog {
		out = append(out, m)
	}
	return out
}
