package handlers

import (
	"net/http"
	"sort"

	"server/internal/domain"
)

type modelView struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name"`
	CostPerSecond float64  `json:"cost_per_second"`
	Durations     []int    `json:"durations"`
	AspectRatios  []string `json:"aspect_ratios"`
}

// Models lists the supported model catalog with pricing.
func (a *App) Models(w http.ResponseWriter, r *http.Request) {
	models := domain.Models()
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		spec, err := m.Spec()
		if err != nil {
			continue
		}
		views = append(views, modelView{
			ID:            string(m),
			DisplayName:   spec.DisplayName,
			CostPerSecond: spec.CostPerSecond,
			Durations:     spec.Durations,
			AspectRatios:  spec.AspectRatios,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	a.json(w, http.StatusOK, map[string]any{"models": views})
}
