package handlers

import (
	"net/http"
)

func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"jobs":  a.Registry.Snapshot(),
		"cache": a.Cache.Snapshot(),
		"queue": map[string]int{
			"depth":          a.Pool.QueueDepth(),
			"in_flight":      a.Pool.InFlight(),
			"peak_in_flight": a.Pool.PeakInFlight(),
		},
	})
}
