package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CacheInvalidate drops a cached result so the next identical request goes
// back to the provider.
func (a *App) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if fp == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "fingerprint required")
		return
	}
	a.Cache.Invalidate(r.Context(), fp)
	a.Logger.Info().Str("fingerprint", fp).Msg("http: cache entry invalidated")
	a.json(w, http.StatusOK, map[string]string{"status": "invalidated", "fingerprint": fp})
}
