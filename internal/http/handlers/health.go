package handlers

import (
	"context"
	"net/http"
	"time"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	cacheBackend := "disabled"
	if a.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			cacheBackend = "degraded"
		} else {
			cacheBackend = "ok"
		}
	}
	a.json(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"cache_backend": cacheBackend,
	})
}
