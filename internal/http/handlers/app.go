// Package handlers implements the HTTP surface over the generation core.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/redis/go-redis/v9"

	"server/internal/batch"
	"server/internal/cache"
	"server/internal/infra"
	"server/internal/progress"
	"server/internal/ratelimit"
	"server/internal/registry"
	"server/internal/storage"
)

// App bundles the collaborators the handlers need. Everything is wired once
// in main and shared read-only afterwards.
type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	Registry *registry.Registry
	Cache    *cache.Store
	Pool     *batch.Pool
	Hub      *progress.Hub
	Limiter  *ratelimit.Limiter
	Files    *storage.FileStore
	Redis    redis.UniversalClient
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}
