// Package ops serves the operational HTTP endpoint of the services: health
// checks and cache statistics.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/file/replicator"
)

type Check func(ctx context.Context) error

type Cache interface {
	cache.StatsProvider
	Purge()
}

type Config struct {
	Service string
	Checks  map[string]Check
	Caches  []Cache
	// Replication is nil for services without a staging store.
	Replication func() replicator.Stats
}

type handler struct {
	cfg    Config
	caches map[string]Cache
}

func NewRouter(cfg Config) http.Handler {
	h := &handler{cfg: cfg, caches: make(map[string]Cache, len(cfg.Caches))}
	for _, c := range cfg.Caches {
		h.caches[c.Stats().Name] = c
	}

	r := chi.NewRouter()
	r.Use(WithRecover, LogMiddleware)
	r.Get("/healthz", h.health)
	r.Get("/caches", h.listCaches)
	r.Post("/caches/{name}/purge", h.purgeCache)
	return r
}

type healthResponse struct {
	Service string            `json:"service"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Service: h.cfg.Service, Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range h.cfg.Checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", slog.String("check", name), slog.String("error", err.Error()))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type cachesResponse struct {
	Caches      []cache.Stats     `json:"caches"`
	Replication *replicator.Stats `json:"replication,omitempty"`
}

func (h *handler) listCaches(w http.ResponseWriter, r *http.Request) {
	resp := cachesResponse{Caches: make([]cache.Stats, 0, len(h.caches))}
	for _, c := range h.caches {
		resp.Caches = append(resp.Caches, c.Stats())
	}
	sort.Slice(resp.Caches, func(i, j int) bool { return resp.Caches[i].Name < resp.Caches[j].Name })

	if h.cfg.Replication != nil {
		st := h.cfg.Replication()
		resp.Replication = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) purgeCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c, ok := h.caches[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cache "+name)
		return
	}
	c.Purge()
	slog.Info("cache purged", slog.String("cache", name))
	writeJSON(w, http.StatusOK, c.Stats())
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
