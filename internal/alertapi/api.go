// Package alertapi exposes the HTTP intake and lookup surface: raw alerts
// come in, normalized records and queue stats come out.
package alertapi

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/normalize"
)

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	queue  ingest.Store
	repo   *normalize.Repo
}

// New creates a new API handler.
func New(logger log.Logger, queue ingest.Store, repo *normalize.Repo) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if queue == nil {
		panic(xerrors.New("ingest store is required"))
	}
	if repo == nil {
		panic(xerrors.New("record repo is required"))
	}
	return &API{
		logger: logger,
		queue:  queue,
		repo:   repo,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/alerts/{alphaID}", a.handleGetAlert)
		r.Get("/ingest/stats", a.handleStats)
	})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alphaID := chi.URLParam(r, "alphaID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("alphapipe.alpha_id", alphaID))

	if rec, ok := a.repo.Get(alphaID); ok {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("flat") == "1" {
			_ = json.NewEncoder(w).Encode(rec)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alpha_id":    rec.AlphaID,
			"alert_id":    rec.AlertID,
			"source_type": rec.SourceType,
			"fields":      rec.Nested(),
			"observables": rec.Observables,
			"quality":     rec.Quality,
		})
		return
	}

	// Not normalized yet; the queue still knows about it.
	raw, ok, err := a.queue.Get(r.Context(), alphaID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get queued alert", "alpha_id", alphaID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"alpha_id":   raw.AlphaID,
		"status":     raw.Status,
		"attempts":   raw.Attempts,
		"last_error": raw.LastErr,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read queue stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
