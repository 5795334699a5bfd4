package alertapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/schema"
)

// maxIngestBody bounds a single intake request.
const maxIngestBody = 8 << 20 // 8 MiB

// handleIngestAlerts accepts one raw alert object or a JSON array of them,
// saves each to the intake queue and returns the alpha ids. Re-posting a
// known alpha id refreshes it unless it is already processed; ?overwrite=1
// resets even processed records.
func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	batch, ok := decodeBatch(body)
	if !ok {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	sourceType := r.URL.Query().Get("source")
	overwrite := r.URL.Query().Get("overwrite") == "1"

	var accepted, duplicates []string

	for _, raw := range batch {
		if len(raw) == 0 {
			continue
		}

		rec := &ingest.Record{
			AlphaID:    schema.ResolveAlphaID(raw),
			AlertID:    schema.AlertID(raw),
			SourceType: sourceOf(raw, sourceType),
			Payload:    raw,
			Status:     ingest.StatusPending,
		}

		written, err := a.queue.Save(r.Context(), rec, overwrite)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to queue alert", "alpha_id", rec.AlphaID)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		if !written {
			duplicates = append(duplicates, rec.AlphaID)
			continue
		}
		accepted = append(accepted, rec.AlphaID)
	}

	a.logger.Info(r.Context(), "alerts queued",
		"accepted", len(accepted), "duplicates", len(duplicates))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":   accepted,
		"duplicates": duplicates,
	})
}

// decodeBatch accepts either a single alert object or an array of them.
func decodeBatch(body []byte) ([]schema.RawAlert, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	if trimmed[0] == '[' {
		var batch []schema.RawAlert
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, false
		}
		return batch, true
	}

	var one schema.RawAlert
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, false
	}
	return []schema.RawAlert{one}, true
}

// sourceOf prefers the ?source query param, then the payload's own label.
func sourceOf(raw schema.RawAlert, querySource string) string {
	if querySource != "" {
		return querySource
	}
	for _, key := range []string{"source_type", "sourceType", "source"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}
