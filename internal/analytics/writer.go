// Package analytics persists triage output to the ClickHouse-backed
// analytics store over its HTTP interface (JSONEachRow inserts).
// Persistence is best effort: a failed insert diverts the rows to a
// file-backed dead-letter queue that a drain worker retries, so the
// triage pipeline itself never stalls on the store.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Config locates the analytics store. Zero-value tables take defaults.
type Config struct {
	// URL is the ClickHouse HTTP endpoint, e.g. http://ch:8123.
	URL      string
	Database string
	User     string
	Password string

	CanonicalTable string // default alerts_canonical
	WideTable      string // default model_scores_wide

	Timeout time.Duration // per insert, default 10s
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CanonicalTable == "" {
		out.CanonicalTable = "alerts_canonical"
	}
	if out.WideTable == "" {
		out.WideTable = "model_scores_wide"
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	return out
}

// Writer inserts rows into the analytics store and falls back to the DLQ.
type Writer struct {
	cfg        Config
	httpClient *http.Client
	dlq        *DLQ
	l          log.Logger

	now func() time.Time
}

// NewWriter creates a Writer. dlq may be nil, in which case insert
// failures are terminal for the affected rows.
func NewWriter(cfg Config, dlq *DLQ, l log.Logger) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		dlq:        dlq,
		l:          l,
		now:        time.Now,
	}
}

// CanonicalRow is the analytics projection of one normalized alert. The
// table is a ReplacingMergeTree keyed on alpha_id; version carries the
// ingestion epoch so the newest normalization wins on merge.
type CanonicalRow struct {
	AlphaID    string `json:"alpha_id"`
	AlertID    string `json:"alert_id"`
	SourceType string `json:"source_type"`
	TS         string `json:"ts"`
	Version    int64  `json:"version"`

	Record string `json:"record"` // canonical record, JSON

	MappedFields     int     `json:"mapped_fields"`
	UnmappedFields   int     `json:"unmapped_fields"`
	MeanConfidence   float64 `json:"mean_confidence"`
	NeedsHumanReview uint8   `json:"needs_human_review"`
}

// PersistCanonical stores the canonical record, DLQ on failure. The
// returned error means the rows are lost even to the DLQ.
func (w *Writer) PersistCanonical(ctx context.Context, rec *schema.CanonicalRecord) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal canonical record: %w", err)
	}

	now := w.now().UTC()
	row := CanonicalRow{
		AlphaID:        rec.AlphaID,
		AlertID:        rec.AlertID,
		SourceType:     rec.SourceType,
		TS:             now.Format(time.RFC3339),
		Version:        now.Unix(),
		Record:         string(recJSON),
		MappedFields:   rec.Quality.MappedFields,
		UnmappedFields: rec.Quality.UnmappedFields,
		MeanConfidence: rec.Quality.MeanConfidence,
	}
	if rec.Quality.NeedsHumanReview {
		row.NeedsHumanReview = 1
	}
	return w.persist(ctx, w.cfg.CanonicalTable, row)
}

// PersistWideRow stores the consolidated score row, DLQ on failure.
func (w *Writer) PersistWideRow(ctx context.Context, row *schema.WideScoreRow) error {
	return w.persist(ctx, w.cfg.WideTable, row)
}

func (w *Writer) persist(ctx context.Context, table string, row any) error {
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}

	if err := w.Insert(ctx, table, []json.RawMessage{rowJSON}); err == nil {
		return nil
	} else if w.dlq == nil {
		return fmt.Errorf("insert %s: %w", table, err)
	} else {
		w.l.Warn(ctx, "insert failed, diverting to dlq", "table", table, "error", err.Error())
		dlqErr := w.dlq.Append(&schema.DLQEntry{
			Table:       table,
			Row:         rowJSON,
			Error:       err.Error(),
			Attempts:    1,
			LastErrorAt: w.now().UTC(),
			NextRetryAt: w.now().UTC().Add(baseRetryDelay),
		})
		if dlqErr != nil {
			return fmt.Errorf("insert %s failed (%v) and dlq append failed: %w", table, err, dlqErr)
		}
		return nil
	}
}

// Insert writes rows into table as one JSONEachRow batch.
func (w *Writer) Insert(ctx context.Context, table string, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	for _, r := range rows {
		body.Write(r)
		body.WriteByte('\n')
	}

	query := fmt.Sprintf("INSERT INTO `%s`.`%s` FORMAT JSONEachRow", w.cfg.Database, table)
	endpoint := w.cfg.URL + "/?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if w.cfg.User != "" {
		req.Header.Set("X-ClickHouse-User", w.cfg.User)
		req.Header.Set("X-ClickHouse-Key", w.cfg.Password)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
