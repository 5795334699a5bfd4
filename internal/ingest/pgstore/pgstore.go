// Package pgstore provides a PostgreSQL implementation of ingest.Store.
//
// Leasing relies on SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never block each other and never claim the same row.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/stratumsec/alphapipe/internal/ingest"
)

var tracer = otel.Tracer("github.com/stratumsec/alphapipe/internal/ingest/pgstore")

//go:embed schema.sql
var schemaSQL string

// Store persists the intake queue in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool stays owned
// by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const recordColumns = `alpha_id, alert_id, source_type, payload, status, attempts,
	last_error, lease_token, lease_until, created_at, updated_at`

// Save inserts a raw alert. Only processed rows are protected on conflict;
// re-delivery refreshes a pending or failed row, leaving any live lease in
// place. Overwrite resets even processed rows. The bool reports whether
// the row was written.
func (s *Store) Save(ctx context.Context, rec *ingest.Record, overwrite bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}

	conflict := `DO UPDATE SET
			alert_id    = EXCLUDED.alert_id,
			source_type = EXCLUDED.source_type,
			payload     = EXCLUDED.payload,
			status      = 'pending',
			last_error  = '',
			updated_at  = now()
		WHERE raw_alerts.status <> 'processed'`
	if overwrite {
		conflict = `DO UPDATE SET
			alert_id    = EXCLUDED.alert_id,
			source_type = EXCLUDED.source_type,
			payload     = EXCLUDED.payload,
			status      = 'pending',
			last_error  = '',
			lease_token = '',
			lease_until = NULL,
			updated_at  = now()`
	}

	query := `INSERT INTO raw_alerts (alpha_id, alert_id, source_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (alpha_id) ` + conflict

	tag, err := s.pool.Exec(ctx, query, rec.AlphaID, rec.AlertID, rec.SourceType, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("save raw alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a record by alpha id.
func (s *Store) Get(ctx context.Context, alphaID string) (*ingest.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM raw_alerts WHERE alpha_id = $1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, alphaID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// Lease claims up to limit pending records for window, skipping rows other
// workers hold locked or leased.
func (s *Store) Lease(ctx context.Context, limit int, window time.Duration) ([]*ingest.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Lease", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int("queue.lease_limit", limit),
	))
	defer span.End()

	token := ulid.Make().String()

	query := `WITH picked AS (
			SELECT alpha_id FROM raw_alerts
			WHERE status = 'pending'
			  AND (lease_token = '' OR lease_until IS NULL OR lease_until < now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE raw_alerts r
		SET lease_token = $2,
		    lease_until = now() + $3,
		    attempts    = r.attempts + 1,
		    updated_at  = now()
		FROM picked
		WHERE r.alpha_id = picked.alpha_id
		RETURNING ` + qualify(recordColumns, "r.")

	rows, err := s.pool.Query(ctx, query, limit, token, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var out []*ingest.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate leased rows: %w", err)
	}
	return out, nil
}

// MarkProcessed completes a leased record.
func (s *Store) MarkProcessed(ctx context.Context, alphaID, leaseToken string) error {
	return s.finish(ctx, "pgstore.MarkProcessed", alphaID, leaseToken, ingest.StatusProcessed, "")
}

// MarkFailed fails a leased record, recording the reason.
func (s *Store) MarkFailed(ctx context.Context, alphaID, leaseToken, reason string) error {
	return s.finish(ctx, "pgstore.MarkFailed", alphaID, leaseToken, ingest.StatusFailed, reason)
}

// ReleaseLease returns a leased record to pending.
func (s *Store) ReleaseLease(ctx context.Context, alphaID, leaseToken string) error {
	return s.finish(ctx, "pgstore.ReleaseLease", alphaID, leaseToken, ingest.StatusPending, "")
}

func (s *Store) finish(ctx context.Context, spanName, alphaID, leaseToken string, status ingest.Status, reason string) error {
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	query := `UPDATE raw_alerts
		SET status      = $3,
		    last_error  = CASE WHEN $4 <> '' THEN $4 ELSE last_error END,
		    lease_token = '',
		    lease_until = NULL,
		    updated_at  = now()
		WHERE alpha_id = $1 AND lease_token = $2 AND lease_until >= now()`

	tag, err := s.pool.Exec(ctx, query, alphaID, leaseToken, string(status), reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("finish %s: %w", alphaID, err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrLeaseLost
	}
	return nil
}

// Stats reports queue composition.
func (s *Store) Stats(ctx context.Context) (ingest.Stats, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Stats", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT
			count(*),
			count(*) FILTER (WHERE status = 'pending' AND (lease_token = '' OR lease_until IS NULL OR lease_until < now())),
			count(*) FILTER (WHERE status = 'pending' AND lease_token <> '' AND lease_until >= now()),
			count(*) FILTER (WHERE status = 'processed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM raw_alerts`

	var st ingest.Stats
	err := s.pool.QueryRow(ctx, query).Scan(&st.Total, &st.Pending, &st.Leased, &st.Processed, &st.Failed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ingest.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// qualify prefixes each column in a comma-separated list, for RETURNING
// clauses on aliased tables.
func qualify(columns, prefix string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanRecord(row pgx.Row) (*ingest.Record, error) {
	var (
		rec        ingest.Record
		payload    []byte
		status     string
		leaseUntil *time.Time
	)
	err := row.Scan(
		&rec.AlphaID, &rec.AlertID, &rec.SourceType, &payload, &status, &rec.Attempts,
		&rec.LastErr, &rec.LeaseToken, &leaseUntil, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	rec.Status = ingest.Status(status)
	if leaseUntil != nil {
		rec.LeaseUntil = *leaseUntil
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &rec, nil
}
