// Package ingest defines the durable intake queue for raw alerts: records
// are saved idempotently, leased to exactly one worker at a time, and
// marked processed or failed when the pipeline finishes with them.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Status is the lifecycle state of an ingested alert.
type Status string

const (
	// StatusPending means the alert awaits processing (or its lease expired).
	StatusPending Status = "pending"

	// StatusProcessed means the pipeline completed the alert.
	StatusProcessed Status = "processed"

	// StatusFailed means processing gave up on the alert.
	StatusFailed Status = "failed"
)

// ErrLeaseLost is returned by MarkProcessed, MarkFailed and ReleaseLease
// when the caller's lease token no longer owns the record, typically
// because the lease expired and another worker claimed it.
var ErrLeaseLost = errors.New("ingest: lease lost")

// Record is one raw alert in the intake queue.
type Record struct {
	AlphaID    string
	AlertID    string
	SourceType string
	Payload    schema.RawAlert

	Status   Status
	Attempts int
	LastErr  string

	// LeaseToken identifies the worker call that currently owns the
	// record; empty when unleased. LeaseUntil bounds the ownership.
	LeaseToken string
	LeaseUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats summarizes queue composition by lifecycle state.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Leased    int `json:"leased"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Store is the persistence interface for the intake queue.
//
// Lease claims up to limit pending records (including records whose
// previous lease expired) for the given window and returns them stamped
// with a fresh lease token. A record is visible to at most one live lease
// at a time. The completion calls require the token returned by Lease and
// fail with ErrLeaseLost when it no longer owns the record.
type Store interface {
	// Save stores a raw alert keyed by alpha id. A second save of the
	// same key refreshes the record and returns it to pending, reviving
	// a failed one, unless the record is already processed; overwrite
	// resets even processed records. The bool reports whether the record
	// was written.
	Save(ctx context.Context, rec *Record, overwrite bool) (bool, error)

	Get(ctx context.Context, alphaID string) (*Record, bool, error)

	Lease(ctx context.Context, limit int, window time.Duration) ([]*Record, error)

	MarkProcessed(ctx context.Context, alphaID, leaseToken string) error
	MarkFailed(ctx context.Context, alphaID, leaseToken, reason string) error

	// ReleaseLease returns a record to pending without recording an
	// attempt outcome, for graceful worker shutdown.
	ReleaseLease(ctx context.Context, alphaID, leaseToken string) error

	Stats(ctx context.Context) (Stats, error)
}
