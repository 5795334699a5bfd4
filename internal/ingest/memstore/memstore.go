// Package memstore provides an in-memory implementation of ingest.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/stratumsec/alphapipe/internal/ingest"
)

// Store holds intake records in memory. Suitable for dev/testing and the
// default when no database is configured.
type Store struct {
	mu      sync.Mutex
	records map[string]*ingest.Record // alpha id -> record

	// now is swappable for lease-expiry tests.
	now func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*ingest.Record),
		now:     time.Now,
	}
}

// Save stores a copy of the record. Only processed records are protected
// from re-upsert; re-delivery refreshes a pending or failed record, which
// also revives it for another pass. Overwrite resets even processed ones.
func (s *Store) Save(_ context.Context, rec *ingest.Record, overwrite bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.AlphaID]; ok && !overwrite {
		if existing.Status == ingest.StatusProcessed {
			return false, nil
		}
		// Refresh in place, leaving the lease fields alone so a live
		// lease stays live.
		existing.AlertID = rec.AlertID
		existing.SourceType = rec.SourceType
		existing.Payload = rec.Payload
		existing.Status = ingest.StatusPending
		existing.LastErr = ""
		existing.UpdatedAt = s.now()
		return true, nil
	}

	cp := *rec
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = ingest.StatusPending
	}
	s.records[rec.AlphaID] = &cp
	return true, nil
}

// Get retrieves a record by alpha id. Returns a copy.
func (s *Store) Get(_ context.Context, alphaID string) (*ingest.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[alphaID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Lease claims up to limit pending records, oldest first. Records whose
// previous lease expired count as pending again.
func (s *Store) Lease(_ context.Context, limit int, window time.Duration) ([]*ingest.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*ingest.Record
	for _, r := range s.records {
		if r.Status != ingest.StatusPending {
			continue
		}
		if r.LeaseToken != "" && r.LeaseUntil.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].AlphaID < candidates[j].AlphaID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	token := ulid.Make().String()
	out := make([]*ingest.Record, 0, len(candidates))
	for _, r := range candidates {
		r.LeaseToken = token
		r.LeaseUntil = now.Add(window)
		r.Attempts++
		r.UpdatedAt = now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// MarkProcessed completes a leased record.
func (s *Store) MarkProcessed(_ context.Context, alphaID, leaseToken string) error {
	return s.finish(alphaID, leaseToken, ingest.StatusProcessed, "")
}

// MarkFailed fails a leased record, recording the reason.
func (s *Store) MarkFailed(_ context.Context, alphaID, leaseToken, reason string) error {
	return s.finish(alphaID, leaseToken, ingest.StatusFailed, reason)
}

// ReleaseLease returns a leased record to pending.
func (s *Store) ReleaseLease(_ context.Context, alphaID, leaseToken string) error {
	return s.finish(alphaID, leaseToken, ingest.StatusPending, "")
}

func (s *Store) finish(alphaID, leaseToken string, status ingest.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[alphaID]
	if !ok || r.LeaseToken != leaseToken {
		return ingest.ErrLeaseLost
	}
	if r.LeaseUntil.Before(s.now()) {
		return ingest.ErrLeaseLost
	}

	r.Status = status
	if reason != "" {
		r.LastErr = reason
	}
	r.LeaseToken = ""
	r.LeaseUntil = time.Time{}
	r.UpdatedAt = s.now()
	return nil
}

// Stats reports queue composition.
func (s *Store) Stats(_ context.Context) (ingest.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := ingest.Stats{Total: len(s.records)}
	for _, r := range s.records {
		switch r.Status {
		case ingest.StatusProcessed:
			st.Processed++
		case ingest.StatusFailed:
			st.Failed++
		default:
			if r.LeaseToken != "" && r.LeaseUntil.After(now) {
				st.Leased++
			} else {
				st.Pending++
			}
		}
	}
	return st, nil
}
