package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/escalate"
	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/ingest/memstore"
	"github.com/stratumsec/alphapipe/internal/normalize"
	"github.com/stratumsec/alphapipe/internal/schema"
)

type stubSink struct {
	mu   sync.Mutex
	recs []*schema.CanonicalRecord
	err  error
}

func (s *stubSink) PersistCanonical(_ context.Context, rec *schema.CanonicalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

type stubScorer struct {
	verdict *schema.TriageVerdict
	err     error
	calls   int
}

func (s *stubScorer) Score(_ context.Context, _ *schema.CanonicalRecord) (*schema.TriageVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

type stubEscalator struct {
	outcome *escalate.Outcome
	err     error
	calls   int
}

func (s *stubEscalator) Process(_ context.Context, rec *schema.CanonicalRecord, _ *schema.TriageVerdict) (*escalate.Outcome, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.outcome != nil {
		return s.outcome, nil
	}
	return &escalate.Outcome{
		State: escalate.StateResolved,
		Row:   &schema.WideScoreRow{AlphaID: rec.AlphaID},
	}, nil
}

type stubReviewer struct {
	calls int
}

func (s *stubReviewer) Send(_ context.Context, _ *schema.CanonicalRecord) error {
	s.calls++
	return nil
}

func saveRaw(t *testing.T, q ingest.Store, alphaID string, payload schema.RawAlert) {
	t.Helper()
	_, err := q.Save(context.Background(), &ingest.Record{
		AlphaID:    alphaID,
		AlertID:    "alert-" + alphaID,
		SourceType: "sentinelone",
		Payload:    payload,
		Status:     ingest.StatusPending,
	}, false)
	if err != nil {
		t.Fatal(err)
	}
}

func newWorker(q ingest.Store, sink CanonicalSink, sc Scorer, esc Escalator, rev Reviewer) *Worker {
	return NewWorker(Config{}, q, normalize.New(normalize.Config{}), normalize.NewRepo(),
		sink, sc, esc, rev, nil, log.Nop())
}

func mustStatus(t *testing.T, q ingest.Store, alphaID string, want ingest.Status) *ingest.Record {
	t.Helper()
	rec, ok, err := q.Get(context.Background(), alphaID)
	if err != nil || !ok {
		t.Fatalf("Get(%s): ok=%v err=%v", alphaID, ok, err)
	}
	if rec.Status != want {
		t.Fatalf("status = %q, want %q (last_err=%q)", rec.Status, want, rec.LastErr)
	}
	return rec
}

func TestPollOnce_ProcessesBatch(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	saveRaw(t, q, "a1", schema.RawAlert{"src_ip": "10.0.0.1", "severity": "high"})
	saveRaw(t, q, "a2", schema.RawAlert{"hostname": "ws-042.corp.local"})

	sink := &stubSink{}
	sc := &stubScorer{verdict: &schema.TriageVerdict{Verdict: "suspicious", RiskScore: 45}}
	esc := &stubEscalator{}
	w := newWorker(q, sink, sc, esc, nil)

	n, err := w.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed = %d, want 2", n)
	}

	mustStatus(t, q, "a1", ingest.StatusProcessed)
	mustStatus(t, q, "a2", ingest.StatusProcessed)

	if len(sink.recs) != 2 || sc.calls != 2 || esc.calls != 2 {
		t.Fatalf("sink=%d scorer=%d escalator=%d, want 2 each", len(sink.recs), sc.calls, esc.calls)
	}

	// Intake identity wins over anything the payload carried.
	can, ok := w.repo.Get("a1")
	if !ok {
		t.Fatal("normalized record not in repo")
	}
	if can.AlertID != "alert-a1" || can.SourceType != "sentinelone" {
		t.Fatalf("canonical identity = %q/%q", can.AlertID, can.SourceType)
	}
}

func TestPollOnce_ScorerExhaustionMarksFailed(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	saveRaw(t, q, "a1", schema.RawAlert{"src_ip": "10.0.0.1"})

	esc := &stubEscalator{}
	w := newWorker(q, &stubSink{}, &stubScorer{}, esc, nil)

	if _, err := w.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	rec := mustStatus(t, q, "a1", ingest.StatusFailed)
	if rec.LastErr != "scorer: retries exhausted" {
		t.Fatalf("last_err = %q", rec.LastErr)
	}
	if esc.calls != 0 {
		t.Fatal("escalation must not run without a verdict")
	}
}

func TestPollOnce_EscalatorFailureMarksFailed(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	saveRaw(t, q, "a1", schema.RawAlert{"src_ip": "10.0.0.1"})

	sc := &stubScorer{verdict: &schema.TriageVerdict{Verdict: "suspicious", RiskScore: 45}}
	esc := &stubEscalator{err: errors.New("wide row lost")}
	w := newWorker(q, &stubSink{}, sc, esc, nil)

	if _, err := w.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	mustStatus(t, q, "a1", ingest.StatusFailed)
}

func TestPollOnce_LowQualityTriggersReview(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	// Nothing maps, so the record needs human eyes.
	saveRaw(t, q, "a1", schema.RawAlert{"zqa": "opaque", "zqb": "stuff"})

	sc := &stubScorer{verdict: &schema.TriageVerdict{Verdict: "benign", RiskScore: 5}}
	rev := &stubReviewer{}
	w := newWorker(q, &stubSink{}, sc, &stubEscalator{}, rev)

	if _, err := w.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if rev.calls != 1 {
		t.Fatalf("reviewer calls = %d, want 1", rev.calls)
	}
	mustStatus(t, q, "a1", ingest.StatusProcessed)
}

func TestPollOnce_SinkFailureDoesNotFailAlert(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	saveRaw(t, q, "a1", schema.RawAlert{"src_ip": "10.0.0.1"})

	sink := &stubSink{err: errors.New("analytics store down")}
	sc := &stubScorer{verdict: &schema.TriageVerdict{Verdict: "suspicious", RiskScore: 45}}
	w := newWorker(q, sink, sc, &stubEscalator{}, nil)

	if _, err := w.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	mustStatus(t, q, "a1", ingest.StatusProcessed)
}

func TestPollOnce_CancellationReleasesLeases(t *testing.T) {
	t.Parallel()

	q := memstore.New()
	saveRaw(t, q, "a1", schema.RawAlert{"src_ip": "10.0.0.1"})
	saveRaw(t, q, "a2", schema.RawAlert{"src_ip": "10.0.0.2"})

	ctx, cancel := context.WithCancel(context.Background())

	// The scorer cancels the run while the first record is in flight.
	sc := &scoreThenCancel{cancel: cancel}
	w := newWorker(q, &stubSink{}, sc, &stubEscalator{}, nil)

	if _, err := w.PollOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("PollOnce err = %v, want context.Canceled", err)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 || stats.Leased != 0 {
		t.Fatalf("stats = %+v, want both records back to pending", stats)
	}
}

type scoreThenCancel struct {
	cancel context.CancelFunc
}

func (s *scoreThenCancel) Score(ctx context.Context, _ *schema.CanonicalRecord) (*schema.TriageVerdict, error) {
	s.cancel()
	return nil, ctx.Err()
}

func TestPollOnce_EmptyQueue(t *testing.T) {
	t.Parallel()

	w := newWorker(memstore.New(), &stubSink{}, &stubScorer{}, &stubEscalator{}, nil)
	n, err := w.PollOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("PollOnce = %d, %v", n, err)
	}
}
