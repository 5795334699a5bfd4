// Package pipeline runs the processing loop: lease raw alerts from the
// intake queue, normalize them, score them, run escalation and record the
// outcome back on the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/escalate"
	"github.com/stratumsec/alphapipe/internal/ingest"
	"github.com/stratumsec/alphapipe/internal/normalize"
	"github.com/stratumsec/alphapipe/internal/schema"
)

// Scorer produces a triage verdict for a normalized alert. A nil verdict
// with a nil error means scoring gave up after retries.
type Scorer interface {
	Score(ctx context.Context, rec *schema.CanonicalRecord) (*schema.TriageVerdict, error)
}

// Escalator decides and executes the escalation ladder for a scored alert.
type Escalator interface {
	Process(ctx context.Context, rec *schema.CanonicalRecord, verdict *schema.TriageVerdict) (*escalate.Outcome, error)
}

// CanonicalSink persists normalized records to the analytics store.
type CanonicalSink interface {
	PersistCanonical(ctx context.Context, rec *schema.CanonicalRecord) error
}

// Reviewer notifies a human when normalization quality is too low to trust.
type Reviewer interface {
	Send(ctx context.Context, rec *schema.CanonicalRecord) error
}

// Config tunes the worker loop.
type Config struct {
	// PollInterval between lease attempts. Default 5s.
	PollInterval time.Duration

	// BatchSize caps records claimed per lease call. Default 50.
	BatchSize int

	// LeaseWindow bounds how long a claimed record stays invisible to
	// other workers. Default 60s.
	LeaseWindow time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.LeaseWindow <= 0 {
		out.LeaseWindow = 60 * time.Second
	}
	return out
}

// Worker drains the intake queue through the full pipeline.
type Worker struct {
	cfg        Config
	queue      ingest.Store
	normalizer *normalize.Normalizer
	repo       *normalize.Repo
	sink       CanonicalSink
	scorer     Scorer
	escalator  Escalator
	reviewer   Reviewer
	metrics    *Metrics
	l          log.Logger
}

// NewWorker wires the pipeline stages over the intake queue. reviewer and
// metrics may be nil.
func NewWorker(cfg Config, queue ingest.Store, n *normalize.Normalizer, repo *normalize.Repo,
	sink CanonicalSink, scorer Scorer, escalator Escalator, reviewer Reviewer,
	metrics *Metrics, l log.Logger) *Worker {
	return &Worker{
		cfg:        cfg.withDefaults(),
		queue:      queue,
		normalizer: n,
		repo:       repo,
		sink:       sink,
		scorer:     scorer,
		escalator:  escalator,
		reviewer:   reviewer,
		metrics:    metrics,
		l:          l,
	}
}

// Run polls the queue until the context ends. An empty batch waits for the
// next tick; a full batch polls again immediately to drain backlog.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.PollOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.l.Error(ctx, err, "pipeline poll failed")
		}
		if n >= w.cfg.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce leases one batch and processes it, returning how many records
// were claimed. On context cancellation mid-batch the remaining leases are
// released so another worker can pick the records up immediately.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	recs, err := w.queue.Lease(ctx, w.cfg.BatchSize, w.cfg.LeaseWindow)
	if err != nil {
		return 0, fmt.Errorf("lease batch: %w", err)
	}
	w.metrics.observeBatch(len(recs))

	for i, rec := range recs {
		if ctx.Err() != nil {
			w.releaseRest(context.WithoutCancel(ctx), recs[i:])
			return len(recs), ctx.Err()
		}
		w.processOne(ctx, rec)
	}
	return len(recs), nil
}

func (w *Worker) processOne(ctx context.Context, rec *ingest.Record) {
	start := time.Now()
	L := w.l.With("alpha_id", rec.AlphaID, "source_type", rec.SourceType)

	outcome, err := w.run(ctx, L, rec)
	w.metrics.observeOutcome(outcome, time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrLeaseLost):
		L.Warn(ctx, "lease lost mid-processing, another worker owns the record")
	case errors.Is(err, context.Canceled):
		if rerr := w.queue.ReleaseLease(context.WithoutCancel(ctx), rec.AlphaID, rec.LeaseToken); rerr != nil && !errors.Is(rerr, ingest.ErrLeaseLost) {
			L.Error(ctx, rerr, "failed to release lease on shutdown")
		}
	default:
		L.Error(ctx, err, "alert processing failed")
	}
}

// run executes the stages for one record and returns the outcome label.
func (w *Worker) run(ctx context.Context, L log.Logger, rec *ingest.Record) (string, error) {
	can, err := w.normalizer.Normalize(rec.Payload, rec.SourceType)
	if err != nil {
		return "failed", w.fail(ctx, rec, fmt.Sprintf("normalize: %v", err))
	}

	// Intake resolved the identifiers; they win over whatever the
	// payload walk produced.
	can.AlphaID = rec.AlphaID
	if rec.AlertID != "" {
		can.AlertID = rec.AlertID
	}

	w.repo.Save(can)

	if err := w.sink.PersistCanonical(ctx, can); err != nil {
		// Canonical persistence is best effort past the DLQ; triage
		// still runs on the in-memory record.
		L.Error(ctx, err, "canonical record lost")
	}

	if can.Quality.NeedsHumanReview && w.reviewer != nil {
		if err := w.reviewer.Send(ctx, can); err != nil {
			L.Warn(ctx, "review notification failed", "error", err.Error())
		}
	}

	verdict, err := w.scorer.Score(ctx, can)
	if err != nil {
		return "canceled", err
	}
	if verdict == nil {
		return "failed", w.fail(ctx, rec, "scorer: retries exhausted")
	}

	outcome, err := w.escalator.Process(ctx, can, verdict)
	if err != nil {
		return "failed", w.fail(ctx, rec, fmt.Sprintf("escalate: %v", err))
	}
	w.metrics.observeRecord(can.Quality.MeanConfidence, can.Quality.NeedsHumanReview, outcome.Duplicate)

	if err := w.queue.MarkProcessed(ctx, rec.AlphaID, rec.LeaseToken); err != nil {
		return "lease_lost", err
	}

	L.Info(ctx, "alert processed",
		"state", string(outcome.State),
		"verdict", verdict.Verdict,
		"score", verdict.RiskScore,
		"duplicate", outcome.Duplicate,
	)
	return "processed", nil
}

// fail marks the record failed and folds a lease loss into the returned error.
func (w *Worker) fail(ctx context.Context, rec *ingest.Record, reason string) error {
	if err := w.queue.MarkFailed(ctx, rec.AlphaID, rec.LeaseToken, reason); err != nil {
		return err
	}
	return errors.New(reason)
}

func (w *Worker) releaseRest(ctx context.Context, recs []*ingest.Record) {
	for _, rec := range recs {
		if err := w.queue.ReleaseLease(ctx, rec.AlphaID, rec.LeaseToken); err != nil && !errors.Is(err, ingest.ErrLeaseLost) {
			w.l.Error(ctx, err, "failed to release lease", "alpha_id", rec.AlphaID)
		}
	}
}
