package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// baseRetryDelay seeds the quadratic backoff: a row's next retry comes
// attempts^2 * baseRetryDelay after its last failure.
const baseRetryDelay = 30 * time.Second

// DrainConfig tunes the DLQ drain worker.
type DrainConfig struct {
	// Interval between drain passes. Default 30s.
	Interval time.Duration

	// MaxAttempts before an entry is dropped for good. Default 6.
	MaxAttempts int
}

func (c *DrainConfig) withDefaults() DrainConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 6
	}
	return out
}

// Drainer periodically replays DLQ entries into the analytics store.
type Drainer struct {
	cfg    DrainConfig
	dlq    *DLQ
	writer *Writer
	l      log.Logger

	// draining guards against overlapping passes when one pass runs
	// longer than the interval.
	draining atomic.Bool

	now func() time.Time
}

// NewDrainer wires a drain worker over the shared DLQ and writer.
func NewDrainer(cfg DrainConfig, dlq *DLQ, writer *Writer, l log.Logger) *Drainer {
	return &Drainer{
		cfg:    cfg.withDefaults(),
		dlq:    dlq,
		writer: writer,
		l:      l,
		now:    time.Now,
	}
}

// Run drains on a ticker until the context ends.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.l.Error(ctx, err, "dlq drain pass failed")
			}
		}
	}
}

// DrainOnce retries every due entry once. Entries that succeed leave the
// queue; entries that fail again get a later retry time; entries past
// MaxAttempts are dropped with an error log, the data is gone.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	if !d.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer d.draining.Store(false)

	entries, err := d.dlq.Load()
	if err != nil {
		return fmt.Errorf("load dlq: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	now := d.now().UTC()
	var keep []int
	delivered, dropped := 0, 0

	for i := range entries {
		e := &entries[i]
		if e.NextRetryAt.After(now) {
			keep = append(keep, i)
			continue
		}

		err := d.writer.Insert(ctx, e.Table, []json.RawMessage{e.Row})
		if err == nil {
			delivered++
			continue
		}

		e.Attempts++
		e.Error = err.Error()
		e.LastErrorAt = now
		if e.Attempts >= d.cfg.MaxAttempts {
			dropped++
			d.l.Error(ctx, err, "dlq entry dropped after max attempts",
				"table", e.Table, "attempts", e.Attempts)
			continue
		}
		backoff := time.Duration(e.Attempts*e.Attempts) * baseRetryDelay
		e.NextRetryAt = now.Add(backoff)
		keep = append(keep, i)
	}

	kept := make([]schema.DLQEntry, 0, len(keep))
	for _, i := range keep {
		kept = append(kept, entries[i])
	}
	// Rewrite only the snapshot we loaded; entries appended while the
	// pass was retrying must survive for the next pass.
	if err := d.dlq.Rewrite(kept, len(entries)); err != nil {
		return fmt.Errorf("rewrite dlq: %w", err)
	}

	if delivered > 0 || dropped > 0 {
		d.l.Info(ctx, "dlq drain pass",
			"delivered", delivered, "dropped", dropped, "remaining", len(kept))
	}
	return nil
}
