package analytics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// DLQ is a file-backed dead-letter queue: one JSON entry per line,
// appended on insert failure and rewritten by the drain worker. A file
// survives restarts, which is the whole point.
type DLQ struct {
	mu   sync.Mutex
	path string
}

// NewDLQ creates a DLQ at path. The file is created lazily.
func NewDLQ(path string) *DLQ {
	return &DLQ{path: path}
}

// Append adds one entry to the queue.
func (d *DLQ) Append(e *schema.DLQEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append dlq entry: %w", err)
	}
	return nil
}

// Load reads every entry currently queued. Corrupt lines are skipped
// rather than wedging the drain forever.
func (d *DLQ) Load() ([]schema.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked()
}

func (d *DLQ) loadLocked() ([]schema.DLQEntry, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	var entries []schema.DLQEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e schema.DLQEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	return entries, nil
}

// Replace atomically rewrites the queue with the given entries.
func (d *DLQ) Replace(entries []schema.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(entries)
}

// Rewrite replaces the first loaded entries of the queue with kept while
// preserving anything appended after the caller's Load snapshot. The drain
// worker uses it so a failure diverted mid-pass is not lost.
func (d *DLQ) Rewrite(kept []schema.DLQEntry, loaded int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.loadLocked()
	if err != nil {
		return err
	}
	if len(current) > loaded {
		kept = append(kept[:len(kept):len(kept)], current[loaded:]...)
	}
	return d.writeLocked(kept)
}

func (d *DLQ) writeLocked(entries []schema.DLQEntry) error {
	tmp := d.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq tmp: %w", err)
	}

	w := bufio.NewWriter(f)
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal dlq entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush dlq tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dlq tmp: %w", err)
	}

	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("swap dlq: %w", err)
	}
	return nil
}

// Len reports queued entries.
func (d *DLQ) Len() (int, error) {
	entries, err := d.Load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
