package scorer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/schema"
)

func testRecord() *schema.CanonicalRecord {
	return &schema.CanonicalRecord{
		AlphaID:    "alpha-001",
		AlertID:    "alert-001",
		SourceType: "sentinelone",
		Fields: map[string]any{
			"file.hashes.sha256": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			"device.hostname":    "ws-042",
			"severity_id":        float64(3),
		},
	}
}

func verdictJSON() string {
	return `{
		"prediction": {
			"predicted_verdict": "true_positive",
			"risk_score": 87.5,
			"confidence": 0.91,
			"model_version": "rules-v7"
		},
		"metadata": {"matched_rules": 4}
	}`
}

func TestScoreSuccess(t *testing.T) {
	t.Parallel()

	var gotFilename, gotAlphaID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file part: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename

		raw, _ := io.ReadAll(f)
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Errorf("file part is not JSON: %v", err)
		}
		gotAlphaID, _ = doc["alpha_id"].(string)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, verdictJSON())
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Backoff: time.Millisecond}, log.Nop())
	v, err := c.Score(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v == nil {
		t.Fatal("expected verdict")
	}
	if v.Verdict != "true_positive" || v.RiskScore != 87.5 || v.Confidence != 0.91 {
		t.Fatalf("verdict = %+v", v)
	}
	if v.ModelVersion != "rules-v7" {
		t.Fatalf("model version = %q", v.ModelVersion)
	}
	if v.Metadata["matched_rules"] != float64(4) {
		t.Fatalf("metadata = %v", v.Metadata)
	}
	if gotFilename != "alpha-001.json" {
		t.Fatalf("upload filename = %q", gotFilename)
	}
	if gotAlphaID != "alpha-001" {
		t.Fatalf("uploaded alpha_id = %q", gotAlphaID)
	}
}

func TestScoreIncludeScalars(t *testing.T) {
	t.Parallel()

	got := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		for _, k := range []string{"alpha_id", "sha256", "hostname", "severity_id", "source_type"} {
			got[k] = r.FormValue(k)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, verdictJSON())
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Backoff: time.Millisecond, IncludeScalars: true}, log.Nop())
	if _, err := c.Score(context.Background(), testRecord()); err != nil {
		t.Fatalf("Score: %v", err)
	}

	want := map[string]string{
		"alpha_id":    "alpha-001",
		"sha256":      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hostname":    "ws-042",
		"severity_id": "3",
		"source_type": "sentinelone",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestScoreRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, verdictJSON())
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 3, Backoff: time.Millisecond}, log.Nop())
	v, err := c.Score(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v == nil {
		t.Fatal("expected verdict after retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestScoreExhaustionReturnsNil(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 3, Backoff: time.Millisecond}, log.Nop())
	v, err := c.Score(context.Background(), testRecord())
	if err != nil {
		t.Fatalf("exhaustion must not error the caller: %v", err)
	}
	if v != nil {
		t.Fatalf("verdict = %+v, want nil", v)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want all attempts used", calls.Load())
	}
}

func TestScoreMalformedResponseIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"prediction": {}}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 2, Backoff: time.Millisecond}, log.Nop())
	v, err := c.Score(context.Background(), testRecord())
	if err != nil || v != nil {
		t.Fatalf("got v=%+v err=%v, want nil verdict", v, err)
	}
}

func TestScoreMissingRiskScoreIsFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"prediction": {"predicted_verdict": "true_positive"}}`)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Retries: 2, Backoff: time.Millisecond}, log.Nop())
	v, err := c.Score(context.Background(), testRecord())
	if err != nil || v != nil {
		t.Fatalf("got v=%+v err=%v, a verdict without risk_score must not pass", v, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want every attempt used", calls.Load())
	}
}

func TestScoreConcurrencyBound(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, verdictJSON())
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Concurrency: 2, Backoff: time.Millisecond}, log.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Score(context.Background(), testRecord()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestScoreCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{URL: srv.URL}, log.Nop())
	if _, err := c.Score(ctx, testRecord()); err == nil {
		t.Fatal("canceled context must surface an error")
	}
}
