// Package scorer calls the external rule/ML scoring service. The service
// is advisory: every alert gets at most Retries upload attempts under a
// bounded concurrency slot, and when all attempts fail the alert moves on
// without a verdict rather than blocking the pipeline.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Config tunes the scoring client. Zero values take the defaults.
type Config struct {
	// URL is the scoring endpoint. Required.
	URL string

	// Concurrency bounds in-flight uploads across all workers. Default 5.
	Concurrency int

	// Retries is the total number of upload attempts per alert. Default 3.
	Retries int

	// Backoff is the base delay before the second attempt; it doubles
	// each retry with jitter on top. Default 250ms.
	Backoff time.Duration

	// Timeout bounds each individual attempt. Default 10s.
	Timeout time.Duration

	// IncludeScalars adds flat form fields (alpha_id, sha256, ...)
	// alongside the JSON file part for scorers that index on them.
	IncludeScalars bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 5
	}
	if out.Retries <= 0 {
		out.Retries = 3
	}
	if out.Backoff <= 0 {
		out.Backoff = 250 * time.Millisecond
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	return out
}

// Client uploads canonical alerts for scoring.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sem        chan struct{}
	l          log.Logger
}

// New creates a scoring client. A nil-safe logger is required; use
// log.Nop() in tests.
func New(cfg Config, l log.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		// Per-attempt deadlines come from the context; the client-level
		// timeout is only a backstop.
		httpClient: &http.Client{Timeout: cfg.Timeout + 5*time.Second},
		sem:        make(chan struct{}, cfg.Concurrency),
		l:          l,
	}
}

type scoreResponse struct {
	Prediction struct {
		Verdict string `json:"predicted_verdict"`
		// Pointer so an omitted score is distinguishable from 0.
		RiskScore    *float64 `json:"risk_score"`
		Confidence   float64  `json:"confidence"`
		ModelVersion string   `json:"model_version"`
		Timestamp    string   `json:"timestamp"`
	} `json:"prediction"`
	Metadata map[string]any `json:"metadata"`
}

// Score uploads the canonical record and returns the verdict. A nil
// verdict with nil error means the scorer was unreachable or kept
// answering garbage and the attempts are exhausted; the caller decides
// what that means for the alert. The only error is context cancellation.
func (c *Client) Score(ctx context.Context, rec *schema.CanonicalRecord) (*schema.TriageVerdict, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, contentType, err := c.buildForm(rec)
	if err != nil {
		c.l.Error(ctx, err, "scorer: build upload", "alpha_id", rec.AlphaID)
		return nil, nil
	}

	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff*(1<<(attempt-1)) +
				time.Duration(rand.Int63n(int64(100*time.Millisecond)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		verdict, err := c.attempt(ctx, body, contentType)
		if err == nil {
			return verdict, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.l.Warn(ctx, "scorer attempt failed",
			"alpha_id", rec.AlphaID,
			"attempt", attempt+1,
			"attempts_max", c.cfg.Retries,
			"error", err.Error(),
		)
	}

	c.l.Error(ctx, fmt.Errorf("scorer: attempts exhausted"), "scoring gave up",
		"alpha_id", rec.AlphaID, "attempts", c.cfg.Retries)
	return nil, nil
}

func (c *Client) attempt(ctx context.Context, body []byte, contentType string) (*schema.TriageVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scorer error %d: %s", resp.StatusCode, string(respBody))
	}

	var out scoreResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Prediction.Verdict == "" {
		return nil, fmt.Errorf("response missing prediction.predicted_verdict")
	}
	if out.Prediction.RiskScore == nil {
		return nil, fmt.Errorf("response missing prediction.risk_score")
	}

	return &schema.TriageVerdict{
		Verdict:      out.Prediction.Verdict,
		RiskScore:    *out.Prediction.RiskScore,
		Confidence:   out.Prediction.Confidence,
		Metadata:     out.Metadata,
		ModelVersion: out.Prediction.ModelVersion,
		Timestamp:    out.Prediction.Timestamp,
	}, nil
}

// buildForm renders the multipart body once; attempts reuse the bytes.
func (c *Client) buildForm(rec *schema.CanonicalRecord) ([]byte, string, error) {
	doc := rec.Nested()
	doc["alpha_id"] = rec.AlphaID
	if rec.AlertID != "" {
		doc["alert_id"] = rec.AlertID
	}

	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal alert: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", rec.AlphaID+".json")
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(pretty); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	if c.cfg.IncludeScalars {
		fields := map[string]string{
			"alpha_id":    rec.AlphaID,
			"alert_id":    rec.AlertID,
			"source_type": rec.SourceType,
			"sha256":      rec.StringField("file.hashes.sha256"),
			"hostname":    rec.StringField("device.hostname"),
		}
		if v, ok := rec.Field("severity_id"); ok {
			fields["severity_id"] = scalarString(v)
		}
		for name, val := range fields {
			if val == "" {
				continue
			}
			if err := w.WriteField(name, val); err != nil {
				return nil, "", fmt.Errorf("write field %s: %w", name, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
