// Package webhook posts human-review notifications for alerts whose
// normalization quality fell below trust thresholds.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stratumsec/alphapipe/internal/schema"
)

const (
	maxUnmappedListed = 10
	httpTimeout       = 10 * time.Second
)

// Notifier posts review notifications to a configured webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a compact review request for the record. If no webhook URL
// is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, rec *schema.CanonicalRecord) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(rec *schema.CanonicalRecord) map[string]any {
	msg := map[string]any{
		"event":           "needs_human_review",
		"alpha_id":        rec.AlphaID,
		"alert_id":        rec.AlertID,
		"source_type":     rec.SourceType,
		"mean_confidence": rec.Quality.MeanConfidence,
		"mapped_fields":   rec.Quality.MappedFields,
		"unmapped_fields": rec.Quality.UnmappedFields,
	}

	// The first few lost keys give a reviewer a scent without dumping
	// the whole alert into the notification.
	var lost []string
	for _, u := range rec.Unmapped {
		if !u.NeedsAttention {
			continue
		}
		lost = append(lost, u.SourceKey)
		if len(lost) >= maxUnmappedListed {
			break
		}
	}
	if len(lost) > 0 {
		msg["attention_keys"] = lost
	}
	return msg
}
