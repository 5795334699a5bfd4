package schema

import (
	"encoding/json"
	"time"
)

// TriageVerdict is the structured result of one rule/ML scorer call.
type TriageVerdict struct {
	Verdict      string         `json:"predicted_verdict"`
	RiskScore    float64        `json:"risk_score"`
	Confidence   float64        `json:"confidence"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ModelVersion string         `json:"model_version,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
}

// WideScoreRow is the single consolidated analytics row for one alert:
// rule score plus whatever the supervisor and its sub-agents returned.
// Created once per (alert, alpha) pair and enriched in place during the
// same processing pass; omitted fields take column defaults in the store.
type WideScoreRow struct {
	AlertID string `json:"alert_id"`
	AlphaID string `json:"alpha_id"`
	TS      string `json:"ts,omitempty"`

	RuleScore      float64 `json:"rule_score"`
	RuleVerdict    string  `json:"rule_verdict"`
	RuleConfidence float64 `json:"rule_confidence"`
	RuleMeta       string  `json:"rule_meta"`

	GNNScore      float64 `json:"gnn_score,omitempty"`
	GNNVerdict    string  `json:"gnn_verdict,omitempty"`
	GNNConfidence float64 `json:"gnn_confidence,omitempty"`
	GNNMeta       string  `json:"gnn_meta,omitempty"`

	EDRScore   float64 `json:"edr_score,omitempty"`
	EDRVerdict string  `json:"edr_verdict,omitempty"`
	EDRMeta    string  `json:"edr_meta,omitempty"`

	SupervisorScore   float64 `json:"supervisor_score,omitempty"`
	SupervisorVerdict string  `json:"supervisor_verdict,omitempty"`
	SupervisorMeta    string  `json:"supervisor_meta,omitempty"`

	Summary string `json:"summary,omitempty"`
}

// DLQEntry is a persistence attempt that failed and was diverted to the
// dead-letter queue for out-of-band retry.
type DLQEntry struct {
	Table       string          `json:"table"`
	Row         json.RawMessage `json:"row"`
	Error       string          `json:"error_message"`
	Attempts    int             `json:"attempts"`
	LastErrorAt time.Time       `json:"last_error_at"`
	NextRetryAt time.Time       `json:"next_retry_at,omitempty"`
}
