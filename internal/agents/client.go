// Package agents holds the HTTP clients for the deep-analysis services
// consulted during escalation: the supervisor ensemble, the graph
// builder, the summary writer and the investigation agent. All of them
// are provider-defined opaque services; this package only speaks their
// wire shapes.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stratumsec/alphapipe/internal/schema"
)

// Config holds the agent endpoints. Empty URLs disable the respective
// call; the escalation engine treats a disabled agent as an absent
// result. Timeout defaults to 8s per call.
type Config struct {
	SupervisorURL  string
	GraphURL       string
	SummaryURL     string
	InvestigateURL string

	Timeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 8 * time.Second
	}
	return out
}

// Client calls the analysis agents.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates an agents client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout + 5*time.Second},
	}
}

// AgentResult is one sub-agent's contribution inside a supervisor run.
type AgentResult struct {
	Agent   string  `json:"agent"`
	Score   float64 `json:"score"`
	Verdict string  `json:"verdict"`
	Message string  `json:"message"`
	Success bool    `json:"success"`
}

// SupervisorResult is the consolidated output of the supervisor ensemble.
type SupervisorResult struct {
	Verdict           string
	Confidence        float64
	ConsolidatedScore float64
	Analysis          string
	AgentResults      []AgentResult
}

// ByAgent returns the named sub-agent result, nil when the agent did not
// run or failed before reporting.
func (r *SupervisorResult) ByAgent(name string) *AgentResult {
	for i := range r.AgentResults {
		if strings.EqualFold(r.AgentResults[i].Agent, name) {
			return &r.AgentResults[i]
		}
	}
	return nil
}

type supervisorResponse struct {
	Prediction struct {
		Verdict           string  `json:"predicted_verdict"`
		Confidence        float64 `json:"confidence"`
		ConsolidatedScore float64 `json:"consolidated_score"`
	} `json:"prediction"`
	Metadata struct {
		Analysis     string        `json:"supervisor_analysis"`
		AgentResults []AgentResult `json:"agent_results"`
	} `json:"metadata"`
}

// Supervise submits the canonical alert to the supervisor ensemble.
// source labels the telemetry origin for the supervisor's routing.
func (c *Client) Supervise(ctx context.Context, rec *schema.CanonicalRecord, source string) (*SupervisorResult, error) {
	if c.cfg.SupervisorURL == "" {
		return nil, fmt.Errorf("supervisor not configured")
	}

	endpoint := c.cfg.SupervisorURL
	if source != "" {
		endpoint += "?source=" + url.QueryEscape(source)
	}

	payload, err := json.Marshal(map[string]any{"alert_json": rec.Nested()})
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}

	body, err := c.post(ctx, endpoint, "application/json", payload)
	if err != nil {
		return nil, err
	}

	var out supervisorResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal supervisor response: %w", err)
	}
	if out.Prediction.Verdict == "" {
		return nil, fmt.Errorf("supervisor response missing prediction.predicted_verdict")
	}

	return &SupervisorResult{
		Verdict:           out.Prediction.Verdict,
		Confidence:        out.Prediction.Confidence,
		ConsolidatedScore: out.Prediction.ConsolidatedScore,
		Analysis:          out.Metadata.Analysis,
		AgentResults:      out.Metadata.AgentResults,
	}, nil
}

// BuildGraph submits the alert to the graph-construction service. The
// call is fire-and-forget on the caller's side; an error only means the
// graph will be missing, never that the alert fails.
func (c *Client) BuildGraph(ctx context.Context, rec *schema.CanonicalRecord) error {
	if c.cfg.GraphURL == "" {
		return fmt.Errorf("graph builder not configured")
	}

	doc := rec.Nested()
	doc["alpha_id"] = rec.AlphaID

	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", rec.AlphaID+".json")
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(pretty); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close form: %w", err)
	}

	_, err = c.post(ctx, c.cfg.GraphURL, w.FormDataContentType(), buf.Bytes())
	return err
}

// Summarize asks the summary agent for an analyst-readable narrative of
// the alert. The service answers either plain text or {"summary": ...}.
func (c *Client) Summarize(ctx context.Context, alertID string) (string, error) {
	if c.cfg.SummaryURL == "" {
		return "", fmt.Errorf("summary agent not configured")
	}

	body, err := c.post(ctx, joinPath(c.cfg.SummaryURL, alertID), "application/json", nil)
	if err != nil {
		return "", err
	}

	var wrapped struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Summary != "" {
		return wrapped.Summary, nil
	}
	return strings.TrimSpace(string(body)), nil
}

// Investigate runs the agentic investigation for a low-confidence alert
// and returns its findings as-is.
func (c *Client) Investigate(ctx context.Context, alertID string) (map[string]any, error) {
	if c.cfg.InvestigateURL == "" {
		return nil, fmt.Errorf("investigation agent not configured")
	}

	body, err := c.post(ctx, joinPath(c.cfg.InvestigateURL, alertID), "application/json", nil)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal investigation: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func joinPath(base, elem string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(elem)
}
