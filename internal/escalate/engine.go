package escalate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/stratumsec/alphapipe/internal/agents"
	"github.com/stratumsec/alphapipe/internal/dedup"
	"github.com/stratumsec/alphapipe/internal/schema"
)

// AgentCaller is the slice of the agents client the engine needs.
type AgentCaller interface {
	Supervise(ctx context.Context, rec *schema.CanonicalRecord, source string) (*agents.SupervisorResult, error)
	BuildGraph(ctx context.Context, rec *schema.CanonicalRecord) error
	Summarize(ctx context.Context, alertID string) (string, error)
	Investigate(ctx context.Context, alertID string) (map[string]any, error)
}

// Persister stores the consolidated wide row. Implementations absorb
// transient store failures (dead-letter queue); an error here means even
// that failed.
type Persister interface {
	PersistWideRow(ctx context.Context, row *schema.WideScoreRow) error
}

// Config tunes the engine.
type Config struct {
	// Source labels the telemetry origin passed to the supervisor.
	// Default "edr".
	Source string

	// DedupTTL is the repeat-suppression window per (alert, alpha)
	// pair. Default 24h.
	DedupTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Source == "" {
		out.Source = "edr"
	}
	if out.DedupTTL <= 0 {
		out.DedupTTL = 24 * time.Hour
	}
	return out
}

// Engine runs the escalation workflow for scored alerts.
type Engine struct {
	cfg    Config
	agents AgentCaller
	seen   dedup.TTLSet
	sink   Persister
	l      log.Logger

	now func() time.Time
}

// NewEngine wires an escalation engine.
func NewEngine(cfg Config, ac AgentCaller, seen dedup.TTLSet, sink Persister, l log.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		agents: ac,
		seen:   seen,
		sink:   sink,
		l:      l,
		now:    time.Now,
	}
}

// Outcome reports what the engine did with one alert.
type Outcome struct {
	State     State
	Actions   []Action // executed, in order
	Row       *schema.WideScoreRow
	Duplicate bool
}

// Process takes a scored alert through escalation to a terminal state and
// exactly one persisted wide row. Agent failures degrade the row (absent
// fields) but never fail the alert; the returned error is reserved for
// persistence loss.
func (e *Engine) Process(ctx context.Context, rec *schema.CanonicalRecord, verdict *schema.TriageVerdict) (*Outcome, error) {
	key := rec.AlertID + "::" + rec.AlphaID
	created, err := e.seen.SetIfAbsent(ctx, key, e.cfg.DedupTTL)
	if err != nil {
		// Fail open: a broken dedup backend must not stop triage.
		e.l.Warn(ctx, "dedup check failed, processing anyway", "key", key, "error", err.Error())
		created = true
	}
	if !created {
		e.l.Info(ctx, "duplicate alert suppressed", "alpha_id", rec.AlphaID, "alert_id", rec.AlertID)
		return &Outcome{State: StateScored, Duplicate: true}, nil
	}

	row := &schema.WideScoreRow{
		AlertID:        rec.AlertID,
		AlphaID:        rec.AlphaID,
		TS:             e.now().UTC().Format(time.RFC3339),
		RuleScore:      verdict.RiskScore,
		RuleVerdict:    verdict.Verdict,
		RuleConfidence: verdict.Confidence,
		RuleMeta:       marshalMeta(verdict.Metadata),
	}

	run := &runState{out: &Outcome{Row: row}}

	state, actions := DecideInitial(verdict.RiskScore, verdict.Verdict)
	run.out.State = state
	e.execute(ctx, run, rec, row, actions)

	if !run.persisted {
		e.persist(ctx, run, row)
	}
	return run.out, run.persistErr
}

type runState struct {
	out         *Outcome
	graphPosted bool
	persisted   bool
	persistErr  error
	supMeta     map[string]any
}

func (e *Engine) execute(ctx context.Context, run *runState, rec *schema.CanonicalRecord, row *schema.WideScoreRow, actions []Action) {
	for _, a := range actions {
		// Graph construction is idempotent within one pass; the initial
		// and closing decisions may both request it.
		if a == ActionBuildGraph && run.graphPosted {
			continue
		}
		run.out.Actions = append(run.out.Actions, a)
		switch a {
		case ActionBuildGraph:
			run.graphPosted = true
			if err := e.agents.BuildGraph(ctx, rec); err != nil {
				e.l.Warn(ctx, "graph construction failed", "alpha_id", rec.AlphaID, "error", err.Error())
			}

		case ActionCallSupervisor:
			e.callSupervisor(ctx, run, rec, row)

		case ActionCallSummary:
			summary, err := e.agents.Summarize(ctx, rec.AlertID)
			if err != nil {
				e.l.Warn(ctx, "summary agent failed", "alpha_id", rec.AlphaID, "error", err.Error())
				continue
			}
			row.Summary = summary

		case ActionCallInvestigate:
			findings, err := e.agents.Investigate(ctx, rec.AlertID)
			if err != nil {
				e.l.Warn(ctx, "investigation agent failed", "alpha_id", rec.AlphaID, "error", err.Error())
				continue
			}
			if run.supMeta == nil {
				run.supMeta = make(map[string]any)
			}
			run.supMeta["investigate_agentic"] = findings
			row.SupervisorMeta = marshalMeta(run.supMeta)

		case ActionPersist:
			e.persist(ctx, run, row)
		}
	}
}

func (e *Engine) callSupervisor(ctx context.Context, run *runState, rec *schema.CanonicalRecord, row *schema.WideScoreRow) {
	res, err := e.agents.Supervise(ctx, rec, e.cfg.Source)
	if err != nil {
		e.l.Warn(ctx, "supervisor failed, closing without ensemble verdict",
			"alpha_id", rec.AlphaID, "error", err.Error())
		return
	}

	run.out.State = StateSupervisorScored
	row.SupervisorScore = res.ConsolidatedScore
	row.SupervisorVerdict = res.Verdict

	run.supMeta = map[string]any{
		"supervisor_analysis": res.Analysis,
		"confidence":          res.Confidence,
		"agent_results":       res.AgentResults,
	}
	row.SupervisorMeta = marshalMeta(run.supMeta)

	if gnn := res.ByAgent("gnn"); gnn != nil && gnn.Success {
		row.GNNScore = gnn.Score
		row.GNNVerdict = gnn.Verdict
		row.GNNMeta = marshalAgent(gnn)
	}
	if edr := res.ByAgent("edr"); edr != nil && edr.Success {
		row.EDRScore = edr.Score
		row.EDRVerdict = edr.Verdict
		row.EDRMeta = marshalAgent(edr)
	}

	state, actions := DecideSupervisor(res.Confidence)
	run.out.State = state
	e.execute(ctx, run, rec, row, actions)
}

func (e *Engine) persist(ctx context.Context, run *runState, row *schema.WideScoreRow) {
	if run.persisted {
		return
	}
	run.persisted = true
	if err := e.sink.PersistWideRow(ctx, row); err != nil {
		e.l.Error(ctx, err, "wide row lost", "alpha_id", row.AlphaID)
		run.persistErr = err
	}
}

func marshalMeta(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func marshalAgent(a *agents.AgentResult) string {
	b, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(b)
}
