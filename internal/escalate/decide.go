// Package escalate decides and executes what happens to an alert after
// rule scoring: resolve it on the spot, or run it through the deeper
// analysis agents, with the supervisor's confidence gating which closing
// workflow applies. The decision functions are pure; Engine executes.
package escalate

import "strings"

// State is an alert's position in the escalation lifecycle.
type State string

const (
	// StateScored is the entry state: a rule verdict exists, nothing
	// else has happened yet.
	StateScored State = "scored"

	// StateResolved closes an alert whose rule score alone was decisive.
	StateResolved State = "resolved"

	// StateSupervisorPending marks an ambiguous alert waiting on the
	// supervisor ensemble.
	StateSupervisorPending State = "supervisor_pending"

	// StateSupervisorScored means the supervisor answered but its
	// closing workflow has not finished.
	StateSupervisorScored State = "supervisor_scored"

	// StateHighConfidenceResolved closes a supervisor-confirmed alert.
	StateHighConfidenceResolved State = "high_confidence_resolved"

	// StateLowConfidenceResolved closes an alert the supervisor stayed
	// unsure about, after the investigation agent had its pass.
	StateLowConfidenceResolved State = "low_confidence_resolved"
)

// Action is one side effect of an escalation decision.
type Action string

const (
	ActionBuildGraph      Action = "build_graph"
	ActionCallSupervisor  Action = "call_supervisor"
	ActionCallSummary     Action = "call_summary"
	ActionCallInvestigate Action = "call_investigate"
	ActionPersist         Action = "persist"
)

// ambiguousMax is the top of the rule-score band that warrants deeper
// analysis. Scores above it are decisive on their own and resolve
// directly without graph construction.
const ambiguousMax = 79

// confidentMin is the supervisor confidence (0..100) at and above which
// the confirmed closing workflow applies.
const confidentMin = 80

// DecideInitial maps a rule verdict onto the first escalation step.
// Ambiguous scores ([0,79]) go to the supervisor; anything else resolves
// immediately. A verdict that already reads as a true positive gets graph
// construction before the supervisor runs.
func DecideInitial(ruleScore float64, ruleVerdict string) (State, []Action) {
	if ruleScore < 0 || ruleScore > ambiguousMax {
		return StateResolved, []Action{ActionPersist}
	}

	actions := []Action{ActionCallSupervisor}
	if TruePositiveLike(ruleVerdict) {
		actions = append([]Action{ActionBuildGraph}, actions...)
	}
	return StateSupervisorPending, actions
}

// DecideSupervisor maps the supervisor's confidence onto the closing
// workflow. Confidence arrives either as a fraction (0..1) or a
// percentage (0..100); fractions are scaled up.
func DecideSupervisor(confidence float64) (State, []Action) {
	c := confidence
	if c <= 1 {
		c *= 100
	}

	if c >= confidentMin {
		return StateHighConfidenceResolved,
			[]Action{ActionBuildGraph, ActionCallSummary, ActionPersist}
	}
	return StateLowConfidenceResolved,
		[]Action{ActionBuildGraph, ActionCallInvestigate, ActionPersist}
}

// TruePositiveLike reports whether a vendor verdict string already claims
// the alert is real. Matching is tolerant of case and separators:
// "True_Positive", "true-positive" and "TP" all count.
func TruePositiveLike(verdict string) bool {
	v := strings.ToLower(strings.TrimSpace(verdict))
	v = strings.NewReplacer("_", " ", "-", " ").Replace(v)
	for strings.Contains(v, "  ") {
		v = strings.ReplaceAll(v, "  ", " ")
	}

	if v == "tp" {
		return true
	}
	return strings.Contains(v, "true positive") ||
		strings.Contains(v, "escalate") ||
		strings.Contains(v, "malicious")
}
