package scheduler

import "github.com/taskfactory/taskfactory/internal/readiness"

// Outcome classifies the result of a scheduling entry point.
// Admission and validation failures are values, never errors.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeNotFound Outcome = "not_found"
	OutcomeConflict Outcome = "conflict"
	OutcomeDenied   Outcome = "denied"
)

// Result is returned by every scheduling entry point. Success means
// the scheduling pass ran, not that the underlying work finished.
type Result struct {
	Outcome   Outcome             `json:"outcome"`
	RunID     string              `json:"run_id,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Blockers  []readiness.Blocker `json:"blockers,omitempty"`
	LimitUSD  float64             `json:"limit_usd,omitempty"`
	SpendUSD  float64             `json:"spend_usd,omitempty"`
	TaskIDs   []string            `json:"task_ids,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func ok() Result {
	return Result{Outcome: OutcomeOK}
}

func notFound(msg string) Result {
	return Result{Outcome: OutcomeNotFound, Message: msg}
}

func conflict(msg string) Result {
	return Result{Outcome: OutcomeConflict, Message: msg}
}

func deniedReadiness(blockers []readiness.Blocker) Result {
	reason := ""
	if len(blockers) > 0 {
		reason = blockers[0].ID
	}
	return Result{Outcome: OutcomeDenied, Reason: reason, Blockers: blockers}
}

func deniedBudget(limitUSD, spendUSD float64, reason string) Result {
	return Result{Outcome: OutcomeDenied, Reason: reason, LimitUSD: limitUSD, SpendUSD: spendUSD}
}
