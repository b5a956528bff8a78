// Package executor runs coding agents against tasks. The scheduler
// treats it as a black box: a start call, a best-effort stop, and an
// asynchronous completion callback.
package executor

import (
	"github.com/taskfactory/taskfactory/internal/domain"
)

// Job describes one attempt to execute
type Job struct {
	AttemptID string
	Task      *domain.Task
	RepoPath  string
	Provider  string
}

// Result is what an agent run reports back
type Result struct {
	ExitCode     int
	PRURL        string
	ErrorMessage string
	CostUSD      float64
}

// CompletionFunc is invoked exactly once per started job, after the
// agent process finishes or is stopped
type CompletionFunc func(attemptID string, res Result)

// Executor is the agent execution collaborator
type Executor interface {
	// Start launches the job and returns immediately. Completion is
	// delivered asynchronously through the CompletionFunc.
	Start(job Job) error
	// Stop signals a running job to terminate. Best-effort; the
	// completion callback still fires when the process exits.
	Stop(attemptID string)
	// Alive reports whether the executor is still tracking the
	// attempt. Reconciliation uses this to detect orphaned attempts.
	Alive(attemptID string) bool
}
