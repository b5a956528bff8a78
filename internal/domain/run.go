package domain

import "time"

// Attempt represents a single agent execution against one task.
// Attempt ids are ULIDs, so lexical order is creation order.
type Attempt struct {
	ID         string
	TaskID     string
	RunID      string // factory run this attempt belongs to, if any
	SessionID  string // autopilot session this attempt belongs to, if any
	Status     AttemptStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExitCode   *int
	PRURL      string
	Error      string
	CreatedAt  time.Time
}

// RunCounts aggregates attempt statuses for a run
type RunCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Running   int `json:"running"`
	Queued    int `json:"queued"`
}

// FactoryRun is a batch of attempts launched together under one
// shared parallelism cap
type FactoryRun struct {
	ID          string
	ProjectID   string
	Status      RunStatus
	Mode        RunMode
	MaxParallel int
	TaskIDs     []string
	Counts      RunCounts
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// AutopilotSession drives one task at a time with optional
// pause/approve checkpoints
type AutopilotSession struct {
	ID            string
	ProjectID     string
	Status        SessionStatus
	Mode          SessionMode
	TaskIDs       []string
	CurrentTaskID string
	ErrorCode     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NextTaskID returns the task after current in the session's ordered
// list, or "" when the list is exhausted
func (s *AutopilotSession) NextTaskID() string {
	if s.CurrentTaskID == "" {
		if len(s.TaskIDs) == 0 {
			return ""
		}
		return s.TaskIDs[0]
	}
	for i, id := range s.TaskIDs {
		if id == s.CurrentTaskID && i+1 < len(s.TaskIDs) {
			return s.TaskIDs[i+1]
		}
	}
	return ""
}

// LedgerEntry is one append-only spend record for an AI provider
type LedgerEntry struct {
	ID        int64
	Provider  string
	CostUSD   float64
	CreatedAt time.Time
}
