package domain

// ProjectStatus represents the execution state of a project
type ProjectStatus string

const (
	ProjectIdle      ProjectStatus = "idle"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// AttemptStatus represents the lifecycle state of an attempt
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptQueued    AttemptStatus = "queued"
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptStopped   AttemptStatus = "stopped"
)

// Terminal returns true once an attempt can no longer change state
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptStopped:
		return true
	case AttemptPending, AttemptQueued, AttemptRunning:
		return false
	}
	return false
}

// RunStatus represents the execution state of a factory run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal returns true once a run can no longer change state
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// RunMode describes how the target task set of a run was selected
type RunMode string

const (
	// ModeColumn targets every todo task of a project
	ModeColumn RunMode = "column"
	// ModeSelection targets an explicit task list
	ModeSelection RunMode = "selection"
)

// SessionStatus represents the state of an autopilot session
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
	SessionDone    SessionStatus = "done"
)

// SessionMode selects stepwise or fully automatic session dispatch
type SessionMode string

const (
	// ModeStep executes one task, then waits for approval
	ModeStep SessionMode = "step"
	// ModeAuto advances through the task list without pausing
	ModeAuto SessionMode = "auto"
)
