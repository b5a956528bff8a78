package domain

import "time"

// Project groups tasks under one repository and parallelism cap
type Project struct {
	ID              string
	Name            string
	RepoPath        string
	ExecutionStatus ProjectStatus
	MaxParallel     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Task represents one unit of work an agent can execute
type Task struct {
	ID        string
	ProjectID string
	Title     string
	Prompt    string
	Status    TaskStatus
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Actionable returns true if the task can still receive a new attempt
func (t *Task) Actionable() bool {
	switch t.Status {
	case TaskDone, TaskCancelled:
		return false
	case TaskTodo, TaskInProgress, TaskInReview:
		return true
	}
	return false
}
