package scheduler

import (
	"database/sql"

	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/readiness"
	"github.com/taskfactory/taskfactory/internal/store"
)

// RerunFailed derives a new run from every failed attempt of the
// source run, one queued attempt per distinct task. Each call creates
// a fresh run; rapid duplicate calls are not deduplicated.
func (s *Scheduler) RerunFailed(sourceRunID string, maxParallel int) Result {
	source, err := s.store.GetRun(sourceRunID)
	if err == sql.ErrNoRows {
		return notFound("run " + sourceRunID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}

	failed, err := s.store.ListAttempts(store.AttemptListOptions{RunID: sourceRunID, Status: domain.AttemptFailed})
	if err != nil {
		return s.storeFailure(err)
	}

	seen := make(map[string]bool)
	var targets []string
	for _, a := range failed {
		if !seen[a.TaskID] {
			seen[a.TaskID] = true
			targets = append(targets, a.TaskID)
		}
	}
	if len(targets) == 0 {
		return conflict("run has no failed attempts")
	}

	return s.rerun(source, targets, maxParallel)
}

// RerunSelected derives a new run from a caller-supplied task set,
// regardless of each task's prior attempt status
func (s *Scheduler) RerunSelected(sourceRunID string, taskIDs []string, maxParallel int) Result {
	source, err := s.store.GetRun(sourceRunID)
	if err == sql.ErrNoRows {
		return notFound("run " + sourceRunID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if len(taskIDs) == 0 {
		return conflict("no tasks selected")
	}

	for _, id := range taskIDs {
		task, err := s.store.GetTask(id)
		if err == sql.ErrNoRows {
			return notFound("task " + id + " not found")
		}
		if err != nil {
			return s.storeFailure(err)
		}
		if task.ProjectID != source.ProjectID {
			return notFound("task " + id + " not found in project")
		}
	}

	return s.rerun(source, taskIDs, maxParallel)
}

func (s *Scheduler) rerun(source *domain.FactoryRun, targets []string, maxParallel int) Result {
	project, err := s.store.GetProject(source.ProjectID)
	if err != nil {
		return s.storeFailure(err)
	}

	blockers := readiness.Evaluate(readiness.State{
		AgentConfigured: s.settings.AgentConfigured(),
		TodoTasks:       len(targets),
		RepoConfigured:  project.RepoPath != "",
	})
	if !readiness.AllReady(blockers) {
		return deniedReadiness(blockers)
	}
	if allowed, res := s.checkBudget(); !allowed {
		return res
	}

	if maxParallel <= 0 {
		maxParallel = source.MaxParallel
	}
	return s.createRun(project, targets, domain.ModeSelection, maxParallel)
}
