package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/readiness"
	"github.com/taskfactory/taskfactory/internal/store"
)

// Session error codes
const (
	SessionErrTaskFailed = "TASK_FAILED"
)

// CreateSession creates an idle autopilot session over an ordered
// task list. Gating happens at StartSession.
func (s *Scheduler) CreateSession(projectID string, taskIDs []string) Result {
	if _, err := s.store.GetProject(projectID); err == sql.ErrNoRows {
		return notFound("project " + projectID + " not found")
	} else if err != nil {
		return s.storeFailure(err)
	}

	for _, id := range taskIDs {
		task, err := s.store.GetTask(id)
		if err == sql.ErrNoRows {
			return notFound("task " + id + " not found")
		}
		if err != nil {
			return s.storeFailure(err)
		}
		if task.ProjectID != projectID {
			return notFound("task " + id + " not found in project")
		}
	}

	sess := &domain.AutopilotSession{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    domain.SessionIdle,
		Mode:      domain.ModeStep,
		TaskIDs:   taskIDs,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSession(sess); err != nil {
		return s.storeFailure(err)
	}

	res := ok()
	res.SessionID = sess.ID
	return res
}

// StartSession moves a session to running and dispatches its current
// task. idle, stopped and failed sessions may start; done is final
// until a new session is created.
func (s *Scheduler) StartSession(sessionID string, mode domain.SessionMode) Result {
	switch mode {
	case "", domain.ModeStep, domain.ModeAuto:
	default:
		return Result{Outcome: OutcomeDenied, Reason: "invalid_mode", Message: fmt.Sprintf("unknown session mode %q", mode)}
	}

	sess, err := s.store.GetSession(sessionID)
	if err == sql.ErrNoRows {
		return notFound("session " + sessionID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}

	switch sess.Status {
	case domain.SessionRunning:
		return conflict("session already running")
	case domain.SessionDone:
		return conflict("session is done")
	case domain.SessionIdle, domain.SessionStopped, domain.SessionFailed:
	}

	project, err := s.store.GetProject(sess.ProjectID)
	if err != nil {
		return s.storeFailure(err)
	}
	blockers := readiness.Evaluate(readiness.State{
		AgentConfigured: s.settings.AgentConfigured(),
		TodoTasks:       len(sess.TaskIDs),
		RepoConfigured:  project.RepoPath != "",
	})
	if !readiness.AllReady(blockers) {
		return deniedReadiness(blockers)
	}
	if allowed, res := s.checkBudget(); !allowed {
		return res
	}

	current, err := s.resumePoint(sess)
	if err != nil {
		return s.storeFailure(err)
	}

	if mode != "" {
		sess.Mode = mode
	}
	sess.ErrorCode = ""

	if current == "" {
		sess.Status = domain.SessionDone
		if err := s.store.UpdateSession(sess); err != nil {
			return s.storeFailure(err)
		}
		res := ok()
		res.SessionID = sess.ID
		return res
	}

	sess.Status = domain.SessionRunning
	sess.CurrentTaskID = current
	if err := s.store.UpdateSession(sess); err != nil {
		return s.storeFailure(err)
	}

	if res := s.dispatchSessionTask(sess, current); res.Outcome != OutcomeOK {
		return res
	}

	res := ok()
	res.SessionID = sess.ID
	return res
}

// resumePoint picks the task the session should drive next: the
// current task if it still needs work, otherwise the first later task
// that does
func (s *Scheduler) resumePoint(sess *domain.AutopilotSession) (string, error) {
	candidate := sess.CurrentTaskID
	if candidate == "" && len(sess.TaskIDs) > 0 {
		candidate = sess.TaskIDs[0]
	}
	for candidate != "" {
		task, err := s.store.GetTask(candidate)
		if err != nil {
			return "", err
		}
		if task.Actionable() {
			return candidate, nil
		}
		probe := &domain.AutopilotSession{TaskIDs: sess.TaskIDs, CurrentTaskID: candidate}
		candidate = probe.NextTaskID()
	}
	return "", nil
}

// ApproveSession advances a step-mode session past its checkpoint,
// dispatching the next task
func (s *Scheduler) ApproveSession(sessionID string) Result {
	sess, err := s.store.GetSession(sessionID)
	if err == sql.ErrNoRows {
		return notFound("session " + sessionID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if sess.Status != domain.SessionRunning {
		return conflict("session is " + string(sess.Status))
	}
	if sess.Mode != domain.ModeStep {
		return conflict("session is not in step mode")
	}

	busy, err := s.sessionBusy(sessionID)
	if err != nil {
		return s.storeFailure(err)
	}
	if busy {
		return conflict("current step still in progress")
	}

	next := sess.NextTaskID()
	if next == "" {
		sess.Status = domain.SessionDone
		if err := s.store.UpdateSession(sess); err != nil {
			return s.storeFailure(err)
		}
		return ok()
	}

	sess.CurrentTaskID = next
	if err := s.store.UpdateSession(sess); err != nil {
		return s.storeFailure(err)
	}
	return s.dispatchSessionTask(sess, next)
}

// StopSession halts a running session; its in-flight attempt gets a
// best-effort stop signal
func (s *Scheduler) StopSession(sessionID string) Result {
	sess, err := s.store.GetSession(sessionID)
	if err == sql.ErrNoRows {
		return notFound("session " + sessionID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if sess.Status != domain.SessionRunning {
		return conflict("session is " + string(sess.Status))
	}

	sess.Status = domain.SessionStopped
	if err := s.store.UpdateSession(sess); err != nil {
		return s.storeFailure(err)
	}

	active, err := s.store.ListAttempts(store.AttemptListOptions{SessionID: sessionID, Status: domain.AttemptRunning})
	if err != nil {
		return s.storeFailure(err)
	}
	for _, a := range active {
		s.exec.Stop(a.ID)
	}
	return ok()
}

// ApplySession records the session's applied task list at most once.
// A repeated apply returns the originally recorded list unchanged.
func (s *Scheduler) ApplySession(sessionID string, taskIDs []string) Result {
	if _, err := s.store.GetSession(sessionID); err == sql.ErrNoRows {
		return notFound("session " + sessionID + " not found")
	} else if err != nil {
		return s.storeFailure(err)
	}

	recorded, applied, err := s.store.ApplySession(sessionID, taskIDs)
	if err != nil {
		return s.storeFailure(err)
	}

	res := ok()
	res.SessionID = sessionID
	res.TaskIDs = recorded
	if !applied {
		res.Outcome = OutcomeConflict
		res.Message = "session already applied"
	}
	return res
}

// dispatchSessionTask creates one pending attempt for the session's
// current task and runs an admission pass
func (s *Scheduler) dispatchSessionTask(sess *domain.AutopilotSession, taskID string) Result {
	active, err := s.store.HasActiveAttempt(taskID)
	if err != nil {
		return s.storeFailure(err)
	}
	if active {
		return conflict("task " + taskID + " already has an active attempt")
	}

	a := &domain.Attempt{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		SessionID: sess.ID,
		Status:    domain.AttemptPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAttempt(a); err != nil {
		return s.storeFailure(err)
	}
	s.publishAttempt(a)

	s.schedulePass(scope{ProjectID: sess.ProjectID, SessionID: sess.ID, MaxParallel: 1})
	return ok()
}

// sessionBusy reports whether the session has a non-terminal attempt
func (s *Scheduler) sessionBusy(sessionID string) (bool, error) {
	for _, status := range []domain.AttemptStatus{domain.AttemptPending, domain.AttemptQueued, domain.AttemptRunning} {
		attempts, err := s.store.ListAttempts(store.AttemptListOptions{SessionID: sessionID, Status: status})
		if err != nil {
			return false, err
		}
		if len(attempts) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// advanceSession reacts to a session attempt reaching a terminal
// state: auto mode rolls forward, step mode waits at the checkpoint
func (s *Scheduler) advanceSession(sessionID string, a *domain.Attempt) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("loading session")
		return
	}
	if sess.Status != domain.SessionRunning {
		return
	}

	switch a.Status {
	case domain.AttemptCompleted:
		next := sess.NextTaskID()
		if next == "" {
			sess.Status = domain.SessionDone
			if err := s.store.UpdateSession(sess); err != nil {
				s.log.Error().Err(err).Str("session", sessionID).Msg("updating session")
			}
			return
		}
		if sess.Mode == domain.ModeStep {
			// Checkpoint: wait for approval before the next task.
			return
		}
		sess.CurrentTaskID = next
		if err := s.store.UpdateSession(sess); err != nil {
			s.log.Error().Err(err).Str("session", sessionID).Msg("updating session")
			return
		}
		s.dispatchSessionTask(sess, next)

	case domain.AttemptFailed:
		sess.Status = domain.SessionFailed
		sess.ErrorCode = SessionErrTaskFailed
		if err := s.store.UpdateSession(sess); err != nil {
			s.log.Error().Err(err).Str("session", sessionID).Msg("updating session")
		}

	case domain.AttemptStopped:
		if sess.Status == domain.SessionRunning {
			sess.Status = domain.SessionStopped
			if err := s.store.UpdateSession(sess); err != nil {
				s.log.Error().Err(err).Str("session", sessionID).Msg("updating session")
			}
		}

	case domain.AttemptPending, domain.AttemptQueued, domain.AttemptRunning:
		// Not terminal; nothing to advance.
	}
}
