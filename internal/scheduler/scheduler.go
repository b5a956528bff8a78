// Package scheduler admits, queues, runs and tracks concurrent agent
// attempts against tasks, under a parallelism cap, a spend budget and
// readiness gates. Progress is driven by caller actions and a
// periodic reconciliation tick; every pass is idempotent.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/taskfactory/taskfactory/internal/budget"
	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/events"
	"github.com/taskfactory/taskfactory/internal/executor"
	"github.com/taskfactory/taskfactory/internal/notify"
	"github.com/taskfactory/taskfactory/internal/readiness"
	"github.com/taskfactory/taskfactory/internal/store"
)

// Settings supplies the live-reloadable knobs admission consults
type Settings interface {
	Provider() string
	AgentConfigured() bool
	DefaultMaxParallel() int
}

// Scheduler owns the run/attempt state machine
type Scheduler struct {
	store    *store.Store
	budget   *budget.Guard
	exec     executor.Executor
	hub      *events.Hub
	settings Settings
	notifier notify.Notifier
	log      zerolog.Logger
}

// New creates a scheduler over the given collaborators
func New(st *store.Store, guard *budget.Guard, exec executor.Executor, hub *events.Hub, settings Settings, notifier notify.Notifier, log zerolog.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Scheduler{
		store:    st,
		budget:   guard,
		exec:     exec,
		hub:      hub,
		settings: settings,
		notifier: notifier,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// scope identifies the admission boundary a pass operates on: either
// one factory run or one autopilot session, within a project
type scope struct {
	ProjectID   string
	RunID       string
	SessionID   string
	MaxParallel int
}

// StartRun admits a new factory run for a project. Mode column targets
// every todo task; mode selection targets the given task ids.
func (s *Scheduler) StartRun(projectID string, taskIDs []string, mode domain.RunMode, maxParallel int) Result {
	project, err := s.store.GetProject(projectID)
	if err == sql.ErrNoRows {
		return notFound("project " + projectID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}

	var targets []string
	switch mode {
	case domain.ModeColumn:
		tasks, err := s.store.ListTasks(store.TaskListOptions{ProjectID: projectID, Status: domain.TaskTodo})
		if err != nil {
			return s.storeFailure(err)
		}
		for _, t := range tasks {
			targets = append(targets, t.ID)
		}
	case domain.ModeSelection:
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
			targets = append(targets, id)
		}
	default:
		return Result{Outcome: OutcomeDenied, Reason: "invalid_mode", Message: fmt.Sprintf("unknown run mode %q", mode)}
	}

	blockers := readiness.Evaluate(readiness.State{
		AgentConfigured: s.settings.AgentConfigured(),
		TodoTasks:       len(targets),
		RepoConfigured:  project.RepoPath != "",
	})
	if !readiness.AllReady(blockers) {
		return deniedReadiness(blockers)
	}

	if dec, res := s.checkBudget(); !dec {
		return res
	}

	return s.createRun(project, targets, mode, maxParallel)
}

// createRun creates a run plus one pending attempt per target task and
// performs the first scheduling pass. Shared by StartRun and reruns.
func (s *Scheduler) createRun(project *domain.Project, targets []string, mode domain.RunMode, maxParallel int) Result {
	for _, id := range targets {
		active, err := s.store.HasActiveAttempt(id)
		if err != nil {
			return s.storeFailure(err)
		}
		if active {
			return conflict("task " + id + " already has an active attempt")
		}
	}

	if maxParallel <= 0 {
		maxParallel = project.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = s.settings.DefaultMaxParallel()
	}

	run := &domain.FactoryRun{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		Status:      domain.RunRunning,
		Mode:        mode,
		MaxParallel: maxParallel,
		TaskIDs:     targets,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateRun(run); err != nil {
		return s.storeFailure(err)
	}

	for _, taskID := range targets {
		a := &domain.Attempt{
			ID:        ulid.Make().String(),
			TaskID:    taskID,
			RunID:     run.ID,
			Status:    domain.AttemptPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateAttempt(a); err != nil {
			return s.storeFailure(err)
		}
		s.publishAttempt(a)
	}

	// A paused project accepts new runs but admission stays suspended
	// until an explicit resume.
	if project.ExecutionStatus != domain.ProjectPaused {
		if err := s.store.UpdateProjectStatus(project.ID, domain.ProjectRunning); err != nil {
			s.log.Warn().Err(err).Str("project", project.ID).Msg("updating project status")
		}
	}
	s.publishRun(run.ID, domain.RunRunning)

	s.schedulePass(scope{
		ProjectID:   project.ID,
		RunID:       run.ID,
		MaxParallel: maxParallel,
	})

	res := ok()
	res.RunID = run.ID
	return res
}

// StopRun cancels a run: queued attempts are stopped before ever
// dispatching, running attempts get a best-effort stop signal.
func (s *Scheduler) StopRun(runID string) Result {
	run, err := s.store.GetRun(runID)
	if err == sql.ErrNoRows {
		return notFound("run " + runID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if run.Status.Terminal() {
		return conflict("run already " + string(run.Status))
	}

	// Marking the run cancelled first guarantees no pass promotes
	// another attempt for it afterwards.
	if err := s.store.UpdateRunStatus(runID, domain.RunCancelled); err != nil {
		return s.storeFailure(err)
	}

	stopped, err := s.store.StopQueuedAttempts(runID)
	if err != nil {
		return s.storeFailure(err)
	}
	for _, id := range stopped {
		a, err := s.store.GetAttempt(id)
		if err == nil {
			s.publishAttempt(a)
			s.resetTask(a.TaskID)
		}
	}

	running, err := s.store.ListAttempts(store.AttemptListOptions{RunID: runID, Status: domain.AttemptRunning})
	if err != nil {
		return s.storeFailure(err)
	}
	for _, a := range running {
		s.exec.Stop(a.ID)
	}

	s.publishRun(runID, domain.RunCancelled)
	s.publishRunSummary(runID)
	s.settleProject(run.ProjectID)
	return ok()
}

// RetryRun performs one scheduling pass for an active run; a no-op if
// nothing is admissible
func (s *Scheduler) RetryRun(runID string) Result {
	run, err := s.store.GetRun(runID)
	if err == sql.ErrNoRows {
		return notFound("run " + runID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if run.Status.Terminal() {
		return conflict("run already " + string(run.Status))
	}
	s.schedulePass(scope{ProjectID: run.ProjectID, RunID: runID, MaxParallel: run.MaxParallel})
	return ok()
}

// schedulePass admits pending and queued attempts to running while
// slots are free and the budget allows; once the scope is full, the
// remaining pending attempts move to queued. Safe to call redundantly
// and under concurrent completions: the slot check-and-increment
// happens inside one transaction.
func (s *Scheduler) schedulePass(sc scope) {
	for {
		// Budget is re-evaluated before every single admission.
		if dec, res := s.checkBudget(); !dec {
			s.log.Debug().Str("reason", res.Reason).Msg("admission stopped by budget")
			return
		}

		var promoted *domain.Attempt
		var waiting []string
		err := s.store.WithTx(func(tx *sql.Tx) error {
			status, err := store.ProjectStatusTx(tx, sc.ProjectID)
			if err != nil {
				return err
			}
			if status == domain.ProjectPaused {
				return nil
			}

			if sc.RunID != "" {
				rs, err := store.RunStatusTx(tx, sc.RunID)
				if err != nil {
					return err
				}
				if rs != domain.RunRunning {
					return nil
				}
			}
			if sc.SessionID != "" {
				ss, err := store.SessionStatusTx(tx, sc.SessionID)
				if err != nil {
					return err
				}
				if ss != domain.SessionRunning {
					return nil
				}
			}

			n, err := store.CountRunningTx(tx, sc.RunID, sc.SessionID)
			if err != nil {
				return err
			}
			if n >= sc.MaxParallel {
				// No slot: pending attempts settle into the queue and
				// wait for a completion or the next tick.
				waiting, err = store.QueuePendingTx(tx, sc.RunID, sc.SessionID)
				return err
			}

			next, err := store.NextQueuedTx(tx, sc.RunID, sc.SessionID)
			if err != nil || next == nil {
				return err
			}

			admitted, err := store.MarkRunningTx(tx, next.ID)
			if err != nil {
				return err
			}
			if admitted {
				next.Status = domain.AttemptRunning
				promoted = next
			}
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Msg("scheduling pass failed; retried on next tick")
			return
		}
		for _, id := range waiting {
			if a, err := s.store.GetAttempt(id); err == nil {
				s.publishAttempt(a)
			}
		}
		if promoted == nil {
			return
		}

		s.dispatch(promoted)
	}
}

// dispatch hands a freshly admitted attempt to the executor,
// fire-and-forget. Start failures are absorbed into attempt state.
func (s *Scheduler) dispatch(a *domain.Attempt) {
	s.publishAttempt(a)

	task, err := s.store.GetTask(a.TaskID)
	if err != nil {
		s.failAttempt(a, -1, "loading task: "+err.Error())
		return
	}
	if err := s.store.UpdateTaskStatus(task.ID, domain.TaskInProgress); err != nil {
		s.log.Warn().Err(err).Str("task", task.ID).Msg("updating task status")
	}

	project, err := s.store.GetProject(task.ProjectID)
	if err != nil {
		s.failAttempt(a, -1, "loading project: "+err.Error())
		return
	}

	err = s.exec.Start(executor.Job{
		AttemptID: a.ID,
		Task:      task,
		RepoPath:  project.RepoPath,
		Provider:  s.settings.Provider(),
	})
	if err != nil {
		s.failAttempt(a, -1, "dispatch: "+err.Error())
	}
}

// OnAttemptDone is the executor completion callback. Execution
// failures are captured into attempt state and never propagate.
func (s *Scheduler) OnAttemptDone(attemptID string, res executor.Result) {
	a, err := s.store.GetAttempt(attemptID)
	if err != nil {
		s.log.Error().Err(err).Str("attempt", attemptID).Msg("completion for unknown attempt")
		return
	}
	if a.Status.Terminal() {
		// Reconciliation beat us to it.
		return
	}

	if res.CostUSD > 0 {
		if err := s.budget.Record(s.settings.Provider(), res.CostUSD); err != nil {
			s.log.Warn().Err(err).Msg("recording spend")
		}
	}

	status := domain.AttemptCompleted
	if res.ExitCode != 0 || res.ErrorMessage != "" {
		status = domain.AttemptFailed
	}
	if a.RunID != "" {
		if run, err := s.store.GetRun(a.RunID); err == nil && run.Status == domain.RunCancelled {
			// A stop was issued while the agent was still winding down.
			status = domain.AttemptStopped
		}
	}

	exitCode := res.ExitCode
	if err := s.store.FinishAttempt(a.ID, status, &exitCode, res.PRURL, res.ErrorMessage); err != nil {
		s.log.Error().Err(err).Str("attempt", a.ID).Msg("finishing attempt")
		return
	}
	a.Status = status
	a.PRURL = res.PRURL
	a.Error = res.ErrorMessage
	s.publishAttempt(a)

	switch status {
	case domain.AttemptCompleted:
		next := domain.TaskDone
		if res.PRURL != "" {
			next = domain.TaskInReview
		}
		if err := s.store.UpdateTaskStatus(a.TaskID, next); err != nil {
			s.log.Warn().Err(err).Str("task", a.TaskID).Msg("updating task status")
		}
	case domain.AttemptFailed, domain.AttemptStopped:
		s.resetTask(a.TaskID)
	}

	s.afterAttemptTerminal(a)
}

// failAttempt absorbs a pre-execution failure (dispatch error, lost
// process) into the attempt
func (s *Scheduler) failAttempt(a *domain.Attempt, exitCode int, errMsg string) {
	if err := s.store.FinishAttempt(a.ID, domain.AttemptFailed, &exitCode, "", errMsg); err != nil {
		s.log.Error().Err(err).Str("attempt", a.ID).Msg("failing attempt")
		return
	}
	a.Status = domain.AttemptFailed
	a.Error = errMsg
	s.publishAttempt(a)
	s.resetTask(a.TaskID)
	s.afterAttemptTerminal(a)
}

// afterAttemptTerminal finalizes the surrounding run or session and
// admits the next queued attempt
func (s *Scheduler) afterAttemptTerminal(a *domain.Attempt) {
	if a.RunID != "" {
		s.publishRunSummary(a.RunID)
		run, err := s.store.GetRun(a.RunID)
		if err != nil {
			s.log.Error().Err(err).Str("run", a.RunID).Msg("loading run")
			return
		}
		s.finalizeRun(run)
		if run.Status == domain.RunRunning {
			s.schedulePass(scope{ProjectID: run.ProjectID, RunID: run.ID, MaxParallel: run.MaxParallel})
		}
	}
	if a.SessionID != "" {
		s.advanceSession(a.SessionID, a)
	}
}

// finalizeRun completes a run once every attempt is terminal. Failed
// attempts do not change the outcome: failure is visible through
// counts, not run status.
func (s *Scheduler) finalizeRun(run *domain.FactoryRun) {
	// Re-read: a concurrent completion may have finalized already.
	fresh, err := s.store.GetRun(run.ID)
	if err != nil {
		s.log.Error().Err(err).Str("run", run.ID).Msg("loading run")
		return
	}
	run.Status = fresh.Status
	run.Counts = fresh.Counts
	if run.Status != domain.RunRunning {
		return
	}
	counts := fresh.Counts
	if counts.Running > 0 || counts.Queued > 0 {
		return
	}

	if err := s.store.UpdateRunStatus(run.ID, domain.RunCompleted); err != nil {
		s.log.Error().Err(err).Str("run", run.ID).Msg("completing run")
		return
	}
	run.Status = domain.RunCompleted
	s.publishRun(run.ID, domain.RunCompleted)
	s.settleProject(run.ProjectID)

	kind := notify.NotifySuccess
	msg := fmt.Sprintf("%d completed, %d failed", counts.Completed, counts.Failed)
	if counts.Failed > 0 {
		kind = notify.NotifyWarning
	}
	if err := s.notifier.Send(notify.Notification{
		Title:   "Factory run finished",
		Message: msg,
		Type:    kind,
		RunID:   run.ID,
	}); err != nil {
		s.log.Warn().Err(err).Msg("sending notification")
	}
}

// Tick is the periodic reconciliation pass: it fails attempts whose
// executor process vanished, finalizes runs and re-evaluates
// admission for all active scopes. Errors are returned for logging
// and retried on the next tick.
func (s *Scheduler) Tick() error {
	runs, err := s.store.ListActiveRuns()
	if err != nil {
		return fmt.Errorf("listing active runs: %w", err)
	}
	for _, run := range runs {
		s.reconcileScope(store.AttemptListOptions{RunID: run.ID, Status: domain.AttemptRunning})
		s.finalizeRun(run)
		if run.Status == domain.RunRunning {
			s.schedulePass(scope{ProjectID: run.ProjectID, RunID: run.ID, MaxParallel: run.MaxParallel})
		}
	}

	sessions, err := s.store.ListActiveSessions()
	if err != nil {
		return fmt.Errorf("listing active sessions: %w", err)
	}
	for _, sess := range sessions {
		s.reconcileScope(store.AttemptListOptions{SessionID: sess.ID, Status: domain.AttemptRunning})
		s.schedulePass(scope{ProjectID: sess.ProjectID, SessionID: sess.ID, MaxParallel: 1})
	}
	return nil
}

// reconcileScope fails running attempts with no live executor
// process, so a crashed agent still converges to a terminal state
func (s *Scheduler) reconcileScope(opts store.AttemptListOptions) {
	attempts, err := s.store.ListAttempts(opts)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconciliation read failed; retried on next tick")
		return
	}
	for _, a := range attempts {
		if s.exec.Alive(a.ID) {
			continue
		}
		s.log.Warn().Str("attempt", a.ID).Msg("attempt lost its executor process")
		s.failAttempt(a, -1, "executor process lost")
	}
}

// PauseProject suspends admission for a project; running attempts
// continue but no queued attempt is promoted until resume
func (s *Scheduler) PauseProject(projectID string) Result {
	project, err := s.store.GetProject(projectID)
	if err == sql.ErrNoRows {
		return notFound("project " + projectID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if project.ExecutionStatus != domain.ProjectRunning {
		return conflict("project is " + string(project.ExecutionStatus))
	}
	if err := s.store.UpdateProjectStatus(projectID, domain.ProjectPaused); err != nil {
		return s.storeFailure(err)
	}
	return ok()
}

// ResumeProject re-enables admission and performs a scheduling pass
// for every active run of the project
func (s *Scheduler) ResumeProject(projectID string) Result {
	project, err := s.store.GetProject(projectID)
	if err == sql.ErrNoRows {
		return notFound("project " + projectID + " not found")
	}
	if err != nil {
		return s.storeFailure(err)
	}
	if project.ExecutionStatus != domain.ProjectPaused {
		return conflict("project is " + string(project.ExecutionStatus))
	}
	if err := s.store.UpdateProjectStatus(projectID, domain.ProjectRunning); err != nil {
		return s.storeFailure(err)
	}

	runs, err := s.store.ListActiveRuns()
	if err != nil {
		return s.storeFailure(err)
	}
	for _, run := range runs {
		if run.ProjectID == projectID {
			s.schedulePass(scope{ProjectID: projectID, RunID: run.ID, MaxParallel: run.MaxParallel})
		}
	}
	return ok()
}

// settleProject derives the project status once its runs quiet down
func (s *Scheduler) settleProject(projectID string) {
	runs, err := s.store.ListActiveRuns()
	if err != nil {
		s.log.Warn().Err(err).Msg("listing runs")
		return
	}
	for _, run := range runs {
		if run.ProjectID == projectID {
			return // still busy
		}
	}

	status := domain.ProjectCompleted
	tasks, err := s.store.ListTasks(store.TaskListOptions{ProjectID: projectID})
	if err != nil {
		s.log.Warn().Err(err).Msg("listing tasks")
		return
	}
	for _, t := range tasks {
		if t.Status != domain.TaskDone && t.Status != domain.TaskCancelled {
			status = domain.ProjectIdle
			break
		}
	}
	if err := s.store.UpdateProjectStatus(projectID, status); err != nil {
		s.log.Warn().Err(err).Str("project", projectID).Msg("updating project status")
	}
}

// checkBudget evaluates the budget gate for the configured provider.
// Returns false with a denial result when admission must stop.
func (s *Scheduler) checkBudget() (bool, Result) {
	dec, err := s.budget.Check(s.settings.Provider())
	if err != nil {
		// Treat an unreadable ledger as a transient denial; the next
		// tick re-evaluates.
		return false, Result{Outcome: OutcomeDenied, Reason: "budget_unavailable", Message: err.Error()}
	}
	if !dec.Allowed {
		return false, deniedBudget(dec.LimitUSD, dec.SpendUSD, dec.Reason)
	}
	return true, Result{}
}

// resetTask returns a task to todo after a failed or stopped attempt
// so a rerun can pick it up
func (s *Scheduler) resetTask(taskID string) {
	if err := s.store.UpdateTaskStatus(taskID, domain.TaskTodo); err != nil {
		s.log.Warn().Err(err).Str("task", taskID).Msg("resetting task status")
	}
}

func (s *Scheduler) storeFailure(err error) Result {
	s.log.Error().Err(err).Msg("store operation failed")
	return Result{Outcome: OutcomeDenied, Reason: "store_unavailable", Message: err.Error()}
}

func (s *Scheduler) publishAttempt(a *domain.Attempt) {
	s.hub.Publish(events.Event{
		Type: events.TypeAttemptStatusChanged,
		Data: events.AttemptStatusData{
			AttemptID: a.ID,
			TaskID:    a.TaskID,
			RunID:     a.RunID,
			SessionID: a.SessionID,
			Status:    string(a.Status),
			Error:     a.Error,
		},
	})
}

func (s *Scheduler) publishRun(runID string, status domain.RunStatus) {
	s.hub.Publish(events.Event{
		Type: events.TypeRunStatusChanged,
		Data: events.RunStatusData{RunID: runID, Status: string(status)},
	})
}

func (s *Scheduler) publishRunSummary(runID string) {
	counts, err := s.store.RunCounts(runID)
	if err != nil {
		return
	}
	s.hub.Publish(events.Event{
		Type: events.TypeRunSummaryUpdated,
		Data: map[string]interface{}{"run_id": runID, "counts": counts},
	})
}
