package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/readiness"
	"github.com/taskfactory/taskfactory/internal/store"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

// ProjectResponse is the API response for a project
type ProjectResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	RepoPath        string `json:"repo_path,omitempty"`
	ExecutionStatus string `json:"execution_status"`
	MaxParallel     int    `json:"max_parallel"`
}

// RunResponse is the API response for a factory run
type RunResponse struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Status      string            `json:"status"`
	Mode        string            `json:"mode"`
	MaxParallel int               `json:"max_parallel"`
	Counts      domain.RunCounts  `json:"counts"`
	StartedAt   string            `json:"started_at"`
	FinishedAt  *string           `json:"finished_at,omitempty"`
	Attempts    []AttemptResponse `json:"attempts,omitempty"`
}

// AttemptResponse is the API response for an attempt
type AttemptResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	PRURL      string  `json:"pr_url,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SessionResponse is the API response for an autopilot session
type SessionResponse struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Status        string   `json:"status"`
	Mode          string   `json:"mode"`
	TaskIDs       []string `json:"task_ids"`
	CurrentTaskID string   `json:"current_task_id,omitempty"`
	ErrorCode     string   `json:"error_code,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Projects  int                 `json:"projects"`
	Readiness []readiness.Blocker `json:"readiness"`
	AllReady  bool                `json:"all_ready"`
}

func attemptToResponse(a *domain.Attempt) AttemptResponse {
	resp := AttemptResponse{
		ID:       a.ID,
		TaskID:   a.TaskID,
		Status:   string(a.Status),
		ExitCode: a.ExitCode,
		PRURL:    a.PRURL,
		Error:    a.Error,
	}
	if a.StartedAt != nil {
		t := a.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if a.FinishedAt != nil {
		t := a.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func runToResponse(run *domain.FactoryRun, attempts []*domain.Attempt) RunResponse {
	resp := RunResponse{
		ID:          run.ID,
		ProjectID:   run.ProjectID,
		Status:      string(run.Status),
		Mode:        string(run.Mode),
		MaxParallel: run.MaxParallel,
		Counts:      run.Counts,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		t := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptToResponse(a))
	}
	return resp
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	todoTasks := 0
	repoConfigured := false
	for _, p := range projects {
		if p.RepoPath != "" {
			repoConfigured = true
		}
		tasks, err := s.store.ListTasks(store.TaskListOptions{ProjectID: p.ID, Status: domain.TaskTodo})
		if err == nil {
			todoTasks += len(tasks)
		}
	}

	state := readiness.State{
		AgentConfigured: s.runtime.AgentConfigured(),
		TodoTasks:       todoTasks,
		RepoConfigured:  repoConfigured,
	}
	writeJSON(w, StatusResponse{
		Projects:  len(projects),
		Readiness: readiness.Report(state),
		AllReady:  readiness.AllReady(readiness.Evaluate(state)),
	})
}

func (s *Server) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, ProjectResponse{
			ID:              p.ID,
			Name:            p.Name,
			RepoPath:        p.RepoPath,
			ExecutionStatus: string(p.ExecutionStatus),
			MaxParallel:     p.MaxParallel,
		})
	}
	writeJSON(w, resp)
}

// projectHandler serves /api/projects/{id}/tasks, /pause, /resume and
// /tasks/{taskID}/attempts
func (s *Server) projectHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/api/projects/")
	if len(parts) == 4 && parts[1] == "tasks" && parts[3] == "attempts" {
		s.taskAttemptsHandler(w, r, parts[0], parts[2])
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID := parts[0]

	switch parts[1] {
	case "tasks":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		tasks, err := s.store.ListTasks(store.TaskListOptions{ProjectID: projectID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp = append(resp, TaskResponse{
				ID:        t.ID,
				ProjectID: t.ProjectID,
				Title:     t.Title,
				Status:    string(t.Status),
				Position:  t.Position,
			})
		}
		writeJSON(w, resp)

	case "pause":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeResult(w, s.sched.PauseProject(projectID))

	case "resume":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeResult(w, s.sched.ResumeProject(projectID))

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// taskAttemptsHandler returns a task's attempt history in creation
// order
func (s *Server) taskAttemptsHandler(w http.ResponseWriter, r *http.Request, projectID, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := s.store.GetTask(taskID)
	if err != nil || task.ProjectID != projectID {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	attempts, err := s.store.ListAttempts(store.AttemptListOptions{TaskID: taskID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptToResponse(a))
	}
	writeJSON(w, resp)
}

// StartRunRequest is the body of POST /api/runs
type StartRunRequest struct {
	ProjectID   string   `json:"project_id"`
	Mode        string   `json:"mode"`
	TaskIDs     []string `json:"task_ids,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
}

func (s *Server) startRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req StartRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	mode := domain.RunMode(req.Mode)
	if mode == "" {
		mode = domain.ModeColumn
	}
	writeResult(w, s.sched.StartRun(req.ProjectID, req.TaskIDs, mode, req.MaxParallel))
}

// RerunRequest is the body of POST /api/runs/{id}/rerun
type RerunRequest struct {
	TaskIDs     []string `json:"task_ids"`
	MaxParallel int      `json:"max_parallel,omitempty"`
}

// runHandler serves /api/runs/{id} and its actions
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/api/runs/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	runID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		run, err := s.store.GetRun(runID)
		if err != nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		attempts, err := s.store.ListAttempts(store.AttemptListOptions{RunID: runID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, runToResponse(run, attempts))
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "stop":
		writeResult(w, s.sched.StopRun(runID))
	case "retry":
		writeResult(w, s.sched.RetryRun(runID))
	case "rerun-failed":
		var req RerunRequest
		decodeBody(r, &req)
		writeResult(w, s.sched.RerunFailed(runID, req.MaxParallel))
	case "rerun":
		var req RerunRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		writeResult(w, s.sched.RerunSelected(runID, req.TaskIDs, req.MaxParallel))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	ProjectID string   `json:"project_id"`
	TaskIDs   []string `json:"task_ids"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeResult(w, s.sched.CreateSession(req.ProjectID, req.TaskIDs))
}

// SessionActionRequest is the body of session action posts
type SessionActionRequest struct {
	Mode    string   `json:"mode,omitempty"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// sessionHandler serves /api/sessions/{id} and its actions
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r, "/api/sessions/")
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sess, err := s.store.GetSession(sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, SessionResponse{
			ID:            sess.ID,
			ProjectID:     sess.ProjectID,
			Status:        string(sess.Status),
			Mode:          string(sess.Mode),
			TaskIDs:       sess.TaskIDs,
			CurrentTaskID: sess.CurrentTaskID,
			ErrorCode:     sess.ErrorCode,
		})
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SessionActionRequest
	decodeBody(r, &req)

	switch parts[1] {
	case "start":
		writeResult(w, s.sched.StartSession(sessionID, domain.SessionMode(req.Mode)))
	case "approve":
		writeResult(w, s.sched.ApproveSession(sessionID))
	case "stop":
		writeResult(w, s.sched.StopSession(sessionID))
	case "apply":
		writeResult(w, s.sched.ApplySession(sessionID, req.TaskIDs))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// BudgetResponse is the API response for a provider's budget
type BudgetResponse struct {
	Provider string                `json:"provider"`
	Allowed  bool                  `json:"allowed"`
	Reason   string                `json:"reason"`
	LimitUSD float64               `json:"limit_usd,omitempty"`
	SpendUSD float64               `json:"spend_usd"`
	History  []LedgerEntryResponse `json:"history,omitempty"`
}

// LedgerEntryResponse is one spend record in a budget history
type LedgerEntryResponse struct {
	CostUSD   float64 `json:"cost_usd"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) budgetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		provider = s.runtime.Provider()
	}
	dec, err := s.guard.Check(provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := BudgetResponse{
		Provider: provider,
		Allowed:  dec.Allowed,
		Reason:   dec.Reason,
		LimitUSD: dec.LimitUSD,
		SpendUSD: dec.SpendUSD,
	}
	if raw := r.URL.Query().Get("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid history count")
			return
		}
		entries, err := s.store.ListLedger(provider, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, e := range entries {
			resp.History = append(resp.History, LedgerEntryResponse{
				CostUSD:   e.CostUSD,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, resp)
}
