package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
)

// CreateRun inserts a new factory run
func (s *Store) CreateRun(r *domain.FactoryRun) error {
	taskIDs, err := json.Marshal(r.TaskIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO factory_runs (id, project_id, status, mode, max_parallel, task_ids, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, string(r.Status), string(r.Mode), r.MaxParallel, string(taskIDs), r.StartedAt)
	return err
}

// GetRun retrieves a run by ID with its counts populated
func (s *Store) GetRun(id string) (*domain.FactoryRun, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, status, mode, max_parallel, task_ids, started_at, finished_at
		FROM factory_runs WHERE id = ?
	`, id)

	var r domain.FactoryRun
	var status, mode, taskIDs string
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.ProjectID, &status, &mode, &r.MaxParallel, &taskIDs, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	r.Status = domain.RunStatus(status)
	r.Mode = domain.RunMode(mode)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(taskIDs), &r.TaskIDs); err != nil {
		return nil, err
	}

	counts, err := s.RunCounts(id)
	if err != nil {
		return nil, err
	}
	r.Counts = counts
	return &r, nil
}

// ListActiveRuns returns all runs still in the running state
func (s *Store) ListActiveRuns() ([]*domain.FactoryRun, error) {
	rows, err := s.db.Query(`SELECT id FROM factory_runs WHERE status = ? ORDER BY started_at`, string(domain.RunRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var runs []*domain.FactoryRun
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateRunStatus moves a run to a new status, stamping finished_at
// for terminal states
func (s *Store) UpdateRunStatus(id string, status domain.RunStatus) error {
	if status.Terminal() {
		_, err := s.db.Exec(`UPDATE factory_runs SET status = ?, finished_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
		return err
	}
	_, err := s.db.Exec(`UPDATE factory_runs SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// RunCounts recomputes a run's aggregate counts from its attempts
func (s *Store) RunCounts(runID string) (domain.RunCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM attempts WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return domain.RunCounts{}, err
	}
	defer rows.Close()

	var c domain.RunCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.RunCounts{}, err
		}
		c.Total += n
		switch domain.AttemptStatus(status) {
		case domain.AttemptCompleted:
			c.Completed += n
		case domain.AttemptFailed:
			c.Failed += n
		case domain.AttemptRunning:
			c.Running += n
		case domain.AttemptQueued, domain.AttemptPending:
			c.Queued += n
		case domain.AttemptStopped:
			// terminal, counted in total only
		}
	}
	return c, rows.Err()
}

// CreateAttempt appends a new attempt
func (s *Store) CreateAttempt(a *domain.Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempts (id, task_id, run_id, session_id, status, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, a.ID, a.TaskID, a.RunID, a.SessionID, string(a.Status), a.CreatedAt)
	return err
}

// GetAttempt retrieves an attempt by ID
func (s *Store) GetAttempt(id string) (*domain.Attempt, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, run_id, session_id, status, started_at, finished_at, exit_code, pr_url, error, created_at
		FROM attempts WHERE id = ?
	`, id)
	return scanAttempt(row.Scan)
}

// AttemptListOptions specifies filters for listing attempts
type AttemptListOptions struct {
	RunID     string
	SessionID string
	TaskID    string
	Status    domain.AttemptStatus
}

// ListAttempts returns attempts matching the given options in
// creation order
func (s *Store) ListAttempts(opts AttemptListOptions) ([]*domain.Attempt, error) {
	query := `SELECT id, task_id, run_id, session_id, status, started_at, finished_at, exit_code, pr_url, error, created_at FROM attempts WHERE 1=1`
	var args []interface{}

	if opts.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, opts.RunID)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// HasActiveAttempt reports whether the task already has a
// non-terminal attempt. At most one may exist per task.
func (s *Store) HasActiveAttempt(taskID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM attempts
		WHERE task_id = ? AND status IN ('pending', 'queued', 'running')
	`, taskID).Scan(&n)
	return n > 0, err
}

// FinishAttempt records an attempt's terminal state and result
func (s *Store) FinishAttempt(id string, status domain.AttemptStatus, exitCode *int, prURL, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE attempts SET status = ?, finished_at = ?, exit_code = ?, pr_url = ?, error = ?
		WHERE id = ?
	`, string(status), time.Now().UTC(), exitCode, prURL, errMsg, id)
	return err
}

// CountRunningTx counts running attempts in the given scope. Must be
// called inside the same transaction that promotes attempts.
func CountRunningTx(tx *sql.Tx, runID, sessionID string) (int, error) {
	var n int
	var err error
	if runID != "" {
		err = tx.QueryRow(`SELECT COUNT(*) FROM attempts WHERE run_id = ? AND status = ?`,
			runID, string(domain.AttemptRunning)).Scan(&n)
	} else {
		err = tx.QueryRow(`SELECT COUNT(*) FROM attempts WHERE session_id = ? AND status = ?`,
			sessionID, string(domain.AttemptRunning)).Scan(&n)
	}
	return n, err
}

// NextQueuedTx returns the oldest queued attempt in the scope, or nil.
// Attempt ids are ULIDs, so ordering by id is creation order with a
// deterministic tie-break.
func NextQueuedTx(tx *sql.Tx, runID, sessionID string) (*domain.Attempt, error) {
	var row *sql.Row
	if runID != "" {
		row = tx.QueryRow(`
			SELECT id, task_id, run_id, session_id, status, started_at, finished_at, exit_code, pr_url, error, created_at
			FROM attempts WHERE run_id = ? AND status IN ('pending', 'queued') ORDER BY id LIMIT 1
		`, runID)
	} else {
		row = tx.QueryRow(`
			SELECT id, task_id, run_id, session_id, status, started_at, finished_at, exit_code, pr_url, error, created_at
			FROM attempts WHERE session_id = ? AND status IN ('pending', 'queued') ORDER BY id LIMIT 1
		`, sessionID)
	}
	a, err := scanAttempt(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// MarkRunningTx transitions a queued attempt to running inside the
// admission transaction. Returns false if the attempt was no longer
// queued (stopped or already promoted by a concurrent pass).
func MarkRunningTx(tx *sql.Tx, attemptID string) (bool, error) {
	res, err := tx.Exec(`
		UPDATE attempts SET status = ?, started_at = ?
		WHERE id = ? AND status IN ('pending', 'queued')
	`, string(domain.AttemptRunning), time.Now().UTC(), attemptID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// QueuePendingTx moves a scope's pending attempts to queued once
// admission has found all slots taken, returning the affected attempt
// ids. Must run inside the admission transaction.
func QueuePendingTx(tx *sql.Tx, runID, sessionID string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if runID != "" {
		rows, err = tx.Query(`SELECT id FROM attempts WHERE run_id = ? AND status = 'pending' ORDER BY id`, runID)
	} else {
		rows, err = tx.Query(`SELECT id FROM attempts WHERE session_id = ? AND status = 'pending' ORDER BY id`, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if runID != "" {
		_, err = tx.Exec(`UPDATE attempts SET status = 'queued' WHERE run_id = ? AND status = 'pending'`, runID)
	} else {
		_, err = tx.Exec(`UPDATE attempts SET status = 'queued' WHERE session_id = ? AND status = 'pending'`, sessionID)
	}
	return ids, err
}

// RunStatusTx reads a run's status inside an admission transaction
func RunStatusTx(tx *sql.Tx, runID string) (domain.RunStatus, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM factory_runs WHERE id = ?`, runID).Scan(&status)
	return domain.RunStatus(status), err
}

// ProjectStatusTx reads a project's execution status inside an
// admission transaction
func ProjectStatusTx(tx *sql.Tx, projectID string) (domain.ProjectStatus, error) {
	var status string
	err := tx.QueryRow(`SELECT execution_status FROM projects WHERE id = ?`, projectID).Scan(&status)
	return domain.ProjectStatus(status), err
}

// StopQueuedAttempts cancels every queued attempt of a run before it
// ever dispatches, returning the affected attempt ids
func (s *Store) StopQueuedAttempts(runID string) ([]string, error) {
	var stopped []string
	err := s.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM attempts WHERE run_id = ? AND status IN ('pending', 'queued')`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			stopped = append(stopped, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE attempts SET status = ?, finished_at = ?
			WHERE run_id = ? AND status IN ('pending', 'queued')
		`, string(domain.AttemptStopped), time.Now().UTC(), runID)
		return err
	})
	return stopped, err
}

func scanAttempt(scan func(...interface{}) error) (*domain.Attempt, error) {
	var a domain.Attempt
	var status string
	var runID, sessionID, prURL, errMsg sql.NullString
	var started, finished sql.NullTime
	var exitCode sql.NullInt64

	err := scan(&a.ID, &a.TaskID, &runID, &sessionID, &status, &started, &finished, &exitCode, &prURL, &errMsg, &a.CreatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = domain.AttemptStatus(status)
	a.RunID = runID.String
	a.SessionID = sessionID.String
	a.PRURL = prURL.String
	a.Error = errMsg.String
	if started.Valid {
		t := started.Time
		a.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		a.ExitCode = &c
	}
	return &a, nil
}
