package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
)

// CreateSession inserts a new autopilot session
func (s *Store) CreateSession(sess *domain.AutopilotSession) error {
	taskIDs, err := json.Marshal(sess.TaskIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO autopilot_sessions (id, project_id, status, mode, task_ids, current_task_id, error_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.ProjectID, string(sess.Status), string(sess.Mode), string(taskIDs), sess.CurrentTaskID, sess.ErrorCode, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(id string) (*domain.AutopilotSession, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, status, mode, task_ids, current_task_id, error_code, created_at, updated_at
		FROM autopilot_sessions WHERE id = ?
	`, id)

	var sess domain.AutopilotSession
	var status, mode, taskIDs string
	err := row.Scan(&sess.ID, &sess.ProjectID, &status, &mode, &taskIDs, &sess.CurrentTaskID, &sess.ErrorCode, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.Mode = domain.SessionMode(mode)
	if err := json.Unmarshal([]byte(taskIDs), &sess.TaskIDs); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession persists a session's mutable fields
func (s *Store) UpdateSession(sess *domain.AutopilotSession) error {
	_, err := s.db.Exec(`
		UPDATE autopilot_sessions
		SET status = ?, mode = ?, current_task_id = ?, error_code = ?, updated_at = ?
		WHERE id = ?
	`, string(sess.Status), string(sess.Mode), sess.CurrentTaskID, sess.ErrorCode, time.Now().UTC(), sess.ID)
	return err
}

// ListActiveSessions returns all sessions in the running state
func (s *Store) ListActiveSessions() ([]*domain.AutopilotSession, error) {
	rows, err := s.db.Query(`SELECT id FROM autopilot_sessions WHERE status = ? ORDER BY created_at`, string(domain.SessionRunning))
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

	var sessions []*domain.AutopilotSession
	for _, id := range ids {
		sess, err := s.GetSession(id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// SessionStatusTx reads a session's status inside an admission
// transaction
func SessionStatusTx(tx *sql.Tx, id string) (domain.SessionStatus, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM autopilot_sessions WHERE id = ?`, id).Scan(&status)
	return domain.SessionStatus(status), err
}

// ApplySession records the applied task ids for a session at most
// once. The returned list is always the originally recorded one;
// applied is false when a prior record already existed.
func (s *Store) ApplySession(sessionID string, taskIDs []string) (recorded []string, applied bool, err error) {
	payload, err := json.Marshal(taskIDs)
	if err != nil {
		return nil, false, err
	}

	err = s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO session_applies (session_id, task_ids, applied_at)
			VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING
		`, sessionID, string(payload), time.Now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0

		var stored string
		if err := tx.QueryRow(`SELECT task_ids FROM session_applies WHERE session_id = ?`, sessionID).Scan(&stored); err != nil {
			return err
		}
		return json.Unmarshal([]byte(stored), &recorded)
	})
	if err != nil {
		return nil, false, err
	}
	return recorded, applied, nil
}
