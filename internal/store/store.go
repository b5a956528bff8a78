package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for projects, tasks,
// attempts, runs, sessions and the budget ledger
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps transactions serialized; every
	// scheduling pass shares it, which is the mutual-exclusion
	// boundary admission relies on.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction. Admission's
// read-check-then-write sequences must go through here.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateProject inserts a new project
func (s *Store) CreateProject(p *domain.Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, repo_path, execution_status, max_parallel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RepoPath, string(p.ExecutionStatus), p.MaxParallel, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, repo_path, execution_status, max_parallel, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	var p domain.Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &status, &p.MaxParallel, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ExecutionStatus = domain.ProjectStatus(status)
	return &p, nil
}

// ListProjects returns all projects ordered by creation time
func (s *Store) ListProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, repo_path, execution_status, max_parallel, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &p.RepoPath, &status, &p.MaxParallel, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ExecutionStatus = domain.ProjectStatus(status)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus updates a project's execution status
func (s *Store) UpdateProjectStatus(id string, status domain.ProjectStatus) error {
	_, err := s.db.Exec(`UPDATE projects SET execution_status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	return err
}

// UpsertTask inserts or updates a task
func (s *Store) UpsertTask(task *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, project_id, title, prompt, status, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			prompt = excluded.prompt,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, task.ID, task.ProjectID, task.Title, task.Prompt, string(task.Status), task.Position, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, title, prompt, status, position, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// TaskListOptions specifies filters for listing tasks
type TaskListOptions struct {
	ProjectID string
	Status    domain.TaskStatus
}

// ListTasks returns tasks matching the given options, in board order
func (s *Store) ListTasks(opts TaskListOptions) ([]*domain.Task, error) {
	query := `SELECT id, project_id, title, prompt, status, position, created_at, updated_at FROM tasks WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY position, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		var status string
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Prompt, &status, &t.Position, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates a task's status
func (s *Store) UpdateTaskStatus(id string, status domain.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanTask(row *sql.Row) (*domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Prompt, &status, &t.Position, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	return &t, nil
}
