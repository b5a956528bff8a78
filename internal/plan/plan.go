// Package plan loads project plans from YAML files and seeds the
// store with their tasks.
package plan

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/store"
)

// Plan is a YAML project definition
type Plan struct {
	Project ProjectSpec `yaml:"project"`
	Tasks   []TaskSpec  `yaml:"tasks"`
}

// ProjectSpec describes the project being seeded
type ProjectSpec struct {
	Name        string `yaml:"name"`
	Repo        string `yaml:"repo"`
	MaxParallel int    `yaml:"max_parallel"`
}

// TaskSpec describes one task in board order
type TaskSpec struct {
	Title  string `yaml:"title"`
	Prompt string `yaml:"prompt"`
}

// Load reads and validates a plan file
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the plan for required fields
func (p *Plan) Validate() error {
	if p.Project.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	for i, t := range p.Tasks {
		if t.Title == "" {
			return fmt.Errorf("task %d: title is required", i)
		}
	}
	return nil
}

// Import creates the project and its tasks, returning the new
// project id
func (p *Plan) Import(st *store.Store) (string, error) {
	now := time.Now().UTC()
	maxParallel := p.Project.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	project := &domain.Project{
		ID:              uuid.NewString(),
		Name:            p.Project.Name,
		RepoPath:        p.Project.Repo,
		ExecutionStatus: domain.ProjectIdle,
		MaxParallel:     maxParallel,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.CreateProject(project); err != nil {
		return "", fmt.Errorf("creating project: %w", err)
	}

	for i, spec := range p.Tasks {
		task := &domain.Task{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			Title:     spec.Title,
			Prompt:    spec.Prompt,
			Status:    domain.TaskTodo,
			Position:  i,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if task.Prompt == "" {
			task.Prompt = spec.Title
		}
		if err := st.UpsertTask(task); err != nil {
			return "", fmt.Errorf("creating task %q: %w", spec.Title, err)
		}
	}

	return project.ID, nil
}
