package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/taskfactory/taskfactory/internal/plan"
	"github.com/taskfactory/taskfactory/internal/store"
)

func init() {
	rootCmd.AddCommand(statusCmd(), importCmd(), projectCmd(), runCmd(), sessionCmd(), budgetCmd())
}

func clientFromConfig() (*apiClient, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show factory readiness and activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromConfig()
			if err != nil {
				return err
			}
			var out map[string]interface{}
			if err := c.get("/api/status", &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <plan.yaml>",
		Short: "Import a project plan into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			st, err := store.New(cfg.General.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			projectID, err := p.Import(st)
			if err != nil {
				return err
			}
			fmt.Printf("imported project %s (%s) with %d tasks\n", p.Project.Name, projectID, len(p.Tasks))
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect and control projects",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all projects",
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet("/api/projects")
			},
		},
		&cobra.Command{
			Use:   "tasks <project-id>",
			Short: "List a project's tasks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet("/api/projects/" + args[0] + "/tasks")
			},
		},
		&cobra.Command{
			Use:   "attempts <project-id> <task-id>",
			Short: "Show a task's attempt history",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet("/api/projects/" + args[0] + "/tasks/" + args[1] + "/attempts")
			},
		},
		&cobra.Command{
			Use:   "pause <project-id>",
			Short: "Pause a project, halting new attempt admissions",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/projects/"+args[0]+"/pause", nil)
			},
		},
		&cobra.Command{
			Use:   "resume <project-id>",
			Short: "Resume a paused project",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/projects/"+args[0]+"/resume", nil)
			},
		},
	)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and control factory runs",
	}

	var startMode string
	var startTasks []string
	var startParallel int
	start := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a run over a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost("/api/runs", map[string]interface{}{
				"project_id":   args[0],
				"mode":         startMode,
				"task_ids":     startTasks,
				"max_parallel": startParallel,
			})
		},
	}
	start.Flags().StringVar(&startMode, "mode", "column", "run mode (column or selection)")
	start.Flags().StringSliceVar(&startTasks, "task", nil, "task id to include (selection mode, repeatable)")
	start.Flags().IntVar(&startParallel, "max-parallel", 0, "parallelism cap for this run")

	var rerunTasks []string
	rerun := &cobra.Command{
		Use:   "rerun <run-id>",
		Short: "Start a new run re-attempting selected tasks of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost("/api/runs/"+args[0]+"/rerun", map[string]interface{}{
				"task_ids": rerunTasks,
			})
		},
	}
	rerun.Flags().StringSliceVar(&rerunTasks, "task", nil, "task id to re-attempt (repeatable)")

	cmd.AddCommand(
		start,
		rerun,
		&cobra.Command{
			Use:   "show <run-id>",
			Short: "Show a run and its attempts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet("/api/runs/" + args[0])
			},
		},
		&cobra.Command{
			Use:   "stop <run-id>",
			Short: "Stop a run, cancelling queued attempts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/runs/"+args[0]+"/stop", nil)
			},
		},
		&cobra.Command{
			Use:   "retry <run-id>",
			Short: "Resume scheduling a stopped run's remaining attempts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/runs/"+args[0]+"/retry", nil)
			},
		},
		&cobra.Command{
			Use:   "rerun-failed <run-id>",
			Short: "Start a new run re-attempting a run's failed tasks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/runs/"+args[0]+"/rerun-failed", nil)
			},
		},
	)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Drive autopilot sessions",
	}

	var createTasks []string
	create := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Create an autopilot session over an ordered task list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost("/api/sessions", map[string]interface{}{
				"project_id": args[0],
				"task_ids":   createTasks,
			})
		},
	}
	create.Flags().StringSliceVar(&createTasks, "task", nil, "task id in execution order (repeatable)")

	var startModeFlag string
	start := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start or resume a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost("/api/sessions/"+args[0]+"/start", map[string]interface{}{
				"mode": startModeFlag,
			})
		},
	}
	start.Flags().StringVar(&startModeFlag, "mode", "", "session mode (step or auto)")

	var applyTasks []string
	apply := &cobra.Command{
		Use:   "apply <session-id>",
		Short: "Record the session's task list, once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiPost("/api/sessions/"+args[0]+"/apply", map[string]interface{}{
				"task_ids": applyTasks,
			})
		},
	}
	apply.Flags().StringSliceVar(&applyTasks, "task", nil, "task id to record (repeatable)")

	cmd.AddCommand(
		create,
		start,
		apply,
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Show a session's state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiGet("/api/sessions/" + args[0])
			},
		},
		&cobra.Command{
			Use:   "approve <session-id>",
			Short: "Approve the current checkpoint and advance a step-mode session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/sessions/"+args[0]+"/approve", nil)
			},
		},
		&cobra.Command{
			Use:   "stop <session-id>",
			Short: "Stop a running session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return apiPost("/api/sessions/"+args[0]+"/stop", nil)
			},
		},
	)
	return cmd
}

func budgetCmd() *cobra.Command {
	var provider string
	var history int
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show the current month's spend against the configured limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if provider != "" {
				q.Set("provider", provider)
			}
			if history > 0 {
				q.Set("history", strconv.Itoa(history))
			}
			path := "/api/budget"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return apiGet(path)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider to inspect (defaults to the configured one)")
	cmd.Flags().IntVar(&history, "history", 0, "include the N most recent spend entries")
	return cmd
}

func apiGet(path string) error {
	c, err := clientFromConfig()
	if err != nil {
		return err
	}
	var out interface{}
	if err := c.get(path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func apiPost(path string, body interface{}) error {
	c, err := clientFromConfig()
	if err != nil {
		return err
	}
	var out interface{}
	if err := c.post(path, body, &out); err != nil {
		return err
	}
	return printJSON(out)
}
