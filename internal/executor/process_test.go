package executor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskfactory/taskfactory/internal/domain"
)

func TestCostFromLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want float64
	}{
		{"total cost", `{"type":"result","total_cost_usd":1.25}`, 1.25},
		{"cost only", `{"cost_usd":0.4}`, 0.4},
		{"total wins", `{"cost_usd":0.4,"total_cost_usd":2}`, 2},
		{"plain text", "working on the task", 0},
		{"broken json", `{"cost_usd":`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := costFromLine(tt.line); got != tt.want {
				t.Errorf("costFromLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestPRURLRegex(t *testing.T) {
	line := `Created PR: https://github.com/acme/demo/pull/42 for review`
	if got := prURLRegex.FindString(line); got != "https://github.com/acme/demo/pull/42" {
		t.Errorf("FindString = %q", got)
	}
	if got := prURLRegex.FindString("no url here"); got != "" {
		t.Errorf("FindString = %q, want empty", got)
	}
}

func TestProcessExecutor_RunsCommandAndReportsCompletion(t *testing.T) {
	exec := NewProcessExecutor("sh", []string{"-c", "true"}, "", nil, zerolog.Nop())

	done := make(chan Result, 1)
	exec.SetOnComplete(func(attemptID string, res Result) { done <- res })

	job := Job{
		AttemptID: "a1",
		Task:      &domain.Task{ID: "t1", Prompt: "ignored by true"},
		RepoPath:  t.TempDir(),
	}
	if err := exec.Start(job); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0 (%s)", res.ExitCode, res.ErrorMessage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}
	if exec.Alive("a1") {
		t.Error("Alive after completion = true, want false")
	}
}

func TestProcessExecutor_NonZeroExit(t *testing.T) {
	exec := NewProcessExecutor("sh", []string{"-c", "exit 3 #"}, "", nil, zerolog.Nop())

	done := make(chan Result, 1)
	exec.SetOnComplete(func(attemptID string, res Result) { done <- res })

	job := Job{AttemptID: "a1", Task: &domain.Task{ID: "t1", Prompt: "x"}, RepoPath: t.TempDir()}
	if err := exec.Start(job); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestProcessExecutor_RejectsDuplicateStart(t *testing.T) {
	exec := NewProcessExecutor("sh", []string{"-c", "sleep 5 #"}, "", nil, zerolog.Nop())
	exec.SetOnComplete(func(string, Result) {})

	job := Job{AttemptID: "a1", Task: &domain.Task{ID: "t1", Prompt: "x"}, RepoPath: t.TempDir()}
	if err := exec.Start(job); err != nil {
		t.Fatal(err)
	}
	defer exec.Stop("a1")

	if err := exec.Start(job); err == nil {
		t.Error("second Start = nil, want error")
	}
}
