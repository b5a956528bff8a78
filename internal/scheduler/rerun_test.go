package scheduler

import (
	"testing"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
	"github.com/taskfactory/taskfactory/internal/executor"
	"github.com/taskfactory/taskfactory/internal/store"
)

func TestRerunFailed_TargetsDistinctFailedTasks(t *testing.T) {
	f := newFixture(t, fakeLimits{})
	f.seedProject("p1", "/repo", 5)
	f.seedTasks("p1", "t1", "t2", "t3", "t4", "t5")

	source := f.sched.StartRun("p1", nil, domain.ModeColumn, 0)
	if source.Outcome != OutcomeOK {
		t.Fatalf("start: %v", source.Outcome)
	}
	f.complete(0, executor.Result{ExitCode: 0})
	f.complete(1, executor.Result{ExitCode: 1})
	f.complete(2, executor.Result{ExitCode: 1})
	f.complete(3, executor.Result{ExitCode: 0})
	f.complete(4, executor.Result{ExitCode: 1})

	// A second failed attempt for t2 in the same run must not
	// duplicate the target.
	fail := 1
	extra := &domain.Attempt{
		ID:        "zzz-extra",
		TaskID:    "t2",
		RunID:     source.RunID,
		Status:    domain.AttemptQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.st.CreateAttempt(extra); err != nil {
		t.Fatal(err)
	}
	if err := f.st.FinishAttempt(extra.ID, domain.AttemptFailed, &fail, "", "boom"); err != nil {
		t.Fatal(err)
	}

	res := f.sched.RerunFailed(source.RunID, 0)
	if res.Outcome != OutcomeOK {
		t.Fatalf("rerun: %v (%s)", res.Outcome, res.Message)
	}
	if res.RunID == source.RunID {
		t.Error("rerun reused the source run id")
	}

	attempts, err := f.st.ListAttempts(store.AttemptListOptions{RunID: res.RunID})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("new run attempts = %d, want 3", len(attempts))
	}
	seen := map[string]bool{}
	for _, a := range attempts {
		seen[a.TaskID] = true
	}
	for _, id := range []string{"t2", "t3", "t5"} {
		if !seen[id] {
			t.Errorf("task %s missing from rerun", id)
		}
	}

	run, err := f.st.GetRun(res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Mode != domain.ModeSelection {
		t.Errorf("mode = %v, want selection", run.Mode)
	}
	if run.MaxParallel != 5 {
		t.Errorf("MaxParallel = %d, want 5 (inherited)", run.MaxParallel)
	}
}

func TestRerunFailed_RepeatedCallsAreNotDeduplicated(t *testing.T) {
	f := newFixture(t, fakeLimits{})
	f.seedProject("p1", "/repo", 1)
	f.seedTasks("p1", "t1")

	source := f.sched.StartRun("p1", nil, domain.ModeColumn, 0)
	f.complete(0, executor.Result{ExitCode: 1})

	first := f.sched.RerunFailed(source.RunID, 0)
	if first.Outcome != OutcomeOK {
		t.Fatalf("first rerun: %v", first.Outcome)
	}
	f.complete(1, executor.Result{ExitCode: 1})

	second := f.sched.RerunFailed(source.RunID, 0)
	if second.Outcome != OutcomeOK {
		t.Fatalf("second rerun: %v", second.Outcome)
	}
	if first.RunID == second.RunID {
		t.Error("reruns shared a run id, want distinct runs")
	}
}

func TestRerunFailed_NoFailures(t *testing.T) {
	f := newFixture(t, fakeLimits{})
	f.seedProject("p1", "/repo", 1)
	f.seedTasks("p1", "t1")

	source := f.sched.StartRun("p1", nil, domain.ModeColumn, 0)
	f.complete(0, executor.Result{ExitCode: 0})

	res := f.sched.RerunFailed(source.RunID, 0)
	if res.Outcome != OutcomeConflict {
		t.Errorf("Outcome = %v, want conflict", res.Outcome)
	}
}

func TestRerunSelected_ValidatesSelection(t *testing.T) {
	f := newFixture(t, fakeLimits{})
	f.seedProject("p1", "/repo", 1)
	f.seedProject("p2", "/other", 1)
	f.seedTasks("p1", "t1")
	f.seedTasks("p2", "foreign")

	source := f.sched.StartRun("p1", nil, domain.ModeColumn, 0)
	f.complete(0, executor.Result{ExitCode: 0})

	if res := f.sched.RerunSelected(source.RunID, nil, 0); res.Outcome != OutcomeConflict {
		t.Errorf("empty selection = %v, want conflict", res.Outcome)
	}
	if res := f.sched.RerunSelected(source.RunID, []string{"foreign"}, 0); res.Outcome != OutcomeNotFound {
		t.Errorf("foreign task = %v, want not_found", res.Outcome)
	}
	if res := f.sched.RerunSelected("missing", []string{"t1"}, 0); res.Outcome != OutcomeNotFound {
		t.Errorf("missing run = %v, want not_found", res.Outcome)
	}

	// A completed task may be selected again.
	res := f.sched.RerunSelected(source.RunID, []string{"t1"}, 0)
	if res.Outcome != OutcomeOK {
		t.Errorf("Outcome = %v, want ok (%s)", res.Outcome, res.Message)
	}
}
