package readiness

import "testing"

func TestReport_ListsEveryCheck(t *testing.T) {
	report := Report(State{AgentConfigured: true, TodoTasks: 3, RepoConfigured: true})
	if len(report) != 3 {
		t.Fatalf("len(report) = %d, want 3", len(report))
	}
	for _, b := range report {
		if !b.Passed {
			t.Errorf("check %s failed, want passed", b.ID)
		}
	}
}

func TestEvaluate_ReturnsOnlyFailures(t *testing.T) {
	blockers := Evaluate(State{AgentConfigured: false, TodoTasks: 2, RepoConfigured: true})
	if len(blockers) != 1 {
		t.Fatalf("len(blockers) = %d, want 1", len(blockers))
	}
	if blockers[0].ID != CheckAIEnabled {
		t.Errorf("blocker = %s, want %s", blockers[0].ID, CheckAIEnabled)
	}
}

func TestEvaluate_NoTodoTasks(t *testing.T) {
	blockers := Evaluate(State{AgentConfigured: true, TodoTasks: 0, RepoConfigured: true})
	if len(blockers) != 1 {
		t.Fatalf("len(blockers) = %d, want 1", len(blockers))
	}
	if blockers[0].ID != CheckHasTasks {
		t.Errorf("blocker = %s, want %s", blockers[0].ID, CheckHasTasks)
	}
}

func TestAllReady(t *testing.T) {
	if !AllReady(nil) {
		t.Error("AllReady(nil) = false, want true")
	}
	if AllReady([]Blocker{{ID: CheckRepoConfig}}) {
		t.Error("AllReady with blockers = true, want false")
	}
}
