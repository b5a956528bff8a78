package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedProject(t *testing.T, st *Store, id string) *domain.Project {
	t.Helper()
	p := &domain.Project{
		ID:              id,
		Name:            "demo",
		RepoPath:        "/tmp/demo",
		ExecutionStatus: domain.ProjectIdle,
		MaxParallel:     2,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.CreateProject(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func seedTask(t *testing.T, st *Store, id, projectID string, pos int) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:        id,
		ProjectID: projectID,
		Title:     "task " + id,
		Prompt:    "do " + id,
		Status:    domain.TaskTodo,
		Position:  pos,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.UpsertTask(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestStore_ProjectRoundTrip(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")

	got, err := st.GetProject("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "demo" {
		t.Errorf("Name = %q, want %q", got.Name, "demo")
	}
	if got.ExecutionStatus != domain.ProjectIdle {
		t.Errorf("ExecutionStatus = %q, want %q", got.ExecutionStatus, domain.ProjectIdle)
	}
	if got.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", got.MaxParallel)
	}
}

func TestStore_ListTasksFiltersByStatus(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	seedTask(t, st, "t1", "p1", 0)
	seedTask(t, st, "t2", "p1", 1)
	if err := st.UpdateTaskStatus("t2", domain.TaskDone); err != nil {
		t.Fatal(err)
	}

	todo, err := st.ListTasks(TaskListOptions{ProjectID: "p1", Status: domain.TaskTodo})
	if err != nil {
		t.Fatal(err)
	}
	if len(todo) != 1 {
		t.Fatalf("len(todo) = %d, want 1", len(todo))
	}
	if todo[0].ID != "t1" {
		t.Errorf("todo[0] = %s, want t1", todo[0].ID)
	}
}

func TestStore_UpdateTaskStatusUnknownID(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpdateTaskStatus("nope", domain.TaskDone); err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func seedRun(t *testing.T, st *Store, runID, projectID string, taskIDs []string) {
	t.Helper()
	run := &domain.FactoryRun{
		ID:          runID,
		ProjectID:   projectID,
		Status:      domain.RunRunning,
		Mode:        domain.ModeColumn,
		MaxParallel: 2,
		TaskIDs:     taskIDs,
		StartedAt:   time.Now().UTC(),
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	for i, taskID := range taskIDs {
		a := &domain.Attempt{
			// Lexically ordered ids stand in for ULIDs.
			ID:        runID + "-a" + string(rune('0'+i)),
			TaskID:    taskID,
			RunID:     runID,
			Status:    domain.AttemptQueued,
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateAttempt(a); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStore_RunCounts(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		seedTask(t, st, id, "p1", 0)
	}
	seedRun(t, st, "r1", "p1", []string{"t1", "t2", "t3", "t4"})

	code := 0
	if err := st.FinishAttempt("r1-a0", domain.AttemptCompleted, &code, "", ""); err != nil {
		t.Fatal(err)
	}
	fail := 1
	if err := st.FinishAttempt("r1-a1", domain.AttemptFailed, &fail, "", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishAttempt("r1-a2", domain.AttemptStopped, nil, "", ""); err != nil {
		t.Fatal(err)
	}

	counts, err := st.RunCounts("r1")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.RunCounts{Total: 4, Completed: 1, Failed: 1, Queued: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

func TestStore_NextQueuedOrdering(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	seedTask(t, st, "t1", "p1", 0)
	seedTask(t, st, "t2", "p1", 1)
	seedRun(t, st, "r1", "p1", []string{"t1", "t2"})

	err := st.WithTx(func(tx *sql.Tx) error {
		next, err := NextQueuedTx(tx, "r1", "")
		if err != nil {
			return err
		}
		if next == nil {
			t.Fatal("NextQueuedTx = nil, want attempt")
		}
		if next.TaskID != "t1" {
			t.Errorf("next.TaskID = %s, want t1", next.TaskID)
		}
		ok, err := MarkRunningTx(tx, next.ID)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("MarkRunningTx = false, want true")
		}
		// A second promotion of the same attempt must not succeed.
		ok, err = MarkRunningTx(tx, next.ID)
		if err != nil {
			return err
		}
		if ok {
			t.Error("second MarkRunningTx = true, want false")
		}
		n, err := CountRunningTx(tx, "r1", "")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("CountRunningTx = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStore_StopQueuedAttempts(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	for _, id := range []string{"t1", "t2", "t3"} {
		seedTask(t, st, id, "p1", 0)
	}
	seedRun(t, st, "r1", "p1", []string{"t1", "t2", "t3"})

	err := st.WithTx(func(tx *sql.Tx) error {
		_, err := MarkRunningTx(tx, "r1-a0")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	stopped, err := st.StopQueuedAttempts("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stopped) != 2 {
		t.Fatalf("len(stopped) = %d, want 2", len(stopped))
	}

	running, err := st.ListAttempts(AttemptListOptions{RunID: "r1", Status: domain.AttemptRunning})
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 {
		t.Errorf("running = %d, want 1", len(running))
	}
}

func TestStore_HasActiveAttempt(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	seedTask(t, st, "t1", "p1", 0)
	seedRun(t, st, "r1", "p1", []string{"t1"})

	active, err := st.HasActiveAttempt("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !active {
		t.Error("HasActiveAttempt = false, want true")
	}

	code := 0
	if err := st.FinishAttempt("r1-a0", domain.AttemptCompleted, &code, "", ""); err != nil {
		t.Fatal(err)
	}
	active, err = st.HasActiveAttempt("t1")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Error("HasActiveAttempt after finish = true, want false")
	}
}

func TestStore_ApplySessionIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	sess := &domain.AutopilotSession{
		ID:        "s1",
		ProjectID: "p1",
		Status:    domain.SessionIdle,
		Mode:      domain.ModeStep,
		TaskIDs:   []string{"t1", "t2"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatal(err)
	}

	first, applied, err := st.ApplySession("s1", []string{"t1", "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Error("first apply: applied = false, want true")
	}
	if len(first) != 2 {
		t.Fatalf("first apply recorded %d ids, want 2", len(first))
	}

	// Repeating, even with a different list, returns the original
	// record and does not re-apply.
	second, applied, err := st.ApplySession("s1", []string{"t9"})
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("second apply: applied = true, want false")
	}
	if len(second) != 2 || second[0] != "t1" || second[1] != "t2" {
		t.Errorf("second apply recorded = %v, want [t1 t2]", second)
	}
}

func TestStore_QueuePendingAttempts(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	for _, id := range []string{"t1", "t2", "t3"} {
		seedTask(t, st, id, "p1", 0)
	}
	seedRun(t, st, "r1", "p1", []string{"t1", "t2", "t3"})
	for _, id := range []string{"r1-a1", "r1-a2"} {
		if _, err := st.db.Exec(`UPDATE attempts SET status = 'pending' WHERE id = ?`, id); err != nil {
			t.Fatal(err)
		}
	}

	err := st.WithTx(func(tx *sql.Tx) error {
		ids, err := QueuePendingTx(tx, "r1", "")
		if err != nil {
			return err
		}
		if len(ids) != 2 || ids[0] != "r1-a1" || ids[1] != "r1-a2" {
			t.Errorf("ids = %v, want [r1-a1 r1-a2]", ids)
		}
		// A second call finds nothing left to move.
		ids, err = QueuePendingTx(tx, "r1", "")
		if err != nil {
			return err
		}
		if len(ids) != 0 {
			t.Errorf("second call ids = %v, want none", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	queued, err := st.ListAttempts(AttemptListOptions{RunID: "r1", Status: domain.AttemptQueued})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 3 {
		t.Errorf("queued = %d, want 3", len(queued))
	}
}

func TestStore_ListAttemptsByTask(t *testing.T) {
	st := newTestStore(t)
	seedProject(t, st, "p1")
	seedTask(t, st, "t1", "p1", 0)
	seedTask(t, st, "t2", "p1", 1)
	seedRun(t, st, "r1", "p1", []string{"t1", "t2"})
	code := 1
	if err := st.FinishAttempt("r1-a0", domain.AttemptFailed, &code, "", "boom"); err != nil {
		t.Fatal(err)
	}
	seedRun(t, st, "r2", "p1", []string{"t1"})

	attempts, err := st.ListAttempts(AttemptListOptions{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
	if attempts[0].RunID != "r1" || attempts[1].RunID != "r2" {
		t.Errorf("runs = [%s %s], want [r1 r2]", attempts[0].RunID, attempts[1].RunID)
	}
	if attempts[0].Status != domain.AttemptFailed {
		t.Errorf("first attempt = %v, want failed", attempts[0].Status)
	}
}

func TestStore_ListLedgerNewestFirst(t *testing.T) {
	st := newTestStore(t)
	for _, cost := range []float64{1.5, 2.25, 0.75} {
		if err := st.AppendLedger("anthropic", cost); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.AppendLedger("openai", 10); err != nil {
		t.Fatal(err)
	}

	entries, err := st.ListLedger("anthropic", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].CostUSD != 0.75 || entries[1].CostUSD != 2.25 {
		t.Errorf("costs = [%v %v], want [0.75 2.25]", entries[0].CostUSD, entries[1].CostUSD)
	}
	for _, e := range entries {
		if e.Provider != "anthropic" {
			t.Errorf("Provider = %q, want anthropic", e.Provider)
		}
	}
}

func TestStore_LedgerSpendWindow(t *testing.T) {
	st := newTestStore(t)
	if err := st.AppendLedger("anthropic", 1.5); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendLedger("anthropic", 2.25); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendLedger("openai", 10); err != nil {
		t.Fatal(err)
	}

	spend, err := st.ProviderSpend("anthropic", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if spend != 3.75 {
		t.Errorf("spend = %v, want 3.75", spend)
	}

	spend, err = st.ProviderSpend("anthropic", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0 {
		t.Errorf("future-window spend = %v, want 0", spend)
	}
}
