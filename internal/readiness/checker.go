// Package readiness aggregates the preconditions a project must meet
// before a run or autopilot session may start.
package readiness

// Blocker ids, in evaluation order
const (
	CheckAIEnabled  = "ai-enabled"
	CheckHasTasks   = "has-tasks"
	CheckRepoConfig = "repo-configured"
)

// Blocker is one evaluated precondition
type Blocker struct {
	ID          string `json:"id"`
	Passed      bool   `json:"passed"`
	Description string `json:"description"`
}

// State carries the collaborator-supplied facts the checks evaluate.
// The checker itself performs no queries and has no side effects.
type State struct {
	AgentConfigured bool
	TodoTasks       int
	RepoConfigured  bool
}

// Report evaluates every check for the given state, in a fixed order
func Report(st State) []Blocker {
	return []Blocker{
		{ID: CheckAIEnabled, Passed: st.AgentConfigured, Description: "an agent executor command is configured"},
		{ID: CheckHasTasks, Passed: st.TodoTasks > 0, Description: "the project has tasks to work on"},
		{ID: CheckRepoConfig, Passed: st.RepoConfigured, Description: "the project has a repository configured"},
	}
}

// Evaluate returns only the failed blockers for the given state
func Evaluate(st State) []Blocker {
	var failed []Blocker
	for _, b := range Report(st) {
		if !b.Passed {
			failed = append(failed, b)
		}
	}
	return failed
}

// AllReady reports whether no blockers remain
func AllReady(blockers []Blocker) bool {
	return len(blockers) == 0
}
