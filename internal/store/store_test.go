package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{
		ID:           "T1",
		Title:        "Build parser",
		Dependencies: []string{},
		Priority:     5,
	}
	require.NoError(t, s.Tasks.Create(task))
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, types.DefaultMaxAttempts, task.MaxAttempts)

	got, err := s.Tasks.FindByID("T1")
	require.NoError(t, err)
	assert.Equal(t, "Build parser", got.Title)

	got.Status = types.TaskInProgress
	got.Attempts = 1
	require.NoError(t, s.Tasks.Update(got))

	inProgress, err := s.Tasks.FindByStatus(types.TaskInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)

	_, err = s.Tasks.FindByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Tasks.Delete("T1"))
	assert.ErrorIs(t, s.Tasks.Delete("T1"), ErrNotFound)
}

func TestTaskDependenciesMet(t *testing.T) {
	s := newTestStore(t)

	dep := &types.Task{ID: "T1", Title: "dep"}
	require.NoError(t, s.Tasks.Create(dep))
	task := &types.Task{ID: "T2", Title: "main", Dependencies: []string{"T1"}}
	require.NoError(t, s.Tasks.Create(task))

	met, err := s.Tasks.DependenciesMet(task)
	require.NoError(t, err)
	assert.False(t, met)

	dep.Status = types.TaskCompleted
	require.NoError(t, s.Tasks.Update(dep))

	met, err = s.Tasks.DependenciesMet(task)
	require.NoError(t, err)
	assert.True(t, met)

	orphan := &types.Task{ID: "T3", Title: "orphan", Dependencies: []string{"nope"}}
	require.NoError(t, s.Tasks.Create(orphan))
	_, err = s.Tasks.DependenciesMet(orphan)
	assert.Error(t, err)
}

func TestTaskWatchDeliversMutations(t *testing.T) {
	s := newTestStore(t)

	var events []TaskWatchEvent
	sub := s.Tasks.Watch(func(e TaskWatchEvent) { events = append(events, e) })

	task := &types.Task{ID: "T1", Title: "watched"}
	require.NoError(t, s.Tasks.Create(task))
	task.Status = types.TaskCompleted
	require.NoError(t, s.Tasks.Update(task))
	require.NoError(t, s.Tasks.Delete("T1"))

	require.Len(t, events, 3)
	assert.Equal(t, "create", events[0].Kind)
	assert.Equal(t, "update", events[1].Kind)
	assert.Equal(t, "delete", events[2].Kind)

	sub.Cancel()
	require.NoError(t, s.Tasks.Create(&types.Task{ID: "T2", Title: "unwatched"}))
	assert.Len(t, events, 3)
}

func TestTaskProgressCounts(t *testing.T) {
	s := newTestStore(t)

	statuses := []types.TaskStatus{
		types.TaskCompleted, types.TaskCompleted, types.TaskInProgress,
		types.TaskFailed, types.TaskPending,
	}
	for i, status := range statuses {
		task := &types.Task{ID: string(rune('A' + i)), Title: "t", Status: status}
		require.NoError(t, s.Tasks.Create(task))
	}

	progress, err := s.Tasks.Progress()
	require.NoError(t, err)
	assert.Equal(t, 5, progress.Total)
	assert.Equal(t, 2, progress.Completed)
	assert.Equal(t, 1, progress.InProgress)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 1, progress.Pending)
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.State.Get()
	assert.ErrorIs(t, err, ErrNotFound)

	state := types.NewWorkflowState(types.ModeAFK)
	state.CurrentPhase = types.PhaseImplementation
	state.PhaseStatus[types.PhasePlanning] = types.PhaseCompleted
	state.IterationCount = 3
	require.NoError(t, s.State.Save(state))

	got, err := s.State.Get()
	require.NoError(t, err)
	assert.Equal(t, types.PhaseImplementation, got.CurrentPhase)
	assert.Equal(t, types.PhaseCompleted, got.PhaseStatus[types.PhasePlanning])
	assert.Equal(t, 3, got.IterationCount)

	require.NoError(t, s.State.Reset())
	_, err = s.State.Get()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditCommitExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	entry := &types.AuditEntry{
		ID:         types.NewAuditID(types.AgentWriter, "T1", time.Now()),
		Agent:      types.AgentWriter,
		TaskID:     "T1",
		PromptHash: types.PromptHash("prompt"),
	}
	require.NoError(t, s.Audit.Create(entry))
	assert.Equal(t, types.AuditPending, entry.Status)

	entry.Status = types.AuditSuccess
	entry.ExitCode = 0
	entry.DurationSeconds = 1.5
	require.NoError(t, s.Audit.Commit(entry))

	entry.Status = types.AuditFailed
	assert.Error(t, s.Audit.Commit(entry), "second commit must be rejected")

	got, err := s.Audit.FindByID(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AuditSuccess, got.Status)
	assert.Equal(t, 1.5, got.DurationSeconds)
}

func TestAuditCommitRequiresTerminal(t *testing.T) {
	s := newTestStore(t)

	entry := &types.AuditEntry{
		ID: "audit-x", Agent: types.AgentWriter, TaskID: "T1",
		PromptHash: "abc", Status: types.AuditPending,
	}
	require.NoError(t, s.Audit.Create(entry))
	assert.Error(t, s.Audit.Commit(entry))
}

func TestAuditPrune(t *testing.T) {
	s := newTestStore(t)

	old := &types.AuditEntry{
		ID: "audit-old", Agent: types.AgentWriter, TaskID: "T1",
		PromptHash: "a", Timestamp: time.Now().Add(-48 * time.Hour),
	}
	recent := &types.AuditEntry{
		ID: "audit-new", Agent: types.AgentWriter, TaskID: "T1",
		PromptHash: "b", Timestamp: time.Now(),
	}
	require.NoError(t, s.Audit.Create(old))
	require.NoError(t, s.Audit.Create(recent))

	n, err := s.Audit.PruneOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Audit.FindByID("audit-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Audit.FindByID("audit-new")
	assert.NoError(t, err)
}

func TestSessionSingleActivePerTaskAgent(t *testing.T) {
	s := newTestStore(t)

	first := &types.Session{ID: "s1", TaskID: "T1", Agent: types.AgentWriter}
	require.NoError(t, s.Sessions.Create(first))

	second := &types.Session{ID: "s2", TaskID: "T1", Agent: types.AgentWriter}
	require.NoError(t, s.Sessions.Create(second))

	active, err := s.Sessions.ActiveFor("T1", types.AgentWriter)
	require.NoError(t, err)
	assert.Equal(t, "s2", active.ID)

	closed, err := s.Sessions.FindByID("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}

func TestSessionCloseActiveIdempotent(t *testing.T) {
	s := newTestStore(t)

	session := &types.Session{ID: "s1", TaskID: "T1", Agent: types.AgentValidator}
	require.NoError(t, s.Sessions.Create(session))

	require.NoError(t, s.Sessions.CloseActive("T1"))
	require.NoError(t, s.Sessions.CloseActive("T1"))

	_, err := s.Sessions.ActiveFor("T1", types.AgentValidator)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBudgetSoftResetPreservesHistory(t *testing.T) {
	s := newTestStore(t)

	spends := []float64{1.25, 2.50, 0.75}
	for _, cost := range spends {
		require.NoError(t, s.Budget.Create(&types.BudgetRecord{
			TaskID: "T1", Agent: "writer", CostUSD: cost,
		}))
	}

	total, err := s.Budget.TaskTotal("T1")
	require.NoError(t, err)
	assert.InDelta(t, 4.50, total, 1e-9)

	// Soft reset: append a compensating negative, never delete.
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{
		TaskID: "T1", Agent: types.ResetAgent, CostUSD: -total,
	}))

	total, err = s.Budget.TaskTotal("T1")
	require.NoError(t, err)
	assert.InDelta(t, 0, total, 1e-9)

	records, err := s.Budget.FindByTask("T1")
	require.NoError(t, err)
	assert.Len(t, records, 4, "reset must not remove history rows")
	assert.Equal(t, types.ResetAgent, records[3].Agent)
}

func TestBudgetSummary(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Budget.Create(&types.BudgetRecord{TaskID: "T1", Agent: "writer", CostUSD: 1.0}))
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{TaskID: "T2", Agent: "reviewer", CostUSD: 0.5}))
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{Agent: "writer", CostUSD: 0.25}))

	summary, err := s.Budget.GetSummary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, summary.TotalUSD, 1e-9)
	assert.InDelta(t, 1.25, summary.ByAgent["writer"], 1e-9)
	assert.InDelta(t, 1.0, summary.ByTask["T1"], 1e-9)
	assert.Equal(t, 3, summary.RecordCount)
}

func TestCheckpointSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	state := types.NewWorkflowState(types.ModeInteractive)
	state.CurrentPhase = types.PhaseVerification
	state.PhaseStatus[types.PhaseImplementation] = types.PhaseCompleted
	state.TokenUsage = &types.TokenUsage{Input: 100, Output: 200}

	cp := &types.Checkpoint{
		ID:            "cp-1",
		Name:          "before verify",
		Phase:         types.PhaseVerification,
		TaskProgress:  types.TaskProgress{Total: 4, Completed: 3, Pending: 1},
		StateSnapshot: state.Clone(),
	}
	require.NoError(t, s.Checkpoints.Create(cp))

	got, err := s.Checkpoints.FindByID("cp-1")
	require.NoError(t, err)
	if diff := cmp.Diff(state.PhaseStatus, got.StateSnapshot.PhaseStatus); diff != "" {
		t.Errorf("snapshot phase status mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, types.PhaseVerification, got.StateSnapshot.CurrentPhase)
	assert.Equal(t, int64(100), got.StateSnapshot.TokenUsage.Input)
	assert.Equal(t, 3, got.TaskProgress.Completed)
}

func TestCheckpointPruneIdempotent(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 15; i++ {
		cp := &types.Checkpoint{
			ID:            string(rune('a' + i)),
			Name:          "cp",
			StateSnapshot: types.NewWorkflowState(types.ModeAFK),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Checkpoints.Create(cp))
	}

	n, err := s.Checkpoints.PruneOld(10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.Checkpoints.PruneOld(10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "second prune must be a no-op")

	remaining, err := s.Checkpoints.FindAll(0)
	require.NoError(t, err)
	assert.Len(t, remaining, 10)
	// Newest first, so the most recent survives.
	assert.Equal(t, string(rune('a'+14)), remaining[0].ID)
}

func TestEvaluationStats(t *testing.T) {
	s := newTestStore(t)

	scores := []float64{8.0, 6.0, 7.0}
	for i, score := range scores {
		eval := &types.Evaluation{
			EvaluationID: types.NewEvaluationID(types.AgentWriter, "abcdef0123456789", time.Now().Add(time.Duration(i)*time.Second)),
			Agent:        types.AgentWriter,
			OverallScore: score,
			PromptHash:   "abcdef0123456789",
		}
		require.NoError(t, s.Evaluations.Create(eval))
	}

	stats, err := s.Evaluations.StatsFor(types.AgentWriter, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 7.0, stats.AverageScore, 1e-9)
	assert.InDelta(t, 6.0, stats.MinScore, 1e-9)
	assert.InDelta(t, 8.0, stats.MaxScore, 1e-9)

	stats, err = s.Evaluations.StatsFor(types.AgentReviewer, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Zero(t, stats.AverageScore)
}

func TestEvaluationTopAndBottomScorers(t *testing.T) {
	s := newTestStore(t)

	for i, score := range []float64{3.0, 9.5, 6.0, 8.0} {
		require.NoError(t, s.Evaluations.Create(&types.Evaluation{
			EvaluationID: string(rune('a' + i)),
			Agent:        types.AgentWriter,
			OverallScore: score,
			PromptHash:   "h",
		}))
	}

	top, err := s.Evaluations.TopScorers(types.AgentWriter, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, 9.5, top[0].OverallScore)

	bottom, err := s.Evaluations.BottomScorers(types.AgentWriter, 2)
	require.NoError(t, err)
	require.Len(t, bottom, 2)
	assert.Equal(t, 3.0, bottom[0].OverallScore)
}

func longPrompt(prefix string) string {
	content := prefix
	for len(content) < types.MinPromptLength+20 {
		content += " follow the acceptance criteria and report progress."
	}
	return content
}

func TestPromptVersionSequence(t *testing.T) {
	s := newTestStore(t)

	v1 := &types.PromptVersion{
		Agent: types.AgentWriter, TemplateName: "implement",
		Content: longPrompt("You are the writer."),
	}
	require.NoError(t, s.Prompts.Create(v1))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, types.VersionDraft, v1.Status)

	v2 := &types.PromptVersion{
		Agent: types.AgentWriter, TemplateName: "implement",
		Content: longPrompt("You are the writer, improved."),
	}
	require.NoError(t, s.Prompts.Create(v2))
	assert.Equal(t, 2, v2.Version)

	short := &types.PromptVersion{
		Agent: types.AgentWriter, TemplateName: "implement", Content: "too short",
	}
	assert.Error(t, s.Prompts.Create(short))
}

func TestPromptPromoteRetiresPriorProduction(t *testing.T) {
	s := newTestStore(t)

	v1 := &types.PromptVersion{
		Agent: types.AgentWriter, TemplateName: "implement",
		Content: longPrompt("v1"),
	}
	require.NoError(t, s.Prompts.Create(v1))
	require.NoError(t, s.Prompts.Promote(v1.VersionID, nil))

	v2 := &types.PromptVersion{
		Agent: types.AgentWriter, TemplateName: "implement",
		Content: longPrompt("v2"), ParentVersion: v1.VersionID,
	}
	require.NoError(t, s.Prompts.Create(v2))
	require.NoError(t, s.Prompts.Promote(v2.VersionID, map[string]float64{"avg_score": 8.2}))

	prod, err := s.Prompts.Production(types.AgentWriter, "implement")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, prod.VersionID)
	assert.InDelta(t, 8.2, prod.Metrics["avg_score"], 1e-9)

	old, err := s.Prompts.FindByID(v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, types.VersionRetired, old.Status)

	history, err := s.Prompts.History(types.AgentWriter, "implement")
	require.NoError(t, err)
	productionCount := 0
	for _, v := range history {
		if v.Status == types.VersionProduction {
			productionCount++
		}
	}
	assert.Equal(t, 1, productionCount, "at most one production per template")
}

func TestPromptProductionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Prompts.Production(types.AgentReviewer, "review")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGoldenExamples(t *testing.T) {
	s := newTestStore(t)

	for _, score := range []float64{9.0, 9.5, 9.2} {
		require.NoError(t, s.Goldens.Create(&types.GoldenExample{
			Agent: types.AgentWriter, TemplateName: "implement",
			InputPrompt: "in", Output: "out", Score: score,
		}))
	}

	count, err := s.Goldens.Count(types.AgentWriter, "implement")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	goldens, err := s.Goldens.FindByTemplate(types.AgentWriter, "implement", 2)
	require.NoError(t, err)
	require.Len(t, goldens, 2)
	assert.Equal(t, 9.5, goldens[0].Score)
}

func TestOptimizationAttemptLatest(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Attempts.Latest(types.AgentWriter, "implement")
	assert.ErrorIs(t, err, ErrNotFound)

	first := &types.OptimizationAttempt{
		Agent: types.AgentWriter, TemplateName: "implement",
		Method: types.MethodOPRO, Success: false,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.Attempts.Create(first))

	second := &types.OptimizationAttempt{
		Agent: types.AgentWriter, TemplateName: "implement",
		Method: types.MethodBootstrap, Success: true, Improvement: 0.8,
	}
	require.NoError(t, s.Attempts.Create(second))

	latest, err := s.Attempts.Latest(types.AgentWriter, "implement")
	require.NoError(t, err)
	assert.Equal(t, types.MethodBootstrap, latest.Method)
	assert.True(t, latest.Success)
}

func TestStoreCacheReuse(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open("proj-cache-test", dir)
	require.NoError(t, err)
	s2, err := Open("proj-cache-test", dir)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	require.NoError(t, CloseAll("proj-cache-test"))
	require.NoError(t, CloseAll("proj-cache-test"))
}
