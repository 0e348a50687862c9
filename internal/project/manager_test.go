package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/budget"
	"maestro/internal/config"
	"maestro/internal/store"
	"maestro/internal/types"
	"maestro/internal/workflow"
)

// Project names must be unique per test: the store cache is keyed by name.
func newTestManager(t *testing.T, name string) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	m := NewManager(base, Options{RegistryPath: filepath.Join(base, "agents.yaml")})
	t.Cleanup(func() {
		_ = m.CloseEverything()
		_ = store.CloseAll(name)
	})
	return m, base
}

// writeAgentScript installs a shell script as the binary for every agent
// kind and points the manager's registry at it.
func writeAgentScript(t *testing.T, base, body string) {
	t.Helper()
	script := filepath.Join(base, "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	registry := ""
	registry += "agents:\n"
	for _, kind := range []string{"writer", "validator", "reviewer"} {
		registry += fmt.Sprintf("  %s:\n    binary: %s\n    default_model: claude-sonnet\n    output_format: json\n", kind, script)
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "agents.yaml"), []byte(registry), 0o644))
}

func seedProjectTask(t *testing.T, m *Manager, name, taskID, title string) {
	t.Helper()
	s, err := store.Open(name, m.dir(name))
	require.NoError(t, err)
	require.NoError(t, s.Tasks.Create(&types.Task{ID: taskID, Title: title, MaxAttempts: 3}))
}

const okAgentBody = `echo '{"content":"ok","cost_usd":0.01}'`

func TestInitAndListProjects(t *testing.T) {
	m, _ := newTestManager(t, "alpha")

	names, err := m.ListProjects()
	require.NoError(t, err)
	assert.Empty(t, names)

	cfg, err := m.InitProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", cfg.ProjectName)
	assert.True(t, cfg.Budget.Enabled)

	names, err = m.ListProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, names)

	_, err = m.InitProject("alpha")
	assert.ErrorContains(t, err, "already initialized")

	_, err = m.InitProject("")
	assert.Error(t, err)
}

func TestListProjectsMissingBaseDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"), Options{})
	names, err := m.ListProjects()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStartRunsFullWorkflow(t *testing.T) {
	m, base := newTestManager(t, "happy")
	writeAgentScript(t, base, okAgentBody)
	_, err := m.InitProject("happy")
	require.NoError(t, err)
	seedProjectTask(t, m, "happy", "T1", "build the widget")

	require.NoError(t, m.Start(context.Background(), "happy", StartOptions{Autonomous: true}))

	status, err := m.GetStatus("happy")
	require.NoError(t, err)
	assert.Equal(t, "completion", status.CurrentPhase)
	for _, phase := range []string{"planning", "validation", "implementation", "verification", "completion"} {
		assert.Equal(t, types.PhaseCompleted, status.PhaseStatus[phase], phase)
	}
	assert.Equal(t, 1, status.Tasks.Completed)
	assert.Nil(t, status.PendingInterrupt)

	// planning + two reviewers + one task + verification, $0.01 each.
	assert.InDelta(t, 0.05, status.TotalCostUSD, 1e-9)
	assert.Equal(t, 5, status.AuditCounts[types.AuditSuccess])

	checkpoints, err := m.ListCheckpoints("happy")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(checkpoints), 5)
}

func TestGetStatusFreshProject(t *testing.T) {
	m, _ := newTestManager(t, "fresh")
	_, err := m.InitProject("fresh")
	require.NoError(t, err)

	status, err := m.GetStatus("fresh")
	require.NoError(t, err)
	assert.Equal(t, "none", status.CurrentPhase)
	assert.Zero(t, status.Tasks.Total)
	assert.Zero(t, status.TotalCostUSD)
}

func TestRespondToEscalationResumes(t *testing.T) {
	m, base := newTestManager(t, "escalate")
	// The writer fails only on the seeded task; planning and reviews succeed.
	writeAgentScript(t, base, `case "$2" in
*"frob the widget"*) echo "no can do" >&2; exit 2;;
esac
echo '{"content":"ok","cost_usd":0.01}'`)
	_, err := m.InitProject("escalate")
	require.NoError(t, err)
	seedProjectTask(t, m, "escalate", "T1", "frob the widget")

	err = m.Start(context.Background(), "escalate", StartOptions{})
	require.ErrorIs(t, err, workflow.ErrSuspended)

	status, err := m.GetStatus("escalate")
	require.NoError(t, err)
	require.NotNil(t, status.PendingInterrupt)
	assert.Equal(t, "task_failed", status.PendingInterrupt.Kind)
	qid := status.PendingInterrupt.QuestionID

	err = m.RespondToEscalation(context.Background(), "escalate", "q-bogus", "continue", nil)
	assert.ErrorContains(t, err, "not pending")

	err = m.RespondToEscalation(context.Background(), "escalate", qid,
		"continue", map[string]string{"note": "acceptable for now"})
	require.NoError(t, err)

	status, err = m.GetStatus("escalate")
	require.NoError(t, err)
	assert.Nil(t, status.PendingInterrupt)
	assert.Equal(t, types.PhaseCompleted, status.PhaseStatus["completion"])
	assert.Equal(t, 1, status.Tasks.Failed, "continue accepts the failure, it does not retry")
}

func TestRespondToEscalationWithoutPending(t *testing.T) {
	m, _ := newTestManager(t, "quiet")
	_, err := m.InitProject("quiet")
	require.NoError(t, err)

	// Seed a state row with no interrupt.
	s, err := store.Open("quiet", m.dir("quiet"))
	require.NoError(t, err)
	require.NoError(t, s.State.Save(types.NewWorkflowState(types.ModeInteractive)))

	err = m.RespondToEscalation(context.Background(), "quiet", "", "continue", nil)
	assert.ErrorContains(t, err, "no pending escalation")
}

func TestControlOpsRejectedWhileRunning(t *testing.T) {
	m, base := newTestManager(t, "busy")
	dir := filepath.Join(base, "busy")
	writeAgentScript(t, base, fmt.Sprintf(`touch %s/agent-started
while [ ! -f %s/agent-release ]; do sleep 0.05; done
echo '{"content":"ok","cost_usd":0.01}'`, dir, dir))
	_, err := m.InitProject("busy")
	require.NoError(t, err)
	seedProjectTask(t, m, "busy", "T1", "build the widget")

	done := make(chan error, 1)
	go func() {
		done <- m.Start(context.Background(), "busy", StartOptions{Autonomous: true})
	}()

	started := filepath.Join(dir, "agent-started")
	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, m.Start(context.Background(), "busy", StartOptions{}), ErrWorkflowRunning)
	assert.ErrorIs(t, m.Resume(context.Background(), "busy", ResumeOptions{}), ErrWorkflowRunning)
	assert.ErrorIs(t, m.RollbackToPhase("busy", 1), ErrWorkflowRunning)
	assert.ErrorIs(t, m.Reset("busy"), ErrWorkflowRunning)
	assert.ErrorIs(t, m.RollbackToCheckpoint("busy", "ckpt-any"), ErrWorkflowRunning)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-release"), nil, 0o644))
	require.NoError(t, <-done)
}

func TestPauseIdleProjectIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, "idle")
	_, err := m.InitProject("idle")
	require.NoError(t, err)
	assert.NoError(t, m.Pause("idle"))
}

func TestRollbackToPhase(t *testing.T) {
	m, base := newTestManager(t, "rewind")
	writeAgentScript(t, base, okAgentBody)
	_, err := m.InitProject("rewind")
	require.NoError(t, err)
	seedProjectTask(t, m, "rewind", "T1", "build the widget")
	require.NoError(t, m.Start(context.Background(), "rewind", StartOptions{Autonomous: true}))

	assert.Error(t, m.RollbackToPhase("rewind", 0))
	assert.Error(t, m.RollbackToPhase("rewind", 6))

	require.NoError(t, m.RollbackToPhase("rewind", 3))

	status, err := m.GetStatus("rewind")
	require.NoError(t, err)
	assert.Equal(t, "implementation", status.CurrentPhase)
	assert.Equal(t, types.PhaseCompleted, status.PhaseStatus["planning"])
	assert.Equal(t, types.PhaseCompleted, status.PhaseStatus["validation"])
	for _, phase := range []string{"implementation", "verification", "completion"} {
		assert.Equal(t, types.PhasePending, status.PhaseStatus[phase], phase)
	}
	assert.Equal(t, 1, status.Tasks.Completed, "task history is untouched")
}

func TestResetClearsStateAndTasks(t *testing.T) {
	m, base := newTestManager(t, "wipe")
	writeAgentScript(t, base, okAgentBody)
	_, err := m.InitProject("wipe")
	require.NoError(t, err)
	seedProjectTask(t, m, "wipe", "T1", "build the widget")
	require.NoError(t, m.Start(context.Background(), "wipe", StartOptions{Autonomous: true}))

	require.NoError(t, m.Reset("wipe"))

	status, err := m.GetStatus("wipe")
	require.NoError(t, err)
	assert.Equal(t, "none", status.CurrentPhase)
	assert.Equal(t, 1, status.Tasks.Total)
	assert.Zero(t, status.Tasks.Completed)
	assert.Greater(t, status.TotalCostUSD, 0.0, "budget history survives a reset")
}

func TestCheckpointLifecycle(t *testing.T) {
	m, base := newTestManager(t, "snap")
	writeAgentScript(t, base, okAgentBody)
	_, err := m.InitProject("snap")
	require.NoError(t, err)
	seedProjectTask(t, m, "snap", "T1", "build the widget")
	require.NoError(t, m.Start(context.Background(), "snap", StartOptions{Autonomous: true}))

	cp, err := m.CreateCheckpoint("snap", "before-surgery", "manual snapshot")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)

	checkpoints, err := m.ListCheckpoints("snap")
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)
	assert.Equal(t, "before-surgery", checkpoints[0].Name, "newest first")

	require.NoError(t, m.RollbackToPhase("snap", 1))
	require.NoError(t, m.RollbackToCheckpoint("snap", cp.ID))

	status, err := m.GetStatus("snap")
	require.NoError(t, err)
	assert.Equal(t, "completion", status.CurrentPhase)

	assert.Error(t, m.RollbackToCheckpoint("snap", "ckpt-missing"))
}

func TestSetBudgetsPersistToConfig(t *testing.T) {
	m, _ := newTestManager(t, "limits")
	_, err := m.InitProject("limits")
	require.NoError(t, err)

	require.NoError(t, m.SetProjectBudget("limits", 12.5))
	require.NoError(t, m.SetTaskBudget("limits", "T1", 2.0))

	cfg, err := config.Load(m.dir("limits"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Budget.ProjectBudgetUSD)
	assert.InDelta(t, 12.5, *cfg.Budget.ProjectBudgetUSD, 1e-9)
	assert.InDelta(t, 2.0, cfg.Budget.TaskBudgets["T1"], 1e-9)
}

func TestEnforceBudgetNearExhaustedProject(t *testing.T) {
	m, _ := newTestManager(t, "broke")
	_, err := m.InitProject("broke")
	require.NoError(t, err)

	// Tighten the limits before the watcher first loads the config.
	dir := m.dir("broke")
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	project, task := 1.0, 2.0
	cfg.Budget.ProjectBudgetUSD = &project
	cfg.Budget.TaskBudgetUSD = &task
	require.NoError(t, cfg.Save(dir))

	s, err := store.Open("broke", dir)
	require.NoError(t, err)
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{TaskID: "T1", Agent: "writer", CostUSD: 0.95}))

	result, err := m.EnforceBudget("broke", "T1", 0.10)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, budget.ExceededProject, result.Exceeded)
	assert.True(t, result.ShouldEscalate)
	assert.False(t, result.ShouldAbort)
	assert.InDelta(t, 0.05, result.RemainingUSD, 1e-9)

	require.NoError(t, m.ResetBudget("broke", "", true))
	result, err = m.EnforceBudget("broke", "T1", 0.10)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestBudgetSummaryAggregatesWindow(t *testing.T) {
	m, _ := newTestManager(t, "ledger")
	_, err := m.InitProject("ledger")
	require.NoError(t, err)

	s, err := store.Open("ledger", m.dir("ledger"))
	require.NoError(t, err)
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{TaskID: "T1", Agent: "writer", CostUSD: 0.30}))
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{TaskID: "T2", Agent: "reviewer", CostUSD: 0.20}))

	summary, err := m.BudgetSummary("ledger", time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.50, summary.TotalUSD, 1e-9)
	assert.InDelta(t, 0.30, summary.ByAgent["writer"], 1e-9)
	assert.InDelta(t, 0.20, summary.ByTask["T2"], 1e-9)
	assert.Equal(t, 2, summary.RecordCount)
}

func TestPruneHistoryTrimsCheckpoints(t *testing.T) {
	m, _ := newTestManager(t, "trim")
	_, err := m.InitProject("trim")
	require.NoError(t, err)

	s, err := store.Open("trim", m.dir("trim"))
	require.NoError(t, err)
	state := types.NewWorkflowState(types.ModeAFK)
	require.NoError(t, s.State.Save(state))
	for i := 0; i < 13; i++ {
		_, err := m.CreateCheckpoint("trim", fmt.Sprintf("cp-%d", i), "")
		require.NoError(t, err)
	}

	// Default retention keeps 10 checkpoints; fresh audit rows stay.
	pruned, err := m.PruneHistory("trim")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	remaining, err := m.ListCheckpoints("trim")
	require.NoError(t, err)
	assert.Len(t, remaining, 10)
}

func TestListGoldensFiltered(t *testing.T) {
	m, _ := newTestManager(t, "vault")
	_, err := m.InitProject("vault")
	require.NoError(t, err)

	s, err := store.Open("vault", m.dir("vault"))
	require.NoError(t, err)
	require.NoError(t, s.Goldens.Create(&types.GoldenExample{
		Agent: types.AgentWriter, TemplateName: "implement",
		InputPrompt: "p1", Output: "o1", Score: 9.2,
	}))
	require.NoError(t, s.Goldens.Create(&types.GoldenExample{
		Agent: types.AgentReviewer, TemplateName: "review",
		InputPrompt: "p2", Output: "o2", Score: 9.5,
	}))

	all, err := m.ListGoldens("vault", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	writers, err := m.ListGoldens("vault", types.AgentWriter, "implement", 10)
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, "o1", writers[0].Output)
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, "gone")
	_, err := m.InitProject("gone")
	require.NoError(t, err)

	// Force the live instance into existence, then tear it down twice.
	_, err = m.GetStatus("gone")
	require.NoError(t, err)
	require.NoError(t, m.Close("gone"))
	require.NoError(t, m.Close("gone"))
	require.NoError(t, m.Close("never-opened"))

	// Reopening after a close works from scratch.
	status, err := m.GetStatus("gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", status.Project)
}
