package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/audit"
	"maestro/internal/budget"
	"maestro/internal/config"
	"maestro/internal/store"
	"maestro/internal/types"
)

// writeScript drops an executable fake agent into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestRunner(t *testing.T, binary string, timeout time.Duration) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default("p")
	registry := &config.AgentRegistry{
		Agents: map[types.AgentKind]config.AgentBinary{
			types.AgentWriter: {
				Binary:       binary,
				DefaultModel: "claude-sonnet",
				MaxTurns:     50,
				OutputFormat: "json",
			},
		},
	}
	engine := budget.NewEngine(s, &cfg.Budget)
	runner := NewRunner(registry, engine, audit.NewRecorder(s), audit.NewSessionRecorder(s), timeout)
	return runner, s
}

func TestBuildArgsContract(t *testing.T) {
	def := config.AgentBinary{
		MaxTurns:     20,
		AllowedTools: []string{"Read", "Write"},
		OutputFormat: "json",
	}
	args := buildArgs(def, "do the thing", []string{"--resume", "abc123"}, 0.75)
	assert.Equal(t, []string{
		"-p", "do the thing",
		"--output-format", "json",
		"--max-turns", "20",
		"--allowedTools", "Read,Write",
		"--resume", "abc123",
		"--max-budget-usd", "0.75",
	}, args)
}

func TestBuildArgsOmitsOptionalFlags(t *testing.T) {
	args := buildArgs(config.AgentBinary{}, "p", nil, 0)
	assert.Equal(t, []string{"-p", "p", "--output-format", "json"}, args)
}

func TestRunSuccessRecordsEverything(t *testing.T) {
	script := writeScript(t, `echo '{"content":"done","cost_usd":0.05,"model":"claude-sonnet","tokens":{"input":100,"output":40},"trace_id":"tr-9"}'`)
	runner, s := newTestRunner(t, script, 30*time.Second)

	result, err := runner.Run(context.Background(), Request{
		Agent: types.AgentWriter, TaskID: "T1", Prompt: "implement",
	})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "done", result.Output.Content)
	assert.InDelta(t, 0.05, result.Output.CostUSD, 1e-9)

	entry, err := s.Audit.FindByID(result.AuditID)
	require.NoError(t, err)
	assert.Equal(t, types.AuditSuccess, entry.Status)
	assert.Equal(t, "claude-sonnet", entry.Model)
	assert.Equal(t, `"tr-9"`, entry.Metadata["trace_id"], "unknown output fields survive into metadata")

	total, err := s.Budget.TaskTotal("T1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, total, 1e-9)

	session, err := s.Sessions.FindByID(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.InvocationCount)
	assert.InDelta(t, 0.05, session.TotalCostUSD, 1e-9)
}

func TestRunSecondInvocationResumesSession(t *testing.T) {
	script := writeScript(t, `echo '{"content":"ok"}'`)
	runner, s := newTestRunner(t, script, 30*time.Second)

	first, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "a"})
	require.NoError(t, err)
	second, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "b"})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)

	firstEntry, err := s.Audit.FindByID(first.AuditID)
	require.NoError(t, err)
	assert.Contains(t, firstEntry.CommandArgs, "--session-id")

	secondEntry, err := s.Audit.FindByID(second.AuditID)
	require.NoError(t, err)
	assert.Contains(t, secondEntry.CommandArgs, "--resume")
	assert.Contains(t, secondEntry.CommandArgs, first.SessionID)
}

func TestRunNonZeroExitIsFailedNotError(t *testing.T) {
	script := writeScript(t, `echo '{"content":"partial"}'; exit 3`)
	runner, s := newTestRunner(t, script, 30*time.Second)

	result, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "p"})
	require.NoError(t, err, "a failing agent is a result, not a runner error")
	assert.False(t, result.Success())
	assert.Equal(t, 3, result.ExitCode)

	entry, err := s.Audit.FindByID(result.AuditID)
	require.NoError(t, err)
	assert.Equal(t, types.AuditFailed, entry.Status)
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	runner, s := newTestRunner(t, script, 200*time.Millisecond)

	result, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, result.TimedOut)

	entry, err := s.Audit.FindByID(result.AuditID)
	require.NoError(t, err)
	assert.Equal(t, types.AuditTimeout, entry.Status)
	assert.Equal(t, -1, entry.ExitCode)
}

func TestRunBudgetExceededEscalates(t *testing.T) {
	script := writeScript(t, `echo '{"content":"ok"}'`)
	runner, s := newTestRunner(t, script, 30*time.Second)

	limit := 0.10
	runner.budget = budget.NewEngine(s, &config.BudgetConfig{
		Enabled:       true,
		TaskBudgetUSD: &limit,
	})
	require.NoError(t, s.Budget.Create(&types.BudgetRecord{
		TaskID: "T1", Agent: "writer", CostUSD: 0.20,
	}))

	result, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "p"})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	require.NotNil(t, result.Enforcement)
	assert.True(t, result.Enforcement.ShouldEscalate)

	// Nothing ran: no audit entry, no session.
	entries, findErr := s.Audit.FindByTask("T1")
	require.NoError(t, findErr)
	assert.Empty(t, entries)
}

func TestRunMissingBinary(t *testing.T) {
	runner, s := newTestRunner(t, filepath.Join(t.TempDir(), "nope"), 30*time.Second)

	result, err := runner.Run(context.Background(), Request{Agent: types.AgentWriter, TaskID: "T1", Prompt: "p"})
	require.Error(t, err)

	entry, findErr := s.Audit.FindByID(result.AuditID)
	require.NoError(t, findErr)
	assert.Equal(t, types.AuditError, entry.Status)
}

func TestRunUnknownAgentKind(t *testing.T) {
	runner, _ := newTestRunner(t, "true", time.Second)
	_, err := runner.Run(context.Background(), Request{Agent: "producer", TaskID: "T1", Prompt: "p"})
	assert.Error(t, err)
}
