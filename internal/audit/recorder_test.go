package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/store"
	"maestro/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScopeSuccess(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentWriter, "T1", "sess1", "do the thing with care and detail", []string{"-p", "..."})
	require.NoError(t, err)

	pending, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditPending, pending.Status)
	assert.Equal(t, len("do the thing with care and detail"), pending.PromptLength)
	assert.Len(t, pending.PromptHash, 16)

	scope.SetResult(0, 2048, 0, 0.42, "claude-sonnet", "json")
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditSuccess, got.Status)
	assert.Equal(t, 2048, got.OutputLength)
	assert.InDelta(t, 0.42, got.CostUSD, 1e-9)
	assert.Equal(t, "claude-sonnet", got.Model)
	assert.GreaterOrEqual(t, got.DurationSeconds, 0.0)
}

func TestScopeNonZeroExitIsFailed(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentValidator, "T1", "", "validate the plan against criteria", nil)
	require.NoError(t, err)
	scope.SetResult(2, 0, 512, 0, "", "")
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditFailed, got.Status)
	assert.Equal(t, 2, got.ExitCode)
}

func TestScopeTimeout(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentWriter, "T1", "", "long running prompt", nil)
	require.NoError(t, err)
	scope.SetTimeout()
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditTimeout, got.Status)
	assert.Equal(t, -1, got.ExitCode)
}

func TestScopeCloseWithoutResultIsError(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentWriter, "T1", "", "prompt", nil)
	require.NoError(t, err)
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditError, got.Status)
}

func TestScopeCloseIdempotent(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentWriter, "T1", "", "prompt", nil)
	require.NoError(t, err)
	scope.SetResult(0, 10, 0, 0.01, "claude-haiku", "json")
	scope.Close()
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditSuccess, got.Status)
}

func TestScopeSetError(t *testing.T) {
	s := newTestStore(t)
	recorder := NewRecorder(s)

	scope, err := recorder.Begin(types.AgentReviewer, "T1", "", "prompt", nil)
	require.NoError(t, err)
	scope.SetError(errors.New("binary not found"))
	scope.Close()

	got, err := s.Audit.FindByID(scope.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AuditError, got.Status)
	assert.Equal(t, "binary not found", got.Metadata["error"])
}

func TestSessionGetOrCreate(t *testing.T) {
	s := newTestStore(t)
	recorder := NewSessionRecorder(s)

	session, existed, err := recorder.GetOrCreate("T1", types.AgentWriter)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, session.ID, 12)
	assert.Equal(t, types.SessionActive, session.Status)

	again, existed, err := recorder.GetOrCreate("T1", types.AgentWriter)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, session.ID, again.ID)

	other, existed, err := recorder.GetOrCreate("T1", types.AgentValidator)
	require.NoError(t, err)
	assert.False(t, existed, "sessions are per (task, agent)")
	assert.NotEqual(t, session.ID, other.ID)
}

func TestResumeArgs(t *testing.T) {
	session := &types.Session{ID: "abc123def456"}
	assert.Equal(t, []string{"--resume", "abc123def456"}, ResumeArgs(session, true))
	assert.Nil(t, ResumeArgs(session, false))
	assert.Nil(t, ResumeArgs(nil, true))
	assert.Equal(t, []string{"--session-id", "abc123def456"}, SessionIDArgs(session))
}

func TestRecordInvocationAccumulates(t *testing.T) {
	s := newTestStore(t)
	recorder := NewSessionRecorder(s)

	session, _, err := recorder.GetOrCreate("T1", types.AgentWriter)
	require.NoError(t, err)

	require.NoError(t, recorder.RecordInvocation(session.ID, 0.25))
	require.NoError(t, recorder.RecordInvocation(session.ID, 0.50))

	got, err := s.Sessions.FindByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.InvocationCount)
	assert.InDelta(t, 0.75, got.TotalCostUSD, 1e-9)
}

func TestCloseTaskStartsFreshSession(t *testing.T) {
	s := newTestStore(t)
	recorder := NewSessionRecorder(s)

	first, _, err := recorder.GetOrCreate("T1", types.AgentWriter)
	require.NoError(t, err)
	require.NoError(t, recorder.CloseTask("T1"))
	require.NoError(t, recorder.CloseTask("T1"))

	second, existed, err := recorder.GetOrCreate("T1", types.AgentWriter)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NotEqual(t, first.ID, second.ID)
}
