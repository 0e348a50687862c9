package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// SessionRecorder manages conversation continuity with external agents.
// Each (task, agent) pair gets at most one active session; follow-up
// invocations resume it instead of starting cold.
type SessionRecorder struct {
	store *store.Store
}

// NewSessionRecorder builds a session recorder over a project store.
func NewSessionRecorder(s *store.Store) *SessionRecorder {
	return &SessionRecorder{store: s}
}

// newSessionID derives a short stable id from the task, agent and time.
func newSessionID(taskID string, agent types.AgentKind, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", taskID, agent, at.UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// GetOrCreate returns the active session for (task, agent), creating one
// if needed. The second return reports whether the session already existed,
// which decides between resuming and starting fresh.
func (r *SessionRecorder) GetOrCreate(taskID string, agent types.AgentKind) (*types.Session, bool, error) {
	session, err := r.store.Sessions.ActiveFor(taskID, agent)
	if err == nil {
		return session, true, nil
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}

	now := time.Now().UTC()
	session = &types.Session{
		ID:     newSessionID(taskID, agent, now),
		TaskID: taskID,
		Agent:  agent,
		Status: types.SessionActive,
	}
	if err := r.store.Sessions.Create(session); err != nil {
		return nil, false, err
	}
	logging.Get(logging.CategoryAudit).Info("created session %s for task=%s agent=%s", session.ID, taskID, agent)
	return session, false, nil
}

// ResumeArgs returns the CLI arguments to continue an existing session.
// For a brand-new session there is nothing to resume and the result is nil.
func ResumeArgs(session *types.Session, existed bool) []string {
	if !existed || session == nil {
		return nil
	}
	return []string{"--resume", session.ID}
}

// SessionIDArgs returns the CLI arguments to pin a new session's id, so a
// later invocation can resume it.
func SessionIDArgs(session *types.Session) []string {
	if session == nil {
		return nil
	}
	return []string{"--session-id", session.ID}
}

// RecordInvocation bumps a session's counters after one agent run.
func (r *SessionRecorder) RecordInvocation(sessionID string, costUSD float64) error {
	session, err := r.store.Sessions.FindByID(sessionID)
	if err != nil {
		return err
	}
	session.InvocationCount++
	session.TotalCostUSD += costUSD
	return r.store.Sessions.Update(session)
}

// CloseTask closes the active sessions for a task. Called when the task
// reaches a terminal status; closing an already-closed task is a no-op.
func (r *SessionRecorder) CloseTask(taskID string) error {
	return r.store.Sessions.CloseActive(taskID)
}
