// Package audit records every external agent invocation end-to-end.
// An entry is written as pending before the subprocess starts, then
// committed with its terminal status exactly once. Prompts themselves are
// never stored, only their hash and length.
package audit

import (
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// Recorder writes audit entries for one project.
type Recorder struct {
	store *store.Store
}

// NewRecorder builds a recorder over a project store.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Scope tracks one in-flight invocation from Begin to Close.
type Scope struct {
	recorder *Recorder
	entry    *types.AuditEntry
	started  time.Time

	mu     sync.Mutex
	closed bool
}

// Begin writes a pending entry for an invocation about to start. The
// returned scope must be Closed exactly once; callers defer it.
func (r *Recorder) Begin(agent types.AgentKind, taskID, sessionID, prompt string, args []string) (*Scope, error) {
	now := time.Now().UTC()
	entry := &types.AuditEntry{
		ID:           types.NewAuditID(agent, taskID, now),
		Agent:        agent,
		TaskID:       taskID,
		SessionID:    sessionID,
		PromptHash:   types.PromptHash(prompt),
		PromptLength: len(prompt),
		CommandArgs:  append([]string(nil), args...),
		Status:       types.AuditPending,
		Timestamp:    now,
	}
	if err := r.store.Audit.Create(entry); err != nil {
		return nil, err
	}
	return &Scope{recorder: r, entry: entry, started: now}, nil
}

// ID returns the audit entry id.
func (s *Scope) ID() string { return s.entry.ID }

// SetResult marks a completed invocation. An exit code of zero maps to
// success, anything else to failed.
func (s *Scope) SetResult(exitCode, outputLen, errorLen int, costUSD float64, model, parsedType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exitCode == 0 {
		s.entry.Status = types.AuditSuccess
	} else {
		s.entry.Status = types.AuditFailed
	}
	s.entry.ExitCode = exitCode
	s.entry.OutputLength = outputLen
	s.entry.ErrorLength = errorLen
	s.entry.CostUSD = costUSD
	s.entry.Model = model
	s.entry.ParsedOutputType = parsedType
}

// SetTimeout marks the invocation as killed by its deadline.
func (s *Scope) SetTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.Status = types.AuditTimeout
	s.entry.ExitCode = -1
}

// SetError marks an invocation that failed before or outside the
// subprocess (spawn failure, unparsable output).
func (s *Scope) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry.Status = types.AuditError
	if err != nil {
		if s.entry.Metadata == nil {
			s.entry.Metadata = map[string]string{}
		}
		s.entry.Metadata["error"] = err.Error()
	}
}

// AddMetadata attaches one metadata pair to the entry. Used to preserve
// agent output fields the parser does not model.
func (s *Scope) AddMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry.Metadata == nil {
		s.entry.Metadata = map[string]string{}
	}
	s.entry.Metadata[key] = value
}

// Close commits the entry with its terminal status and measured duration.
// A scope closed without any Set call is committed as error. Closing twice
// is a no-op.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.entry.Status == types.AuditPending {
		s.entry.Status = types.AuditError
	}
	s.entry.DurationSeconds = time.Since(s.started).Seconds()

	if err := s.recorder.store.Audit.Commit(s.entry); err != nil {
		logging.Get(logging.CategoryAudit).Error("failed to commit audit entry %s: %v", s.entry.ID, err)
	}
}
