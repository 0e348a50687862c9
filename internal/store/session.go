package store

import (
	"database/sql"
	"errors"
	"time"

	"maestro/internal/types"
)

// SessionRepository persists agent sessions. At most one session per
// (task, agent) is active at a time; Create enforces that by closing any
// prior active session in the same transaction.
type SessionRepository struct {
	store *Store
}

// Create inserts a session, closing any active one for the same (task, agent).
func (r *SessionRepository) Create(session *types.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = types.SessionActive
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	tx, err := r.store.db.Begin()
	if err != nil {
		return storageErr("sessions.create", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ?
		 WHERE task_id = ? AND agent = ? AND status = 'active'`,
		now, now, session.TaskID, string(session.Agent),
	)
	if err != nil {
		return storageErr("sessions.create", err)
	}

	_, err = tx.Exec(
		`INSERT INTO sessions (id, task_id, agent, status, invocation_count, total_cost_usd,
			created_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.TaskID, string(session.Agent), string(session.Status),
		session.InvocationCount, session.TotalCostUSD,
		session.CreatedAt, session.UpdatedAt, session.ClosedAt,
	)
	if err != nil {
		return storageErr("sessions.create", err)
	}
	return storageErr("sessions.create", tx.Commit())
}

// FindByID returns one session.
func (r *SessionRepository) FindByID(id string) (*types.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(sessionSelect+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("sessions.find_by_id", err)
	}
	return session, nil
}

// ActiveFor returns the active session for a (task, agent), or ErrNotFound.
func (r *SessionRepository) ActiveFor(taskID string, agent types.AgentKind) (*types.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(
		sessionSelect+` WHERE task_id = ? AND agent = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		taskID, string(agent),
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("sessions.active_for", err)
	}
	return session, nil
}

// Update overwrites counters and status for a session.
func (r *SessionRepository) Update(session *types.Session) error {
	session.UpdatedAt = time.Now().UTC()

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(
		`UPDATE sessions SET status = ?, invocation_count = ?, total_cost_usd = ?,
			updated_at = ?, closed_at = ?
		 WHERE id = ?`,
		string(session.Status), session.InvocationCount, session.TotalCostUSD,
		session.UpdatedAt, session.ClosedAt, session.ID,
	)
	if err != nil {
		return storageErr("sessions.update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseActive closes the active session for a task across all agents.
// Closing is idempotent: no active session is not an error.
func (r *SessionRepository) CloseActive(taskID string) error {
	now := time.Now().UTC()

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.store.db.Exec(
		`UPDATE sessions SET status = 'closed', closed_at = ?, updated_at = ?
		 WHERE task_id = ? AND status = 'active'`,
		now, now, taskID,
	)
	return storageErr("sessions.close_active", err)
}

// FindAll returns recent sessions.
func (r *SessionRepository) FindAll(limit int) ([]*types.Session, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.db.Query(sessionSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("sessions.find_all", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

const sessionSelect = `SELECT id, task_id, agent, status, invocation_count, total_cost_usd,
	created_at, updated_at, closed_at FROM sessions`

func scanSession(row rowScanner) (*types.Session, error) {
	session := &types.Session{}
	var agent, status string
	var closedAt sql.NullTime

	err := row.Scan(
		&session.ID, &session.TaskID, &agent, &status,
		&session.InvocationCount, &session.TotalCostUSD,
		&session.CreatedAt, &session.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Agent = types.AgentKind(agent)
	session.Status = types.SessionStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return session, nil
}
