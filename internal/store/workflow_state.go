package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"maestro/internal/types"
)

// WorkflowStateRepository persists the singleton engine state as one JSON
// row. The engine re-reads it on every resume instead of holding pointers.
type WorkflowStateRepository struct {
	store *Store
}

// Save upserts the state row.
func (r *WorkflowStateRepository) Save(state *types.WorkflowState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return storageErr("workflow_state.save", err)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err = r.store.db.Exec(
		`INSERT INTO workflow_state (id, state, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(data), state.UpdatedAt,
	)
	return storageErr("workflow_state.save", err)
}

// Get returns the state row or ErrNotFound for a fresh project.
func (r *WorkflowStateRepository) Get() (*types.WorkflowState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var data string
	err := r.store.db.QueryRow(`SELECT state FROM workflow_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("workflow_state.get", err)
	}

	state := &types.WorkflowState{}
	if err := json.Unmarshal([]byte(data), state); err != nil {
		return nil, storageErr("workflow_state.get", err)
	}
	return state, nil
}

// Reset deletes the state row.
func (r *WorkflowStateRepository) Reset() error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.store.db.Exec(`DELETE FROM workflow_state WHERE id = 1`)
	return storageErr("workflow_state.reset", err)
}
