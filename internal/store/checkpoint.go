package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// CheckpointRepository persists workflow-state snapshots. Snapshots are
// value copies of the state, never references, so restoring one reproduces
// the exact phase and phase statuses.
type CheckpointRepository struct {
	store *Store
}

// Create inserts a checkpoint.
func (r *CheckpointRepository) Create(cp *types.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	progress, _ := json.Marshal(cp.TaskProgress)
	snapshot, err := json.Marshal(cp.StateSnapshot)
	if err != nil {
		return storageErr("checkpoints.create", err)
	}
	files, _ := json.Marshal(cp.FilesSnapshot)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err = r.store.db.Exec(
		`INSERT INTO checkpoints (id, name, notes, phase, task_progress, state_snapshot,
			files_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Name, cp.Notes, int(cp.Phase), string(progress), string(snapshot),
		string(files), cp.CreatedAt,
	)
	return storageErr("checkpoints.create", err)
}

// FindByID returns one checkpoint with its full snapshot.
func (r *CheckpointRepository) FindByID(id string) (*types.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(checkpointSelect+` WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("checkpoints.find_by_id", err)
	}
	return cp, nil
}

// FindAll returns checkpoints newest first.
func (r *CheckpointRepository) FindAll(limit int) ([]*types.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.db.Query(checkpointSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("checkpoints.find_all", err)
	}
	defer rows.Close()

	var cps []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan checkpoint row: %v", err)
			continue
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Delete removes one checkpoint.
func (r *CheckpointRepository) Delete(id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return storageErr("checkpoints.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneOld keeps the keepCount most recent checkpoints and deletes the rest.
// Running it back-to-back with no new checkpoints is a no-op.
func (r *CheckpointRepository) PruneOld(keepCount int) (int64, error) {
	if keepCount <= 0 {
		keepCount = 10
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(
		`DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		keepCount,
	)
	if err != nil {
		return 0, storageErr("checkpoints.prune", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("pruned %d checkpoints beyond keep count %d", n, keepCount)
	}
	return n, nil
}

const checkpointSelect = `SELECT id, name, notes, phase, task_progress, state_snapshot,
	files_snapshot, created_at FROM checkpoints`

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	cp := &types.Checkpoint{}
	var phase int
	var progress, snapshot, files string

	err := row.Scan(&cp.ID, &cp.Name, &cp.Notes, &phase, &progress, &snapshot, &files, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	cp.Phase = types.Phase(phase)
	json.Unmarshal([]byte(progress), &cp.TaskProgress)
	json.Unmarshal([]byte(files), &cp.FilesSnapshot)
	cp.StateSnapshot = &types.WorkflowState{}
	if err := json.Unmarshal([]byte(snapshot), cp.StateSnapshot); err != nil {
		return nil, err
	}
	return cp, nil
}
