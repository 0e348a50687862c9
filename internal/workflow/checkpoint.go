package workflow

import (
	"fmt"

	"github.com/google/uuid"

	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// Checkpointer snapshots and restores workflow state. Rollback is the only
// non-monotonic transition of the current phase.
type Checkpointer struct {
	store *store.Store
	keep  int
}

// NewCheckpointer builds a checkpointer that prunes to keep snapshots.
func NewCheckpointer(s *store.Store, keep int) *Checkpointer {
	if keep <= 0 {
		keep = 10
	}
	return &Checkpointer{store: s, keep: keep}
}

// Create snapshots the given state together with the task progress counts.
func (c *Checkpointer) Create(name, notes string, state *types.WorkflowState) (*types.Checkpoint, error) {
	progress, err := c.store.Tasks.Progress()
	if err != nil {
		return nil, err
	}
	cp := &types.Checkpoint{
		ID:            "ckpt-" + uuid.NewString()[:8],
		Name:          name,
		Notes:         notes,
		Phase:         state.CurrentPhase,
		TaskProgress:  progress,
		StateSnapshot: state.Clone(),
	}
	if err := c.store.Checkpoints.Create(cp); err != nil {
		return nil, err
	}
	logging.Workflow("checkpoint %s (%s) created at phase %s", cp.ID, name, state.CurrentPhase)
	return cp, nil
}

// Rollback overwrites the live workflow state with a snapshot and returns
// the restored state. Tasks that were in flight or failed after the snapshot
// go back to pending so a retry runs them fresh; completed work and the
// audit trail are untouched.
func (c *Checkpointer) Rollback(id string) (*types.WorkflowState, error) {
	cp, err := c.store.Checkpoints.FindByID(id)
	if err != nil {
		return nil, err
	}
	if cp.StateSnapshot == nil {
		return nil, fmt.Errorf("checkpoint %s has no state snapshot", id)
	}

	restored := cp.StateSnapshot.Clone()
	if err := c.store.State.Save(restored); err != nil {
		return nil, err
	}

	for _, status := range []types.TaskStatus{types.TaskInProgress, types.TaskFailed} {
		tasks, err := c.store.Tasks.FindByStatus(status)
		if err != nil {
			return nil, err
		}
		for _, task := range tasks {
			task.Status = types.TaskPending
			task.Attempts = 0
			task.Error = ""
			if err := c.store.Tasks.Update(task); err != nil {
				return nil, err
			}
		}
	}

	logging.Workflow("rolled back to checkpoint %s (phase %s)", id, restored.CurrentPhase)
	return restored, nil
}

// Prune removes the oldest checkpoints beyond the keep count.
func (c *Checkpointer) Prune() (int64, error) {
	return c.store.Checkpoints.PruneOld(c.keep)
}
