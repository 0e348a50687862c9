package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// TaskWatchEvent describes one task mutation delivered to watchers.
type TaskWatchEvent struct {
	Kind string // create, update, delete
	Task *types.Task
}

// TaskSubscription is a live-query handle; Cancel stops delivery.
type TaskSubscription struct {
	id   int
	repo *TaskRepository
}

// Cancel removes the subscription.
func (s *TaskSubscription) Cancel() {
	s.repo.watchMu.Lock()
	defer s.repo.watchMu.Unlock()
	delete(s.repo.watchers, s.id)
}

// TaskRepository persists tasks and fans task mutations out to watchers.
type TaskRepository struct {
	store *Store

	watchMu  sync.Mutex
	watchers map[int]func(TaskWatchEvent)
	watchSeq int
}

// Create inserts a task after validating its invariants.
func (r *TaskRepository) Create(task *types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = types.TaskPending
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	criteria, _ := json.Marshal(task.AcceptanceCriteria)
	deps, _ := json.Marshal(task.Dependencies)
	create, _ := json.Marshal(task.FilesToCreate)
	modify, _ := json.Marshal(task.FilesToModify)
	tests, _ := json.Marshal(task.TestFiles)

	_, err := r.store.db.Exec(
		`INSERT INTO tasks (id, title, user_story, acceptance_criteria, dependencies,
			status, priority, milestone_id, files_to_create, files_to_modify, test_files,
			attempts, max_attempts, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.UserStory, string(criteria), string(deps),
		string(task.Status), task.Priority, nullString(task.MilestoneID),
		string(create), string(modify), string(tests),
		task.Attempts, task.MaxAttempts, nullString(task.Error),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return storageErr("tasks.create", err)
	}

	r.notify(TaskWatchEvent{Kind: "create", Task: task})
	return nil
}

// FindByID returns the task or ErrNotFound.
func (r *TaskRepository) FindByID(id string) (*types.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("tasks.find_by_id", err)
	}
	return task, nil
}

// Update overwrites a task row. The caller owns invariant checks beyond the
// structural ones in Validate.
func (r *TaskRepository) Update(task *types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	criteria, _ := json.Marshal(task.AcceptanceCriteria)
	deps, _ := json.Marshal(task.Dependencies)
	create, _ := json.Marshal(task.FilesToCreate)
	modify, _ := json.Marshal(task.FilesToModify)
	tests, _ := json.Marshal(task.TestFiles)

	res, err := r.store.db.Exec(
		`UPDATE tasks SET title = ?, user_story = ?, acceptance_criteria = ?, dependencies = ?,
			status = ?, priority = ?, milestone_id = ?, files_to_create = ?, files_to_modify = ?,
			test_files = ?, attempts = ?, max_attempts = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		task.Title, task.UserStory, string(criteria), string(deps),
		string(task.Status), task.Priority, nullString(task.MilestoneID),
		string(create), string(modify), string(tests),
		task.Attempts, task.MaxAttempts, nullString(task.Error), task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return storageErr("tasks.update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.notify(TaskWatchEvent{Kind: "update", Task: task})
	return nil
}

// Delete removes a task.
func (r *TaskRepository) Delete(id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return storageErr("tasks.delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.notify(TaskWatchEvent{Kind: "delete", Task: &types.Task{ID: id}})
	return nil
}

// FindAll returns tasks ordered by priority then creation time.
func (r *TaskRepository) FindAll(limit int) ([]*types.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.store.db.Query(taskSelect+` ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("tasks.find_all", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// FindByStatus returns tasks in a given status.
func (r *TaskRepository) FindByStatus(status types.TaskStatus) ([]*types.Task, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(taskSelect+` WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(status))
	if err != nil {
		return nil, storageErr("tasks.find_by_status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Progress returns the task-progress counts snapshot.
func (r *TaskRepository) Progress() (types.TaskProgress, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return types.TaskProgress{}, storageErr("tasks.progress", err)
	}
	defer rows.Close()

	var progress types.TaskProgress
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		progress.Total += count
		switch types.TaskStatus(status) {
		case types.TaskCompleted:
			progress.Completed += count
		case types.TaskInProgress:
			progress.InProgress += count
		case types.TaskFailed:
			progress.Failed += count
		case types.TaskPending, types.TaskBlocked:
			progress.Pending += count
		}
	}
	return progress, rows.Err()
}

// DependenciesMet reports whether every dependency of the task is completed.
func (r *TaskRepository) DependenciesMet(task *types.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		depTask, err := r.FindByID(dep)
		if errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("task %s depends on unknown task %s", task.ID, dep)
		}
		if err != nil {
			return false, err
		}
		if depTask.Status != types.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Watch registers a callback invoked on every task insert/update/delete.
func (r *TaskRepository) Watch(cb func(TaskWatchEvent)) *TaskSubscription {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watchers == nil {
		r.watchers = make(map[int]func(TaskWatchEvent))
	}
	r.watchSeq++
	id := r.watchSeq
	r.watchers[id] = cb
	return &TaskSubscription{id: id, repo: r}
}

func (r *TaskRepository) notify(event TaskWatchEvent) {
	r.watchMu.Lock()
	callbacks := make([]func(TaskWatchEvent), 0, len(r.watchers))
	for _, cb := range r.watchers {
		callbacks = append(callbacks, cb)
	}
	r.watchMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logging.Get(logging.CategoryStore).Warn("task watcher panicked: %v", p)
				}
			}()
			cb(event)
		}()
	}
}

const taskSelect = `SELECT id, title, user_story, acceptance_criteria, dependencies,
	status, priority, milestone_id, files_to_create, files_to_modify, test_files,
	attempts, max_attempts, error, created_at, updated_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	task := &types.Task{}
	var criteria, deps, create, modify, tests string
	var milestone, taskErr sql.NullString
	var status string

	err := row.Scan(
		&task.ID, &task.Title, &task.UserStory, &criteria, &deps,
		&status, &task.Priority, &milestone, &create, &modify, &tests,
		&task.Attempts, &task.MaxAttempts, &taskErr, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskStatus(status)
	task.MilestoneID = milestone.String
	task.Error = taskErr.String
	json.Unmarshal([]byte(criteria), &task.AcceptanceCriteria)
	json.Unmarshal([]byte(deps), &task.Dependencies)
	json.Unmarshal([]byte(create), &task.FilesToCreate)
	json.Unmarshal([]byte(modify), &task.FilesToModify)
	json.Unmarshal([]byte(tests), &task.TestFiles)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan task row: %v", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
