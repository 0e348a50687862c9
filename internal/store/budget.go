package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// BudgetRepository persists signed spend records. Totals are always the
// signed sum over records; soft resets append compensating negatives.
type BudgetRepository struct {
	store *Store
}

// BudgetSummary aggregates spend over a window.
type BudgetSummary struct {
	TotalUSD    float64
	ByAgent     map[string]float64
	ByTask      map[string]float64
	RecordCount int
	Since       time.Time
	Until       time.Time
}

// Create appends a spend record and returns it with its row id set.
func (r *BudgetRepository) Create(record *types.BudgetRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	meta, _ := json.Marshal(record.Metadata)
	res, err := r.store.db.Exec(
		`INSERT INTO budget_records (task_id, agent, cost_usd, tokens_input, tokens_output,
			model, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(record.TaskID), record.Agent, record.CostUSD,
		record.TokensInput, record.TokensOutput, nullString(record.Model),
		string(meta), record.CreatedAt,
	)
	if err != nil {
		return storageErr("budget.create", err)
	}
	record.ID, _ = res.LastInsertId()
	return nil
}

// TaskTotal returns the signed sum of all records for a task.
func (r *BudgetRepository) TaskTotal(taskID string) (float64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var total sql.NullFloat64
	err := r.store.db.QueryRow(
		`SELECT SUM(cost_usd) FROM budget_records WHERE task_id = ?`, taskID,
	).Scan(&total)
	if err != nil {
		return 0, storageErr("budget.task_total", err)
	}
	return total.Float64, nil
}

// ProjectTotal returns the signed sum of every record.
func (r *BudgetRepository) ProjectTotal() (float64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var total sql.NullFloat64
	err := r.store.db.QueryRow(`SELECT SUM(cost_usd) FROM budget_records`).Scan(&total)
	if err != nil {
		return 0, storageErr("budget.project_total", err)
	}
	return total.Float64, nil
}

// FindByTask returns all records for a task in insertion order.
func (r *BudgetRepository) FindByTask(taskID string) ([]*types.BudgetRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(budgetSelect+` WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, storageErr("budget.find_by_task", err)
	}
	defer rows.Close()
	return scanBudgetRecords(rows)
}

// FindAll returns the most recent records.
func (r *BudgetRepository) FindAll(limit int) ([]*types.BudgetRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := r.store.db.Query(budgetSelect+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("budget.find_all", err)
	}
	defer rows.Close()
	return scanBudgetRecords(rows)
}

// GetSummary aggregates spend between since and until.
func (r *BudgetRepository) GetSummary(since, until time.Time) (*BudgetSummary, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	summary := &BudgetSummary{
		ByAgent: make(map[string]float64),
		ByTask:  make(map[string]float64),
		Since:   since,
		Until:   until,
	}

	rows, err := r.store.db.Query(
		`SELECT agent, COALESCE(task_id, ''), SUM(cost_usd), COUNT(*)
		 FROM budget_records
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY agent, task_id`,
		since, until,
	)
	if err != nil {
		return nil, storageErr("budget.get_summary", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agent, taskID string
		var sum float64
		var count int
		if err := rows.Scan(&agent, &taskID, &sum, &count); err != nil {
			continue
		}
		summary.TotalUSD += sum
		summary.ByAgent[agent] += sum
		if taskID != "" {
			summary.ByTask[taskID] += sum
		}
		summary.RecordCount += count
	}
	return summary, rows.Err()
}

// HardDeleteByTask removes records outright. Soft resets should be preferred;
// this exists for the hard_delete path only.
func (r *BudgetRepository) HardDeleteByTask(taskID string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM budget_records WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, storageErr("budget.hard_delete", err)
	}
	n, _ := res.RowsAffected()
	logging.Budget("hard-deleted %d budget records for task %s", n, taskID)
	return n, nil
}

// HardDeleteAll removes every record.
func (r *BudgetRepository) HardDeleteAll() (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM budget_records`)
	if err != nil {
		return 0, storageErr("budget.hard_delete_all", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskIDsWithSpend lists distinct task ids that have any record.
func (r *BudgetRepository) TaskIDsWithSpend() ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(
		`SELECT DISTINCT task_id FROM budget_records WHERE task_id IS NOT NULL`,
	)
	if err != nil {
		return nil, storageErr("budget.task_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const budgetSelect = `SELECT id, task_id, agent, cost_usd, tokens_input, tokens_output,
	model, metadata, created_at FROM budget_records`

func scanBudgetRecords(rows *sql.Rows) ([]*types.BudgetRecord, error) {
	var records []*types.BudgetRecord
	for rows.Next() {
		record := &types.BudgetRecord{}
		var taskID, model sql.NullString
		var meta string
		err := rows.Scan(
			&record.ID, &taskID, &record.Agent, &record.CostUSD,
			&record.TokensInput, &record.TokensOutput, &model, &meta, &record.CreatedAt,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan budget row: %v", err)
			continue
		}
		record.TaskID = taskID.String
		record.Model = model.String
		json.Unmarshal([]byte(meta), &record.Metadata)
		records = append(records, record)
	}
	return records, rows.Err()
}
