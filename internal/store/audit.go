package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// AuditRepository persists agent-invocation audit entries. The table is
// append-mostly: the only update path is committing a pending entry's
// terminal status.
type AuditRepository struct {
	store *Store
}

// Create inserts a (usually pending) audit entry.
func (r *AuditRepository) Create(entry *types.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = types.AuditPending
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	args, _ := json.Marshal(entry.CommandArgs)
	meta, _ := json.Marshal(entry.Metadata)

	_, err := r.store.db.Exec(
		`INSERT INTO audit_entries (id, agent, task_id, session_id, prompt_hash, prompt_length,
			command_args, exit_code, status, duration_seconds, output_length, error_length,
			parsed_output_type, cost_usd, model, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Agent), entry.TaskID, nullString(entry.SessionID),
		entry.PromptHash, entry.PromptLength, string(args), entry.ExitCode,
		string(entry.Status), entry.DurationSeconds, entry.OutputLength, entry.ErrorLength,
		nullString(entry.ParsedOutputType), entry.CostUSD, nullString(entry.Model),
		string(meta), entry.Timestamp,
	)
	return storageErr("audit.create", err)
}

// Commit transitions a pending entry to its terminal state exactly once.
// Committing an already terminal entry is rejected.
func (r *AuditRepository) Commit(entry *types.AuditEntry) error {
	if !entry.Status.Terminal() {
		return errors.New("audit.commit requires a terminal status")
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	meta, _ := json.Marshal(entry.Metadata)
	res, err := r.store.db.Exec(
		`UPDATE audit_entries SET status = ?, exit_code = ?, duration_seconds = ?,
			output_length = ?, error_length = ?, parsed_output_type = ?, cost_usd = ?,
			model = ?, metadata = ?
		 WHERE id = ? AND status = 'pending'`,
		string(entry.Status), entry.ExitCode, entry.DurationSeconds,
		entry.OutputLength, entry.ErrorLength, nullString(entry.ParsedOutputType),
		entry.CostUSD, nullString(entry.Model), string(meta),
		entry.ID,
	)
	if err != nil {
		return storageErr("audit.commit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("audit entry already committed or missing")
	}
	return nil
}

// FindByID returns one entry.
func (r *AuditRepository) FindByID(id string) (*types.AuditEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(auditSelect+` WHERE id = ?`, id)
	entry, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("audit.find_by_id", err)
	}
	return entry, nil
}

// FindByTask returns all entries for a task ordered by timestamp.
func (r *AuditRepository) FindByTask(taskID string) ([]*types.AuditEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(auditSelect+` WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, storageErr("audit.find_by_task", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// FindAll returns the most recent entries.
func (r *AuditRepository) FindAll(limit int) ([]*types.AuditEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.db.Query(auditSelect+` ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("audit.find_all", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// CountByStatus aggregates entries per terminal status.
func (r *AuditRepository) CountByStatus() (map[types.AuditStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(`SELECT status, COUNT(*) FROM audit_entries GROUP BY status`)
	if err != nil {
		return nil, storageErr("audit.count_by_status", err)
	}
	defer rows.Close()

	counts := make(map[types.AuditStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		counts[types.AuditStatus(status)] = count
	}
	return counts, rows.Err()
}

// PruneOlderThan removes entries whose timestamp predates the cutoff.
// Returns the number of rows removed.
func (r *AuditRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM audit_entries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, storageErr("audit.prune", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("pruned %d audit entries older than %s", n, cutoff)
	}
	return n, nil
}

const auditSelect = `SELECT id, agent, task_id, session_id, prompt_hash, prompt_length,
	command_args, exit_code, status, duration_seconds, output_length, error_length,
	parsed_output_type, cost_usd, model, metadata, timestamp FROM audit_entries`

func scanAuditEntry(row rowScanner) (*types.AuditEntry, error) {
	entry := &types.AuditEntry{}
	var agent, status, args, meta string
	var sessionID, parsedType, model sql.NullString

	err := row.Scan(
		&entry.ID, &agent, &entry.TaskID, &sessionID, &entry.PromptHash, &entry.PromptLength,
		&args, &entry.ExitCode, &status, &entry.DurationSeconds, &entry.OutputLength,
		&entry.ErrorLength, &parsedType, &entry.CostUSD, &model, &meta, &entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	entry.Agent = types.AgentKind(agent)
	entry.Status = types.AuditStatus(status)
	entry.SessionID = sessionID.String
	entry.ParsedOutputType = parsedType.String
	entry.Model = model.String
	json.Unmarshal([]byte(args), &entry.CommandArgs)
	json.Unmarshal([]byte(meta), &entry.Metadata)
	return entry, nil
}

func scanAuditEntries(rows *sql.Rows) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan audit row: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
