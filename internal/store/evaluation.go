package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// EvaluationRepository persists judge scorings.
type EvaluationRepository struct {
	store *Store
}

// EvalStats summarizes evaluation scores over a window, used by the
// optimization scheduler and by shadow/canary comparisons.
type EvalStats struct {
	Count        int
	AverageScore float64
	MinScore     float64
	MaxScore     float64
}

// Create inserts one evaluation.
func (r *EvaluationRepository) Create(eval *types.Evaluation) error {
	if eval.Timestamp.IsZero() {
		eval.Timestamp = time.Now().UTC()
	}

	scores, _ := json.Marshal(eval.Scores)
	suggestions, _ := json.Marshal(eval.Suggestions)
	meta, _ := json.Marshal(eval.Metadata)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := r.store.db.Exec(
		`INSERT INTO evaluations (evaluation_id, agent, node, task_id, session_id, scores,
			overall_score, feedback, suggestions, prompt_hash, prompt_version,
			evaluator_model, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eval.EvaluationID, string(eval.Agent), eval.Node, nullString(eval.TaskID),
		nullString(eval.SessionID), string(scores), eval.OverallScore, eval.Feedback,
		string(suggestions), eval.PromptHash, nullString(eval.PromptVersion),
		eval.EvaluatorModel, eval.Timestamp, string(meta),
	)
	return storageErr("evaluations.create", err)
}

// FindByID returns one evaluation.
func (r *EvaluationRepository) FindByID(id string) (*types.Evaluation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(evalSelect+` WHERE evaluation_id = ?`, id)
	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("evaluations.find_by_id", err)
	}
	return eval, nil
}

// FindByAgent returns the most recent evaluations for an agent, newest first.
func (r *EvaluationRepository) FindByAgent(agent types.AgentKind, limit int) ([]*types.Evaluation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.db.Query(
		evalSelect+` WHERE agent = ? ORDER BY timestamp DESC LIMIT ?`,
		string(agent), limit,
	)
	if err != nil {
		return nil, storageErr("evaluations.find_by_agent", err)
	}
	defer rows.Close()
	return scanEvaluations(rows)
}

// FindByPromptVersion returns all evaluations recorded against one version,
// newest first.
func (r *EvaluationRepository) FindByPromptVersion(versionID string, limit int) ([]*types.Evaluation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.db.Query(
		evalSelect+` WHERE prompt_version = ? ORDER BY timestamp DESC LIMIT ?`,
		versionID, limit,
	)
	if err != nil {
		return nil, storageErr("evaluations.find_by_version", err)
	}
	defer rows.Close()
	return scanEvaluations(rows)
}

// StatsFor aggregates scores for an agent since a cutoff. A zero cutoff
// covers all history.
func (r *EvaluationRepository) StatsFor(agent types.AgentKind, since time.Time) (*EvalStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int
	var avg, min, max sql.NullFloat64
	err := r.store.db.QueryRow(
		`SELECT COUNT(*), AVG(overall_score), MIN(overall_score), MAX(overall_score)
		 FROM evaluations WHERE agent = ? AND timestamp >= ?`,
		string(agent), since,
	).Scan(&count, &avg, &min, &max)
	if err != nil {
		return nil, storageErr("evaluations.stats", err)
	}
	return &EvalStats{
		Count:        count,
		AverageScore: avg.Float64,
		MinScore:     min.Float64,
		MaxScore:     max.Float64,
	}, nil
}

// StatsForVersion aggregates scores recorded against one prompt version.
func (r *EvaluationRepository) StatsForVersion(versionID string) (*EvalStats, error) {
	return r.StatsForVersionSince(versionID, time.Time{})
}

// StatsForVersionSince restricts the aggregate to a recent window.
func (r *EvaluationRepository) StatsForVersionSince(versionID string, since time.Time) (*EvalStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int
	var avg, min, max sql.NullFloat64
	err := r.store.db.QueryRow(
		`SELECT COUNT(*), AVG(overall_score), MIN(overall_score), MAX(overall_score)
		 FROM evaluations WHERE prompt_version = ? AND timestamp >= ?`,
		versionID, since,
	).Scan(&count, &avg, &min, &max)
	if err != nil {
		return nil, storageErr("evaluations.stats_for_version", err)
	}
	return &EvalStats{
		Count:        count,
		AverageScore: avg.Float64,
		MinScore:     min.Float64,
		MaxScore:     max.Float64,
	}, nil
}

// TopScorers returns the highest-scoring evaluations for an agent.
func (r *EvaluationRepository) TopScorers(agent types.AgentKind, limit int) ([]*types.Evaluation, error) {
	return r.byScore(agent, limit, "DESC")
}

// BottomScorers returns the lowest-scoring evaluations for an agent.
func (r *EvaluationRepository) BottomScorers(agent types.AgentKind, limit int) ([]*types.Evaluation, error) {
	return r.byScore(agent, limit, "ASC")
}

func (r *EvaluationRepository) byScore(agent types.AgentKind, limit int, dir string) ([]*types.Evaluation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}
	rows, err := r.store.db.Query(
		evalSelect+` WHERE agent = ? ORDER BY overall_score `+dir+`, timestamp DESC LIMIT ?`,
		string(agent), limit,
	)
	if err != nil {
		return nil, storageErr("evaluations.by_score", err)
	}
	defer rows.Close()
	return scanEvaluations(rows)
}

// PruneOlderThan removes evaluations whose timestamp predates the cutoff.
func (r *EvaluationRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	res, err := r.store.db.Exec(`DELETE FROM evaluations WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, storageErr("evaluations.prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const evalSelect = `SELECT evaluation_id, agent, node, task_id, session_id, scores,
	overall_score, feedback, suggestions, prompt_hash, prompt_version, evaluator_model,
	timestamp, metadata FROM evaluations`

func scanEvaluation(row rowScanner) (*types.Evaluation, error) {
	eval := &types.Evaluation{}
	var agent, scores, suggestions, meta string
	var taskID, sessionID, promptVersion sql.NullString

	err := row.Scan(
		&eval.EvaluationID, &agent, &eval.Node, &taskID, &sessionID, &scores,
		&eval.OverallScore, &eval.Feedback, &suggestions, &eval.PromptHash,
		&promptVersion, &eval.EvaluatorModel, &eval.Timestamp, &meta,
	)
	if err != nil {
		return nil, err
	}

	eval.Agent = types.AgentKind(agent)
	eval.TaskID = taskID.String
	eval.SessionID = sessionID.String
	eval.PromptVersion = promptVersion.String
	json.Unmarshal([]byte(scores), &eval.Scores)
	json.Unmarshal([]byte(suggestions), &eval.Suggestions)
	json.Unmarshal([]byte(meta), &eval.Metadata)
	return eval, nil
}

func scanEvaluations(rows *sql.Rows) ([]*types.Evaluation, error) {
	var evals []*types.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan evaluation row: %v", err)
			continue
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}
