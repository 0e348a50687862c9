package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

// PromptVersionRepository persists the prompt lifecycle. The invariant it
// guards: at most one production version per (agent, template_name).
type PromptVersionRepository struct {
	store *Store
}

// Create inserts a version. A zero Version is assigned the next number in
// the (agent, template) sequence.
func (r *PromptVersionRepository) Create(v *types.PromptVersion) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = types.VersionDraft
	}
	if v.OptimizationMethod == "" {
		v.OptimizationMethod = types.MethodManual
	}
	if len(v.Content) < types.MinPromptLength {
		return fmt.Errorf("prompt content is %d chars, minimum is %d", len(v.Content), types.MinPromptLength)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	tx, err := r.store.db.Begin()
	if err != nil {
		return storageErr("prompts.create", err)
	}
	defer tx.Rollback()

	if v.Version == 0 {
		var max sql.NullInt64
		err := tx.QueryRow(
			`SELECT MAX(version) FROM prompt_versions WHERE agent = ? AND template_name = ?`,
			string(v.Agent), v.TemplateName,
		).Scan(&max)
		if err != nil {
			return storageErr("prompts.create", err)
		}
		v.Version = int(max.Int64) + 1
	}
	if v.VersionID == "" {
		v.VersionID = fmt.Sprintf("%s-%s-v%d", v.Agent, v.TemplateName, v.Version)
	}

	metrics, _ := json.Marshal(v.Metrics)
	_, err = tx.Exec(
		`INSERT INTO prompt_versions (version_id, agent, template_name, content, version,
			parent_version, optimization_method, status, metrics, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.VersionID, string(v.Agent), v.TemplateName, v.Content, v.Version,
		nullString(v.ParentVersion), string(v.OptimizationMethod), string(v.Status),
		string(metrics), v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return storageErr("prompts.create", err)
	}
	return storageErr("prompts.create", tx.Commit())
}

// FindByID returns one version.
func (r *PromptVersionRepository) FindByID(versionID string) (*types.PromptVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(promptSelect+` WHERE version_id = ?`, versionID)
	v, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("prompts.find_by_id", err)
	}
	return v, nil
}

// Production returns the production version for (agent, template), or
// ErrNotFound when none has been promoted yet.
func (r *PromptVersionRepository) Production(agent types.AgentKind, template string) (*types.PromptVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(
		promptSelect+` WHERE agent = ? AND template_name = ? AND status = 'production'
		 ORDER BY version DESC LIMIT 1`,
		string(agent), template,
	)
	v, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("prompts.production", err)
	}
	return v, nil
}

// FindByStatus lists versions in one lifecycle stage, across all templates.
func (r *PromptVersionRepository) FindByStatus(status types.VersionStatus) ([]*types.PromptVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(
		promptSelect+` WHERE status = ? ORDER BY updated_at ASC`, string(status),
	)
	if err != nil {
		return nil, storageErr("prompts.find_by_status", err)
	}
	defer rows.Close()
	return scanPromptVersions(rows)
}

// History returns every version of (agent, template), oldest first.
func (r *PromptVersionRepository) History(agent types.AgentKind, template string) ([]*types.PromptVersion, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows, err := r.store.db.Query(
		promptSelect+` WHERE agent = ? AND template_name = ? ORDER BY version ASC`,
		string(agent), template,
	)
	if err != nil {
		return nil, storageErr("prompts.history", err)
	}
	defer rows.Close()
	return scanPromptVersions(rows)
}

// UpdateStatus moves a version to a new lifecycle stage and merges metrics.
func (r *PromptVersionRepository) UpdateStatus(versionID string, status types.VersionStatus, metrics map[string]float64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.updateStatusLocked(r.store.db, versionID, status, metrics)
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (r *PromptVersionRepository) updateStatusLocked(q execQuerier, versionID string, status types.VersionStatus, metrics map[string]float64) error {
	var existing string
	err := q.QueryRow(`SELECT metrics FROM prompt_versions WHERE version_id = ?`, versionID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("prompts.update_status", err)
	}

	merged := map[string]float64{}
	json.Unmarshal([]byte(existing), &merged)
	for k, v := range metrics {
		merged[k] = v
	}
	data, _ := json.Marshal(merged)

	_, err = q.Exec(
		`UPDATE prompt_versions SET status = ?, metrics = ?, updated_at = ? WHERE version_id = ?`,
		string(status), string(data), time.Now().UTC(), versionID,
	)
	return storageErr("prompts.update_status", err)
}

// Promote makes a version the production one for its (agent, template),
// retiring any previous production version in the same transaction.
func (r *PromptVersionRepository) Promote(versionID string, metrics map[string]float64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	tx, err := r.store.db.Begin()
	if err != nil {
		return storageErr("prompts.promote", err)
	}
	defer tx.Rollback()

	var agent, template string
	err = tx.QueryRow(
		`SELECT agent, template_name FROM prompt_versions WHERE version_id = ?`, versionID,
	).Scan(&agent, &template)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("prompts.promote", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`UPDATE prompt_versions SET status = 'retired', updated_at = ?
		 WHERE agent = ? AND template_name = ? AND status = 'production' AND version_id != ?`,
		now, agent, template, versionID,
	)
	if err != nil {
		return storageErr("prompts.promote", err)
	}

	if err := r.updateStatusLocked(tx, versionID, types.VersionProduction, metrics); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("prompts.promote", err)
	}
	logging.Get(logging.CategoryStore).Info("promoted %s to production for %s/%s", versionID, agent, template)
	return nil
}

const promptSelect = `SELECT version_id, agent, template_name, content, version,
	parent_version, optimization_method, status, metrics, created_at, updated_at
	FROM prompt_versions`

func scanPromptVersion(row rowScanner) (*types.PromptVersion, error) {
	v := &types.PromptVersion{}
	var agent, method, status, metrics string
	var parent sql.NullString

	err := row.Scan(
		&v.VersionID, &agent, &v.TemplateName, &v.Content, &v.Version,
		&parent, &method, &status, &metrics, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	v.Agent = types.AgentKind(agent)
	v.ParentVersion = parent.String
	v.OptimizationMethod = types.OptimizationMethod(method)
	v.Status = types.VersionStatus(status)
	json.Unmarshal([]byte(metrics), &v.Metrics)
	return v, nil
}

func scanPromptVersions(rows *sql.Rows) ([]*types.PromptVersion, error) {
	var versions []*types.PromptVersion
	for rows.Next() {
		v, err := scanPromptVersion(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan prompt version row: %v", err)
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// =============================================================================
// Golden examples
// =============================================================================

// GoldenExampleRepository stores high-scoring input/output pairs.
type GoldenExampleRepository struct {
	store *Store
}

// Create inserts a golden example.
func (r *GoldenExampleRepository) Create(g *types.GoldenExample) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.ExampleID == "" {
		g.ExampleID = fmt.Sprintf("golden-%s-%d", g.Agent, g.CreatedAt.UnixNano())
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	meta, _ := json.Marshal(g.Metadata)
	_, err := r.store.db.Exec(
		`INSERT INTO golden_examples (example_id, agent, template_name, input_prompt, output,
			score, evaluation_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ExampleID, string(g.Agent), g.TemplateName, g.InputPrompt, g.Output,
		g.Score, nullString(g.EvaluationID), string(meta), g.CreatedAt,
	)
	return storageErr("goldens.create", err)
}

// FindByTemplate returns goldens for (agent, template), highest score first.
func (r *GoldenExampleRepository) FindByTemplate(agent types.AgentKind, template string, limit int) ([]*types.GoldenExample, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.db.Query(
		goldenSelect+` WHERE agent = ? AND template_name = ?
		 ORDER BY score DESC, created_at DESC LIMIT ?`,
		string(agent), template, limit,
	)
	if err != nil {
		return nil, storageErr("goldens.find_by_template", err)
	}
	defer rows.Close()
	return scanGoldens(rows)
}

// FindAll returns every golden example, newest first.
func (r *GoldenExampleRepository) FindAll(limit int) ([]*types.GoldenExample, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := r.store.db.Query(goldenSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("goldens.find_all", err)
	}
	defer rows.Close()
	return scanGoldens(rows)
}

// Count returns the number of goldens for (agent, template).
func (r *GoldenExampleRepository) Count(agent types.AgentKind, template string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var n int
	err := r.store.db.QueryRow(
		`SELECT COUNT(*) FROM golden_examples WHERE agent = ? AND template_name = ?`,
		string(agent), template,
	).Scan(&n)
	if err != nil {
		return 0, storageErr("goldens.count", err)
	}
	return n, nil
}

const goldenSelect = `SELECT example_id, agent, template_name, input_prompt, output,
	score, evaluation_id, metadata, created_at FROM golden_examples`

func scanGoldens(rows *sql.Rows) ([]*types.GoldenExample, error) {
	var goldens []*types.GoldenExample
	for rows.Next() {
		g := &types.GoldenExample{}
		var agent, meta string
		var evalID sql.NullString
		err := rows.Scan(
			&g.ExampleID, &agent, &g.TemplateName, &g.InputPrompt, &g.Output,
			&g.Score, &evalID, &meta, &g.CreatedAt,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan golden row: %v", err)
			continue
		}
		g.Agent = types.AgentKind(agent)
		g.EvaluationID = evalID.String
		json.Unmarshal([]byte(meta), &g.Metadata)
		goldens = append(goldens, g)
	}
	return goldens, rows.Err()
}

// =============================================================================
// Optimization attempts
// =============================================================================

// OptimizationRepository stores optimizer runs for cooldown tracking and
// history inspection.
type OptimizationRepository struct {
	store *Store
}

// Create inserts one attempt record.
func (r *OptimizationRepository) Create(a *types.OptimizationAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.OptimizationID == "" {
		a.OptimizationID = fmt.Sprintf("opt-%s-%s-%d", a.Agent, a.Method, a.CreatedAt.UnixNano())
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	results, _ := json.Marshal(a.ValidationResults)
	_, err := r.store.db.Exec(
		`INSERT INTO optimization_attempts (optimization_id, agent, template_name, method,
			source_version, target_version, success, source_score, target_score,
			improvement, samples_used, validation_results, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.OptimizationID, string(a.Agent), a.TemplateName, string(a.Method),
		nullString(a.SourceVersion), nullString(a.TargetVersion), boolToInt(a.Success),
		a.SourceScore, a.TargetScore, a.Improvement, a.SamplesUsed,
		string(results), nullString(a.Error), a.CreatedAt,
	)
	return storageErr("attempts.create", err)
}

// Latest returns the most recent attempt for (agent, template), or
// ErrNotFound when the template has never been optimized.
func (r *OptimizationRepository) Latest(agent types.AgentKind, template string) (*types.OptimizationAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row := r.store.db.QueryRow(
		attemptSelect+` WHERE agent = ? AND template_name = ?
		 ORDER BY created_at DESC LIMIT 1`,
		string(agent), template,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("attempts.latest", err)
	}
	return a, nil
}

// FindByTemplate returns attempts for (agent, template), newest first.
func (r *OptimizationRepository) FindByTemplate(agent types.AgentKind, template string, limit int) ([]*types.OptimizationAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.db.Query(
		attemptSelect+` WHERE agent = ? AND template_name = ?
		 ORDER BY created_at DESC LIMIT ?`,
		string(agent), template, limit,
	)
	if err != nil {
		return nil, storageErr("attempts.find_by_template", err)
	}
	defer rows.Close()

	var attempts []*types.OptimizationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("failed to scan attempt row: %v", err)
			continue
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

const attemptSelect = `SELECT optimization_id, agent, template_name, method, source_version,
	target_version, success, source_score, target_score, improvement, samples_used,
	validation_results, error, created_at FROM optimization_attempts`

func scanAttempt(row rowScanner) (*types.OptimizationAttempt, error) {
	a := &types.OptimizationAttempt{}
	var agent, method, results string
	var source, target, errText sql.NullString
	var success int

	err := row.Scan(
		&a.OptimizationID, &agent, &a.TemplateName, &method, &source, &target,
		&success, &a.SourceScore, &a.TargetScore, &a.Improvement, &a.SamplesUsed,
		&results, &errText, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Agent = types.AgentKind(agent)
	a.Method = types.OptimizationMethod(method)
	a.SourceVersion = source.String
	a.TargetVersion = target.String
	a.Success = success != 0
	a.Error = errText.String
	json.Unmarshal([]byte(results), &a.ValidationResults)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
