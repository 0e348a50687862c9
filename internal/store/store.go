// Package store implements the per-project persistence layer over SQLite.
// One database file per project lives under <projectDir>/.workflow/; every
// entity type has a repository with typed query helpers. Repositories are
// safe for concurrent readers; writes serialize through the store mutex.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"maestro/internal/logging"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// StorageError wraps a database failure so callers can decide whether to
// retry or abort.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// schemaVersion is the current database schema. Version 1 lacked the prompt
// lifecycle tables; Open migrates in place.
const schemaVersion = 2

// Store owns one project database and its repositories.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	Tasks       *TaskRepository
	State       *WorkflowStateRepository
	Audit       *AuditRepository
	Sessions    *SessionRepository
	Budget      *BudgetRepository
	Checkpoints *CheckpointRepository
	Evaluations *EvaluationRepository
	Prompts     *PromptVersionRepository
	Goldens     *GoldenExampleRepository
	Attempts    *OptimizationRepository
}

// New opens (or creates) the project database at <projectDir>/.workflow/maestro.db.
func New(projectDir string) (*Store, error) {
	dir := filepath.Join(projectDir, ".workflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}

	path := filepath.Join(dir, "maestro.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.Tasks = &TaskRepository{store: s}
	s.State = &WorkflowStateRepository{store: s}
	s.Audit = &AuditRepository{store: s}
	s.Sessions = &SessionRepository{store: s}
	s.Budget = &BudgetRepository{store: s}
	s.Checkpoints = &CheckpointRepository{store: s}
	s.Evaluations = &EvaluationRepository{store: s}
	s.Prompts = &PromptVersionRepository{store: s}
	s.Goldens = &GoldenExampleRepository{store: s}
	s.Attempts = &OptimizationRepository{store: s}
	return s, nil
}

// initialize creates the required tables and runs migrations.
func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			user_story TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			milestone_id TEXT,
			files_to_create TEXT NOT NULL DEFAULT '[]',
			files_to_modify TEXT NOT NULL DEFAULT '[]',
			test_files TEXT NOT NULL DEFAULT '[]',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			task_id TEXT NOT NULL,
			session_id TEXT,
			prompt_hash TEXT NOT NULL,
			prompt_length INTEGER NOT NULL DEFAULT 0,
			command_args TEXT NOT NULL DEFAULT '[]',
			exit_code INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			duration_seconds REAL NOT NULL DEFAULT 0,
			output_length INTEGER NOT NULL DEFAULT 0,
			error_length INTEGER NOT NULL DEFAULT 0,
			parsed_output_type TEXT,
			cost_usd REAL NOT NULL DEFAULT 0,
			model TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_entries(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			invocation_count INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			closed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id, agent)`,
		`CREATE TABLE IF NOT EXISTS budget_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			agent TEXT NOT NULL,
			cost_usd REAL NOT NULL,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budget_task ON budget_records(task_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			phase INTEGER NOT NULL,
			task_progress TEXT NOT NULL DEFAULT '{}',
			state_snapshot TEXT NOT NULL,
			files_snapshot TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			evaluation_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			task_id TEXT,
			session_id TEXT,
			scores TEXT NOT NULL DEFAULT '{}',
			overall_score REAL NOT NULL,
			feedback TEXT NOT NULL DEFAULT '',
			suggestions TEXT NOT NULL DEFAULT '[]',
			prompt_hash TEXT NOT NULL,
			prompt_version TEXT,
			evaluator_model TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_agent ON evaluations(agent, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_prompt ON evaluations(prompt_version)`,
		`CREATE TABLE IF NOT EXISTS prompt_versions (
			version_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			template_name TEXT NOT NULL,
			content TEXT NOT NULL,
			version INTEGER NOT NULL,
			parent_version TEXT,
			optimization_method TEXT NOT NULL DEFAULT 'manual',
			status TEXT NOT NULL DEFAULT 'draft',
			metrics TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(agent, template_name, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_template ON prompt_versions(agent, template_name)`,
		`CREATE TABLE IF NOT EXISTS golden_examples (
			example_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			template_name TEXT NOT NULL,
			input_prompt TEXT NOT NULL,
			output TEXT NOT NULL,
			score REAL NOT NULL,
			evaluation_id TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_golden_template ON golden_examples(agent, template_name)`,
		`CREATE TABLE IF NOT EXISTS optimization_attempts (
			optimization_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			template_name TEXT NOT NULL,
			method TEXT NOT NULL,
			source_version TEXT,
			target_version TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			source_score REAL NOT NULL DEFAULT 0,
			target_score REAL NOT NULL DEFAULT 0,
			improvement REAL NOT NULL DEFAULT 0,
			samples_used INTEGER NOT NULL DEFAULT 0,
			validation_results TEXT NOT NULL DEFAULT '{}',
			error TEXT,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, stmt := range tables {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return s.migrate()
}

// migrate stamps the schema version, upgrading older databases in place.
func (s *Store) migrate() error {
	var current int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current != 0 && current < schemaVersion {
		logging.StoreDebug("migrating schema %d -> %d at %s", current, schemaVersion, s.dbPath)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema %d is newer than supported %d", current, schemaVersion)
	}

	_, err = s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", schemaVersion),
	)
	return storageErr("migrate", err)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// =============================================================================
// Per-project cache
// =============================================================================

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Store)
)

// Open returns the cached store for a project, creating it lazily.
func Open(project, projectDir string) (*Store, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := cache[project]; ok {
		return s, nil
	}
	s, err := New(projectDir)
	if err != nil {
		return nil, err
	}
	cache[project] = s
	logging.StoreDebug("opened store for project %s at %s", project, s.dbPath)
	return s, nil
}

// CloseAll tears down the cached store for a project. A later Open creates
// a fresh entry.
func CloseAll(project string) error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	s, ok := cache[project]
	if !ok {
		return nil
	}
	delete(cache, project)
	return s.Close()
}
