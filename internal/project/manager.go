// Package project is the control surface over per-project components:
// store, config watcher, budget engine, agent runner, evaluator, scheduler
// and workflow engine. Instances are created lazily per project name and
// torn down with Close; one manager serves every project under a base
// directory.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maestro/internal/agent"
	"maestro/internal/audit"
	"maestro/internal/budget"
	"maestro/internal/config"
	"maestro/internal/evaluate"
	"maestro/internal/events"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/optimize"
	"maestro/internal/store"
	"maestro/internal/types"
	"maestro/internal/workflow"
)

// ErrWorkflowRunning is returned by control operations that must not race
// an in-flight workflow.
var ErrWorkflowRunning = errors.New("workflow is running")

// Options configures a manager.
type Options struct {
	// Judge is the LLM client used for evaluation and optimization.
	// When nil both subsystems stay dormant; the workflow still runs.
	Judge llm.Client

	// RegistryPath points at agents.yaml. Empty means the default
	// registry (the "claude" binary for every kind).
	RegistryPath string
}

// Manager owns the per-project instances.
type Manager struct {
	baseDir string
	opts    Options

	mu       sync.Mutex
	projects map[string]*Project
}

// Project bundles the live components for one project.
type Project struct {
	Name string
	Dir  string

	store       *store.Store
	watcher     *config.Watcher
	broadcaster *events.Broadcaster
	scheduler   *optimize.Scheduler
	stopSched   context.CancelFunc

	runMu  sync.Mutex
	mu     sync.Mutex
	engine *workflow.Engine
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, opts Options) *Manager {
	return &Manager{
		baseDir:  baseDir,
		opts:     opts,
		projects: make(map[string]*Project),
	}
}

// dir returns the directory for a project name.
func (m *Manager) dir(name string) string {
	return filepath.Join(m.baseDir, name)
}

// ListProjects returns the names of initialized projects under the base
// directory.
func (m *Manager) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(m.baseDir, entry.Name(), config.FileName)); err == nil {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// InitProject creates a project directory with a default config and an
// empty database.
func (m *Manager) InitProject(name string) (*config.ProjectConfig, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	dir := m.dir(name)
	if _, err := os.Stat(filepath.Join(dir, config.FileName)); err == nil {
		return nil, fmt.Errorf("project %s is already initialized", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	cfg := config.Default(name)
	if err := cfg.Save(dir); err != nil {
		return nil, err
	}
	if _, err := store.Open(name, dir); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryBoot).Info("initialized project %s at %s", name, dir)
	return cfg, nil
}

// open returns the live instance for a project, creating it lazily.
func (m *Manager) open(name string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.projects[name]; ok {
		return p, nil
	}

	dir := m.dir(name)
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}
	if err := logging.Initialize(dir, cfg.DebugMode, nil); err != nil {
		return nil, err
	}

	s, err := store.Open(name, dir)
	if err != nil {
		return nil, err
	}
	watcher, err := config.NewWatcher(dir, cfg)
	if err != nil {
		return nil, err
	}

	p := &Project{
		Name:        name,
		Dir:         dir,
		store:       s,
		watcher:     watcher,
		broadcaster: events.NewBroadcaster(),
	}

	if m.opts.Judge != nil && cfg.AutoImprovement.Optimization.Enabled {
		optimizer := optimize.NewOptimizer(s, m.opts.Judge, cfg)
		p.scheduler = optimize.NewScheduler(s, optimizer, cfg)
		ctx, cancel := context.WithCancel(context.Background())
		p.stopSched = cancel
		go p.scheduler.Run(ctx)
	}

	m.projects[name] = p
	return p, nil
}

// components builds the per-run workflow dependencies from the current
// config, so config edits apply to the next run without a restart.
func (m *Manager) components(p *Project, cfg *config.ProjectConfig) (workflow.Deps, error) {
	registry, err := config.LoadRegistry(m.registryPath(p))
	if err != nil {
		return workflow.Deps{}, err
	}

	engine := budget.NewEngine(p.store, &cfg.Budget)
	recorder := audit.NewRecorder(p.store)
	sessions := audit.NewSessionRecorder(p.store)
	runner := agent.NewRunner(registry, engine, recorder, sessions,
		time.Duration(cfg.Timeouts.AgentSeconds)*time.Second)

	deps := workflow.Deps{
		Store:       p.store,
		Config:      cfg,
		Invoker:     runner,
		Scheduler:   p.scheduler,
		Broadcaster: p.broadcaster,
		Sessions:    sessions,
	}
	if m.opts.Judge != nil {
		deps.Evaluator = evaluate.New(p.store, m.opts.Judge, cfg)
	}
	return deps, nil
}

func (m *Manager) registryPath(p *Project) string {
	if m.opts.RegistryPath != "" {
		return m.opts.RegistryPath
	}
	return filepath.Join(p.Dir, "agents.yaml")
}

// StartOptions mirrors the workflow run options on the control surface.
type StartOptions struct {
	StartPhase     int
	EndPhase       int
	SkipValidation bool
	Autonomous     bool
}

// Start runs the workflow for a project.
func (m *Manager) Start(ctx context.Context, name string, opts StartOptions) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	if !p.runMu.TryLock() {
		return ErrWorkflowRunning
	}
	defer p.runMu.Unlock()

	cfg := p.watcher.Current()
	deps, err := m.components(p, cfg)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(p.Dir, deps)

	p.mu.Lock()
	p.engine = engine
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.engine = nil
		p.mu.Unlock()
	}()

	return engine.Run(ctx, workflow.Options{
		StartPhase:     types.Phase(opts.StartPhase),
		EndPhase:       types.Phase(opts.EndPhase),
		SkipValidation: opts.SkipValidation,
		Autonomous:     opts.Autonomous,
	})
}

// ResumeOptions carries the answer for a pending escalation.
type ResumeOptions struct {
	Autonomous     bool
	SkipValidation bool
	HumanResponse  string
}

// Resume re-enters a suspended or paused workflow.
func (m *Manager) Resume(ctx context.Context, name string, opts ResumeOptions) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	if !p.runMu.TryLock() {
		return ErrWorkflowRunning
	}
	defer p.runMu.Unlock()

	cfg := p.watcher.Current()
	deps, err := m.components(p, cfg)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(p.Dir, deps)

	p.mu.Lock()
	p.engine = engine
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.engine = nil
		p.mu.Unlock()
	}()

	return engine.Resume(ctx, workflow.ResumeOptions{
		Autonomous:     opts.Autonomous,
		SkipValidation: opts.SkipValidation,
		HumanResponse:  opts.HumanResponse,
	})
}

// Pause asks the running workflow to stop before its next node or task.
// Pausing an idle project is a no-op.
func (m *Manager) Pause(name string) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	if engine != nil {
		engine.RequestPause()
	}
	return nil
}

// RespondToEscalation answers a pending interrupt and resumes the workflow.
func (m *Manager) RespondToEscalation(ctx context.Context, name, questionID, answer string, additionalContext map[string]string) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}

	state, err := p.store.State.Get()
	if err != nil {
		return err
	}
	if state.PendingInterrupt == nil {
		return fmt.Errorf("project %s has no pending escalation", name)
	}
	if questionID != "" && state.PendingInterrupt.QuestionID != questionID {
		return fmt.Errorf("escalation %s is not pending (current: %s)",
			questionID, state.PendingInterrupt.QuestionID)
	}
	if len(additionalContext) > 0 {
		if state.PendingInterrupt.Context == nil {
			state.PendingInterrupt.Context = map[string]string{}
		}
		for k, v := range additionalContext {
			state.PendingInterrupt.Context[k] = v
		}
		if err := p.store.State.Save(state); err != nil {
			return err
		}
	}

	return m.Resume(ctx, name, ResumeOptions{HumanResponse: answer})
}

// Status is the project snapshot returned by GetStatus.
type Status struct {
	Project          string                       `json:"project"`
	CurrentPhase     string                       `json:"current_phase"`
	PhaseStatus      map[string]types.PhaseStatus `json:"phase_status"`
	NextDecision     types.Decision               `json:"next_decision,omitempty"`
	Tasks            types.TaskProgress           `json:"tasks"`
	TotalCostUSD     float64                      `json:"total_cost_usd"`
	PendingInterrupt *types.Interrupt             `json:"pending_interrupt,omitempty"`
	AuditCounts      map[types.AuditStatus]int    `json:"audit_counts,omitempty"`
}

// GetStatus reports the project's workflow, task and budget state.
func (m *Manager) GetStatus(name string) (*Status, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Project:      name,
		CurrentPhase: types.PhaseNone.String(),
		PhaseStatus:  map[string]types.PhaseStatus{},
	}

	state, err := p.store.State.Get()
	if err == nil {
		status.CurrentPhase = state.CurrentPhase.String()
		status.NextDecision = state.NextDecision
		status.PendingInterrupt = state.PendingInterrupt
		for phase, ps := range state.PhaseStatus {
			status.PhaseStatus[phase.String()] = ps
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if status.Tasks, err = p.store.Tasks.Progress(); err != nil {
		return nil, err
	}
	if status.TotalCostUSD, err = p.store.Budget.ProjectTotal(); err != nil {
		return nil, err
	}
	if status.AuditCounts, err = p.store.Audit.CountByStatus(); err != nil {
		return nil, err
	}
	return status, nil
}

// RollbackToPhase rewinds the workflow so it re-enters the given phase on
// the next run. Task and audit history are untouched.
func (m *Manager) RollbackToPhase(name string, phase int) error {
	if phase < int(types.PhasePlanning) || phase > int(types.PhaseCompletion) {
		return fmt.Errorf("phase must be 1..5, got %d", phase)
	}
	p, err := m.open(name)
	if err != nil {
		return err
	}
	if !p.runMu.TryLock() {
		return ErrWorkflowRunning
	}
	defer p.runMu.Unlock()

	state, err := p.store.State.Get()
	if err != nil {
		return err
	}
	target := types.Phase(phase)
	for ph := target; ph <= types.PhaseCompletion; ph++ {
		state.PhaseStatus[ph] = types.PhasePending
	}
	state.CurrentPhase = target
	state.NextDecision = types.DecisionRetry
	state.PendingInterrupt = nil
	return p.store.State.Save(state)
}

// Reset clears the workflow state and returns every task to pending.
// Audit and budget history stay.
func (m *Manager) Reset(name string) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	if !p.runMu.TryLock() {
		return ErrWorkflowRunning
	}
	defer p.runMu.Unlock()

	if err := p.store.State.Reset(); err != nil {
		return err
	}
	tasks, err := p.store.Tasks.FindAll(0)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		task.Status = types.TaskPending
		task.Attempts = 0
		task.Error = ""
		if err := p.store.Tasks.Update(task); err != nil {
			return err
		}
	}
	logging.Workflow("project %s reset (%d tasks back to pending)", name, len(tasks))
	return nil
}

// CreateCheckpoint snapshots the current workflow state.
func (m *Manager) CreateCheckpoint(name, checkpointName, notes string) (*types.Checkpoint, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	state, err := p.store.State.Get()
	if err != nil {
		return nil, err
	}
	keep := p.watcher.Current().Retention.CheckpointsKeep
	return workflow.NewCheckpointer(p.store, keep).Create(checkpointName, notes, state)
}

// ListCheckpoints returns checkpoints, newest first.
func (m *Manager) ListCheckpoints(name string) ([]*types.Checkpoint, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	return p.store.Checkpoints.FindAll(0)
}

// RollbackToCheckpoint restores a snapshot. Refused while a workflow runs.
func (m *Manager) RollbackToCheckpoint(name, checkpointID string) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	if !p.runMu.TryLock() {
		return ErrWorkflowRunning
	}
	defer p.runMu.Unlock()

	keep := p.watcher.Current().Retention.CheckpointsKeep
	_, err = workflow.NewCheckpointer(p.store, keep).Rollback(checkpointID)
	return err
}

// SetProjectBudget updates the project spend limit in the config file.
func (m *Manager) SetProjectBudget(name string, usd float64) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	cfg := *p.watcher.Current()
	cfg.Budget.ProjectBudgetUSD = &usd
	return cfg.Save(p.Dir)
}

// SetTaskBudget updates (or sets) a per-task spend limit.
func (m *Manager) SetTaskBudget(name, taskID string, usd float64) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	cfg := *p.watcher.Current()
	budgets := make(map[string]float64, len(cfg.Budget.TaskBudgets)+1)
	for id, limit := range cfg.Budget.TaskBudgets {
		budgets[id] = limit
	}
	budgets[taskID] = usd
	cfg.Budget.TaskBudgets = budgets
	return cfg.Save(p.Dir)
}

// EnforceBudget evaluates a hypothetical spend against the limits.
func (m *Manager) EnforceBudget(name, taskID string, amount float64) (*budget.EnforcementResult, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	engine := budget.NewEngine(p.store, &p.watcher.Current().Budget)
	return engine.Enforce(taskID, amount)
}

// ResetBudget zeroes spend for one task or the whole project.
func (m *Manager) ResetBudget(name, taskID string, hard bool) error {
	p, err := m.open(name)
	if err != nil {
		return err
	}
	engine := budget.NewEngine(p.store, &p.watcher.Current().Budget)
	if taskID != "" {
		return engine.ResetTaskSpending(taskID, hard)
	}
	return engine.ResetAll(hard)
}

// BudgetSummary aggregates spend by agent and task over a time window.
func (m *Manager) BudgetSummary(name string, since, until time.Time) (*store.BudgetSummary, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	return p.store.Budget.GetSummary(since, until)
}

// PruneHistory removes audit entries older than the configured retention
// window and checkpoints beyond the keep count. Returns rows removed.
func (m *Manager) PruneHistory(name string) (int64, error) {
	p, err := m.open(name)
	if err != nil {
		return 0, err
	}
	retention := p.watcher.Current().Retention

	var pruned int64
	if retention.AuditDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retention.AuditDays)
		n, err := p.store.Audit.PruneOlderThan(cutoff)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}
	n, err := p.store.Checkpoints.PruneOld(retention.CheckpointsKeep)
	if err != nil {
		return pruned, err
	}
	pruned += n
	logging.Workflow("pruned %d history rows for project %s", pruned, name)
	return pruned, nil
}

// ListGoldens returns captured golden examples, optionally filtered by
// agent and template.
func (m *Manager) ListGoldens(name string, agent types.AgentKind, template string, limit int) ([]*types.GoldenExample, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	if agent != "" && template != "" {
		return p.store.Goldens.FindByTemplate(agent, template, limit)
	}
	return p.store.Goldens.FindAll(limit)
}

// Broadcaster exposes the project's progress event stream.
func (m *Manager) Broadcaster(name string) (*events.Broadcaster, error) {
	p, err := m.open(name)
	if err != nil {
		return nil, err
	}
	return p.broadcaster, nil
}

// Close tears down one project's live components. A later call recreates
// them from scratch.
func (m *Manager) Close(name string) error {
	m.mu.Lock()
	p, ok := m.projects[name]
	delete(m.projects, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if p.stopSched != nil {
		p.stopSched()
	}
	p.broadcaster.Close()
	var errs []error
	if err := p.watcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := store.CloseAll(name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CloseEverything tears down all live projects.
func (m *Manager) CloseEverything() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.projects))
	for name := range m.projects {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := m.Close(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
