// Package workflow drives the five-phase project state machine:
// planning, validation, implementation, verification and completion.
// The engine's only persistent state is the WorkflowState row plus the
// audit entries and checkpoints it emits; on resume it re-reads from the
// store and continues where it stopped.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"maestro/internal/agent"
	"maestro/internal/audit"
	"maestro/internal/config"
	"maestro/internal/evaluate"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/optimize"
	"maestro/internal/scan"
	"maestro/internal/store"
	"maestro/internal/types"
)

var (
	// ErrAlreadyRunning is returned when a second run is attempted while
	// one is in flight. One workflow per project at a time.
	ErrAlreadyRunning = errors.New("workflow already running")

	// ErrSuspended means the workflow stopped on a pending interrupt and
	// needs Resume with an answer.
	ErrSuspended = errors.New("workflow suspended awaiting response")

	// ErrPaused means a pause request stopped the run between nodes.
	ErrPaused = errors.New("workflow paused")

	// ErrAborted means an escalation was answered with abort.
	ErrAborted = errors.New("workflow aborted")
)

// Invoker runs one external agent invocation. Satisfied by agent.Runner.
type Invoker interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Deps are the collaborators an engine is wired from. Store, Config and
// Invoker are required; nil optional fields get inert defaults.
type Deps struct {
	Store       *store.Store
	Config      *config.ProjectConfig
	Invoker     Invoker
	Evaluator   *evaluate.Evaluator
	Scheduler   *optimize.Scheduler
	Scanners    *scan.Suite
	Broadcaster *events.Broadcaster
	Sessions    *audit.SessionRecorder
}

// Options controls one workflow run.
type Options struct {
	StartPhase     types.Phase
	EndPhase       types.Phase
	SkipValidation bool
	Autonomous     bool
}

// ResumeOptions controls re-entry after a suspension.
type ResumeOptions struct {
	Autonomous     bool
	SkipValidation bool
	HumanResponse  string
}

// Engine executes the workflow for one project.
type Engine struct {
	projectName string
	store       *store.Store
	cfg         *config.ProjectConfig
	invoker     Invoker
	evaluator   *evaluate.Evaluator
	scheduler   *optimize.Scheduler
	scanners    *scan.Suite
	broadcaster *events.Broadcaster
	sessions    *audit.SessionRecorder
	checkpoints *Checkpointer
	projectDir  string

	running atomic.Bool
	paused  atomic.Bool

	retryBackoff time.Duration
	randFloat    func() float64
}

// NewEngine wires an engine for one project directory.
func NewEngine(projectDir string, d Deps) *Engine {
	if d.Scanners == nil {
		d.Scanners = scan.DefaultSuite()
	}
	if d.Broadcaster == nil {
		d.Broadcaster = events.NewBroadcaster()
	}
	if d.Sessions == nil {
		d.Sessions = audit.NewSessionRecorder(d.Store)
	}
	return &Engine{
		projectName:  d.Config.ProjectName,
		store:        d.Store,
		cfg:          d.Config,
		invoker:      d.Invoker,
		evaluator:    d.Evaluator,
		scheduler:    d.Scheduler,
		scanners:     d.Scanners,
		broadcaster:  d.Broadcaster,
		sessions:     d.Sessions,
		checkpoints:  NewCheckpointer(d.Store, d.Config.Retention.CheckpointsKeep),
		projectDir:   projectDir,
		retryBackoff: 100 * time.Millisecond,
		randFloat:    rand.Float64,
	}
}

// Broadcaster exposes the progress event stream.
func (e *Engine) Broadcaster() *events.Broadcaster { return e.broadcaster }

// Checkpoints exposes the checkpointer for the control surface.
func (e *Engine) Checkpoints() *Checkpointer { return e.checkpoints }

// RequestPause asks the engine to stop before the next node or task.
func (e *Engine) RequestPause() {
	e.paused.Store(true)
	e.broadcaster.Emit(events.Event{Type: events.PauseRequested, Message: "pause requested"})
}

// Run executes phases StartPhase..EndPhase. A zero phase bound defaults to
// the full range.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	e.paused.Store(false)

	state, err := e.loadOrCreateState(opts.Autonomous)
	if err != nil {
		return err
	}
	if state.PendingInterrupt != nil {
		return ErrSuspended
	}
	return e.run(ctx, state, opts)
}

// Resume re-enters a suspended workflow. The human response (or the
// autonomous default) resolves the pending interrupt before phases continue.
func (e *Engine) Resume(ctx context.Context, opts ResumeOptions) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	e.paused.Store(false)

	state, err := e.store.State.Get()
	if err != nil {
		return err
	}

	if intr := state.PendingInterrupt; intr != nil {
		answer := opts.HumanResponse
		if answer == "" {
			answer = defaultAnswer(intr)
		}
		e.broadcaster.Emit(events.Event{
			Type:    events.EscalationResponse,
			Message: answer,
			Data:    map[string]any{"question_id": intr.QuestionID, "answer": answer},
		})

		decision := decisionFromAnswer(answer)
		state.PendingInterrupt = nil
		state.NextDecision = decision

		switch decision {
		case types.DecisionAbort:
			state.PhaseStatus[state.CurrentPhase] = types.PhaseFailed
			if err := e.saveState(state); err != nil {
				return err
			}
			e.broadcaster.Emit(events.Event{Type: events.WorkflowError, Message: "aborted on escalation"})
			return ErrAborted
		case types.DecisionRollback:
			restored, err := e.rollbackToLatestCheckpoint()
			if err != nil {
				return err
			}
			// The snapshot may predate the escalation but never owns it.
			restored.PendingInterrupt = nil
			restored.NextDecision = types.DecisionRetry
			state = restored
		case types.DecisionRetry:
			state.PhaseStatus[state.CurrentPhase] = types.PhasePending
		default:
			// continue: the escalated phase is considered resolved.
			state.PhaseStatus[state.CurrentPhase] = types.PhaseCompleted
		}
		if err := e.saveState(state); err != nil {
			return err
		}
	}

	return e.run(ctx, state, Options{
		StartPhase:     types.PhasePlanning,
		EndPhase:       types.PhaseCompletion,
		SkipValidation: opts.SkipValidation,
		Autonomous:     opts.Autonomous,
	})
}

func (e *Engine) rollbackToLatestCheckpoint() (*types.WorkflowState, error) {
	checkpoints, err := e.store.Checkpoints.FindAll(1)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("no checkpoint to roll back to")
	}
	return e.checkpoints.Rollback(checkpoints[0].ID)
}

func (e *Engine) loadOrCreateState(autonomous bool) (*types.WorkflowState, error) {
	state, err := e.store.State.Get()
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	mode := types.ModeInteractive
	if autonomous {
		mode = types.ModeAFK
	}
	state = types.NewWorkflowState(mode)
	if err := e.saveState(state); err != nil {
		return nil, err
	}
	return state, nil
}

func clampPhases(opts Options) (types.Phase, types.Phase) {
	start, end := opts.StartPhase, opts.EndPhase
	if start < types.PhasePlanning || start > types.PhaseCompletion {
		start = types.PhasePlanning
	}
	if end < types.PhasePlanning || end > types.PhaseCompletion {
		end = types.PhaseCompletion
	}
	if end < start {
		end = start
	}
	return start, end
}

// run is the phase loop shared by Run and Resume.
func (e *Engine) run(ctx context.Context, state *types.WorkflowState, opts Options) error {
	start, end := clampPhases(opts)

	for phase := start; phase <= end; phase++ {
		if err := ctx.Err(); err != nil {
			e.broadcaster.Emit(events.Event{Type: events.WorkflowError, Message: err.Error()})
			return err
		}
		if e.paused.Load() {
			if err := e.saveState(state); err != nil {
				return err
			}
			return ErrPaused
		}
		if status := state.PhaseStatus[phase]; status == types.PhaseCompleted || status == types.PhaseSkipped {
			continue
		}
		if phase == types.PhaseValidation && opts.SkipValidation {
			state.PhaseStatus[phase] = types.PhaseSkipped
			if err := e.saveState(state); err != nil {
				return err
			}
			continue
		}

		state.CurrentPhase = phase
		state.PhaseStatus[phase] = types.PhaseInProgress
		if err := e.saveState(state); err != nil {
			return err
		}
		e.broadcaster.Emit(events.Event{Type: events.NodeStart, Node: phase.String(), Phase: phase.String()})

		err := e.runPhase(ctx, state, phase, opts)
		if err != nil {
			var esc *escalation
			if errors.As(err, &esc) {
				if handled, herr := e.handleEscalation(state, esc, opts.Autonomous); !handled {
					return herr
				}
			} else {
				state.PhaseStatus[phase] = types.PhaseFailed
				state.NextDecision = types.DecisionEscalate
				if serr := e.saveState(state); serr != nil {
					logging.Workflow("failed to persist failed phase %s: %v", phase, serr)
				}
				e.broadcaster.Emit(events.Event{Type: events.WorkflowError, Node: phase.String(), Message: err.Error()})
				return err
			}
		} else {
			state.PhaseStatus[phase] = types.PhaseCompleted
			state.NextDecision = types.DecisionContinue
		}
		if err := e.saveState(state); err != nil {
			return err
		}

		if _, err := e.checkpoints.Create(fmt.Sprintf("after-%s", phase), "", state); err != nil {
			logging.Workflow("checkpoint after %s failed: %v", phase, err)
		}
		e.broadcaster.Emit(events.Event{Type: events.NodeEnd, Node: phase.String(), Phase: phase.String()})
	}

	if end == types.PhaseCompletion {
		e.broadcaster.Emit(events.Event{
			Type: events.WorkflowComplete,
			Data: map[string]any{"success": true},
		})
	}
	return nil
}

// handleEscalation resolves an escalation autonomously or suspends the
// workflow. Returns handled=false with the error the run should surface.
func (e *Engine) handleEscalation(state *types.WorkflowState, esc *escalation, autonomous bool) (bool, error) {
	intr := esc.interrupt
	e.broadcaster.Emit(events.Event{
		Type:    events.EscalationRaised,
		Node:    state.CurrentPhase.String(),
		Message: intr.Question,
		Data:    map[string]any{"question_id": intr.QuestionID, "kind": intr.Kind, "options": intr.Options},
	})

	if autonomous {
		answer := defaultAnswer(intr)
		e.broadcaster.Emit(events.Event{
			Type:    events.EscalationResponse,
			Message: answer,
			Data:    map[string]any{"question_id": intr.QuestionID, "answer": answer},
		})
		if decisionFromAnswer(answer) == types.DecisionAbort {
			state.PhaseStatus[state.CurrentPhase] = types.PhaseFailed
			return false, ErrAborted
		}
		logging.Workflow("escalation %s auto-resolved with %q", intr.QuestionID, answer)
		state.PhaseStatus[state.CurrentPhase] = types.PhaseCompleted
		state.NextDecision = types.DecisionContinue
		return true, nil
	}

	state.PendingInterrupt = intr
	state.NextDecision = types.DecisionEscalate
	if err := e.saveState(state); err != nil {
		return false, err
	}
	e.broadcaster.Emit(events.Event{Type: events.PauseRequested, Message: intr.Question})
	return false, ErrSuspended
}

func (e *Engine) runPhase(ctx context.Context, state *types.WorkflowState, phase types.Phase, opts Options) error {
	timer := logging.StartTimer(logging.CategoryWorkflow, "phase "+phase.String())
	defer timer.Stop()

	switch phase {
	case types.PhasePlanning:
		return e.planningNode(ctx, state)
	case types.PhaseValidation:
		return e.validationNode(ctx, state)
	case types.PhaseImplementation:
		return e.implementationNode(ctx, state)
	case types.PhaseVerification:
		return e.verificationNode(ctx, state)
	case types.PhaseCompletion:
		return e.completionNode(ctx, state)
	}
	return fmt.Errorf("unknown phase %d", phase)
}

// saveState persists the workflow state, retrying transient storage
// failures with backoff before giving up.
func (e *Engine) saveState(state *types.WorkflowState) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(e.retryBackoff * time.Duration(attempt))
		}
		state.UpdatedAt = time.Now().UTC()
		if err = e.store.State.Save(state); err == nil {
			return nil
		}
		var storageErr *store.StorageError
		if !errors.As(err, &storageErr) {
			return err
		}
		logging.Workflow("state save attempt %d failed: %v", attempt+1, err)
	}
	return err
}
