// Package agent shells out to the external writer/validator/reviewer
// binaries. Every invocation is budget-checked before it starts, audited
// from start to finish and attributed to a per-task session.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"maestro/internal/audit"
	"maestro/internal/budget"
	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/types"
)

// ErrBudgetExceeded is returned when the pre-flight budget check rejects
// the invocation. The caller escalates rather than retries.
var ErrBudgetExceeded = errors.New("budget exceeded")

// terminationGrace is how long a cancelled subprocess gets between SIGTERM
// and SIGKILL.
const terminationGrace = 5 * time.Second

// Request describes one agent invocation.
type Request struct {
	Agent  types.AgentKind
	TaskID string
	Prompt string

	// FreshSession forces a new session even when an active one exists.
	FreshSession bool
}

// Result is the full outcome of one invocation.
type Result struct {
	Output      *Output
	AuditID     string
	SessionID   string
	ExitCode    int
	Stderr      string
	TimedOut    bool
	DurationSec float64
	Enforcement *budget.EnforcementResult
}

// Success reports whether the agent completed cleanly.
func (r *Result) Success() bool { return r != nil && !r.TimedOut && r.ExitCode == 0 }

// Runner invokes external agents for one project.
type Runner struct {
	registry *config.AgentRegistry
	budget   *budget.Engine
	recorder *audit.Recorder
	sessions *audit.SessionRecorder
	timeout  time.Duration
}

// NewRunner wires a runner from the project components.
func NewRunner(registry *config.AgentRegistry, engine *budget.Engine, recorder *audit.Recorder, sessions *audit.SessionRecorder, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Runner{
		registry: registry,
		budget:   engine,
		recorder: recorder,
		sessions: sessions,
		timeout:  timeout,
	}
}

// buildArgs assembles the agent command line. The session arguments either
// resume a prior conversation or pin the new session's id.
func buildArgs(def config.AgentBinary, prompt string, sessionArgs []string, maxBudgetUSD float64) []string {
	format := def.OutputFormat
	if format == "" {
		format = "json"
	}
	args := []string{"-p", prompt, "--output-format", format}
	if def.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(def.MaxTurns))
	}
	if len(def.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(def.AllowedTools, ","))
	}
	args = append(args, sessionArgs...)
	if maxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(maxBudgetUSD, 'f', -1, 64))
	}
	return append(args, def.ExtraArgs...)
}

// Run executes one agent invocation end-to-end: budget check, session
// lookup, subprocess, output parse, audit commit, spend record.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	def, err := r.registry.Lookup(req.Agent)
	if err != nil {
		return nil, err
	}

	verdict, err := r.budget.Enforce(req.TaskID, 0)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		logging.Agent("invocation rejected for task=%s: %s", req.TaskID, verdict.Message)
		return &Result{Enforcement: verdict}, ErrBudgetExceeded
	}

	if req.FreshSession {
		if err := r.sessions.CloseTask(req.TaskID); err != nil {
			return nil, err
		}
	}
	session, existed, err := r.sessions.GetOrCreate(req.TaskID, req.Agent)
	if err != nil {
		return nil, err
	}
	sessionArgs := audit.ResumeArgs(session, existed)
	if sessionArgs == nil {
		sessionArgs = audit.SessionIDArgs(session)
	}

	maxBudget, err := r.budget.InvocationBudget(req.TaskID)
	if err != nil {
		return nil, err
	}
	args := buildArgs(def, req.Prompt, sessionArgs, maxBudget)

	scope, err := r.recorder.Begin(req.Agent, req.TaskID, session.ID, req.Prompt, args)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	result := &Result{AuditID: scope.ID(), SessionID: session.ID}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, def.Binary, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Agent("invoking %s agent=%s task=%s session=%s", def.Binary, req.Agent, req.TaskID, session.ID)
	started := time.Now()
	runErr := cmd.Run()
	result.DurationSec = time.Since(started).Seconds()
	result.Stderr = stderr.String()

	if runCtx.Err() == context.DeadlineExceeded {
		scope.SetTimeout()
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("agent %s timed out after %s", req.Agent, r.timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			scope.SetError(runErr)
			return result, fmt.Errorf("failed to start agent %s: %w", req.Agent, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	out := ParseOutput(stdout.Bytes(), def.OutputFormat)
	result.Output = out
	for key, value := range out.Extra {
		scope.AddMetadata(key, value)
	}

	model := out.Model
	if model == "" {
		model = def.DefaultModel
	}
	scope.SetResult(result.ExitCode, stdout.Len(), stderr.Len(), out.CostUSD, model, out.Type)

	if out.CostUSD > 0 {
		record := &types.BudgetRecord{
			TaskID:  req.TaskID,
			Agent:   string(req.Agent),
			CostUSD: out.CostUSD,
			Model:   model,
		}
		if out.Tokens != nil {
			record.TokensInput = out.Tokens.Input
			record.TokensOutput = out.Tokens.Output
		}
		if err := r.budget.RecordSpend(record); err != nil {
			logging.Agent("failed to record spend for audit=%s: %v", scope.ID(), err)
		}
		if err := r.sessions.RecordInvocation(session.ID, out.CostUSD); err != nil {
			logging.Agent("failed to update session %s: %v", session.ID, err)
		}
	} else if err := r.sessions.RecordInvocation(session.ID, 0); err != nil {
		logging.Agent("failed to update session %s: %v", session.ID, err)
	}

	return result, nil
}
