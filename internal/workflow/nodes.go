package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"maestro/internal/agent"
	"maestro/internal/evaluate"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// Reserved task ids for the non-task agent invocations.
const (
	planningTaskID     = "planning"
	verificationTaskID = "verification"
)

const defaultPlanningPrompt = `You are the planning agent for a software project.
Produce a concrete implementation plan as JSON: {"tasks": [{"id", "title",
"user_story", "acceptance_criteria", "dependencies", "priority"}]}.
Order tasks so that dependencies come first and keep each task small enough
to implement and test in one sitting.`

const defaultReviewPrompt = `You are a reviewer agent. Review the material below
for gaps, risks and ordering problems. Answer with concrete, actionable
feedback; say "approved" if nothing blocks.`

const defaultImplementPrompt = `You are the implementation agent. Complete the
task described below. Honor the acceptance criteria exactly, write tests for
what you change and report what you did.`

// promptFor resolves the prompt preamble for an (agent, template) pair:
// the production prompt version when one is deployed, the built-in default
// otherwise.
func (e *Engine) promptFor(kind types.AgentKind, template, fallback string) (string, string) {
	version, err := e.store.Prompts.Production(kind, template)
	if err != nil {
		return fallback, ""
	}
	return version.Content, version.VersionID
}

// invoke runs one agent and translates budget rejections into escalations.
func (e *Engine) invoke(ctx context.Context, kind types.AgentKind, taskID, prompt string) (*agent.Result, error) {
	result, err := e.invoker.Run(ctx, agent.Request{Agent: kind, TaskID: taskID, Prompt: prompt})
	if errors.Is(err, agent.ErrBudgetExceeded) {
		message := "budget exceeded"
		if result != nil && result.Enforcement != nil {
			message = result.Enforcement.Message
		}
		return result, newEscalation("budget_exceeded", message, nil, map[string]string{"task_id": taskID})
	}
	return result, err
}

// recordUsage folds one invocation's tokens and cost into the state and
// broadcasts a metrics update.
func (e *Engine) recordUsage(state *types.WorkflowState, result *agent.Result) {
	if result == nil || result.Output == nil {
		return
	}
	data := map[string]any{"cost": result.Output.CostUSD}
	if tokens := result.Output.Tokens; tokens != nil {
		if state.TokenUsage == nil {
			state.TokenUsage = &types.TokenUsage{}
		}
		state.TokenUsage.Add(tokens.Input, tokens.Output)
		data["tokens"] = state.TokenUsage.Input + state.TokenUsage.Output
	}
	e.broadcaster.Emit(events.Event{Type: events.MetricsUpdate, Data: data})
}

// evaluateOutput is the post-agent scoring pipeline: the gate, the judge,
// and for poor scores the analyzer plus an optimization enqueue. Scoring
// failures degrade to nothing; the workflow never stops here.
func (e *Engine) evaluateOutput(ctx context.Context, kind types.AgentKind, node, taskID, sessionID, template, prompt string, output *agent.Output) {
	if e.evaluator == nil || output == nil {
		return
	}
	evalCfg := &e.cfg.AutoImprovement.Evaluation
	if !shouldEvaluate(evalCfg, output.Content != "", e.randFloat()) {
		return
	}

	_, versionID := e.promptFor(kind, template, "")
	result, err := e.evaluator.Evaluate(ctx, &evaluate.Request{
		Agent:         kind,
		Node:          node,
		TaskID:        taskID,
		SessionID:     sessionID,
		TemplateName:  template,
		Prompt:        prompt,
		Output:        output.Content,
		PromptVersion: versionID,
		Force:         true,
	})
	if err != nil {
		logging.Workflow("evaluation failed for %s/%s: %v", kind, node, err)
		return
	}
	if result.Skipped || result.Evaluation == nil {
		return
	}

	optCfg := &e.cfg.AutoImprovement.Optimization
	score := result.Evaluation.OverallScore
	if routeAfterEvaluation(score, optCfg.AnalysisThreshold) != nodeAnalyzeOutput {
		return
	}

	analysis := evaluate.Analyze(&evaluate.AnalyzeRequest{Output: output.Content})
	logging.Workflow("analyzed %s output: semantic=%.2f structural=%.2f efficiency=%.2f patterns=%v",
		kind, analysis.SemanticScore, analysis.StructuralScore, analysis.EfficiencyScore, analysis.Patterns)

	if e.scheduler != nil && result.NeedsOptimization {
		priority := int((optCfg.OptimizationThreshold - score) * 10)
		reason := fmt.Sprintf("score %.2f below threshold %g", score, optCfg.OptimizationThreshold)
		e.scheduler.Enqueue(kind, template, reason, priority)
	}
	if e.scheduler != nil && routeAfterAnalysis(e.scheduler.QueueLen()) == nodeOptimizePrompts {
		// Optimization is asynchronous: the queue is drained by the
		// scheduler loop, never inline with the workflow.
		logging.Workflow("optimization queued for %s/%s (queue=%d)", kind, template, e.scheduler.QueueLen())
	}
}

// planningNode asks the writer for a plan and imports its task list.
func (e *Engine) planningNode(ctx context.Context, state *types.WorkflowState) error {
	preamble, _ := e.promptFor(types.AgentWriter, "planning", defaultPlanningPrompt)
	prompt := fmt.Sprintf("%s\n\nProject: %s", preamble, e.projectName)

	result, err := e.invoke(ctx, types.AgentWriter, planningTaskID, prompt)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("planning agent failed (exit %d): %s", result.ExitCode, firstLine(result.Stderr))
	}

	state.Plan = result.Output.Content
	e.recordUsage(state, result)
	e.evaluateOutput(ctx, types.AgentWriter, "planning_agent", planningTaskID, result.SessionID, "planning", prompt, result.Output)

	if err := e.importPlannedTasks(state.Plan); err != nil {
		logging.Workflow("plan produced no importable task list: %v", err)
	}
	return nil
}

// importPlannedTasks parses a {"tasks": [...]} block out of the plan and
// creates the tasks, unless the project already has some.
func (e *Engine) importPlannedTasks(plan string) error {
	progress, err := e.store.Tasks.Progress()
	if err != nil {
		return err
	}
	if progress.Total > 0 {
		return nil
	}

	var parsed struct {
		Tasks []*types.Task `json:"tasks"`
	}
	candidate := plan
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		start := strings.Index(plan, "{")
		end := strings.LastIndex(plan, "}")
		if start < 0 || end <= start {
			return fmt.Errorf("no JSON object in plan")
		}
		candidate = plan[start : end+1]
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			return err
		}
	}
	if len(parsed.Tasks) == 0 {
		return fmt.Errorf("plan contains no tasks")
	}

	for _, task := range parsed.Tasks {
		if err := e.store.Tasks.Create(task); err != nil {
			logging.Workflow("skipping planned task %q: %v", task.ID, err)
		}
	}
	logging.Workflow("imported %d planned tasks", len(parsed.Tasks))
	return nil
}

// validationNode has two reviewers critique the plan in parallel.
func (e *Engine) validationNode(ctx context.Context, state *types.WorkflowState) error {
	preamble, _ := e.promptFor(types.AgentReviewer, "review", defaultReviewPrompt)
	prompt := fmt.Sprintf("%s\n\nPlan to review:\n%s", preamble, state.Plan)

	results := make([]*agent.Result, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		taskID := fmt.Sprintf("plan-review-%d", i+1)
		g.Go(func() error {
			result, err := e.invoke(gctx, types.AgentReviewer, taskID, prompt)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// State mutation and scoring stay on the phase goroutine.
	var feedback []string
	for i, result := range results {
		if result == nil || !result.Success() {
			logging.Workflow("reviewer %d failed, continuing with remaining reviews", i+1)
			continue
		}
		feedback = append(feedback, result.Output.Content)
		e.recordUsage(state, result)
		e.evaluateOutput(ctx, types.AgentReviewer, "validation_agent",
			fmt.Sprintf("plan-review-%d", i+1), result.SessionID, "review", prompt, result.Output)
	}

	if len(feedback) == 0 {
		return fmt.Errorf("no reviewer produced validation feedback")
	}
	state.ValidationFeedback = strings.Join(feedback, "\n\n---\n\n")
	return nil
}

// implementationNode works through the planned tasks with the writer agent,
// then runs the post-phase scanners.
func (e *Engine) implementationNode(ctx context.Context, state *types.WorkflowState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.paused.Load() {
			return ErrPaused
		}

		pending, err := e.store.Tasks.FindByStatus(types.TaskPending)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		progressed := false
		for _, task := range pending {
			met, err := e.store.Tasks.DependenciesMet(task)
			if err != nil {
				var storageErr *store.StorageError
				if errors.As(err, &storageErr) {
					return err
				}
				// Unknown dependency: the task can never become eligible.
				logging.Workflow("task %s: %v", task.ID, err)
				continue
			}
			if !met {
				continue
			}
			if err := e.runTask(ctx, state, task); err != nil {
				return err
			}
			progressed = true
		}

		if !progressed {
			// Remaining tasks wait on dependencies that will never
			// complete; mark them blocked and stop.
			for _, task := range pending {
				task.Status = types.TaskBlocked
				if err := e.store.Tasks.Update(task); err != nil {
					return err
				}
			}
			return newEscalation("blocked_tasks",
				fmt.Sprintf("%d tasks are blocked on unmet dependencies", len(pending)),
				nil, nil)
		}
	}

	progress, err := e.store.Tasks.Progress()
	if err != nil {
		return err
	}
	state.ImplementationResult = fmt.Sprintf("%d/%d tasks completed, %d failed",
		progress.Completed, progress.Total, progress.Failed)

	results := e.scanners.Run(ctx, e.projectDir)
	if scanDecision(results) == types.DecisionEscalate {
		var findings []string
		for _, r := range results {
			for _, f := range r.BlockingFindings {
				findings = append(findings, fmt.Sprintf("%s: %s", r.Scanner, f.Message))
			}
		}
		return newEscalation("validation_blocking",
			"blocking scanner findings: "+strings.Join(findings, "; "),
			nil, nil)
	}
	return nil
}

// verificationNode has a reviewer re-review the produced artifacts.
func (e *Engine) verificationNode(ctx context.Context, state *types.WorkflowState) error {
	preamble, _ := e.promptFor(types.AgentReviewer, "review", defaultReviewPrompt)
	prompt := fmt.Sprintf("%s\n\nImplementation summary:\n%s\n\nValidation feedback that applied:\n%s",
		preamble, state.ImplementationResult, state.ValidationFeedback)

	result, err := e.invoke(ctx, types.AgentReviewer, verificationTaskID, prompt)
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("verification reviewer failed (exit %d)", result.ExitCode)
	}
	state.VerificationFeedback = result.Output.Content
	e.recordUsage(state, result)
	e.evaluateOutput(ctx, types.AgentReviewer, "verification_agent", verificationTaskID, result.SessionID, "review", prompt, result.Output)
	return nil
}

// completionNode closes sessions, prunes old checkpoints and emits the
// final summary.
func (e *Engine) completionNode(_ context.Context, state *types.WorkflowState) error {
	tasks, err := e.store.Tasks.FindAll(0)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := e.sessions.CloseTask(task.ID); err != nil {
			logging.Workflow("failed to close sessions for task %s: %v", task.ID, err)
		}
	}
	for _, id := range []string{planningTaskID, "plan-review-1", "plan-review-2", verificationTaskID} {
		if err := e.sessions.CloseTask(id); err != nil {
			logging.Workflow("failed to close sessions for %s: %v", id, err)
		}
	}

	if pruned, err := e.checkpoints.Prune(); err != nil {
		logging.Workflow("checkpoint prune failed: %v", err)
	} else if pruned > 0 {
		logging.Workflow("pruned %d old checkpoints", pruned)
	}

	total, err := e.store.Budget.ProjectTotal()
	if err != nil {
		total = 0
	}
	data := map[string]any{"cost": total, "summary": state.ImplementationResult}
	if state.TokenUsage != nil {
		data["tokens"] = state.TokenUsage.Input + state.TokenUsage.Output
	}
	e.broadcaster.Emit(events.Event{Type: events.MetricsUpdate, Data: data})
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
