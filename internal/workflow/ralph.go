package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maestro/internal/agent"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/types"
)

// buildTaskPrompt renders the writer prompt for one task, carrying the
// validation feedback and the failure from the previous attempt.
func (e *Engine) buildTaskPrompt(task *types.Task, state *types.WorkflowState) string {
	preamble, _ := e.promptFor(types.AgentWriter, "implement", defaultImplementPrompt)

	var b strings.Builder
	b.WriteString(preamble)
	fmt.Fprintf(&b, "\n\nTask %s: %s\n", task.ID, task.Title)
	if task.UserStory != "" {
		fmt.Fprintf(&b, "User story: %s\n", task.UserStory)
	}
	for _, criterion := range task.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", criterion)
	}
	if len(task.FilesToCreate) > 0 {
		fmt.Fprintf(&b, "Files to create: %s\n", strings.Join(task.FilesToCreate, ", "))
	}
	if len(task.FilesToModify) > 0 {
		fmt.Fprintf(&b, "Files to modify: %s\n", strings.Join(task.FilesToModify, ", "))
	}
	if state.ValidationFeedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback on the plan:\n%s\n", state.ValidationFeedback)
	}
	if task.Error != "" {
		fmt.Fprintf(&b, "\nPrevious attempt failed: %s\nFix the cause and try again.\n", task.Error)
	}
	return b.String()
}

// runTask is the per-task writer loop: invoke, score, retry on recoverable
// failures up to max_attempts. Budget rejections escalate instead of
// retrying; exhausted attempts escalate with the task marked failed.
func (e *Engine) runTask(ctx context.Context, state *types.WorkflowState, task *types.Task) error {
	e.broadcaster.Emit(events.Event{
		Type:   events.TaskStart,
		TaskID: task.ID,
		Data:   map[string]any{"title": task.Title},
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task.Attempts++
		task.Status = types.TaskInProgress
		if err := e.store.Tasks.Update(task); err != nil {
			return err
		}
		e.broadcaster.Emit(events.Event{
			Type:   events.RalphIteration,
			TaskID: task.ID,
			Data:   map[string]any{"iteration": task.Attempts, "max_iter": task.MaxAttempts},
		})

		prompt := e.buildTaskPrompt(task, state)
		result, err := e.invoker.Run(ctx, agent.Request{
			Agent:  types.AgentWriter,
			TaskID: task.ID,
			Prompt: prompt,
		})

		if errors.Is(err, agent.ErrBudgetExceeded) {
			message := "budget exceeded"
			if result != nil && result.Enforcement != nil {
				message = result.Enforcement.Message
			}
			task.Status = types.TaskBlocked
			task.Error = message
			if uerr := e.store.Tasks.Update(task); uerr != nil {
				return uerr
			}
			return newEscalation("budget_exceeded", message, nil, map[string]string{"task_id": task.ID})
		}

		if err == nil && result.Success() {
			e.recordUsage(state, result)
			e.evaluateOutput(ctx, types.AgentWriter, "write_code", task.ID, result.SessionID,
				"implement", prompt, result.Output)

			task.Status = types.TaskCompleted
			task.Error = ""
			if err := e.store.Tasks.Update(task); err != nil {
				return err
			}
			if err := e.sessions.CloseTask(task.ID); err != nil {
				logging.Workflow("failed to close session for task %s: %v", task.ID, err)
			}
			e.broadcaster.Emit(events.Event{
				Type:   events.TaskComplete,
				TaskID: task.ID,
				Data:   map[string]any{"success": true},
			})
			return nil
		}

		// Timeouts, non-zero exits and spawn failures are all recoverable
		// while attempts remain.
		reason := describeFailure(result, err)
		logging.Workflow("task %s attempt %d/%d failed: %s", task.ID, task.Attempts, task.MaxAttempts, reason)
		task.Error = reason

		if task.Attempts >= task.MaxAttempts {
			task.Status = types.TaskFailed
			if uerr := e.store.Tasks.Update(task); uerr != nil {
				return uerr
			}
			e.broadcaster.Emit(events.Event{
				Type:   events.TaskComplete,
				TaskID: task.ID,
				Data:   map[string]any{"success": false, "error": reason},
			})
			return newEscalation("task_failed",
				fmt.Sprintf("task %s failed after %d attempts: %s", task.ID, task.Attempts, reason),
				nil, map[string]string{"task_id": task.ID})
		}
		if err := e.store.Tasks.Update(task); err != nil {
			return err
		}
	}
}

func describeFailure(result *agent.Result, err error) string {
	switch {
	case result != nil && result.TimedOut:
		return "agent timed out"
	case result != nil && result.ExitCode != 0:
		msg := fmt.Sprintf("agent exited with code %d", result.ExitCode)
		if line := firstLine(result.Stderr); line != "" {
			msg += ": " + line
		}
		return msg
	case err != nil:
		return err.Error()
	default:
		return "unknown failure"
	}
}
