// Package budget enforces the spend limits configured per project. Every
// agent invocation asks the engine before running and records actual cost
// after. Limits are checked against signed sums in the store, so resets
// (which append compensating records) take effect immediately.
package budget

import (
	"fmt"
	"sync"

	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// ExceededType names which limit a rejected spend would break.
type ExceededType string

const (
	ExceededNone       ExceededType = ""
	ExceededTask       ExceededType = "task"
	ExceededProject    ExceededType = "project"
	ExceededInvocation ExceededType = "invocation"
)

// EnforcementResult is the full verdict for a proposed spend.
type EnforcementResult struct {
	Allowed        bool         `json:"allowed"`
	Exceeded       ExceededType `json:"exceeded_type,omitempty"`
	LimitUSD       float64      `json:"limit_usd,omitempty"`
	CurrentUSD     float64      `json:"current_usd"`
	RequestedUSD   float64      `json:"requested_usd"`
	RemainingUSD   float64      `json:"remaining_usd"`
	ShouldEscalate bool         `json:"should_escalate"`
	ShouldAbort    bool         `json:"should_abort"`
	Message        string       `json:"message,omitempty"`
}

// softLimitPercent is the project spend level (percent of the limit) at
// which allowed spends still raise an escalation.
const softLimitPercent = 90

// Engine is the per-project budget enforcer.
type Engine struct {
	store *store.Store
	cfg   *config.BudgetConfig

	// Serializes check-then-record sequences so two concurrent invocations
	// cannot both pass a check that only one of them fits under.
	mu sync.Mutex
}

// NewEngine builds an engine over a project store.
func NewEngine(s *store.Store, cfg *config.BudgetConfig) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// taskLimit resolves the effective per-task limit: a task-specific override
// wins over the default. Nil means unlimited.
func (e *Engine) taskLimit(taskID string) *float64 {
	if limit, ok := e.cfg.TaskBudgets[taskID]; ok {
		return &limit
	}
	return e.cfg.TaskBudgetUSD
}

// CanSpend reports whether a spend of amount against a task would stay
// within every configured limit. A zero amount is always allowed when the
// current totals are at (but not past) their limits.
func (e *Engine) CanSpend(taskID string, amount float64) (bool, error) {
	result, err := e.Enforce(taskID, amount)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// Enforce evaluates a proposed spend against task and project limits and
// returns the full verdict, including escalation guidance.
func (e *Engine) Enforce(taskID string, amount float64) (*EnforcementResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enforceLocked(taskID, amount)
}

func (e *Engine) enforceLocked(taskID string, amount float64) (*EnforcementResult, error) {
	result := &EnforcementResult{Allowed: true, RequestedUSD: amount}
	if !e.cfg.Enabled {
		return result, nil
	}

	taskTotal, err := e.store.Budget.TaskTotal(taskID)
	if err != nil {
		return nil, err
	}
	projectTotal, err := e.store.Budget.ProjectTotal()
	if err != nil {
		return nil, err
	}
	result.CurrentUSD = taskTotal

	bounded := false
	if limit := e.taskLimit(taskID); limit != nil {
		remaining := *limit - taskTotal
		result.RemainingUSD = remaining
		bounded = true
		if taskTotal+amount > *limit {
			result.Allowed = false
			result.Exceeded = ExceededTask
			result.LimitUSD = *limit
			result.ShouldEscalate = true
			result.ShouldAbort = remaining <= 0
			result.Message = fmt.Sprintf(
				"task %s budget exceeded: spent $%.2f + requested $%.2f > limit $%.2f",
				taskID, taskTotal, amount, *limit,
			)
			return result, nil
		}
	}

	if limit := e.cfg.ProjectBudgetUSD; limit != nil {
		remaining := *limit - projectTotal
		if !bounded || remaining < result.RemainingUSD {
			result.RemainingUSD = remaining
		}
		if projectTotal+amount > *limit {
			result.Allowed = false
			result.Exceeded = ExceededProject
			result.LimitUSD = *limit
			result.CurrentUSD = projectTotal
			result.ShouldEscalate = true
			result.ShouldAbort = remaining <= 0
			result.Message = fmt.Sprintf(
				"project budget exceeded: spent $%.2f + requested $%.2f > limit $%.2f",
				projectTotal, amount, *limit,
			)
			return result, nil
		}
		if (projectTotal+amount) >= *limit*softLimitPercent/100 {
			result.ShouldEscalate = true
		}
	}

	if e.cfg.InvocationBudgetUSD > 0 && amount > e.cfg.InvocationBudgetUSD {
		result.Allowed = false
		result.Exceeded = ExceededInvocation
		result.LimitUSD = e.cfg.InvocationBudgetUSD
		result.Message = fmt.Sprintf(
			"invocation cost $%.2f exceeds per-invocation limit $%.2f",
			amount, e.cfg.InvocationBudgetUSD,
		)
		return result, nil
	}

	return result, nil
}

// InvocationBudget returns the spend cap to pass to one agent invocation:
// the smaller of the per-invocation limit and what the task has left.
// Zero means no cap.
func (e *Engine) InvocationBudget(taskID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Enabled {
		return 0, nil
	}
	budget := e.cfg.InvocationBudgetUSD

	if limit := e.taskLimit(taskID); limit != nil {
		taskTotal, err := e.store.Budget.TaskTotal(taskID)
		if err != nil {
			return 0, err
		}
		remaining := *limit - taskTotal
		if remaining < 0 {
			remaining = 0
		}
		if budget == 0 || remaining < budget {
			budget = remaining
		}
	}
	return budget, nil
}

// RecordSpend appends an actual-cost record and logs a warning when the
// task crosses its warn threshold.
func (e *Engine) RecordSpend(record *types.BudgetRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Budget.Create(record); err != nil {
		return err
	}
	logging.Budget("recorded $%.4f for task=%s agent=%s model=%s",
		record.CostUSD, record.TaskID, record.Agent, record.Model)

	if record.TaskID == "" || e.cfg.WarnAtPercent <= 0 {
		return nil
	}
	limit := e.taskLimit(record.TaskID)
	if limit == nil || *limit <= 0 {
		return nil
	}
	total, err := e.store.Budget.TaskTotal(record.TaskID)
	if err != nil {
		return nil
	}
	percent := total / *limit * 100
	if percent >= e.cfg.WarnAtPercent {
		logging.Budget("WARNING: task %s at %.0f%% of budget ($%.2f of $%.2f)",
			record.TaskID, percent, total, *limit)
	}
	return nil
}

// ResetTaskSpending zeroes a task's effective spend. Soft reset (the
// default) appends a compensating negative record so history survives;
// hard reset deletes the rows.
func (e *Engine) ResetTaskSpending(taskID string, hard bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if hard {
		n, err := e.store.Budget.HardDeleteByTask(taskID)
		if err != nil {
			return err
		}
		logging.Budget("hard reset task %s: deleted %d records", taskID, n)
		return nil
	}

	total, err := e.store.Budget.TaskTotal(taskID)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	err = e.store.Budget.Create(&types.BudgetRecord{
		TaskID:  taskID,
		Agent:   types.ResetAgent,
		CostUSD: -total,
	})
	if err != nil {
		return err
	}
	logging.Budget("soft reset task %s: compensated $%.4f", taskID, total)
	return nil
}

// ResetAll resets every task with recorded spend, plus the task-less
// remainder, using the same soft/hard semantics.
func (e *Engine) ResetAll(hard bool) error {
	if hard {
		e.mu.Lock()
		defer e.mu.Unlock()
		n, err := e.store.Budget.HardDeleteAll()
		if err != nil {
			return err
		}
		logging.Budget("hard reset project: deleted %d records", n)
		return nil
	}

	taskIDs, err := e.store.Budget.TaskIDsWithSpend()
	if err != nil {
		return err
	}
	for _, id := range taskIDs {
		if err := e.ResetTaskSpending(id, false); err != nil {
			return err
		}
	}

	// Compensate whatever remains (records without a task id).
	e.mu.Lock()
	defer e.mu.Unlock()
	total, err := e.store.Budget.ProjectTotal()
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	return e.store.Budget.Create(&types.BudgetRecord{
		Agent:   types.ResetAgent,
		CostUSD: -total,
	})
}
