package workflow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"maestro/internal/types"
)

// escalation is the internal error a node raises to suspend the workflow.
// In autonomous mode the engine resolves it with the default answer; in
// interactive mode the interrupt is persisted and the run returns.
type escalation struct {
	interrupt *types.Interrupt
}

func (e *escalation) Error() string {
	return fmt.Sprintf("escalation %s: %s", e.interrupt.Kind, e.interrupt.Question)
}

// newEscalation builds an escalation with a fresh question id. The first
// option is the autonomous default.
func newEscalation(kind, question string, options []string, context map[string]string) *escalation {
	if len(options) == 0 {
		options = []string{string(types.DecisionContinue), string(types.DecisionAbort)}
	}
	return &escalation{interrupt: &types.Interrupt{
		Kind:       kind,
		QuestionID: "q-" + uuid.NewString()[:8],
		Question:   question,
		Options:    options,
		Context:    context,
	}}
}

// defaultAnswer is the autonomous resolution for an interrupt.
func defaultAnswer(intr *types.Interrupt) string {
	if len(intr.Options) > 0 {
		return intr.Options[0]
	}
	return string(types.DecisionContinue)
}

// decisionFromAnswer maps a human (or autonomous) answer onto the engine
// decision. Unrecognized answers continue; explicit aborts abort.
func decisionFromAnswer(answer string) types.Decision {
	switch types.Decision(strings.ToLower(strings.TrimSpace(answer))) {
	case types.DecisionAbort:
		return types.DecisionAbort
	case types.DecisionRetry:
		return types.DecisionRetry
	case types.DecisionRollback:
		return types.DecisionRollback
	default:
		return types.DecisionContinue
	}
}
