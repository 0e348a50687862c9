package workflow

import (
	"maestro/internal/config"
	"maestro/internal/scan"
	"maestro/internal/types"
)

// Node names used by the routers.
const (
	nodeAnalyzeOutput    = "analyze_output"
	nodeOptimizePrompts  = "optimize_prompts"
	nodeContinueWorkflow = "continue_workflow"
)

// shouldEvaluate gates scoring: auto-improvement must be enabled, there must
// be an agent execution to score, and sampling must admit the call.
func shouldEvaluate(cfg *config.EvaluationConfig, hasExecution bool, sample float64) bool {
	if !cfg.Enabled || !hasExecution {
		return false
	}
	return sample < cfg.SamplingRate
}

// routeAfterEvaluation decides what follows a scored agent output: poor
// scores detour through output analysis.
func routeAfterEvaluation(overallScore, analysisThreshold float64) string {
	if overallScore < analysisThreshold {
		return nodeAnalyzeOutput
	}
	return nodeContinueWorkflow
}

// routeAfterAnalysis decides whether the optimization queue gets drained.
func routeAfterAnalysis(queueLen int) string {
	if queueLen > 0 {
		return nodeOptimizePrompts
	}
	return nodeContinueWorkflow
}

// scanDecision maps scanner results onto the next decision. Blocking
// findings escalate; warnings never do.
func scanDecision(results []*scan.Result) types.Decision {
	if scan.AnyBlocking(results) {
		return types.DecisionEscalate
	}
	return types.DecisionContinue
}
