// Package evaluate scores agent outputs. The Evaluator runs LLM-as-judge
// scoring over seven weighted criteria; the Analyzer runs deterministic
// checks for deep investigation of low scorers.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"maestro/internal/budget"
	"maestro/internal/config"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// criterionWeights are fixed and sum to 1.0.
var criterionWeights = map[types.Criterion]float64{
	types.CriterionTaskCompletion:   0.25,
	types.CriterionOutputQuality:    0.20,
	types.CriterionTokenEfficiency:  0.15,
	types.CriterionReasoningQuality: 0.15,
	types.CriterionToolUtilization:  0.10,
	types.CriterionContextRetention: 0.10,
	types.CriterionSafety:           0.05,
}

// criterionPriority orders criteria for cost-bounded partial evaluation.
var criterionPriority = []types.Criterion{
	types.CriterionTaskCompletion,
	types.CriterionOutputQuality,
	types.CriterionReasoningQuality,
	types.CriterionToolUtilization,
	types.CriterionTokenEfficiency,
	types.CriterionContextRetention,
	types.CriterionSafety,
}

// neutralScore is used when a judge response cannot be parsed at all.
const neutralScore = 5.0

var criterionRubrics = map[types.Criterion]string{
	types.CriterionTaskCompletion:   "Did the output fully accomplish the stated task and satisfy every requirement?",
	types.CriterionOutputQuality:    "Is the output correct, coherent and well organized for its purpose?",
	types.CriterionTokenEfficiency:  "Is the output concise, without filler, repetition or unnecessary verbosity?",
	types.CriterionReasoningQuality: "Is the reasoning sound, stepwise and free of logical gaps?",
	types.CriterionToolUtilization:  "Were the available tools and capabilities used appropriately and effectively?",
	types.CriterionContextRetention: "Does the output stay consistent with the provided context and earlier constraints?",
	types.CriterionSafety:           "Does the output avoid harmful, destructive or out-of-scope actions?",
}

// Request describes one (prompt, output) pair to score.
type Request struct {
	Agent         types.AgentKind
	Node          string
	TaskID        string
	SessionID     string
	TemplateName  string
	Prompt        string
	Output        string
	Requirements  []string
	PromptVersion string
	Force         bool
}

// Result carries the persisted evaluation plus the threshold verdicts.
type Result struct {
	Evaluation        *types.Evaluation
	Skipped           bool
	NeedsOptimization bool
	IsGoldenExample   bool
	IndicatesFailure  bool
}

// Evaluator scores outputs with an LLM judge and persists the results.
type Evaluator struct {
	store   *store.Store
	client  llm.Client
	evalCfg *config.EvaluationConfig
	optCfg  *config.OptimizationConfig
	timeout time.Duration

	// Injectable for deterministic sampling tests.
	randFloat func() float64
}

// New builds an evaluator.
func New(s *store.Store, client llm.Client, cfg *config.ProjectConfig) *Evaluator {
	return &Evaluator{
		store:     s,
		client:    client,
		evalCfg:   &cfg.AutoImprovement.Evaluation,
		optCfg:    &cfg.AutoImprovement.Optimization,
		timeout:   time.Duration(cfg.Timeouts.EvaluatorSeconds) * time.Second,
		randFloat: rand.Float64,
	}
}

// Evaluate scores one output. Sampling may skip the call unless req.Force;
// a skipped result has Skipped=true and no Evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	if !e.evalCfg.Enabled && !req.Force {
		return &Result{Skipped: true}, nil
	}
	if !req.Force && e.randFloat() >= e.evalCfg.SamplingRate {
		logging.Get(logging.CategoryEvaluate).Debug("sampling skipped evaluation for agent=%s node=%s", req.Agent, req.Node)
		return &Result{Skipped: true}, nil
	}

	timer := logging.StartTimer(logging.CategoryEvaluate, "evaluate")
	defer timer.Stop()

	criteria := e.selectCriteria(req)
	scores := make(map[types.Criterion]float64, len(criteria))
	var feedback []string

	for _, criterion := range criteria {
		score, note := e.judgeCriterion(ctx, criterion, req)
		scores[criterion] = score
		if note != "" {
			feedback = append(feedback, fmt.Sprintf("%s: %s", criterion, note))
		}
	}

	now := time.Now().UTC()
	promptHash := types.PromptHash(req.Prompt)
	eval := &types.Evaluation{
		EvaluationID:   types.NewEvaluationID(req.Agent, promptHash, now),
		Agent:          req.Agent,
		Node:           req.Node,
		TaskID:         req.TaskID,
		SessionID:      req.SessionID,
		Scores:         scores,
		OverallScore:   WeightedScore(scores),
		Feedback:       strings.Join(feedback, "\n"),
		PromptHash:     promptHash,
		PromptVersion:  req.PromptVersion,
		EvaluatorModel: e.evalCfg.Model,
		Timestamp:      now,
	}
	if err := e.store.Evaluations.Create(eval); err != nil {
		return nil, err
	}

	result := &Result{
		Evaluation:        eval,
		NeedsOptimization: eval.OverallScore < e.optCfg.OptimizationThreshold,
		IsGoldenExample:   eval.OverallScore >= e.optCfg.GoldenThreshold,
		IndicatesFailure:  eval.OverallScore < e.optCfg.FailureThreshold,
	}

	if result.IsGoldenExample && req.TemplateName != "" {
		golden := &types.GoldenExample{
			Agent:        req.Agent,
			TemplateName: req.TemplateName,
			InputPrompt:  req.Prompt,
			Output:       req.Output,
			Score:        eval.OverallScore,
			EvaluationID: eval.EvaluationID,
		}
		if err := e.store.Goldens.Create(golden); err != nil {
			logging.Get(logging.CategoryEvaluate).Warn("failed to capture golden example: %v", err)
		} else {
			logging.Get(logging.CategoryEvaluate).Info("captured golden example %s (score %.2f)", golden.ExampleID, golden.Score)
		}
	}

	logging.Get(logging.CategoryEvaluate).Info(
		"evaluated agent=%s node=%s score=%.2f criteria=%d needs_opt=%v",
		req.Agent, req.Node, eval.OverallScore, len(criteria), result.NeedsOptimization,
	)
	return result, nil
}

// WeightedScore computes the weighted sum of criterion scores. Partial
// score maps are renormalized over the evaluated criteria.
func WeightedScore(scores map[types.Criterion]float64) float64 {
	var sum, totalWeight float64
	for criterion, score := range scores {
		weight := criterionWeights[criterion]
		sum += score * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// selectCriteria returns the criteria to evaluate, trimmed to the top-k
// by priority when max_cost_per_eval cannot cover all seven.
func (e *Evaluator) selectCriteria(req *Request) []types.Criterion {
	if e.evalCfg.MaxCostPerEval <= 0 {
		return criterionPriority
	}

	// Rough token estimate: 4 chars per token over prompt+output, plus
	// rubric overhead, with a small completion.
	promptTokens := int64((len(req.Prompt)+len(req.Output))/4 + 200)
	perCriterion := budget.EstimateCost(e.evalCfg.Model, promptTokens, 150)
	if perCriterion <= 0 {
		return criterionPriority
	}

	k := int(e.evalCfg.MaxCostPerEval / perCriterion)
	if k >= len(criterionPriority) {
		return criterionPriority
	}
	if k < 1 {
		k = 1
	}
	return criterionPriority[:k]
}

type judgeResponse struct {
	Reasoning string  `json:"reasoning"`
	Score     float64 `json:"score"`
	Feedback  string  `json:"feedback"`
}

// judgeCriterion asks the judge model to score one criterion. Any failure
// degrades to the neutral score rather than failing the evaluation.
func (e *Evaluator) judgeCriterion(ctx context.Context, criterion types.Criterion, req *Request) (float64, string) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	prompt := buildJudgePrompt(criterion, req)
	raw, err := e.client.Generate(callCtx, e.evalCfg.Model, prompt)
	if err != nil {
		logging.Get(logging.CategoryEvaluate).Warn("judge call failed for %s: %v", criterion, err)
		return neutralScore, ""
	}

	score, feedback, ok := parseJudgeResponse(raw)
	if !ok {
		logging.Get(logging.CategoryEvaluate).Warn("unparsable judge response for %s, defaulting to %.1f", criterion, neutralScore)
		return neutralScore, ""
	}
	return clampScore(score), feedback
}

func buildJudgePrompt(criterion types.Criterion, req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert evaluator. Score the following agent output on one criterion.\n\n")
	fmt.Fprintf(&b, "Criterion: %s\nRubric: %s\n\n", criterion, criterionRubrics[criterion])
	if len(req.Requirements) > 0 {
		b.WriteString("Requirements:\n")
		for _, r := range req.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Input prompt:\n%s\n\nAgent output:\n%s\n\n", req.Prompt, req.Output)
	b.WriteString("Think step by step, then respond with ONLY a JSON object: ")
	b.WriteString(`{"reasoning": "...", "score": <1-10>, "feedback": "..."}`)
	return b.String()
}

var (
	jsonBlockRe = regexp.MustCompile(`\{[^{}]*\}`)
	scoreRe     = regexp.MustCompile(`(?i)score["':\s]*([0-9]+(?:\.[0-9]+)?)`)
)

// parseJudgeResponse extracts {score, feedback} from a judge reply. It
// tries strict JSON first, then an embedded JSON block, then a bare regex
// score match.
func parseJudgeResponse(raw string) (float64, string, bool) {
	var resp judgeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err == nil && resp.Score > 0 {
		return resp.Score, resp.Feedback, true
	}

	if block := jsonBlockRe.FindString(raw); block != "" {
		if err := json.Unmarshal([]byte(block), &resp); err == nil && resp.Score > 0 {
			return resp.Score, resp.Feedback, true
		}
	}

	if m := scoreRe.FindStringSubmatch(raw); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			return score, "", true
		}
	}
	return 0, "", false
}

func clampScore(s float64) float64 {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}
