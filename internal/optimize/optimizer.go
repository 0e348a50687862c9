// Package optimize rewrites underperforming prompts and walks accepted
// rewrites through a shadow/canary deployment lifecycle. The Optimizer
// produces candidates (OPRO or bootstrap), the Deployer promotes them, and
// the Scheduler decides when to try.
package optimize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"maestro/internal/config"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

const (
	oproTopExamples    = 5
	oproBottomExamples = 3
	bootstrapMinGolden = 2
	bootstrapThreshold = 3
)

// Optimizer produces candidate prompt rewrites.
type Optimizer struct {
	store   *store.Store
	client  llm.Client
	cfg     *config.OptimizationConfig
	timeout time.Duration
}

// NewOptimizer builds an optimizer.
func NewOptimizer(s *store.Store, client llm.Client, cfg *config.ProjectConfig) *Optimizer {
	return &Optimizer{
		store:   s,
		client:  client,
		cfg:     &cfg.AutoImprovement.Optimization,
		timeout: time.Duration(cfg.Timeouts.OptimizerSeconds) * time.Second,
	}
}

// ShouldOptimize reports whether (agent, template) warrants an optimization
// run, with a human-readable reason either way.
func (o *Optimizer) ShouldOptimize(agent types.AgentKind, template string) (bool, string, error) {
	stats, err := o.store.Evaluations.StatsFor(agent, time.Time{})
	if err != nil {
		return false, "", err
	}
	if stats.Count < o.cfg.MinSamples {
		return false, fmt.Sprintf("Insufficient samples (%d)", stats.Count), nil
	}
	if stats.AverageScore >= o.cfg.OptimizationThreshold {
		return false, fmt.Sprintf("Average score %.2f meets threshold %g", stats.AverageScore, o.cfg.OptimizationThreshold), nil
	}
	return true, fmt.Sprintf("Average score %.2f below threshold %g", stats.AverageScore, o.cfg.OptimizationThreshold), nil
}

// selectMethod picks bootstrap when enough golden examples exist, OPRO
// otherwise.
func (o *Optimizer) selectMethod(agent types.AgentKind, template string) (types.OptimizationMethod, error) {
	count, err := o.store.Goldens.Count(agent, template)
	if err != nil {
		return "", err
	}
	if count >= bootstrapThreshold {
		return types.MethodBootstrap, nil
	}
	return types.MethodOPRO, nil
}

// Optimize runs one optimization attempt for (agent, template). Every
// attempt, accepted or rejected, is recorded. On acceptance the candidate
// is stored as a draft PromptVersion and returned.
func (o *Optimizer) Optimize(ctx context.Context, agent types.AgentKind, template string, force bool) (*types.PromptVersion, error) {
	timer := logging.StartTimer(logging.CategoryOptimize, "optimize "+template)
	defer timer.Stop()

	if !force {
		ok, reason, err := o.ShouldOptimize(agent, template)
		if err != nil {
			return nil, err
		}
		if !ok {
			logging.Get(logging.CategoryOptimize).Info("skipping %s/%s: %s", agent, template, reason)
			return nil, nil
		}
	}

	current, err := o.store.Prompts.Production(agent, template)
	if err != nil {
		return nil, fmt.Errorf("no production prompt for %s/%s: %w", agent, template, err)
	}

	method, err := o.selectMethod(agent, template)
	if err != nil {
		return nil, err
	}

	attempt := &types.OptimizationAttempt{
		Agent:         agent,
		TemplateName:  template,
		Method:        method,
		SourceVersion: current.VersionID,
	}

	candidate, samples, err := o.generateCandidate(ctx, method, agent, template, current)
	if err != nil {
		attempt.Error = err.Error()
		o.recordAttempt(attempt)
		return nil, err
	}
	attempt.SamplesUsed = samples

	if len(candidate) < types.MinPromptLength {
		attempt.Error = fmt.Sprintf("candidate too short (%d chars)", len(candidate))
		o.recordAttempt(attempt)
		return nil, fmt.Errorf("optimizer produced a candidate of %d chars, minimum is %d", len(candidate), types.MinPromptLength)
	}

	stats, err := o.store.Evaluations.StatsFor(agent, time.Time{})
	if err != nil {
		return nil, err
	}
	currentAvg := stats.AverageScore
	attempt.SourceScore = currentAvg

	validationScore, results, err := o.validateCandidate(ctx, agent, template, candidate)
	if err != nil {
		attempt.Error = err.Error()
		o.recordAttempt(attempt)
		return nil, err
	}
	attempt.TargetScore = validationScore
	attempt.Improvement = validationScore - currentAvg
	attempt.ValidationResults = results

	if attempt.Improvement < o.cfg.ImprovementThreshold {
		attempt.Success = false
		o.recordAttempt(attempt)
		logging.Get(logging.CategoryOptimize).Info(
			"rejected candidate for %s/%s: improvement %.2f below %.2f",
			agent, template, attempt.Improvement, o.cfg.ImprovementThreshold,
		)
		return nil, nil
	}

	version := &types.PromptVersion{
		Agent:              agent,
		TemplateName:       template,
		Content:            candidate,
		Version:            current.Version + 1,
		ParentVersion:      current.VersionID,
		OptimizationMethod: method,
		Status:             types.VersionDraft,
		Metrics: map[string]float64{
			"validation_score": validationScore,
			"baseline_score":   currentAvg,
		},
	}
	if err := o.store.Prompts.Create(version); err != nil {
		attempt.Error = err.Error()
		o.recordAttempt(attempt)
		return nil, err
	}

	attempt.Success = true
	attempt.TargetVersion = version.VersionID
	o.recordAttempt(attempt)
	logging.Get(logging.CategoryOptimize).Info(
		"accepted candidate %s for %s/%s via %s (improvement %.2f)",
		version.VersionID, agent, template, method, attempt.Improvement,
	)
	return version, nil
}

func (o *Optimizer) recordAttempt(a *types.OptimizationAttempt) {
	if err := o.store.Attempts.Create(a); err != nil {
		logging.Get(logging.CategoryOptimize).Error("failed to record optimization attempt: %v", err)
	}
}

// generateCandidate builds the meta-prompt for the chosen method and asks
// the writer model for a rewrite. Returns the candidate and how many
// samples informed it.
func (o *Optimizer) generateCandidate(ctx context.Context, method types.OptimizationMethod, agent types.AgentKind, template string, current *types.PromptVersion) (string, int, error) {
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var metaPrompt string
	var samples int
	var err error
	switch method {
	case types.MethodBootstrap:
		metaPrompt, samples, err = o.buildBootstrapPrompt(agent, template, current)
	default:
		metaPrompt, samples, err = o.buildOPROPrompt(agent, current)
	}
	if err != nil {
		return "", 0, err
	}

	candidate, err := o.client.Generate(callCtx, o.cfg.WriterModel, metaPrompt)
	if err != nil {
		return "", samples, fmt.Errorf("writer model failed: %w", err)
	}
	return strings.TrimSpace(candidate), samples, nil
}

// buildOPROPrompt assembles the current prompt, high and low scoring
// examples, and a frequency-ranked issue list.
func (o *Optimizer) buildOPROPrompt(agent types.AgentKind, current *types.PromptVersion) (string, int, error) {
	top, err := o.store.Evaluations.TopScorers(agent, oproTopExamples)
	if err != nil {
		return "", 0, err
	}
	bottom, err := o.store.Evaluations.BottomScorers(agent, oproBottomExamples)
	if err != nil {
		return "", 0, err
	}

	var b strings.Builder
	b.WriteString("You are a prompt engineer. Rewrite the prompt below to raise the scores it earns.\n\n")
	b.WriteString("Current prompt:\n---\n")
	b.WriteString(current.Content)
	b.WriteString("\n---\n\n")

	if len(top) > 0 {
		b.WriteString("High-scoring runs:\n")
		for _, e := range top {
			fmt.Fprintf(&b, "- score %.1f: %s\n", e.OverallScore, firstLine(e.Feedback))
		}
		b.WriteString("\n")
	}
	if len(bottom) > 0 {
		b.WriteString("Low-scoring runs:\n")
		for _, e := range bottom {
			fmt.Fprintf(&b, "- score %.1f: %s\n", e.OverallScore, firstLine(e.Feedback))
		}
		b.WriteString("\n")
	}

	issues := rankIssues(bottom)
	if len(issues) > 0 {
		b.WriteString("Most frequent issues to fix, in order:\n")
		for i, issue := range issues {
			fmt.Fprintf(&b, "%d. %s\n", i+1, issue)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with ONLY the rewritten prompt, no commentary. ")
	b.WriteString("Keep the original intent and required outputs intact.")
	return b.String(), len(top) + len(bottom), nil
}

// buildBootstrapPrompt instructs the writer to fold golden examples into
// the prompt as few-shot demonstrations.
func (o *Optimizer) buildBootstrapPrompt(agent types.AgentKind, template string, current *types.PromptVersion) (string, int, error) {
	goldens, err := o.store.Goldens.FindByTemplate(agent, template, bootstrapThreshold)
	if err != nil {
		return "", 0, err
	}
	if len(goldens) < bootstrapMinGolden {
		return "", len(goldens), fmt.Errorf("bootstrap needs at least %d golden examples, have %d", bootstrapMinGolden, len(goldens))
	}

	var b strings.Builder
	b.WriteString("You are a prompt engineer. Improve the prompt below by folding the ")
	b.WriteString("demonstration examples into it as few-shot examples, while preserving ")
	b.WriteString("every existing instruction.\n\n")
	b.WriteString("Current prompt:\n---\n")
	b.WriteString(current.Content)
	b.WriteString("\n---\n\n")

	for i, g := range goldens {
		fmt.Fprintf(&b, "Example %d (score %.1f):\nInput: %s\nOutput: %s\n\n", i+1, g.Score, truncate(g.InputPrompt, 500), truncate(g.Output, 500))
	}

	b.WriteString("Respond with ONLY the improved prompt, no commentary.")
	return b.String(), len(goldens), nil
}

// rankIssues extracts suggestions from low scorers and orders them by
// frequency, most common first.
func rankIssues(evals []*types.Evaluation) []string {
	counts := make(map[string]int)
	for _, e := range evals {
		for _, s := range e.Suggestions {
			counts[strings.TrimSpace(s)]++
		}
	}
	issues := make([]string, 0, len(counts))
	for issue := range counts {
		if issue != "" {
			issues = append(issues, issue)
		}
	}
	sort.Slice(issues, func(i, j int) bool {
		if counts[issues[i]] != counts[issues[j]] {
			return counts[issues[i]] > counts[issues[j]]
		}
		return issues[i] < issues[j]
	})
	return issues
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
