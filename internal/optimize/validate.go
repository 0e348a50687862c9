package optimize

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"maestro/internal/logging"
	"maestro/internal/types"
)

const holdoutLimit = 5

// validateCandidate scores a candidate prompt 1..10. It prefers judging
// against holdout golden examples, then recent high-scoring evaluations,
// and finally falls back to a deterministic checklist.
func (o *Optimizer) validateCandidate(ctx context.Context, agent types.AgentKind, template, candidate string) (float64, map[string]float64, error) {
	results := make(map[string]float64)

	goldens, err := o.store.Goldens.FindByTemplate(agent, template, holdoutLimit)
	if err != nil {
		return 0, nil, err
	}
	if len(goldens) > 0 {
		score, err := o.judgeAgainstExamples(ctx, candidate, goldenDescriptions(goldens))
		if err == nil {
			results["method"] = 1 // golden holdout
			results["holdout_score"] = score
			return score, results, nil
		}
		logging.Get(logging.CategoryOptimize).Warn("golden holdout validation failed, falling back: %v", err)
	}

	recent, err := o.store.Evaluations.TopScorers(agent, holdoutLimit)
	if err != nil {
		return 0, nil, err
	}
	if len(recent) > 0 {
		score, err := o.judgeAgainstExamples(ctx, candidate, evalDescriptions(recent))
		if err == nil {
			results["method"] = 2 // recent evaluations
			results["holdout_score"] = score
			return score, results, nil
		}
		logging.Get(logging.CategoryOptimize).Warn("evaluation-based validation failed, falling back: %v", err)
	}

	score := ChecklistScore(candidate)
	results["method"] = 3 // heuristic checklist
	results["checklist_score"] = score
	return score, results, nil
}

// judgeAgainstExamples asks the judge model to rate how well the candidate
// prompt would drive outputs like the given examples.
func (o *Optimizer) judgeAgainstExamples(ctx context.Context, candidate string, examples []string) (float64, error) {
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var b strings.Builder
	b.WriteString("Rate the quality of the following prompt on a 1-10 scale. ")
	b.WriteString("A high-quality prompt would reliably produce outputs like the reference examples.\n\n")
	b.WriteString("Prompt:\n---\n")
	b.WriteString(candidate)
	b.WriteString("\n---\n\nReference examples:\n")
	for i, ex := range examples {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ex)
	}
	b.WriteString("\nRespond with ONLY a number between 1 and 10.")

	raw, err := o.client.Generate(callCtx, o.cfg.WriterModel, b.String())
	if err != nil {
		return 0, err
	}
	score, err := parseScore(raw)
	if err != nil {
		return 0, err
	}
	return score, nil
}

func goldenDescriptions(goldens []*types.GoldenExample) []string {
	out := make([]string, len(goldens))
	for i, g := range goldens {
		out[i] = fmt.Sprintf("(score %.1f) %s", g.Score, truncate(g.Output, 300))
	}
	return out
}

func evalDescriptions(evals []*types.Evaluation) []string {
	out := make([]string, len(evals))
	for i, e := range evals {
		out[i] = fmt.Sprintf("(score %.1f) %s", e.OverallScore, firstLine(e.Feedback))
	}
	return out
}

var numberRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)`)

func parseScore(raw string) (float64, error) {
	m := numberRe.FindString(strings.TrimSpace(raw))
	if m == "" {
		return 0, fmt.Errorf("no score in response %q", truncate(raw, 80))
	}
	score, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, err
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score, nil
}

var (
	structureMarkerRe = regexp.MustCompile(`(?m)^(#{1,6}\s|[-*]\s|\d+\.\s|[A-Z ]{4,}:)`)
	instructionRe     = regexp.MustCompile(`(?i)\b(must|should|always|never|do not|ensure|require)\b`)
	exampleRe         = regexp.MustCompile(`(?i)\b(example|e\.g\.|for instance|input:|output:)\b`)
	stepNumberRe      = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
)

// checklist items; each contributes equally to a 1..10 score.
var checklistItems = []struct {
	name  string
	check func(string) bool
}{
	{"length band", func(s string) bool { return len(s) >= 500 && len(s) <= 5000 }},
	{"structure markers", func(s string) bool { return structureMarkerRe.MatchString(s) }},
	{"instruction keywords", func(s string) bool { return instructionRe.MatchString(s) }},
	{"examples", func(s string) bool { return exampleRe.MatchString(s) }},
	{"step numbering", func(s string) bool { return stepNumberRe.MatchString(s) }},
}

// ChecklistScore is the deterministic last-resort validator: a 1..10 score
// from structural properties of the prompt alone.
func ChecklistScore(prompt string) float64 {
	passed := 0
	for _, item := range checklistItems {
		if item.check(prompt) {
			passed++
		}
	}
	// Map 0..N passed onto 1..10.
	return 1 + 9*float64(passed)/float64(len(checklistItems))
}

// cooldownRemaining reports how long until (agent, template) may be
// optimized again. Zero means no cooldown applies.
func (o *Optimizer) cooldownRemaining(agent types.AgentKind, template string, now time.Time) time.Duration {
	last, err := o.store.Attempts.Latest(agent, template)
	if err != nil {
		return 0
	}
	cooldown := time.Duration(o.cfg.CooldownHours) * time.Hour
	elapsed := now.Sub(last.CreatedAt)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}
