package evaluate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Analysis is the deterministic check result for one output: a 0..1 score
// per dimension, detected patterns, and ordered improvement suggestions.
type Analysis struct {
	SemanticScore   float64  `json:"semantic_score"`
	StructuralScore float64  `json:"structural_score"`
	EfficiencyScore float64  `json:"efficiency_score"`
	Patterns        []string `json:"patterns,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// OverallScore averages the three dimension scores.
func (a *Analysis) OverallScore() float64 {
	return (a.SemanticScore + a.StructuralScore + a.EfficiencyScore) / 3
}

// AnalyzeRequest describes the output to inspect and what was asked of it.
type AnalyzeRequest struct {
	Output       string
	Requirements []string
	ExpectJSON   bool
}

var (
	fillerRe    = regexp.MustCompile(`(?i)\b(basically|actually|essentially|simply|obviously|clearly|of course|just|really|very)\b`)
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s`)
	listItemRe  = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+\.)\s`)
	codeBlockRe = regexp.MustCompile("```")
	wordRe      = regexp.MustCompile(`[a-zA-Z_]+`)
)

// Analyze runs every deterministic check. It never calls a model.
func Analyze(req *AnalyzeRequest) *Analysis {
	a := &Analysis{}

	a.SemanticScore = semanticScore(req.Output, req.Requirements)
	a.StructuralScore = structuralScore(req.Output, req.ExpectJSON, a)
	a.EfficiencyScore = efficiencyScore(req.Output, a)

	if a.SemanticScore < 0.5 {
		a.addSuggestion("address the stated requirements explicitly; several requirement keywords are missing from the output")
	}
	if len(req.Output) > 8000 && a.EfficiencyScore < 0.6 {
		a.addPattern("verbosity")
		a.addSuggestion("tighten the output; it is long relative to its information density")
	}
	return a
}

// semanticScore checks length coverage and requirement keyword matching.
func semanticScore(output string, requirements []string) float64 {
	if strings.TrimSpace(output) == "" {
		return 0
	}

	score := 1.0
	if len(output) < 50 {
		score -= 0.4
	}

	if len(requirements) > 0 {
		lower := strings.ToLower(output)
		matched := 0
		for _, req := range requirements {
			words := wordRe.FindAllString(strings.ToLower(req), -1)
			hits := 0
			for _, w := range words {
				if len(w) > 3 && strings.Contains(lower, w) {
					hits++
				}
			}
			if len(words) == 0 || hits*2 >= len(words) {
				matched++
			}
		}
		coverage := float64(matched) / float64(len(requirements))
		score = score*0.4 + coverage*0.6
	}
	return clamp01(score)
}

// structuralScore checks JSON compliance when expected, and markdown
// organization otherwise.
func structuralScore(output string, expectJSON bool, a *Analysis) float64 {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		a.addPattern("missing-structure")
		return 0
	}

	if expectJSON {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			a.addPattern("format-error")
			a.addSuggestion("output must be valid JSON; it failed to parse")
			return 0.2
		}
		return 1.0
	}

	score := 0.4
	if headingRe.MatchString(output) {
		score += 0.3
	}
	if listItemRe.MatchString(output) {
		score += 0.2
	}
	if codeBlockRe.MatchString(output) {
		score += 0.1
	}
	if score < 0.6 && len(output) > 1000 {
		a.addPattern("missing-structure")
		a.addSuggestion("break long prose into sections or lists")
	}
	return clamp01(score)
}

// efficiencyScore penalizes filler words and repeated sentences.
func efficiencyScore(output string, a *Analysis) float64 {
	words := len(strings.Fields(output))
	if words == 0 {
		return 0
	}

	score := 1.0
	fillers := len(fillerRe.FindAllString(output, -1))
	fillerRatio := float64(fillers) / float64(words)
	if fillerRatio > 0.02 {
		score -= fillerRatio * 10
		a.addSuggestion(fmt.Sprintf("remove filler words (%d found)", fillers))
	}

	sentences := splitSentences(output)
	seen := make(map[string]int)
	repeats := 0
	for _, s := range sentences {
		key := strings.ToLower(strings.TrimSpace(s))
		if len(key) < 20 {
			continue
		}
		seen[key]++
		if seen[key] == 2 {
			repeats++
		}
	}
	if repeats > 0 {
		score -= 0.15 * float64(repeats)
		a.addPattern("repetition")
		a.addSuggestion(fmt.Sprintf("remove %d repeated sentences", repeats))
	}
	return clamp01(score)
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

func (a *Analysis) addPattern(p string) {
	for _, existing := range a.Patterns {
		if existing == p {
			return
		}
	}
	a.Patterns = append(a.Patterns, p)
}

func (a *Analysis) addSuggestion(s string) {
	a.Suggestions = append(a.Suggestions, s)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
