package evaluate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeEmptyOutput(t *testing.T) {
	a := Analyze(&AnalyzeRequest{Output: ""})
	assert.Zero(t, a.SemanticScore)
	assert.Zero(t, a.StructuralScore)
	assert.Contains(t, a.Patterns, "missing-structure")
}

func TestAnalyzeRequirementCoverage(t *testing.T) {
	good := Analyze(&AnalyzeRequest{
		Output:       "The parser handles nested brackets and reports line numbers on every syntax error it finds.",
		Requirements: []string{"parser handles nested brackets", "report line numbers for errors"},
	})
	bad := Analyze(&AnalyzeRequest{
		Output:       "Completely unrelated text about cooking pasta for dinner tonight with friends.",
		Requirements: []string{"parser handles nested brackets", "report line numbers for errors"},
	})
	assert.Greater(t, good.SemanticScore, bad.SemanticScore)
	assert.Less(t, bad.SemanticScore, 0.5)
}

func TestAnalyzeJSONCompliance(t *testing.T) {
	valid := Analyze(&AnalyzeRequest{Output: `{"result": "ok", "items": [1, 2]}`, ExpectJSON: true})
	assert.Equal(t, 1.0, valid.StructuralScore)

	invalid := Analyze(&AnalyzeRequest{Output: `{"result": "ok", trailing`, ExpectJSON: true})
	assert.Less(t, invalid.StructuralScore, 0.5)
	assert.Contains(t, invalid.Patterns, "format-error")
	assert.NotEmpty(t, invalid.Suggestions)
}

func TestAnalyzeMarkdownOrganization(t *testing.T) {
	organized := Analyze(&AnalyzeRequest{Output: "# Plan\n\n- step one\n- step two\n\n```go\ncode\n```\n"})
	flat := Analyze(&AnalyzeRequest{Output: strings.Repeat("plain prose without any structure whatsoever ", 40)})
	assert.Greater(t, organized.StructuralScore, flat.StructuralScore)
}

func TestAnalyzeRepeatedSentences(t *testing.T) {
	sentence := "This exact sentence is repeated verbatim in the output. "
	a := Analyze(&AnalyzeRequest{Output: strings.Repeat(sentence, 3)})
	assert.Contains(t, a.Patterns, "repetition")
	assert.Less(t, a.EfficiencyScore, 1.0)
}

func TestAnalyzeFillerWords(t *testing.T) {
	filler := "Basically this is actually just really very simply obviously clearly of course essentially done."
	a := Analyze(&AnalyzeRequest{Output: filler})
	assert.Less(t, a.EfficiencyScore, 0.8)

	clean := Analyze(&AnalyzeRequest{Output: "The function returns an error when the file cannot be opened."})
	assert.Greater(t, clean.EfficiencyScore, a.EfficiencyScore)
}

func TestAnalysisOverallScore(t *testing.T) {
	a := &Analysis{SemanticScore: 0.9, StructuralScore: 0.6, EfficiencyScore: 0.3}
	assert.InDelta(t, 0.6, a.OverallScore(), 1e-9)
}
