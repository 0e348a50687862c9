package evaluate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/config"
	"maestro/internal/llm"
	"maestro/internal/store"
	"maestro/internal/types"
)

func newTestEvaluator(t *testing.T, stub *llm.StubClient, mutate func(*config.ProjectConfig)) (*Evaluator, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default("test")
	if mutate != nil {
		mutate(cfg)
	}
	e := New(s, stub, cfg)
	e.randFloat = func() float64 { return 0 } // sampling always admits
	return e, s
}

func judgeJSON(score float64) string {
	return fmt.Sprintf(`{"reasoning": "checked the output", "score": %g, "feedback": "fine"}`, score)
}

func repeatedJSON(score float64, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = judgeJSON(score)
	}
	return out
}

func TestWeightedScoreIdentity(t *testing.T) {
	scores := map[types.Criterion]float64{
		types.CriterionTaskCompletion:   8,
		types.CriterionOutputQuality:    7,
		types.CriterionTokenEfficiency:  6,
		types.CriterionReasoningQuality: 9,
		types.CriterionToolUtilization:  5,
		types.CriterionContextRetention: 7,
		types.CriterionSafety:           10,
	}
	want := 8*0.25 + 7*0.20 + 6*0.15 + 9*0.15 + 5*0.10 + 7*0.10 + 10*0.05
	assert.InDelta(t, want, WeightedScore(scores), 1e-6)
}

func TestWeightedScoreUniformInput(t *testing.T) {
	scores := map[types.Criterion]float64{}
	for _, c := range criterionPriority {
		scores[c] = 7.0
	}
	assert.InDelta(t, 7.0, WeightedScore(scores), 1e-6)

	// Partial maps renormalize so a uniform input stays at its value.
	partial := map[types.Criterion]float64{
		types.CriterionTaskCompletion: 7.0,
		types.CriterionOutputQuality:  7.0,
	}
	assert.InDelta(t, 7.0, WeightedScore(partial), 1e-6)
}

func TestEvaluatePersistsAndDerivesVerdicts(t *testing.T) {
	stub := &llm.StubClient{Responses: repeatedJSON(6, 7)}
	e, s := newTestEvaluator(t, stub, nil)

	result, err := e.Evaluate(context.Background(), &Request{
		Agent:        types.AgentWriter,
		Node:         "implement_task",
		TaskID:       "T1",
		TemplateName: "implement",
		Prompt:       "write the feature",
		Output:       "done",
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)
	require.NotNil(t, result.Evaluation)

	assert.InDelta(t, 6.0, result.Evaluation.OverallScore, 1e-6)
	assert.True(t, result.NeedsOptimization, "6.0 < optimization threshold 7.0")
	assert.False(t, result.IsGoldenExample)
	assert.False(t, result.IndicatesFailure)
	assert.Len(t, result.Evaluation.Scores, 7)
	assert.Len(t, stub.Calls, 7)

	stored, err := s.Evaluations.FindByID(result.Evaluation.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentWriter, stored.Agent)
}

func TestEvaluateGoldenThresholdInclusive(t *testing.T) {
	stub := &llm.StubClient{Responses: repeatedJSON(9, 7)}
	e, s := newTestEvaluator(t, stub, nil)

	result, err := e.Evaluate(context.Background(), &Request{
		Agent:        types.AgentWriter,
		TemplateName: "implement",
		Prompt:       "p",
		Output:       "o",
	})
	require.NoError(t, err)
	assert.InDelta(t, 9.0, result.Evaluation.OverallScore, 1e-6)
	assert.True(t, result.IsGoldenExample, "score 9.0 is golden, inclusive")

	count, err := s.Goldens.Count(types.AgentWriter, "implement")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEvaluateFailureThreshold(t *testing.T) {
	stub := &llm.StubClient{Responses: repeatedJSON(4, 7)}
	e, _ := newTestEvaluator(t, stub, nil)

	result, err := e.Evaluate(context.Background(), &Request{
		Agent: types.AgentWriter, Prompt: "p", Output: "o",
	})
	require.NoError(t, err)
	assert.True(t, result.IndicatesFailure, "4.0 < failure threshold 5.0")
	assert.True(t, result.NeedsOptimization)
}

func TestEvaluateSamplingSkips(t *testing.T) {
	stub := &llm.StubClient{}
	e, _ := newTestEvaluator(t, stub, func(cfg *config.ProjectConfig) {
		cfg.AutoImprovement.Evaluation.SamplingRate = 0.5
	})
	e.randFloat = func() float64 { return 0.9 } // above the sampling rate

	result, err := e.Evaluate(context.Background(), &Request{
		Agent: types.AgentWriter, Prompt: "p", Output: "o",
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, stub.Calls)

	// Force bypasses sampling.
	stub.Responses = repeatedJSON(7, 7)
	result, err = e.Evaluate(context.Background(), &Request{
		Agent: types.AgentWriter, Prompt: "p", Output: "o", Force: true,
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestEvaluateJudgeFailureDefaultsNeutral(t *testing.T) {
	stub := &llm.StubClient{Responses: []string{
		"complete gibberish with no score anywhere",
		judgeJSON(8), judgeJSON(8), judgeJSON(8), judgeJSON(8), judgeJSON(8), judgeJSON(8),
	}}
	e, _ := newTestEvaluator(t, stub, nil)

	result, err := e.Evaluate(context.Background(), &Request{
		Agent: types.AgentWriter, Prompt: "p", Output: "o",
	})
	require.NoError(t, err)
	assert.InDelta(t, neutralScore, result.Evaluation.Scores[types.CriterionTaskCompletion], 1e-6)
}

func TestSelectCriteriaCostBounded(t *testing.T) {
	e, _ := newTestEvaluator(t, &llm.StubClient{}, func(cfg *config.ProjectConfig) {
		cfg.AutoImprovement.Evaluation.Model = "claude-haiku"
		// Roughly two criterion calls worth of budget.
		cfg.AutoImprovement.Evaluation.MaxCostPerEval = 0.0014
	})

	criteria := e.selectCriteria(&Request{Prompt: "short", Output: "short"})
	assert.Less(t, len(criteria), 7)
	assert.GreaterOrEqual(t, len(criteria), 1)
	assert.Equal(t, types.CriterionTaskCompletion, criteria[0], "priority order is fixed")

	e2, _ := newTestEvaluator(t, &llm.StubClient{}, nil)
	assert.Len(t, e2.selectCriteria(&Request{}), 7, "no cost limit evaluates everything")
}

func TestParseJudgeResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
		ok   bool
	}{
		{"strict json", `{"reasoning": "r", "score": 8.5, "feedback": "f"}`, 8.5, true},
		{"embedded json", "Here is my verdict:\n{\"score\": 7, \"feedback\": \"ok\"}\nDone.", 7, true},
		{"regex fallback", "I would give this a score: 6 overall", 6, true},
		{"garbage", "no numbers that look like anything here", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _, ok := parseJudgeResponse(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.InDelta(t, tt.want, score, 1e-9)
			}
		})
	}
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 1.0, clampScore(0))
	assert.Equal(t, 10.0, clampScore(42))
	assert.Equal(t, 5.5, clampScore(5.5))
}
