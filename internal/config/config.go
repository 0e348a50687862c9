// Package config loads and watches per-project configuration.
// The authoritative file is <projectDir>/.project-config.json; the global
// agent-binary registry lives in agents.yaml. Environment variables prefixed
// MAESTRO_ override selected fields at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileName is the per-project configuration file.
const FileName = ".project-config.json"

// ProjectConfig is the full per-project configuration.
type ProjectConfig struct {
	ProjectName     string          `json:"project_name"`
	CreatedAt       time.Time       `json:"created_at"`
	AutoImprovement AutoImprovement `json:"auto_improvement"`
	Budget          BudgetConfig    `json:"budget"`
	Timeouts        TimeoutConfig   `json:"timeouts"`
	Retention       RetentionConfig `json:"retention"`
	DebugMode       bool            `json:"debug_mode"`
}

// AutoImprovement groups the evaluation/optimization/deployment knobs.
type AutoImprovement struct {
	Evaluation   EvaluationConfig   `json:"evaluation"`
	Optimization OptimizationConfig `json:"optimization"`
	Deployment   DeploymentConfig   `json:"deployment"`
}

// EvaluationConfig controls G-Eval scoring.
type EvaluationConfig struct {
	Enabled        bool    `json:"enabled"`
	Model          string  `json:"model"`
	SamplingRate   float64 `json:"sampling_rate"`
	MaxCostPerEval float64 `json:"max_cost_per_eval"`
}

// OptimizationConfig controls the optimizer and its scheduler.
type OptimizationConfig struct {
	Enabled               bool    `json:"enabled"`
	Method                string  `json:"method"`
	OptimizationThreshold float64 `json:"optimization_threshold"`
	ImprovementThreshold  float64 `json:"improvement_threshold"`
	MaxAttempts           int     `json:"max_attempts"`
	CooldownHours         int     `json:"cooldown_hours"`
	MinSamples            int     `json:"min_samples"`
	GoldenThreshold       float64 `json:"golden_threshold"`
	FailureThreshold      float64 `json:"failure_threshold"`
	AnalysisThreshold     float64 `json:"analysis_threshold"`
	CheckIntervalSeconds  int     `json:"check_interval_seconds"`
	MaxConcurrent         int     `json:"max_concurrent"`
	MinSamplesPerTemplate int     `json:"min_samples_per_template"`
	WriterModel           string  `json:"writer_model"`
}

// DeploymentConfig controls the shadow/canary promotion lifecycle.
type DeploymentConfig struct {
	ShadowTestCount   int     `json:"shadow_test_count"`
	CanaryPercentage  float64 `json:"canary_percentage"`
	CanaryTestCount   int     `json:"canary_test_count"`
	RollbackThreshold float64 `json:"rollback_threshold"`
	MinimumScore      float64 `json:"minimum_score"`
	AutoPromote       bool    `json:"auto_promote"`
}

// BudgetConfig holds the spend limits. Nil pointers mean unlimited.
type BudgetConfig struct {
	Enabled             bool               `json:"enabled"`
	ProjectBudgetUSD    *float64           `json:"project_budget_usd,omitempty"`
	TaskBudgetUSD       *float64           `json:"task_budget_usd,omitempty"`
	InvocationBudgetUSD float64            `json:"invocation_budget_usd"`
	TaskBudgets         map[string]float64 `json:"task_budgets,omitempty"`
	WarnAtPercent       float64            `json:"warn_at_percent"`
}

// TimeoutConfig sets per-call timeouts in seconds.
type TimeoutConfig struct {
	AgentSeconds     int `json:"agent_seconds"`
	OptimizerSeconds int `json:"optimizer_seconds"`
	EvaluatorSeconds int `json:"evaluator_seconds"`
}

// RetentionConfig bounds append-mostly history tables.
type RetentionConfig struct {
	AuditDays       int `json:"audit_days"`
	CheckpointsKeep int `json:"checkpoints_keep"`
}

// Default returns the baseline configuration for a new project.
func Default(projectName string) *ProjectConfig {
	return &ProjectConfig{
		ProjectName: projectName,
		CreatedAt:   time.Now().UTC(),
		AutoImprovement: AutoImprovement{
			Evaluation: EvaluationConfig{
				Enabled:        true,
				Model:          "claude-haiku",
				SamplingRate:   1.0,
				MaxCostPerEval: 0,
			},
			Optimization: OptimizationConfig{
				Enabled:               true,
				Method:                "auto",
				OptimizationThreshold: 7.0,
				ImprovementThreshold:  0.5,
				MaxAttempts:           3,
				CooldownHours:         24,
				MinSamples:            10,
				GoldenThreshold:       9.0,
				FailureThreshold:      5.0,
				AnalysisThreshold:     6.0,
				CheckIntervalSeconds:  300,
				MaxConcurrent:         2,
				MinSamplesPerTemplate: 3,
				WriterModel:           "claude-sonnet",
			},
			Deployment: DeploymentConfig{
				ShadowTestCount:   10,
				CanaryPercentage:  0.1,
				CanaryTestCount:   10,
				RollbackThreshold: -0.5,
				MinimumScore:      5.0,
				AutoPromote:       false,
			},
		},
		Budget: BudgetConfig{
			Enabled:             true,
			InvocationBudgetUSD: 1.0,
			WarnAtPercent:       80,
		},
		Timeouts: TimeoutConfig{
			AgentSeconds:     300,
			OptimizerSeconds: 120,
			EvaluatorSeconds: 60,
		},
		Retention: RetentionConfig{
			AuditDays:       90,
			CheckpointsKeep: 10,
		},
	}
}

// Load reads the project config from dir, applying defaults for missing
// fields and MAESTRO_* environment overrides.
func Load(dir string) (*ProjectConfig, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	cfg := Default("")
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to dir atomically (temp file + rename).
func (c *ProjectConfig) Save(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode project config: %w", err)
	}
	tmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write project config: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, FileName))
}

// Validate checks cross-field constraints.
func (c *ProjectConfig) Validate() error {
	eval := c.AutoImprovement.Evaluation
	if eval.SamplingRate < 0 || eval.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be within [0,1], got %v", eval.SamplingRate)
	}
	if c.Budget.WarnAtPercent < 0 || c.Budget.WarnAtPercent > 100 {
		return fmt.Errorf("warn_at_percent must be within [0,100], got %v", c.Budget.WarnAtPercent)
	}
	dep := c.AutoImprovement.Deployment
	if dep.ShadowTestCount < 0 || dep.CanaryTestCount < 0 {
		return fmt.Errorf("deployment test counts must be non-negative")
	}
	return nil
}

// applyEnvOverrides maps MAESTRO_* environment variables onto config fields.
func applyEnvOverrides(cfg *ProjectConfig) {
	if v, ok := lookupBool("MAESTRO_EVALUATION_ENABLED"); ok {
		cfg.AutoImprovement.Evaluation.Enabled = v
	}
	if v, ok := lookupBool("MAESTRO_OPTIMIZATION_ENABLED"); ok {
		cfg.AutoImprovement.Optimization.Enabled = v
	}
	if v, ok := lookupBool("MAESTRO_DEBUG"); ok {
		cfg.DebugMode = v
	}
	if v, ok := lookupFloat("MAESTRO_SAMPLING_RATE"); ok {
		cfg.AutoImprovement.Evaluation.SamplingRate = v
	}
	if v, ok := lookupFloat("MAESTRO_PROJECT_BUDGET_USD"); ok {
		cfg.Budget.ProjectBudgetUSD = &v
	}
	if v, ok := lookupFloat("MAESTRO_TASK_BUDGET_USD"); ok {
		cfg.Budget.TaskBudgetUSD = &v
	}
	if v, ok := lookupFloat("MAESTRO_INVOCATION_BUDGET_USD"); ok {
		cfg.Budget.InvocationBudgetUSD = v
	}
	if v := os.Getenv("MAESTRO_EVALUATOR_MODEL"); v != "" {
		cfg.AutoImprovement.Evaluation.Model = v
	}
	if v, ok := lookupInt("MAESTRO_AGENT_TIMEOUT_SECONDS"); ok {
		cfg.Timeouts.AgentSeconds = v
	}
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func lookupFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}
