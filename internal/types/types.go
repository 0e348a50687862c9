// Package types defines the persistent entities shared by every maestro
// subsystem: tasks, workflow state, audit entries, sessions, budget records,
// checkpoints, evaluations and prompt versions. All entities serialize
// losslessly to JSON; the store layer persists them per-project.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// AGENTS
// =============================================================================

// AgentKind identifies one of the three external agent roles.
type AgentKind string

const (
	AgentWriter    AgentKind = "writer"
	AgentValidator AgentKind = "validator"
	AgentReviewer  AgentKind = "reviewer"
)

// Valid reports whether the kind is one of the closed set.
func (a AgentKind) Valid() bool {
	switch a {
	case AgentWriter, AgentValidator, AgentReviewer:
		return true
	}
	return false
}

// =============================================================================
// TASKS
// =============================================================================

// TaskStatus is the lifecycle status of a planned task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
	TaskSkipped    TaskStatus = "skipped"
)

// Task is a unit of planned work executed by the writer agent.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	UserStory          string     `json:"user_story,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	Status             TaskStatus `json:"status"`
	Priority           int        `json:"priority"`
	MilestoneID        string     `json:"milestone_id,omitempty"`
	FilesToCreate      []string   `json:"files_to_create,omitempty"`
	FilesToModify      []string   `json:"files_to_modify,omitempty"`
	TestFiles          []string   `json:"test_files,omitempty"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"max_attempts"`
	Error              string     `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DefaultMaxAttempts applies when a plan omits max_attempts.
const DefaultMaxAttempts = 3

// Validate checks the task invariants: non-empty id, no self-dependency,
// attempts within bounds. A zero MaxAttempts is defaulted in place.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	if t.Attempts > t.MaxAttempts {
		return fmt.Errorf("task %s: attempts %d exceeds max_attempts %d", t.ID, t.Attempts, t.MaxAttempts)
	}
	return nil
}

// =============================================================================
// WORKFLOW STATE
// =============================================================================

// Phase numbers the five workflow stages. Phase 0 means "not started".
type Phase int

const (
	PhaseNone           Phase = 0
	PhasePlanning       Phase = 1
	PhaseValidation     Phase = 2
	PhaseImplementation Phase = 3
	PhaseVerification   Phase = 4
	PhaseCompletion     Phase = 5
)

// String returns the human name of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseValidation:
		return "validation"
	case PhaseImplementation:
		return "implementation"
	case PhaseVerification:
		return "verification"
	case PhaseCompletion:
		return "completion"
	}
	return "none"
}

// PhaseStatus is the per-phase progress marker.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Decision is the router's verdict after a phase or node finishes.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
	DecisionRollback Decision = "rollback"
	DecisionAbort    Decision = "abort"
)

// ExecutionMode selects how escalations are resolved.
type ExecutionMode string

const (
	ModeAFK         ExecutionMode = "afk"
	ModeInteractive ExecutionMode = "interactive"
)

// Interrupt is a pending question raised by a node; the engine suspends
// until it is answered (or auto-resolved in afk mode).
type Interrupt struct {
	Kind       string            `json:"kind"`
	QuestionID string            `json:"question_id"`
	Question   string            `json:"question"`
	Options    []string          `json:"options,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// TokenUsage accumulates token counts across agent invocations.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Add accumulates counts.
func (u *TokenUsage) Add(input, output int64) {
	u.Input += input
	u.Output += output
}

// WorkflowState is the singleton engine state per project. The engine holds
// no other persistent references; on resume it re-reads this row.
type WorkflowState struct {
	CurrentPhase         Phase                 `json:"current_phase"`
	PhaseStatus          map[Phase]PhaseStatus `json:"phase_status"`
	IterationCount       int                   `json:"iteration_count"`
	Plan                 string                `json:"plan,omitempty"`
	ValidationFeedback   string                `json:"validation_feedback,omitempty"`
	VerificationFeedback string                `json:"verification_feedback,omitempty"`
	ImplementationResult string                `json:"implementation_result,omitempty"`
	NextDecision         Decision              `json:"next_decision,omitempty"`
	ExecutionMode        ExecutionMode         `json:"execution_mode"`
	DiscussionComplete   bool                  `json:"discussion_complete"`
	ResearchComplete     bool                  `json:"research_complete"`
	ResearchFindings     string                `json:"research_findings,omitempty"`
	TokenUsage           *TokenUsage           `json:"token_usage,omitempty"`
	PendingInterrupt     *Interrupt            `json:"pending_interrupt,omitempty"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// NewWorkflowState returns a fresh state with every phase pending.
func NewWorkflowState(mode ExecutionMode) *WorkflowState {
	status := make(map[Phase]PhaseStatus, 5)
	for p := PhasePlanning; p <= PhaseCompletion; p++ {
		status[p] = PhasePending
	}
	return &WorkflowState{
		CurrentPhase:  PhaseNone,
		PhaseStatus:   status,
		ExecutionMode: mode,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy, used for checkpoint snapshots.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s
	out.PhaseStatus = make(map[Phase]PhaseStatus, len(s.PhaseStatus))
	for k, v := range s.PhaseStatus {
		out.PhaseStatus[k] = v
	}
	if s.TokenUsage != nil {
		usage := *s.TokenUsage
		out.TokenUsage = &usage
	}
	if s.PendingInterrupt != nil {
		intr := *s.PendingInterrupt
		intr.Options = append([]string(nil), s.PendingInterrupt.Options...)
		if s.PendingInterrupt.Context != nil {
			intr.Context = make(map[string]string, len(s.PendingInterrupt.Context))
			for k, v := range s.PendingInterrupt.Context {
				intr.Context[k] = v
			}
		}
		out.PendingInterrupt = &intr
	}
	return &out
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditStatus is the terminal (or pending) status of an agent invocation.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
	AuditTimeout AuditStatus = "timeout"
	AuditError   AuditStatus = "error"
)

// Terminal reports whether the status ends an entry's lifecycle.
func (s AuditStatus) Terminal() bool { return s != AuditPending }

// AuditEntry records one external agent invocation end-to-end.
type AuditEntry struct {
	ID               string            `json:"id"`
	Agent            AgentKind         `json:"agent"`
	TaskID           string            `json:"task_id"`
	SessionID        string            `json:"session_id,omitempty"`
	PromptHash       string            `json:"prompt_hash"`
	PromptLength     int               `json:"prompt_length"`
	CommandArgs      []string          `json:"command_args,omitempty"`
	ExitCode         int               `json:"exit_code"`
	Status           AuditStatus       `json:"status"`
	DurationSeconds  float64           `json:"duration_seconds"`
	OutputLength     int               `json:"output_length"`
	ErrorLength      int               `json:"error_length"`
	ParsedOutputType string            `json:"parsed_output_type,omitempty"`
	CostUSD          float64           `json:"cost_usd,omitempty"`
	Model            string            `json:"model,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// NewAuditID builds the audit id format audit-<YYYYMMDDHHMMSS>-<agent>-<task>.
func NewAuditID(agent AgentKind, taskID string, at time.Time) string {
	return fmt.Sprintf("audit-%s-%s-%s", at.UTC().Format("20060102150405"), agent, taskID)
}

// PromptHash returns the canonical 16-hex truncated SHA-256 of a prompt.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionStatus marks whether a session can still accept invocations.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session tracks conversation continuity with an external agent for one task.
type Session struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"task_id"`
	Agent           AgentKind     `json:"agent"`
	Status          SessionStatus `json:"status"`
	InvocationCount int           `json:"invocation_count"`
	TotalCostUSD    float64       `json:"total_cost_usd"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty"`
}

// =============================================================================
// BUDGET
// =============================================================================

// ResetAgent is the synthetic agent name used by compensating reset records.
const ResetAgent = "system_reset"

// BudgetRecord is one signed spend entry. Soft resets append a negative
// record rather than deleting history.
type BudgetRecord struct {
	ID           int64             `json:"id,omitempty"`
	TaskID       string            `json:"task_id,omitempty"`
	Agent        string            `json:"agent"`
	CostUSD      float64           `json:"cost_usd"`
	TokensInput  int64             `json:"tokens_input,omitempty"`
	TokensOutput int64             `json:"tokens_output,omitempty"`
	Model        string            `json:"model,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

// TaskProgress is the counts snapshot captured with a checkpoint.
type TaskProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// Checkpoint is a restorable snapshot of the workflow state.
type Checkpoint struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Notes         string         `json:"notes,omitempty"`
	Phase         Phase          `json:"phase"`
	TaskProgress  TaskProgress   `json:"task_progress"`
	StateSnapshot *WorkflowState `json:"state_snapshot"`
	FilesSnapshot []string       `json:"files_snapshot,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// =============================================================================
// EVALUATIONS
// =============================================================================

// Criterion names one of the seven G-Eval scoring dimensions.
type Criterion string

const (
	CriterionTaskCompletion   Criterion = "task_completion"
	CriterionOutputQuality    Criterion = "output_quality"
	CriterionTokenEfficiency  Criterion = "token_efficiency"
	CriterionReasoningQuality Criterion = "reasoning_quality"
	CriterionToolUtilization  Criterion = "tool_utilization"
	CriterionContextRetention Criterion = "context_retention"
	CriterionSafety           Criterion = "safety"
)

// Evaluation is one LLM-as-judge scoring of a (prompt, output) pair.
type Evaluation struct {
	EvaluationID   string                `json:"evaluation_id"`
	Agent          AgentKind             `json:"agent"`
	Node           string                `json:"node"`
	TaskID         string                `json:"task_id,omitempty"`
	SessionID      string                `json:"session_id,omitempty"`
	Scores         map[Criterion]float64 `json:"scores"`
	OverallScore   float64               `json:"overall_score"`
	Feedback       string                `json:"feedback,omitempty"`
	Suggestions    []string              `json:"suggestions,omitempty"`
	PromptHash     string                `json:"prompt_hash"`
	PromptVersion  string                `json:"prompt_version,omitempty"`
	EvaluatorModel string                `json:"evaluator_model"`
	Timestamp      time.Time             `json:"timestamp"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// NewEvaluationID builds eval-<agent>-<ts>-<hash-prefix>.
func NewEvaluationID(agent AgentKind, promptHash string, at time.Time) string {
	prefix := promptHash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("eval-%s-%d-%s", agent, at.UTC().Unix(), prefix)
}

// =============================================================================
// PROMPT VERSIONS
// =============================================================================

// OptimizationMethod is how a prompt version was produced.
type OptimizationMethod string

const (
	MethodManual      OptimizationMethod = "manual"
	MethodOPRO        OptimizationMethod = "opro"
	MethodBootstrap   OptimizationMethod = "bootstrap"
	MethodInstruction OptimizationMethod = "instruction"
)

// VersionStatus is the deployment lifecycle stage of a prompt version.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionShadow     VersionStatus = "shadow"
	VersionCanary     VersionStatus = "canary"
	VersionProduction VersionStatus = "production"
	VersionRetired    VersionStatus = "retired"
)

// PromptVersion is one revision of an (agent, template) prompt.
type PromptVersion struct {
	VersionID          string             `json:"version_id"`
	Agent              AgentKind          `json:"agent"`
	TemplateName       string             `json:"template_name"`
	Content            string             `json:"content"`
	Version            int                `json:"version"`
	ParentVersion      string             `json:"parent_version,omitempty"`
	OptimizationMethod OptimizationMethod `json:"optimization_method"`
	Status             VersionStatus      `json:"status"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Hash returns the version's prompt hash: SHA-256 over content salted with
// the version id, so drafts sharing content remain distinguishable.
func (v *PromptVersion) Hash() string {
	sum := sha256.Sum256([]byte(v.Content + v.VersionID))
	return hex.EncodeToString(sum[:])[:16]
}

// MinPromptLength is the shortest prompt content the system accepts.
const MinPromptLength = 100

// GoldenExample is an input/output pair scored at or above the golden
// threshold, kept for bootstrap optimization and validation holdouts.
type GoldenExample struct {
	ExampleID    string            `json:"example_id"`
	Agent        AgentKind         `json:"agent"`
	TemplateName string            `json:"template_name"`
	InputPrompt  string            `json:"input_prompt"`
	Output       string            `json:"output"`
	Score        float64           `json:"score"`
	EvaluationID string            `json:"evaluation_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// OptimizationAttempt records one optimizer run, accepted or not.
type OptimizationAttempt struct {
	OptimizationID    string             `json:"optimization_id"`
	Agent             AgentKind          `json:"agent"`
	TemplateName      string             `json:"template_name"`
	Method            OptimizationMethod `json:"method"`
	SourceVersion     string             `json:"source_version,omitempty"`
	TargetVersion     string             `json:"target_version,omitempty"`
	Success           bool               `json:"success"`
	SourceScore       float64            `json:"source_score,omitempty"`
	TargetScore       float64            `json:"target_score,omitempty"`
	Improvement       float64            `json:"improvement"`
	SamplesUsed       int                `json:"samples_used"`
	ValidationResults map[string]float64 `json:"validation_results,omitempty"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}
