package schema

// Document is the declarative resource wrapping a workflow specification.
// YAML and JSON are both accepted.
type Document struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   Metadata     `yaml:"metadata" json:"metadata"`
	Spec       WorkflowSpec `yaml:"spec" json:"spec"`
}

// APIVersionV1 and KindWorkflow are the only accepted document headers.
const (
	APIVersionV1 = "flow/v1"
	KindWorkflow = "Workflow"
)

// Metadata identifies a workflow document.
type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// WorkflowSpec is the immutable workflow graph plus its global policies.
type WorkflowSpec struct {
	// State is a JSON-Schema shape the run state is validated against
	// after every merge.
	State map[string]any `yaml:"state,omitempty" json:"state,omitempty"`

	Entrypoint string           `yaml:"entrypoint" json:"entrypoint"`
	Steps      []StepDefinition `yaml:"steps" json:"steps"`

	// Reducers maps state field names to merge strategies. Fields without
	// an entry use ReducerOverwrite.
	Reducers map[string]ReducerKind `yaml:"reducers,omitempty" json:"reducers,omitempty"`

	Retry         *RetryPolicy     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Checkpointing CheckpointPolicy `yaml:"checkpointing,omitempty" json:"checkpointing,omitempty"`
	Recovery      RecoveryPolicy   `yaml:"recovery,omitempty" json:"recovery,omitempty"`

	// ErrorHandler is the node control escalates to once retries exhaust.
	ErrorHandler string `yaml:"errorHandler,omitempty" json:"errorHandler,omitempty"`

	// MaxStepsPerRun bounds cyclic graphs. 0 means DefaultMaxStepsPerRun.
	MaxStepsPerRun int `yaml:"max_steps_per_run,omitempty" json:"max_steps_per_run,omitempty"`
}

// DefaultMaxStepsPerRun is the loop safety limit applied when the spec
// does not set one.
const DefaultMaxStepsPerRun = 1000

// StepType enumerates the kinds of nodes in a workflow graph.
type StepType string

const (
	StepTypeAgent       StepType = "agent"
	StepTypeFleet       StepType = "fleet"
	StepTypeApproval    StepType = "approval"
	StepTypeValidation  StepType = "validation"
	StepTypeParallel    StepType = "parallel"
	StepTypeConditional StepType = "conditional"
	StepTypeWait        StepType = "wait"
	StepTypeTerminal    StepType = "terminal"
)

// StepDefinition describes a single node in the workflow graph.
type StepDefinition struct {
	ID   string   `yaml:"id" json:"id"`
	Type StepType `yaml:"type" json:"type"`

	// Config is the type-specific configuration block, decoded into one of
	// the *Config structs below.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Next lists outgoing edges in declaration order. The first edge whose
	// condition evaluates true is taken; an edge without a condition is the
	// default and must be last.
	Next []Edge `yaml:"next,omitempty" json:"next,omitempty"`

	// OnError edges take precedence over the global retry policy when the
	// node fails.
	OnError []Edge `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Retry overrides the global retry policy for this node.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Timeout bounds a single execution attempt, e.g. "30s".
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Edge is a directed, optionally conditioned transition.
type Edge struct {
	// When is a condition over the run state, e.g. `state.x > 5`. The
	// reserved keywords approved / rejected / timeout are available on
	// edges out of approval nodes. Empty means default edge.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	To   string `yaml:"to" json:"to"`
}

// IsDefault reports whether the edge has no condition.
func (e Edge) IsDefault() bool { return e.When == "" }

// ReducerKind is a per-field state merge strategy.
type ReducerKind string

const (
	ReducerOverwrite ReducerKind = "overwrite"
	ReducerAppend    ReducerKind = "append"
	ReducerMerge     ReducerKind = "merge"
	ReducerSum       ReducerKind = "sum"
)

// RetryPolicy configures retries for failed capability invocations.
type RetryPolicy struct {
	MaxAttempts  int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff      string `yaml:"backoff,omitempty" json:"backoff,omitempty"` // none | constant | linear | exponential
	InitialDelay string `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// CheckpointFrequency controls when checkpoints are written. Per-step,
// the default, checkpoints every advance including revisits in a cycle;
// per-node checkpoints each node's first completion only; manual writes
// no automatic checkpoints.
type CheckpointFrequency string

const (
	CheckpointPerStep CheckpointFrequency = "step"
	CheckpointPerNode CheckpointFrequency = "node"
	CheckpointManual  CheckpointFrequency = "manual"
)

// CheckpointPolicy configures checkpoint creation and retention.
type CheckpointPolicy struct {
	Enabled   bool                `yaml:"enabled" json:"enabled"`
	Frequency CheckpointFrequency `yaml:"frequency,omitempty" json:"frequency,omitempty"`
	History   int                 `yaml:"history,omitempty" json:"history,omitempty"`
}

// DefaultCheckpointHistory is the retention depth applied when unset.
const DefaultCheckpointHistory = 10

// RecoveryPolicy configures crash-restart behavior.
type RecoveryPolicy struct {
	AutoResume    bool `yaml:"auto_resume" json:"auto_resume"`
	SkipCompleted bool `yaml:"skip_completed" json:"skip_completed"`
}

// --- Type-specific step configs ---

// AgentConfig is the config block for agent steps.
type AgentConfig struct {
	// Agent names the registered agent capability to invoke.
	Agent string `yaml:"agent" json:"agent"`
	// Input is the capability input; string values support ${...}
	// interpolation against state, node outputs, and event data.
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// FleetConfig is the config block for fleet steps. The fleet runs its own
// multi-agent coordination; the engine consumes only the aggregate result.
type FleetConfig struct {
	Fleet            string         `yaml:"fleet" json:"fleet"`
	CoordinationMode string         `yaml:"coordination_mode,omitempty" json:"coordination_mode,omitempty"`
	Input            map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// ApprovalConfig is the config block for approval steps.
type ApprovalConfig struct {
	// AutoApprove is a condition evaluated at node entry. When true the
	// node completes as approved without contacting any approver.
	AutoApprove string `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`

	Approvers         []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
	RequiredApprovals int      `yaml:"required_approvals,omitempty" json:"required_approvals,omitempty"`
	Message           string   `yaml:"message,omitempty" json:"message,omitempty"`

	// Timeout is the approval deadline, e.g. "5m". When it passes, the
	// reserved `timeout` edge condition fires.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ValidatorKind selects a validator implementation.
type ValidatorKind string

const (
	ValidatorExpr   ValidatorKind = "expr"
	ValidatorCEL    ValidatorKind = "cel"
	ValidatorJQ     ValidatorKind = "jq"
	ValidatorScript ValidatorKind = "script"
	ValidatorNamed  ValidatorKind = "named" // registered capability, e.g. LLM-backed
)

// ValidatorSpec is one validator in a validation step.
type ValidatorSpec struct {
	Kind ValidatorKind `yaml:"kind" json:"kind"`
	// Expression holds the expr/cel/jq program for expression validators.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	// Command holds the script command line for script validators.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	// Name references a registered Validator capability.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// OnFailure strategies for validation steps.
const (
	FailureRetryPrevious = "retry_previous_step"
	FailureFail          = "fail"
	FailureContinue      = "continue"
)

// ValidationConfig is the config block for validation steps.
type ValidationConfig struct {
	Validators []ValidatorSpec `yaml:"validators" json:"validators"`
	MaxRetries int             `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// OnFailure is one of retry_previous_step | fail | continue.
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// JoinStrategy selects how a parallel step's join fires.
type JoinStrategy string

const (
	JoinAll      JoinStrategy = "all"
	JoinAny      JoinStrategy = "any"
	JoinMajority JoinStrategy = "majority"
)

// JoinPolicy configures the fan-in of a parallel step.
type JoinPolicy struct {
	Strategy JoinStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"` // default: all
	Timeout  string       `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ParallelConfig is the config block for parallel steps. Each branch is an
// inline sequence executed against a read-only snapshot of the pre-fork
// state; branch results merge through reducers in completion order.
type ParallelConfig struct {
	Branches [][]StepDefinition `yaml:"branches" json:"branches"`
	Join     JoinPolicy         `yaml:"join,omitempty" json:"join,omitempty"`
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	Duration string `yaml:"duration" json:"duration"`
}

// TerminalConfig is the config block for terminal steps.
type TerminalConfig struct {
	// Status is completed or failed. Empty means completed.
	Status string `yaml:"status,omitempty" json:"status,omitempty"`
	Code   int    `yaml:"code,omitempty" json:"code,omitempty"`
}
