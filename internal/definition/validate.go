package definition

import (
	"fmt"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// Validation issue codes.
const (
	codeBadHeader      = "bad_header"
	codeMissingField   = "missing_field"
	codeUnknownStep    = "unknown_step"
	codeUnknownType    = "unknown_type"
	codeDuplicateStep  = "duplicate_step"
	codeBadEdge        = "bad_edge"
	codeBadConfig      = "bad_config"
	codeBadReducer     = "bad_reducer"
	codeBadRetry       = "bad_retry"
	codeBadDuration    = "bad_duration"
	codeUnreachable    = "unreachable_step"
)

var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeAgent:       true,
	schema.StepTypeFleet:       true,
	schema.StepTypeApproval:    true,
	schema.StepTypeValidation:  true,
	schema.StepTypeParallel:    true,
	schema.StepTypeConditional: true,
	schema.StepTypeWait:        true,
	schema.StepTypeTerminal:    true,
}

var validReducers = map[schema.ReducerKind]bool{
	schema.ReducerOverwrite: true,
	schema.ReducerAppend:    true,
	schema.ReducerMerge:     true,
	schema.ReducerSum:       true,
}

var validBackoffs = map[string]bool{
	"": true, "none": true, "constant": true, "linear": true, "exponential": true,
}

var validValidatorKinds = map[schema.ValidatorKind]bool{
	schema.ValidatorExpr:   true,
	schema.ValidatorCEL:    true,
	schema.ValidatorJQ:     true,
	schema.ValidatorScript: true,
	schema.ValidatorNamed:  true,
}

// Validate checks a workflow document for structural problems that would
// make a run undefined: bad headers, dangling edges, unknown step types,
// malformed per-type config blocks. It never mutates the document.
func Validate(doc *schema.Document) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if doc.APIVersion != schema.APIVersionV1 {
		result.AddError("apiVersion", codeBadHeader,
			fmt.Sprintf("unsupported apiVersion %q, expected %q", doc.APIVersion, schema.APIVersionV1))
	}
	if doc.Kind != schema.KindWorkflow {
		result.AddError("kind", codeBadHeader,
			fmt.Sprintf("unsupported kind %q, expected %q", doc.Kind, schema.KindWorkflow))
	}
	if doc.Metadata.Name == "" {
		result.AddError("metadata.name", codeMissingField, "workflow name is required")
	}

	spec := &doc.Spec
	if len(spec.Steps) == 0 {
		result.AddError("spec.steps", codeMissingField, "workflow declares no steps")
		return result
	}

	ids := make(map[string]bool, len(spec.Steps))
	for i, step := range spec.Steps {
		path := fmt.Sprintf("spec.steps[%d]", i)
		if step.ID == "" {
			result.AddError(path+".id", codeMissingField, "step id is required")
			continue
		}
		if ids[step.ID] {
			result.AddError(path+".id", codeDuplicateStep,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = true
	}

	if spec.Entrypoint == "" {
		result.AddError("spec.entrypoint", codeMissingField, "entrypoint is required")
	} else if !ids[spec.Entrypoint] {
		result.AddError("spec.entrypoint", codeUnknownStep,
			fmt.Sprintf("entrypoint %q does not match any step", spec.Entrypoint))
	}
	if spec.ErrorHandler != "" && !ids[spec.ErrorHandler] {
		result.AddError("spec.errorHandler", codeUnknownStep,
			fmt.Sprintf("errorHandler %q does not match any step", spec.ErrorHandler))
	}
	if spec.MaxStepsPerRun < 0 {
		result.AddError("spec.max_steps_per_run", codeBadConfig, "max_steps_per_run cannot be negative")
	}

	for field, kind := range spec.Reducers {
		if !validReducers[kind] {
			result.AddError("spec.reducers."+field, codeBadReducer,
				fmt.Sprintf("unknown reducer %q", kind))
		}
	}

	validateRetry(result, "spec.retry", spec.Retry)

	for i, step := range spec.Steps {
		validateStep(result, fmt.Sprintf("spec.steps[%d]", i), step, ids)
	}

	checkReachability(result, spec, ids)

	return result
}

func validateStep(result *schema.ValidationResult, path string, step schema.StepDefinition, ids map[string]bool) {
	if step.Type == "" {
		result.AddError(path+".type", codeMissingField,
			fmt.Sprintf("step %q has no type", step.ID))
		return
	}
	if !validStepTypes[step.Type] {
		result.AddError(path+".type", codeUnknownType,
			fmt.Sprintf("step %q has unknown type %q", step.ID, step.Type))
		return
	}

	validateEdges(result, path+".next", step.ID, step.Next, ids)
	validateEdges(result, path+".on_error", step.ID, step.OnError, ids)
	validateRetry(result, path+".retry", step.Retry)

	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			result.AddError(path+".timeout", codeBadDuration,
				fmt.Sprintf("step %q has unparseable timeout %q", step.ID, step.Timeout))
		}
	}

	switch step.Type {
	case schema.StepTypeAgent:
		var cfg schema.AgentConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if cfg.Agent == "" {
			result.AddError(path+".config.agent", codeMissingField,
				fmt.Sprintf("agent step %q names no agent", step.ID))
		}

	case schema.StepTypeFleet:
		var cfg schema.FleetConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if cfg.Fleet == "" {
			result.AddError(path+".config.fleet", codeMissingField,
				fmt.Sprintf("fleet step %q names no fleet", step.ID))
		}

	case schema.StepTypeApproval:
		var cfg schema.ApprovalConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if cfg.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Timeout); err != nil {
				result.AddError(path+".config.timeout", codeBadDuration,
					fmt.Sprintf("approval step %q has unparseable timeout %q", step.ID, cfg.Timeout))
			}
		}
		if cfg.RequiredApprovals < 0 {
			result.AddError(path+".config.required_approvals", codeBadConfig,
				"required_approvals cannot be negative")
		}
		if len(cfg.Approvers) > 0 && cfg.RequiredApprovals > len(cfg.Approvers) {
			result.AddError(path+".config.required_approvals", codeBadConfig,
				fmt.Sprintf("required_approvals %d exceeds the %d listed approvers",
					cfg.RequiredApprovals, len(cfg.Approvers)))
		}

	case schema.StepTypeValidation:
		var cfg schema.ValidationConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if len(cfg.Validators) == 0 {
			result.AddError(path+".config.validators", codeMissingField,
				fmt.Sprintf("validation step %q declares no validators", step.ID))
		}
		for j, v := range cfg.Validators {
			vpath := fmt.Sprintf("%s.config.validators[%d]", path, j)
			if !validValidatorKinds[v.Kind] {
				result.AddError(vpath+".kind", codeBadConfig,
					fmt.Sprintf("unknown validator kind %q", v.Kind))
				continue
			}
			switch v.Kind {
			case schema.ValidatorExpr, schema.ValidatorCEL, schema.ValidatorJQ:
				if v.Expression == "" {
					result.AddError(vpath+".expression", codeMissingField,
						fmt.Sprintf("%s validator requires an expression", v.Kind))
				}
			case schema.ValidatorScript:
				if v.Command == "" {
					result.AddError(vpath+".command", codeMissingField,
						"script validator requires a command")
				}
			case schema.ValidatorNamed:
				if v.Name == "" {
					result.AddError(vpath+".name", codeMissingField,
						"named validator requires a name")
				}
			}
		}
		switch cfg.OnFailure {
		case "", schema.FailureRetryPrevious, schema.FailureFail, schema.FailureContinue:
		default:
			result.AddError(path+".config.on_failure", codeBadConfig,
				fmt.Sprintf("unknown on_failure %q", cfg.OnFailure))
		}
		if cfg.MaxRetries < 0 {
			result.AddError(path+".config.max_retries", codeBadConfig,
				"max_retries cannot be negative")
		}

	case schema.StepTypeParallel:
		var cfg schema.ParallelConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if len(cfg.Branches) == 0 {
			result.AddError(path+".config.branches", codeMissingField,
				fmt.Sprintf("parallel step %q declares no branches", step.ID))
		}
		switch cfg.Join.Strategy {
		case "", schema.JoinAll, schema.JoinAny, schema.JoinMajority:
		default:
			result.AddError(path+".config.join.strategy", codeBadConfig,
				fmt.Sprintf("unknown join strategy %q", cfg.Join.Strategy))
		}
		if cfg.Join.Timeout != "" {
			if _, err := time.ParseDuration(cfg.Join.Timeout); err != nil {
				result.AddError(path+".config.join.timeout", codeBadDuration,
					fmt.Sprintf("unparseable join timeout %q", cfg.Join.Timeout))
			}
		}
		for b, branch := range cfg.Branches {
			if len(branch) == 0 {
				result.AddError(fmt.Sprintf("%s.config.branches[%d]", path, b),
					codeMissingField, "branch declares no steps")
				continue
			}
			// Branch steps run inline against a snapshot, strictly in
			// sequence. Routing, suspension and run termination belong to
			// the outer graph, so only work-producing types are allowed.
			for s, inner := range branch {
				ipath := fmt.Sprintf("%s.config.branches[%d][%d]", path, b, s)
				if inner.ID == "" {
					result.AddError(ipath+".id", codeMissingField, "branch step id is required")
				}
				switch inner.Type {
				case schema.StepTypeAgent, schema.StepTypeFleet, schema.StepTypeValidation, schema.StepTypeWait:
				default:
					result.AddError(ipath+".type", codeBadConfig,
						fmt.Sprintf("%s steps cannot nest inside branches", inner.Type))
					continue
				}
				if len(inner.Next) > 0 || len(inner.OnError) > 0 {
					result.AddError(ipath, codeBadEdge,
						"branch steps run sequentially and cannot declare edges")
				}
				validateStep(result, ipath, stripEdges(inner), ids)
			}
		}

	case schema.StepTypeConditional:
		if len(step.Next) == 0 {
			result.AddError(path+".next", codeMissingField,
				fmt.Sprintf("conditional step %q has no outgoing edges", step.ID))
		}

	case schema.StepTypeWait:
		var cfg schema.WaitConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		if cfg.Duration == "" {
			result.AddError(path+".config.duration", codeMissingField,
				fmt.Sprintf("wait step %q has no duration", step.ID))
		} else if _, err := time.ParseDuration(cfg.Duration); err != nil {
			result.AddError(path+".config.duration", codeBadDuration,
				fmt.Sprintf("wait step %q has unparseable duration %q", step.ID, cfg.Duration))
		}

	case schema.StepTypeTerminal:
		var cfg schema.TerminalConfig
		if !decodeInto(result, path+".config", step.Config, &cfg) {
			return
		}
		switch cfg.Status {
		case "", "completed", "failed":
		default:
			result.AddError(path+".config.status", codeBadConfig,
				fmt.Sprintf("terminal status must be completed or failed, got %q", cfg.Status))
		}
		if len(step.Next) > 0 {
			result.AddError(path+".next", codeBadEdge,
				fmt.Sprintf("terminal step %q cannot have outgoing edges", step.ID))
		}
	}
}

func validateEdges(result *schema.ValidationResult, path, stepID string, edges []schema.Edge, ids map[string]bool) {
	defaults := 0
	for i, edge := range edges {
		epath := fmt.Sprintf("%s[%d]", path, i)
		if edge.To == "" {
			result.AddError(epath+".to", codeMissingField,
				fmt.Sprintf("edge out of %q has no target", stepID))
		} else if !ids[edge.To] {
			result.AddError(epath+".to", codeBadEdge,
				fmt.Sprintf("edge out of %q targets unknown step %q", stepID, edge.To))
		}
		if edge.IsDefault() {
			defaults++
			if i != len(edges)-1 {
				result.AddError(epath, codeBadEdge,
					fmt.Sprintf("default edge out of %q must be last", stepID))
			}
		}
	}
	if defaults > 1 {
		result.AddError(path, codeBadEdge,
			fmt.Sprintf("step %q declares %d default edges, at most one allowed", stepID, defaults))
	}
}

func validateRetry(result *schema.ValidationResult, path string, policy *schema.RetryPolicy) {
	if policy == nil {
		return
	}
	if policy.MaxAttempts < 0 {
		result.AddError(path+".max_attempts", codeBadRetry, "max_attempts cannot be negative")
	}
	if !validBackoffs[policy.Backoff] {
		result.AddError(path+".backoff", codeBadRetry,
			fmt.Sprintf("unknown backoff %q", policy.Backoff))
	}
	for _, d := range []struct{ field, value string }{
		{"initial_delay", policy.InitialDelay},
		{"max_delay", policy.MaxDelay},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			result.AddError(path+"."+d.field, codeBadDuration,
				fmt.Sprintf("unparseable %s %q", d.field, d.value))
		}
	}
}

// checkReachability walks the graph from the entrypoint and warns about
// steps no edge can reach. Unreachable steps are legal (an errorHandler is
// typically reached only through escalation) so this never errors.
func checkReachability(result *schema.ValidationResult, spec *schema.WorkflowSpec, ids map[string]bool) {
	if spec.Entrypoint == "" || !ids[spec.Entrypoint] {
		return
	}
	steps := make(map[string]*schema.StepDefinition, len(spec.Steps))
	for i := range spec.Steps {
		steps[spec.Steps[i].ID] = &spec.Steps[i]
	}

	seen := map[string]bool{}
	queue := []string{spec.Entrypoint}
	if spec.ErrorHandler != "" {
		queue = append(queue, spec.ErrorHandler)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		step, ok := steps[id]
		if !ok {
			continue
		}
		for _, edge := range step.Next {
			queue = append(queue, edge.To)
		}
		for _, edge := range step.OnError {
			queue = append(queue, edge.To)
		}
	}

	for i := range spec.Steps {
		if !seen[spec.Steps[i].ID] {
			result.AddWarning(fmt.Sprintf("spec.steps[%d]", i), codeUnreachable,
				fmt.Sprintf("step %q is unreachable from the entrypoint", spec.Steps[i].ID))
		}
	}
}

func decodeInto(result *schema.ValidationResult, path string, config map[string]any, out any) bool {
	if err := schema.DecodeConfig(config, out); err != nil {
		result.AddError(path, codeBadConfig, err.Error())
		return false
	}
	return true
}

func stripEdges(step schema.StepDefinition) schema.StepDefinition {
	step.Next = nil
	step.OnError = nil
	return step
}
