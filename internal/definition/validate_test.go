package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/pkg/schema"
)

func validDoc() *schema.Document {
	return &schema.Document{
		APIVersion: schema.APIVersionV1,
		Kind:       schema.KindWorkflow,
		Metadata:   schema.Metadata{Name: "pipeline"},
		Spec: schema.WorkflowSpec{
			Entrypoint: "work",
			Steps: []schema.StepDefinition{
				{
					ID:   "work",
					Type: schema.StepTypeAgent,
					Config: map[string]any{
						"agent": "worker",
					},
					Next: []schema.Edge{{To: "done"}},
				},
				{ID: "done", Type: schema.StepTypeTerminal},
			},
		},
	}
}

func issueCodes(issues []schema.ValidationIssue) []string {
	codes := make([]string, 0, len(issues))
	for _, issue := range issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestValidate_AcceptsValidDocument(t *testing.T) {
	result := Validate(validDoc())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_RejectsBadHeaders(t *testing.T) {
	doc := validDoc()
	doc.APIVersion = "flow/v2"
	doc.Kind = "Pipeline"
	doc.Metadata.Name = ""

	result := Validate(doc)
	require.False(t, result.Valid())
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, codeBadHeader)
	assert.Contains(t, codes, codeMissingField)
	assert.Len(t, result.Errors, 3)
}

func TestValidate_RejectsUnknownEntrypoint(t *testing.T) {
	doc := validDoc()
	doc.Spec.Entrypoint = "nowhere"

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Equal(t, codeUnknownStep, result.Errors[0].Code)
}

func TestValidate_RejectsDuplicateStepIDs(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps = append(doc.Spec.Steps, schema.StepDefinition{
		ID: "work", Type: schema.StepTypeTerminal,
	})

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeDuplicateStep)
}

func TestValidate_RejectsDanglingEdge(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0].Next = []schema.Edge{{To: "ghost"}}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeBadEdge)
}

func TestValidate_DefaultEdgeMustBeLast(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0].Next = []schema.Edge{
		{To: "done"},
		{When: "score > 1", To: "done"},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeBadEdge)
}

func TestValidate_AtMostOneDefaultEdge(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0].Next = []schema.Edge{
		{To: "done"},
		{To: "done"},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
}

func TestValidate_RejectsUnknownReducer(t *testing.T) {
	doc := validDoc()
	doc.Spec.Reducers = map[string]schema.ReducerKind{"scores": "average"}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeBadReducer)
}

func TestValidate_RejectsUnknownStepType(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0].Type = "webhook"

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeUnknownType)
}

func TestValidate_AgentStepRequiresAgentName(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0].Config = map[string]any{"input": map[string]any{"x": 1}}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "names no agent")
}

func TestValidate_TerminalStepCannotRoute(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[1].Next = []schema.Edge{{To: "work"}}

	result := Validate(doc)
	require.False(t, result.Valid())
}

func TestValidate_TerminalStatusLimited(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[1].Config = map[string]any{"status": "paused"}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "completed or failed")
}

func TestValidate_ApprovalTimeoutMustParse(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeApproval,
		Config: map[string]any{
			"approvers": []string{"alice"},
			"timeout":   "next tuesday",
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeBadDuration)
}

func TestValidate_ApprovalQuorumWithinApprovers(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeApproval,
		Config: map[string]any{
			"approvers":          []string{"alice"},
			"required_approvals": 3,
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "exceeds")
}

func TestValidate_ValidationStepNeedsValidators(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:     "work",
		Type:   schema.StepTypeValidation,
		Config: map[string]any{"on_failure": "fail"},
		Next:   []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no validators")
}

func TestValidate_ValidatorKindsChecked(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeValidation,
		Config: map[string]any{
			"validators": []map[string]any{
				{"kind": "regex", "expression": ".*"},
				{"kind": "expr"},
				{"kind": "script"},
				{"kind": "named"},
			},
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Len(t, result.Errors, 4)
}

func TestValidate_ParallelBranchesChecked(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeParallel,
		Config: map[string]any{
			"branches": [][]map[string]any{
				{
					{"id": "a", "type": "agent", "config": map[string]any{"agent": "analyst"}},
				},
			},
			"join": map[string]any{"strategy": "majority"},
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestValidate_NestedParallelRejected(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeParallel,
		Config: map[string]any{
			"branches": [][]map[string]any{
				{
					{"id": "a", "type": "parallel", "config": map[string]any{"branches": [][]map[string]any{}}},
				},
			},
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "cannot nest")
}

func TestValidate_BranchStepsCannotRoute(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeParallel,
		Config: map[string]any{
			"branches": [][]map[string]any{
				{
					{
						"id": "a", "type": "agent",
						"config": map[string]any{"agent": "analyst"},
						"next":   []map[string]any{{"to": "done"}},
					},
				},
			},
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "cannot declare edges")
}

func TestValidate_UnknownJoinStrategy(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeParallel,
		Config: map[string]any{
			"branches": [][]map[string]any{
				{{"id": "a", "type": "agent", "config": map[string]any{"agent": "analyst"}}},
			},
			"join": map[string]any{"strategy": "quorum"},
		},
		Next: []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result.Errors), codeBadConfig)
}

func TestValidate_WaitDurationRequired(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:     "work",
		Type:   schema.StepTypeWait,
		Config: map[string]any{},
		Next:   []schema.Edge{{To: "done"}},
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no duration")
}

func TestValidate_RetryPolicyChecked(t *testing.T) {
	doc := validDoc()
	doc.Spec.Retry = &schema.RetryPolicy{
		MaxAttempts:  -1,
		Backoff:      "fibonacci",
		InitialDelay: "soon",
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	codes := issueCodes(result.Errors)
	assert.Contains(t, codes, codeBadRetry)
	assert.Contains(t, codes, codeBadDuration)
	assert.Len(t, result.Errors, 3)
}

func TestValidate_UnreachableStepWarns(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps = append(doc.Spec.Steps, schema.StepDefinition{
		ID: "orphan", Type: schema.StepTypeTerminal,
	})

	result := Validate(doc)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, codeUnreachable, result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, "orphan")
}

func TestValidate_ErrorHandlerCountsAsReachable(t *testing.T) {
	doc := validDoc()
	doc.Spec.ErrorHandler = "cleanup"
	doc.Spec.Steps = append(doc.Spec.Steps, schema.StepDefinition{
		ID: "cleanup", Type: schema.StepTypeTerminal,
	})

	result := Validate(doc)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidate_ConditionalNeedsEdges(t *testing.T) {
	doc := validDoc()
	doc.Spec.Steps[0] = schema.StepDefinition{
		ID:   "work",
		Type: schema.StepTypeConditional,
	}

	result := Validate(doc)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no outgoing edges")
}

func TestValidate_NegativeMaxSteps(t *testing.T) {
	doc := validDoc()
	doc.Spec.MaxStepsPerRun = -5

	result := Validate(doc)
	require.False(t, result.Valid())
}

func TestGraph_LookupAndDefaults(t *testing.T) {
	doc := validDoc()
	graph := NewGraph(doc)

	step, err := graph.Step("work")
	require.NoError(t, err)
	assert.Equal(t, schema.StepTypeAgent, step.Type)

	_, err = graph.Step("ghost")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)

	assert.Equal(t, "work", graph.Entrypoint())
	assert.Equal(t, schema.DefaultMaxStepsPerRun, graph.MaxSteps())
	assert.Equal(t, schema.DefaultCheckpointHistory, graph.CheckpointHistory())
}

func TestGraph_RetryResolution(t *testing.T) {
	doc := validDoc()
	doc.Spec.Retry = &schema.RetryPolicy{MaxAttempts: 3, Backoff: "exponential"}
	override := &schema.RetryPolicy{MaxAttempts: 1}
	doc.Spec.Steps[0].Retry = override

	graph := NewGraph(doc)
	step, err := graph.Step("work")
	require.NoError(t, err)
	assert.Same(t, override, graph.RetryFor(step))

	other, err := graph.Step("done")
	require.NoError(t, err)
	assert.Equal(t, 3, graph.RetryFor(other).MaxAttempts)
}
