package definition

import (
	"github.com/floworc/floworc/pkg/schema"
)

// Graph is an indexed view over a validated workflow document. Step
// definitions are shared with the document, not copied, so the document
// must not be mutated after construction.
type Graph struct {
	doc   *schema.Document
	steps map[string]*schema.StepDefinition
}

// NewGraph indexes a document that already passed Validate.
func NewGraph(doc *schema.Document) *Graph {
	steps := make(map[string]*schema.StepDefinition, len(doc.Spec.Steps))
	for i := range doc.Spec.Steps {
		steps[doc.Spec.Steps[i].ID] = &doc.Spec.Steps[i]
	}
	return &Graph{doc: doc, steps: steps}
}

// Step looks up a step definition by id.
func (g *Graph) Step(id string) (*schema.StepDefinition, error) {
	step, ok := g.steps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q is not part of the workflow", id).WithNode(id)
	}
	return step, nil
}

// Entrypoint returns the id of the first step of a run.
func (g *Graph) Entrypoint() string { return g.doc.Spec.Entrypoint }

// ErrorHandler returns the escalation node id, empty if none is declared.
func (g *Graph) ErrorHandler() string { return g.doc.Spec.ErrorHandler }

// Document returns the underlying workflow document.
func (g *Graph) Document() *schema.Document { return g.doc }

// Name returns the workflow name.
func (g *Graph) Name() string { return g.doc.Metadata.Name }

// MaxSteps returns the loop safety limit for runs of this workflow.
func (g *Graph) MaxSteps() int {
	if g.doc.Spec.MaxStepsPerRun > 0 {
		return g.doc.Spec.MaxStepsPerRun
	}
	return schema.DefaultMaxStepsPerRun
}

// CheckpointHistory returns the checkpoint retention depth.
func (g *Graph) CheckpointHistory() int {
	if g.doc.Spec.Checkpointing.History > 0 {
		return g.doc.Spec.Checkpointing.History
	}
	return schema.DefaultCheckpointHistory
}

// RetryFor resolves the effective retry policy for a step: the step
// override when present, otherwise the workflow-level policy, otherwise nil.
func (g *Graph) RetryFor(step *schema.StepDefinition) *schema.RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	return g.doc.Spec.Retry
}
