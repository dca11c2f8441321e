package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/pkg/schema"
)

const defaultScriptTimeout = 30 * time.Second

// Engines bundles the expression engines the built-in validators dispatch to.
type Engines struct {
	Expr *expressions.ExprEngine
	CEL  *expressions.CELEngine
	JQ   *expressions.GoJQEngine
}

// BuildValidator resolves a validator declaration into a runnable Validator.
// Named validators are looked up in the registry; the other kinds wrap an
// expression engine or a script.
func BuildValidator(spec schema.ValidatorSpec, engines Engines, registry *Registry) (Validator, error) {
	switch spec.Kind {
	case schema.ValidatorExpr:
		if spec.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "expr validator requires an expression")
		}
		if engines.Expr == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "expr engine not configured")
		}
		return &exprValidator{expression: spec.Expression, engine: engines.Expr}, nil

	case schema.ValidatorCEL:
		if spec.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "cel validator requires an expression")
		}
		if engines.CEL == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "cel engine not configured")
		}
		return &celValidator{expression: spec.Expression, engine: engines.CEL}, nil

	case schema.ValidatorJQ:
		if spec.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "jq validator requires an expression")
		}
		if engines.JQ == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "jq engine not configured")
		}
		return &jqValidator{expression: spec.Expression, engine: engines.JQ}, nil

	case schema.ValidatorScript:
		if spec.Command == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "script validator requires a command")
		}
		return &scriptValidator{command: spec.Command, timeout: defaultScriptTimeout}, nil

	case schema.ValidatorNamed:
		if spec.Name == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "named validator requires a name")
		}
		if registry == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "validator %q not registered", spec.Name)
		}
		return registry.Validator(spec.Name)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown validator kind %q", spec.Kind)
	}
}

// exprValidator passes when its expr-lang expression evaluates to true.
// The data map is flattened into the environment the same way edge
// conditions see it.
type exprValidator struct {
	expression string
	engine     *expressions.ExprEngine
}

func (v *exprValidator) Name() string { return "expr:" + v.expression }

func (v *exprValidator) Validate(ctx context.Context, data map[string]any) (*Verdict, error) {
	passed, err := v.engine.EvaluateBool(ctx, v.expression, data)
	if err != nil {
		return nil, err
	}
	if !passed {
		return &Verdict{Passed: false, Reason: fmt.Sprintf("expression %q is false", v.expression)}, nil
	}
	return &Verdict{Passed: true}, nil
}

type celValidator struct {
	expression string
	engine     *expressions.CELEngine
}

func (v *celValidator) Name() string { return "cel:" + v.expression }

func (v *celValidator) Validate(ctx context.Context, data map[string]any) (*Verdict, error) {
	out, err := v.engine.Evaluate(ctx, v.expression, data)
	if err != nil {
		return nil, err
	}
	passed, ok := out.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cel validator %q must evaluate to a boolean, got %T", v.expression, out)
	}
	if !passed {
		return &Verdict{Passed: false, Reason: fmt.Sprintf("expression %q is false", v.expression)}, nil
	}
	return &Verdict{Passed: true}, nil
}

// jqValidator passes when the jq program yields boolean true.
type jqValidator struct {
	expression string
	engine     *expressions.GoJQEngine
}

func (v *jqValidator) Name() string { return "jq:" + v.expression }

func (v *jqValidator) Validate(ctx context.Context, data map[string]any) (*Verdict, error) {
	out, err := v.engine.Evaluate(ctx, v.expression, data)
	if err != nil {
		return nil, err
	}
	passed, ok := out.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq validator %q must yield a boolean, got %T", v.expression, out)
	}
	if !passed {
		return &Verdict{Passed: false, Reason: fmt.Sprintf("filter %q is false", v.expression)}, nil
	}
	return &Verdict{Passed: true}, nil
}

// scriptValidator runs a shell command with the validation data as JSON on
// stdin. Exit 0 passes, any other exit code fails with stderr as the
// reason. Failure to start or a timeout is a validator error, not a
// failed check.
type scriptValidator struct {
	command string
	timeout time.Duration
}

func (v *scriptValidator) Name() string { return "script:" + v.command }

func (v *scriptValidator) Validate(ctx context.Context, data map[string]any) (*Verdict, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"script validator input is not JSON-encodable: %s", err.Error()).WithCause(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", v.command)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"script validator timed out after %s", v.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason := strings.TrimSpace(stderr.String())
			if reason == "" {
				reason = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			}
			return &Verdict{Passed: false, Reason: reason}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"script validator failed to run: %s", err.Error()).WithCause(err)
	}

	return &Verdict{Passed: true}, nil
}
