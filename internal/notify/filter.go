package notify

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter is a pre-compiled CEL predicate over events. Sinks with a filter
// only receive events for which it evaluates to true. Compilation happens
// once at startup; evaluation is lock-free and safe for concurrent use.
type Filter struct {
	Expression string
	program    cel.Program
}

// CompileFilter parses and type-checks a CEL filter expression. Available
// variables: type, severity, agentId (strings) and details (map).
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("agentId", cel.StringType),
		cel.Variable("details", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return &Filter{Expression: expr, program: prg}, nil
}

// Matches evaluates the filter against an event. Evaluation errors count as
// a non-match.
func (f *Filter) Matches(e Event) (bool, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	out, _, err := f.program.Eval(map[string]interface{}{
		"type":     string(e.Type),
		"severity": e.Severity,
		"agentId":  e.AgentID,
		"details":  details,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", f.Expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL filter %q returned non-bool: %T", f.Expression, out.Value())
	}
	return result, nil
}
