package persist

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ExprTransformOption configures an expr transform instance.
type ExprTransformOption func(*exprTransform)

// ExprWithProgramCache wires a ProgramCache into the expr transform.
func ExprWithProgramCache(cache ProgramCache) ExprTransformOption {
	return func(t *exprTransform) {
		t.cache = cache
	}
}

// ExprWithFunctionRegistry wires a FunctionRegistry into the expr transform.
func ExprWithFunctionRegistry(registry *FunctionRegistry) ExprTransformOption {
	return func(t *exprTransform) {
		if registry == nil {
			return
		}
		t.registry = registry.Clone()
	}
}

// exprTransform reshapes snapshots using github.com/expr-lang/expr. The
// expression sees each field as a variable plus the whole snapshot as
// `values`, and must evaluate to a map (or nil to persist null).
type exprTransform struct {
	expression string
	cache      ProgramCache
	registry   *FunctionRegistry
}

// NewExprTransform constructs a Transform backed by expr-lang/expr.
func NewExprTransform(expression string, opts ...ExprTransformOption) Transform {
	t := &exprTransform{expression: expression}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Apply evaluates the configured expression against snapshot.
func (t *exprTransform) Apply(snapshot Values) (Values, error) {
	if t.expression == "" {
		return nil, fmt.Errorf("persist: expr transform: expression must not be empty")
	}
	env := t.environment(snapshot)
	if t.cache == nil {
		result, err := exprlang.Eval(t.expression, env)
		if err != nil {
			return nil, fmt.Errorf("persist: expr transform: %w", err)
		}
		return transformResult(result)
	}
	program, err := t.loadOrCompile()
	if err != nil {
		return nil, err
	}
	result, err := exprlang.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("persist: expr transform: %w", err)
	}
	return transformResult(result)
}

func (t *exprTransform) loadOrCompile() (*exprvm.Program, error) {
	if t.cache != nil {
		if cached, ok := t.cache.Get(t.expression); ok {
			if program, ok := cached.(*exprvm.Program); ok {
				return program, nil
			}
		}
	}
	options := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	for _, name := range t.registryNames() {
		fn := t.registryFunction(name)
		options = append(options, exprlang.Function(name, fn))
	}
	program, err := exprlang.Compile(t.expression, options...)
	if err != nil {
		return nil, fmt.Errorf("persist: expr transform: %w", err)
	}
	if t.cache != nil {
		t.cache.Set(t.expression, program)
	}
	return program, nil
}

func (t *exprTransform) environment(snapshot Values) map[string]any {
	env := map[string]any{
		"values": snapshot,
	}
	for key, value := range snapshot {
		env[key] = value
	}
	if t.registry != nil {
		env["call"] = func(name string, arguments ...any) (any, error) {
			return t.registry.Call(name, arguments...)
		}
		for _, name := range t.registry.Names() {
			fn := name
			env[fn] = func(arguments ...any) (any, error) {
				return t.registry.Call(fn, arguments...)
			}
		}
	}
	return env
}

func (t *exprTransform) registryNames() []string {
	if t == nil || t.registry == nil {
		return nil
	}
	return t.registry.Names()
}

func (t *exprTransform) registryFunction(name string) func(...any) (any, error) {
	if t == nil || t.registry == nil {
		return nil
	}
	return func(arguments ...any) (any, error) {
		return t.registry.Call(name, arguments...)
	}
}

// transformResult coerces an expression result into a snapshot. Expressions
// return nil to persist null, or a string-keyed map.
func transformResult(value any) (Values, error) {
	if value == nil {
		return nil, nil
	}
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("persist: transform result must be a map, got %T", value)
}
