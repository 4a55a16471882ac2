package persist

import (
	"fmt"
	"reflect"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELTransformOption configures the CEL transform.
type CELTransformOption func(*celTransform)

// CELWithProgramCache wires a ProgramCache into the CEL transform.
func CELWithProgramCache(cache ProgramCache) CELTransformOption {
	return func(t *celTransform) {
		t.cache = cache
	}
}

// CELWithFunctionRegistry wires a FunctionRegistry into the CEL transform.
func CELWithFunctionRegistry(registry *FunctionRegistry) CELTransformOption {
	return func(t *celTransform) {
		if registry == nil {
			return
		}
		t.registry = registry.Clone()
	}
}

type celProgram struct {
	env     *celgo.Env
	program celgo.Program
}

type celTransform struct {
	expression string
	cache      ProgramCache
	registry   *FunctionRegistry
}

// NewCELTransform constructs a Transform backed by cel-go. The expression
// sees each field as a dyn variable plus the whole snapshot as `values`.
func NewCELTransform(expression string, opts ...CELTransformOption) Transform {
	t := &celTransform{expression: expression}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *celTransform) Apply(snapshot Values) (Values, error) {
	if t.expression == "" {
		return nil, fmt.Errorf("persist: cel transform: expression must not be empty")
	}
	if snapshot == nil {
		snapshot = Values{}
	}
	program, err := t.loadOrCompile(snapshot)
	if err != nil {
		return nil, err
	}
	out, _, err := program.program.Eval(t.activation(snapshot))
	if err != nil {
		return nil, fmt.Errorf("persist: cel transform: %w", err)
	}
	return celResult(out)
}

func (t *celTransform) loadOrCompile(snapshot Values) (*celProgram, error) {
	if t.cache != nil {
		if cached, ok := t.cache.Get(t.expression); ok {
			if program, ok := cached.(*celProgram); ok {
				return program, nil
			}
		}
	}

	env, err := t.buildEnv(snapshot)
	if err != nil {
		return nil, fmt.Errorf("persist: cel transform: %w", err)
	}
	ast, issues := env.Parse(t.expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("persist: cel transform: %w", issues.Err())
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("persist: cel transform: %w", issues.Err())
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("persist: cel transform: %w", err)
	}

	bundle := &celProgram{
		env:     env,
		program: prg,
	}
	if t.cache != nil {
		t.cache.Set(t.expression, bundle)
	}
	return bundle, nil
}

func (t *celTransform) buildEnv(snapshot Values) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("values", celgo.DynType),
	}
	if t.registry != nil {
		binding := t.callBinding()
		overloads := make([]celgo.FunctionOpt, 0, maxCallArgs+1)
		argTypes := []*celgo.Type{celgo.StringType}
		for i := 0; i <= maxCallArgs; i++ {
			overloads = append(overloads, celgo.Overload(
				fmt.Sprintf("call_dyn_%d", i),
				append([]*celgo.Type(nil), argTypes...),
				celgo.DynType,
				celgo.FunctionBinding(binding),
			))
			argTypes = append(argTypes, celgo.DynType)
		}
		opts = append(opts, celgo.Function("call", overloads...))
	}
	for key := range snapshot {
		opts = append(opts, celgo.Variable(key, celgo.DynType))
	}
	return celgo.NewEnv(opts...)
}

func (t *celTransform) activation(snapshot Values) map[string]any {
	activation := map[string]any{
		"values": snapshot,
	}
	for key, value := range snapshot {
		activation[key] = value
	}
	if t.registry != nil {
		activation["call"] = func(name string, arguments ...any) (any, error) {
			return t.registry.Call(name, arguments...)
		}
	}
	return activation
}

// maxCallArgs bounds the fixed-arity overloads declared for the variadic
// `call` function; CEL declarations do not support true varargs.
const maxCallArgs = 8

func (t *celTransform) callBinding() functions.FunctionOp {
	return func(values ...ref.Val) ref.Val {
		if t.registry == nil {
			return types.NewErr("persist: function registry not configured")
		}
		if len(values) == 0 {
			return types.NewErr("persist: call requires function name")
		}
		name, ok := values[0].Value().(string)
		if !ok {
			return types.NewErr("persist: call name must be string")
		}
		args := make([]any, 0, len(values)-1)
		for _, val := range values[1:] {
			args = append(args, val.Value())
		}
		result, err := t.registry.Call(name, args...)
		if err != nil {
			return types.NewErr("%s", err.Error())
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

func celResult(out ref.Val) (Values, error) {
	if out == nil {
		return nil, nil
	}
	if out == types.NullValue {
		return nil, nil
	}
	native, err := out.ConvertToNative(reflect.TypeOf(map[string]any(nil)))
	if err != nil {
		return nil, fmt.Errorf("persist: cel transform result must be a map: %w", err)
	}
	result, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("persist: cel transform result must be a map, got %T", native)
	}
	return result, nil
}
