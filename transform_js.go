//go:build js_eval

package persist

import (
	"fmt"

	"github.com/dop251/goja"
)

// jsTransform reshapes snapshots using a JavaScript expression run in goja.
// Fields are injected as globals alongside the whole snapshot as `values`;
// the expression must evaluate to an object (or null to persist null).
type jsTransform struct {
	expression string
	cache      ProgramCache
	registry   *FunctionRegistry
}

// NewJSTransform constructs a Transform backed by goja.
func NewJSTransform(expression string, opts ...JSTransformOption) Transform {
	cfg := applyJSTransformOptions(opts)
	return &jsTransform{
		expression: expression,
		cache:      cfg.cache,
		registry:   cfg.registry,
	}
}

func (t *jsTransform) Apply(snapshot Values) (Values, error) {
	if t.expression == "" {
		return nil, fmt.Errorf("persist: js transform: expression must not be empty")
	}
	if t.cache == nil {
		return t.run(snapshot, nil)
	}
	program, err := t.loadOrCompile()
	if err != nil {
		return nil, err
	}
	return t.run(snapshot, program)
}

func (t *jsTransform) loadOrCompile() (*goja.Program, error) {
	if t.cache != nil {
		if cached, ok := t.cache.Get(t.expression); ok {
			if program, ok := cached.(*goja.Program); ok {
				return program, nil
			}
		}
	}
	program, err := goja.Compile("", t.wrapExpression(), false)
	if err != nil {
		return nil, fmt.Errorf("persist: js transform: %w", err)
	}
	if t.cache != nil {
		t.cache.Set(t.expression, program)
	}
	return program, nil
}

func (t *jsTransform) run(snapshot Values, program *goja.Program) (Values, error) {
	vm := goja.New()
	t.injectSnapshot(vm, snapshot)
	var value goja.Value
	var err error
	if program != nil {
		value, err = vm.RunProgram(program)
	} else {
		value, err = vm.RunString(t.wrapExpression())
	}
	if err != nil {
		return nil, fmt.Errorf("persist: js transform: %w", err)
	}
	return transformResult(value.Export())
}

func (t *jsTransform) injectSnapshot(vm *goja.Runtime, snapshot Values) {
	vm.Set("values", snapshot)
	for key, value := range snapshot {
		vm.Set(key, value)
	}
	if t.registry != nil {
		vm.Set("call", func(name string, arguments ...any) (any, error) {
			return t.registry.Call(name, arguments...)
		})
		for _, name := range t.registry.Names() {
			fn := name
			vm.Set(fn, func(arguments ...any) (any, error) {
				return t.registry.Call(fn, arguments...)
			})
		}
	}
}

func (t *jsTransform) wrapExpression() string {
	return fmt.Sprintf("(function(){ return (%s); })()", t.expression)
}

func jsTransformAvailable() bool {
	return true
}
