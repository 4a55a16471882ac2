package persist

type jsTransformConfig struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// JSTransformOption configures the JS transform.
type JSTransformOption func(*jsTransformConfig)

// JSWithProgramCache applies a ProgramCache to the JS transform.
func JSWithProgramCache(cache ProgramCache) JSTransformOption {
	return func(cfg *jsTransformConfig) {
		cfg.cache = cache
	}
}

// JSWithFunctionRegistry applies a FunctionRegistry to the JS transform.
func JSWithFunctionRegistry(registry *FunctionRegistry) JSTransformOption {
	return func(cfg *jsTransformConfig) {
		if registry == nil {
			return
		}
		cfg.registry = registry.Clone()
	}
}

func applyJSTransformOptions(opts []JSTransformOption) jsTransformConfig {
	cfg := jsTransformConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
