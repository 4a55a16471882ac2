//go:build !js_eval

package persist

// NewJSTransform is unavailable without the js_eval build tag.
func NewJSTransform(expression string, opts ...JSTransformOption) Transform {
	_ = applyJSTransformOptions(opts)
	return nil
}

func jsTransformAvailable() bool {
	return false
}
