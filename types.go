package persist

import (
	"time"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
)

// Values holds a form's field values keyed by field name. Values must be
// JSON-serialisable for persistence to round-trip.
type Values = map[string]any

// Change describes one notification from the form engine: the current field
// values and whether the form passes validation.
type Change struct {
	Values Values
	Valid  bool
}

// Form is the host form engine contract. The engine owns field values and
// validity; the persistor only reads initial values, subscribes to changes,
// and replaces values when a restore produces a different merged snapshot.
type Form interface {
	Values() Values
	InitialValues() Values
	ReplaceValues(Values)
	Subscribe(fn func(Change)) (cancel func())
}

// Transform reshapes a filtered snapshot before it is serialised. Returning
// a nil snapshot persists a JSON null. Errors skip the write for that
// debounce firing and are reported to the diagnostic channel.
type Transform interface {
	Apply(snapshot Values) (Values, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(Values) (Values, error)

// Apply implements Transform.
func (f TransformFunc) Apply(snapshot Values) (Values, error) {
	if f == nil {
		return snapshot, nil
	}
	return f(snapshot)
}

// Option configures a Persistor.
type Option func(*config)

type config struct {
	debounce        time.Duration
	choice          StorageChoice
	store           Store
	env             Environment
	persistInvalid  bool
	hashInitials    bool
	hashSpecificity int
	ignoreValues    []string
	transform       Transform
	logger          PersistLogger
	hooks           diagnostic.Hooks
}

const (
	// DefaultDebounce is the trailing-edge write coalescing window.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultHashSpecificity is the checksum multiplier applied per character.
	DefaultHashSpecificity = 7
)

func applyOptions(opts []Option) config {
	cfg := config{
		debounce:        DefaultDebounce,
		choice:          StorageLocal,
		hashSpecificity: DefaultHashSpecificity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithDebounce sets the write coalescing window. A non-positive window fires
// writes synchronously on every change notification.
func WithDebounce(window time.Duration) Option {
	return func(cfg *config) {
		cfg.debounce = window
	}
}

// WithStorage selects a named store from the configured Environment.
func WithStorage(choice StorageChoice) Option {
	return func(cfg *config) {
		cfg.choice = choice
	}
}

// WithStore supplies a custom store, bypassing Environment resolution.
func WithStore(store Store) Option {
	return func(cfg *config) {
		cfg.store = store
	}
}

// WithEnvironment injects the host storage capability. The zero Environment
// carries no stores and turns persistence into a silent no-op.
func WithEnvironment(env Environment) Option {
	return func(cfg *config) {
		cfg.env = env
	}
}

// WithPersistInvalid writes snapshots even while the form fails validation.
func WithPersistInvalid(persist bool) Option {
	return func(cfg *config) {
		cfg.persistInvalid = persist
	}
}

// WithHashInitials derives the storage key suffix from a checksum of the
// form's initial values, so a changed initial-values shape invalidates any
// previously persisted payload.
func WithHashInitials(hash bool) Option {
	return func(cfg *config) {
		cfg.hashInitials = hash
	}
}

// WithHashSpecificity adjusts the checksum multiplier used by WithHashInitials.
func WithHashSpecificity(specificity int) Option {
	return func(cfg *config) {
		cfg.hashSpecificity = specificity
	}
}

// WithIgnoreValues excludes the named fields from persisted snapshots. The
// exclusion is by shallow field name, not deep path.
func WithIgnoreValues(names ...string) Option {
	return func(cfg *config) {
		cfg.ignoreValues = append([]string{}, names...)
	}
}

// WithTransform applies transform to each filtered snapshot before it is
// serialised and written.
func WithTransform(transform Transform) Option {
	return func(cfg *config) {
		cfg.transform = transform
	}
}

// WithHooks attaches diagnostic hooks that receive recovered failures and
// lifecycle events.
func WithHooks(hooks diagnostic.Hooks) Option {
	return func(cfg *config) {
		cfg.hooks = hooks
	}
}
