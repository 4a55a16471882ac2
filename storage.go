package persist

import "context"

// Store is the outbound persistence contract. Implementations may be backed
// by anything that can hold one JSON text value per key. Get reports absent
// keys via ok=false with a nil error; it must not fail for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// StorageChoice selects a named store from the injected Environment.
type StorageChoice string

const (
	// StorageLocal selects the environment's long-lived store.
	StorageLocal StorageChoice = "local"
	// StorageSession selects the environment's session-scoped store.
	StorageSession StorageChoice = "session"
)

// Environment carries the storage capability of the host process. It is
// injected explicitly rather than read from ambient globals; the zero value
// has no stores, so persistence degrades to a silent no-op.
type Environment struct {
	Local   Store
	Session Store
}

// HasStorage reports whether any named store is available.
func (e Environment) HasStorage() bool {
	return e.Local != nil || e.Session != nil
}

// resolveStore maps the configured choice onto a concrete store. A custom
// store always wins; otherwise the named environment store is used, which
// may be nil.
func resolveStore(cfg config) Store {
	if cfg.store != nil {
		return cfg.store
	}
	switch cfg.choice {
	case StorageSession:
		return cfg.env.Session
	default:
		return cfg.env.Local
	}
}
