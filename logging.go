package persist

import "time"

// PersistLogEvent describes one persistence attempt for logging.
type PersistLogEvent struct {
	Op       string
	Form     string
	Key      string
	Duration time.Duration
	Err      error
}

// PersistLogger records persistence events.
type PersistLogger interface {
	LogPersist(PersistLogEvent)
}

// PersistLoggerFunc adapts a function to PersistLogger.
type PersistLoggerFunc func(PersistLogEvent)

// LogPersist implements PersistLogger.
func (f PersistLoggerFunc) LogPersist(event PersistLogEvent) {
	if f != nil {
		f(event)
	}
}

type noopPersistLogger struct{}

func (noopPersistLogger) LogPersist(PersistLogEvent) {}

// WithLogger attaches a persistence logger to the Persistor.
func WithLogger(logger PersistLogger) Option {
	return func(cfg *config) {
		if logger == nil {
			cfg.logger = noopPersistLogger{}
			return
		}
		cfg.logger = logger
	}
}
