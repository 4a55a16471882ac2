package persist

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config mirrors the functional-option surface for services that configure
// persistence from environment variables.
type Config struct {
	Name            string        `env:"FORM_PERSIST_NAME"`
	Debounce        time.Duration `env:"FORM_PERSIST_DEBOUNCE" envDefault:"300ms"`
	Storage         string        `env:"FORM_PERSIST_STORAGE" envDefault:"local"`
	PersistInvalid  bool          `env:"FORM_PERSIST_INVALID" envDefault:"false"`
	HashInitials    bool          `env:"FORM_PERSIST_HASH_INITIALS" envDefault:"false"`
	HashSpecificity int           `env:"FORM_PERSIST_HASH_SPECIFICITY" envDefault:"7"`
	IgnoreValues    []string      `env:"FORM_PERSIST_IGNORE_VALUES" envSeparator:","`
}

// ConfigFromEnv loads persistence configuration from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("persist: parse env: %w", err)
	}
	return cfg, nil
}

// Options expands the config into functional options for New.
func (c Config) Options() []Option {
	opts := []Option{
		WithDebounce(c.Debounce),
		WithStorage(StorageChoice(c.Storage)),
		WithPersistInvalid(c.PersistInvalid),
		WithHashInitials(c.HashInitials),
	}
	if c.HashSpecificity > 0 {
		opts = append(opts, WithHashSpecificity(c.HashSpecificity))
	}
	if len(c.IgnoreValues) > 0 {
		opts = append(opts, WithIgnoreValues(c.IgnoreValues...))
	}
	return opts
}
