// Package persist synchronises a form engine's field values with a
// key-value store: persisted state is merged back into the form on mount and
// every change is written behind a trailing-edge debounce. Persistence is
// strictly best-effort; storage and decoding failures are reported to the
// diagnostic channel and never reach the form engine.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
)

var (
	// ErrFormRequired is returned by New when no form engine is supplied.
	ErrFormRequired = errors.New("persist: form is required")
	// ErrNameRequired is returned by New when the form name is empty.
	ErrNameRequired = errors.New("persist: form name is required")
	// ErrClosed is returned by lifecycle calls after Close.
	ErrClosed = errors.New("persist: persistor is closed")
	// ErrStarted is returned by Start when the persistor is already running.
	ErrStarted = errors.New("persist: persistor already started")
)

// Persistor wires one form to one storage key. Construct with New, call
// Start to restore persisted state and begin observing changes, and Close on
// teardown to cancel the subscription and any pending write.
type Persistor struct {
	form     Form
	name     string
	cfg      config
	store    Store
	resolver *keyResolver
	debounce *debouncer
	logger   PersistLogger

	writeCtx    context.Context
	cancelWrite context.CancelFunc

	// applyMu serialises the read path's check-and-replace so a stale
	// restore cannot overwrite a newer one after passing its generation
	// check. Lock order is applyMu before mu, never the reverse.
	applyMu sync.Mutex

	mu         sync.Mutex
	started    bool
	closed     bool
	generation uint64
	latest     Change
	hasChange  bool
	cancelSub  func()
}

// New constructs a Persistor for form identified by name. The name forms the
// storage key prefix and is required; everything else has defaults.
func New(form Form, name string, opts ...Option) (*Persistor, error) {
	if form == nil {
		return nil, ErrFormRequired
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}
	cfg := applyOptions(opts)

	logger := cfg.logger
	if logger == nil {
		logger = noopPersistLogger{}
	}

	p := &Persistor{
		form:     form,
		name:     name,
		cfg:      cfg,
		store:    resolveStore(cfg),
		resolver: newKeyResolver(name, cfg.hashInitials, cfg.hashSpecificity),
		logger:   logger,
	}
	p.debounce = newDebouncer(cfg.debounce, p.flushDebounced)
	p.writeCtx, p.cancelWrite = context.WithCancel(context.Background())
	return p, nil
}

// Start restores any persisted payload into the form and subscribes to its
// change stream. Storage failures during the restore are recovered and
// reported; Start only errors on lifecycle misuse.
func (p *Persistor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	cancel := p.form.Subscribe(p.onChange)
	p.mu.Lock()
	p.cancelSub = cancel
	p.mu.Unlock()

	if p.store == nil {
		p.logger.LogPersist(PersistLogEvent{Op: "resolve", Form: p.name, Err: ErrNoStorage})
		return nil
	}
	p.Restore(ctx)
	return nil
}

// Restore reads the persisted payload for the current key and merges it into
// the form, persisted values winning on conflicts. The merge only replaces
// form values when the merged snapshot differs by serialised content, so
// re-applying the same payload is a no-op. Each call claims a new
// generation; a slower call resolving after a newer one mutates nothing.
func (p *Persistor) Restore(ctx context.Context) {
	if p.store == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.generation++
	generation := p.generation
	p.mu.Unlock()

	key := p.resolver.resolve(p.form.InitialValues())
	start := time.Now()
	payload, ok, err := p.store.Get(ctx, key)
	err = wrapStorageError("read", p.name, key, err)
	p.logger.LogPersist(PersistLogEvent{
		Op:       "read",
		Form:     p.name,
		Key:      key,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		p.report(ctx, "read", key, err)
		return
	}
	if !ok {
		return
	}

	var persisted Values
	if err := json.Unmarshal([]byte(payload), &persisted); err != nil {
		p.report(ctx, "decode", key, wrapStorageError("decode", p.name, key, err))
		return
	}
	if persisted == nil {
		return
	}

	initials := p.form.InitialValues()
	merged := make(Values, len(initials)+len(persisted))
	for name, value := range initials {
		merged[name] = value
	}
	for name, value := range persisted {
		merged[name] = value
	}
	if sameSerialized(merged, p.form.Values()) {
		return
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	p.mu.Lock()
	stale := p.closed || generation != p.generation
	p.mu.Unlock()
	if stale {
		return
	}
	p.form.ReplaceValues(merged)
}

// Flush commits a pending debounced write immediately. It is a no-op when no
// write is pending.
func (p *Persistor) Flush(ctx context.Context) {
	if p.debounce.Flush() {
		p.performWrite(ctx)
	}
}

// Clear removes the current key's persisted payload.
func (p *Persistor) Clear(ctx context.Context) {
	if p.store == nil {
		return
	}
	key := p.resolver.resolve(p.form.InitialValues())
	start := time.Now()
	err := wrapStorageError("clear", p.name, key, p.store.Remove(ctx, key))
	p.logger.LogPersist(PersistLogEvent{
		Op:       "clear",
		Form:     p.name,
		Key:      key,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		p.report(ctx, "clear", key, err)
	}
}

// Close cancels the form subscription and any pending debounced write. No
// form or store mutation happens after Close returns.
func (p *Persistor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancelSub
	p.cancelSub = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.debounce.Stop()
	p.cancelWrite()

	// Wait out an in-flight restore apply so the closed flag is observed
	// before any further form mutation.
	p.applyMu.Lock()
	p.applyMu.Unlock()
}

// Key reports the storage key currently in effect for the form.
func (p *Persistor) Key() string {
	return p.resolver.resolve(p.form.InitialValues())
}

func (p *Persistor) onChange(change Change) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.latest = change
	p.hasChange = true
	p.mu.Unlock()
	p.debounce.Trigger()
}

func (p *Persistor) flushDebounced() {
	p.performWrite(p.writeCtx)
}

func (p *Persistor) performWrite(ctx context.Context) {
	p.mu.Lock()
	if p.closed || !p.hasChange {
		p.mu.Unlock()
		return
	}
	change := p.latest
	p.mu.Unlock()

	if !change.Valid && !p.cfg.persistInvalid {
		return
	}

	snapshot := excludeFields(change.Values, p.cfg.ignoreValues)
	if p.cfg.transform != nil {
		transformed, err := p.cfg.transform.Apply(snapshot)
		if err != nil {
			p.report(ctx, "transform", "", err)
			return
		}
		snapshot = transformed
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.report(ctx, "encode", "", wrapStorageError("encode", p.name, "", err))
		return
	}

	if p.store == nil {
		return
	}
	key := p.resolver.resolve(p.form.InitialValues())
	start := time.Now()
	err = wrapStorageError("write", p.name, key, p.store.Set(ctx, key, string(payload)))
	p.logger.LogPersist(PersistLogEvent{
		Op:       "write",
		Form:     p.name,
		Key:      key,
		Duration: time.Since(start),
		Err:      err,
	})
	if err != nil {
		p.report(ctx, "write", key, err)
		return
	}
	p.prune(ctx, key)
}

// prune removes superseded checksum-keyed variants: every key containing the
// form's key prefix except the one just written.
func (p *Persistor) prune(ctx context.Context, current string) {
	keys, err := p.store.Keys(ctx)
	if err != nil {
		p.report(ctx, "prune", current, wrapStorageError("prune", p.name, current, err))
		return
	}
	prefix := p.resolver.prefix()
	for _, key := range keys {
		if key == current || !strings.Contains(key, prefix) {
			continue
		}
		if err := p.store.Remove(ctx, key); err != nil {
			p.report(ctx, "prune", key, wrapStorageError("prune", p.name, key, err))
		}
	}
}

func (p *Persistor) report(ctx context.Context, op, key string, err error) {
	if !p.cfg.hooks.Enabled() {
		return
	}
	_ = p.cfg.hooks.Notify(ctx, diagnostic.Event{
		Op:   op,
		Form: p.name,
		Key:  key,
		Err:  err,
	})
}

// excludeFields drops ignored field names from a snapshot. Exclusion is by
// shallow field name only.
func excludeFields(values Values, ignore []string) Values {
	if values == nil {
		return nil
	}
	out := make(Values, len(values))
	for name, value := range values {
		out[name] = value
	}
	for _, name := range ignore {
		delete(out, name)
	}
	return out
}

func sameSerialized(a, b Values) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(rawA) == string(rawB)
}
