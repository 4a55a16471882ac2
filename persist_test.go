package persist

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-formpersist/pkg/diagnostic"
)

type recordingForm struct {
	*FormState
	mu           sync.Mutex
	replaceCount int
}

func newRecordingForm(initials Values) *recordingForm {
	return &recordingForm{FormState: NewFormState(initials)}
}

func (f *recordingForm) ReplaceValues(values Values) {
	f.mu.Lock()
	f.replaceCount++
	f.mu.Unlock()
	f.FormState.ReplaceValues(values)
}

func (f *recordingForm) replaces() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaceCount
}

type countingStore struct {
	*MemoryStore
	mu   sync.Mutex
	sets int
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *countingStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type funcStore struct {
	getFn    func(ctx context.Context, key string) (string, bool, error)
	setFn    func(ctx context.Context, key, value string) error
	removeFn func(ctx context.Context, key string) error
	keysFn   func(ctx context.Context) ([]string, error)
}

func (s *funcStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.getFn == nil {
		return "", false, nil
	}
	return s.getFn(ctx, key)
}

func (s *funcStore) Set(ctx context.Context, key, value string) error {
	if s.setFn == nil {
		return nil
	}
	return s.setFn(ctx, key, value)
}

func (s *funcStore) Remove(ctx context.Context, key string) error {
	if s.removeFn == nil {
		return nil
	}
	return s.removeFn(ctx, key)
}

func (s *funcStore) Keys(ctx context.Context) ([]string, error) {
	if s.keysFn == nil {
		return nil, nil
	}
	return s.keysFn(ctx)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func storedValues(t *testing.T, store Store, key string) Values {
	t.Helper()
	payload, ok, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	if !ok {
		t.Fatalf("expected payload under %q", key)
	}
	var values Values
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		t.Fatalf("decode payload under %q: %v", key, err)
	}
	return values
}

func TestNewValidatesInputs(t *testing.T) {
	if _, err := New(nil, "signup"); !errors.Is(err, ErrFormRequired) {
		t.Fatalf("expected ErrFormRequired, got %v", err)
	}
	if _, err := New(NewFormState(nil), "  "); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
}

func TestRestoreMergesPersistedOverInitialsAndIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Set(context.Background(), "signup", `{"username":"persisted","email":"p@e"}`); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	form := newRecordingForm(Values{"username": "initial", "age": float64(30)})

	p, err := New(form, "signup", WithStore(store))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	p.Restore(context.Background())

	got := form.Values()
	if got["username"] != "persisted" || got["email"] != "p@e" || got["age"] != float64(30) {
		t.Fatalf("unexpected merged values: %+v", got)
	}
	if form.replaces() != 1 {
		t.Fatalf("expected one replace, got %d", form.replaces())
	}

	p.Restore(context.Background())
	if form.replaces() != 1 {
		t.Fatalf("expected restore to be idempotent, got %d replaces", form.replaces())
	}
}

func TestRestoreCorruptPayloadLeavesValuesAndEmitsDiagnostic(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Set(context.Background(), "signup", `{not json`); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	capture := &diagnostic.CaptureHook{}
	form := newRecordingForm(Values{"username": "initial"})

	p, err := New(form, "signup", WithStore(store), WithHooks(diagnostic.Hooks{capture}))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	p.Restore(context.Background())

	if form.replaces() != 0 {
		t.Fatalf("expected no replace on corrupt payload, got %d", form.replaces())
	}
	if got := form.Values(); got["username"] != "initial" {
		t.Fatalf("expected values untouched, got %+v", got)
	}
	events := capture.Captured()
	if len(events) != 1 {
		t.Fatalf("expected one diagnostic event, got %d", len(events))
	}
	if events[0].Op != "decode" || events[0].Form != "signup" {
		t.Fatalf("unexpected diagnostic event: %+v", events[0])
	}
}

func TestNoStorageIsSilentNoOp(t *testing.T) {
	capture := &diagnostic.CaptureHook{}
	form := newRecordingForm(Values{"username": "initial"})

	p, err := New(form, "signup",
		WithDebounce(0),
		WithHooks(diagnostic.Hooks{capture}),
	)
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	form.SetValue("username", "changed")

	if form.replaces() != 0 {
		t.Fatalf("expected no replace without storage, got %d", form.replaces())
	}
	if events := capture.Captured(); len(events) != 0 {
		t.Fatalf("expected no diagnostics without storage, got %+v", events)
	}
}

func TestDebouncedWritesCoalesceToFinalSnapshot(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store), WithDebounce(60*time.Millisecond))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, value := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		form.SetValue("username", value)
	}

	waitFor(t, 2*time.Second, func() bool { return store.setCount() == 1 })
	time.Sleep(150 * time.Millisecond)
	if store.setCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", store.setCount())
	}
	if got := storedValues(t, store, "signup"); got["username"] != "abcde" {
		t.Fatalf("expected final snapshot persisted, got %+v", got)
	}
}

func TestInvalidFormGatesWrites(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store), WithDebounce(0))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValid(false)
	form.SetValue("username", "a")
	form.SetValue("username", "ab")
	if store.setCount() != 0 {
		t.Fatalf("expected no writes while invalid, got %d", store.setCount())
	}

	form.SetValid(true)
	if store.setCount() == 0 {
		t.Fatalf("expected write once valid again")
	}
}

func TestPersistInvalidWritesAnyway(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store), WithDebounce(0), WithPersistInvalid(true))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValid(false)
	form.SetValue("username", "a")
	if store.setCount() == 0 {
		t.Fatalf("expected write despite invalid form")
	}
}

func TestIgnoreValuesExcludedFromSnapshot(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": "", "password": ""})

	p, err := New(form, "signup",
		WithStore(store),
		WithDebounce(0),
		WithIgnoreValues("password"),
	)
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")
	form.SetValue("password", "b")

	got := storedValues(t, store, "signup")
	if got["username"] != "a" {
		t.Fatalf("expected username persisted, got %+v", got)
	}
	if _, ok := got["password"]; ok {
		t.Fatalf("expected password excluded, got %+v", got)
	}
}

func TestWriteDropsSupersededKeys(t *testing.T) {
	store := newCountingStore()
	seed := map[string]string{
		"signup_123": `{"username":"old"}`,
		"other":      `{"keep":"me"}`,
	}
	for key, payload := range seed {
		if err := store.Set(context.Background(), key, payload); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	store.mu.Lock()
	store.sets = 0
	store.mu.Unlock()

	form := newRecordingForm(Values{"username": ""})
	p, err := New(form, "signup",
		WithStore(store),
		WithDebounce(0),
		WithHashInitials(true),
	)
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "new")

	current := p.Key()
	if current == "signup_123" {
		t.Fatalf("test requires a rotated key, got %q", current)
	}
	if _, ok, _ := store.Get(context.Background(), "signup_123"); ok {
		t.Fatalf("expected superseded key pruned")
	}
	if _, ok, _ := store.Get(context.Background(), "other"); !ok {
		t.Fatalf("expected unrelated key retained")
	}
	if _, ok, _ := store.Get(context.Background(), current); !ok {
		t.Fatalf("expected current key written")
	}
}

func TestTransformAppliedBeforeWrite(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	transform := TransformFunc(func(snapshot Values) (Values, error) {
		out := Values{"wrapped": snapshot}
		return out, nil
	})
	p, err := New(form, "signup", WithStore(store), WithDebounce(0), WithTransform(transform))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")

	got := storedValues(t, store, "signup")
	wrapped, ok := got["wrapped"].(map[string]any)
	if !ok || wrapped["username"] != "a" {
		t.Fatalf("expected transformed payload, got %+v", got)
	}
}

func TestTransformErrorSkipsWriteAndReports(t *testing.T) {
	store := newCountingStore()
	capture := &diagnostic.CaptureHook{}
	form := newRecordingForm(Values{"username": ""})

	errBoom := errors.New("boom")
	transform := TransformFunc(func(Values) (Values, error) { return nil, errBoom })
	p, err := New(form, "signup",
		WithStore(store),
		WithDebounce(0),
		WithTransform(transform),
		WithHooks(diagnostic.Hooks{capture}),
	)
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")

	if store.setCount() != 0 {
		t.Fatalf("expected write skipped on transform error, got %d", store.setCount())
	}
	events := capture.Captured()
	if len(events) != 1 || events[0].Op != "transform" {
		t.Fatalf("expected one transform diagnostic, got %+v", events)
	}
}

func TestStorageFailuresAreRecoveredAndReported(t *testing.T) {
	errDown := errors.New("backend down")
	store := &funcStore{
		getFn: func(context.Context, string) (string, bool, error) {
			return "", false, errDown
		},
		setFn: func(context.Context, string, string) error {
			return errDown
		},
	}
	capture := &diagnostic.CaptureHook{}
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup",
		WithStore(store),
		WithDebounce(0),
		WithHooks(diagnostic.Hooks{capture}),
	)
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")

	events := capture.Captured()
	if len(events) != 2 {
		t.Fatalf("expected read and write diagnostics, got %+v", events)
	}
	if events[0].Op != "read" || events[1].Op != "write" {
		t.Fatalf("unexpected diagnostic ops: %+v", events)
	}
	var storageErr *StorageError
	if !errors.As(events[1].Err, &storageErr) || !errors.Is(events[1].Err, errDown) {
		t.Fatalf("expected wrapped storage error, got %v", events[1].Err)
	}
}

func TestFlushCommitsPendingWrite(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store), WithDebounce(time.Hour))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")
	if store.setCount() != 0 {
		t.Fatalf("expected write still pending, got %d", store.setCount())
	}

	p.Flush(context.Background())
	if store.setCount() != 1 {
		t.Fatalf("expected flush to commit the write, got %d", store.setCount())
	}

	p.Flush(context.Background())
	if store.setCount() != 1 {
		t.Fatalf("expected second flush to be a no-op, got %d", store.setCount())
	}
}

func TestCloseCancelsPendingWriteAndSubscription(t *testing.T) {
	store := newCountingStore()
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store), WithDebounce(40*time.Millisecond))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	form.SetValue("username", "a")
	p.Close()

	time.Sleep(150 * time.Millisecond)
	if store.setCount() != 0 {
		t.Fatalf("expected pending write cancelled by Close, got %d", store.setCount())
	}

	form.SetValue("username", "ab")
	time.Sleep(100 * time.Millisecond)
	if store.setCount() != 0 {
		t.Fatalf("expected no writes after Close, got %d", store.setCount())
	}
}

func TestStartLifecycleErrors(t *testing.T) {
	form := newRecordingForm(Values{})
	p, err := New(form, "signup", WithStore(NewMemoryStore()))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("expected ErrStarted, got %v", err)
	}
	p.Close()
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClearRemovesCurrentPayload(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Set(context.Background(), "signup", `{"username":"a"}`); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	form := newRecordingForm(Values{"username": ""})

	p, err := New(form, "signup", WithStore(store))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	p.Clear(context.Background())
	if _, ok, _ := store.Get(context.Background(), "signup"); ok {
		t.Fatalf("expected payload removed")
	}
}

func TestStaleRestoreIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls int
	var mu sync.Mutex
	store := &funcStore{
		getFn: func(ctx context.Context, key string) (string, bool, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(entered)
				<-release
				return `{"username":"stale"}`, true, nil
			}
			return `{"username":"fresh"}`, true, nil
		},
	}
	form := newRecordingForm(Values{"username": "initial"})

	p, err := New(form, "signup", WithStore(store))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Restore(context.Background())
	}()
	<-entered

	p.Restore(context.Background())
	if got := form.Values(); got["username"] != "fresh" {
		t.Fatalf("expected fresh payload applied, got %+v", got)
	}

	close(release)
	<-done

	if got := form.Values(); got["username"] != "fresh" {
		t.Fatalf("expected stale restore discarded, got %+v", got)
	}
	if form.replaces() != 1 {
		t.Fatalf("expected exactly one replace, got %d", form.replaces())
	}
}

// blockingForm stalls its first ReplaceValues so a test can overlap a second
// restore with an apply already in flight.
type blockingForm struct {
	*FormState
	mu       sync.Mutex
	replaced int
	entered  chan struct{}
	release  chan struct{}
}

func (f *blockingForm) ReplaceValues(values Values) {
	f.mu.Lock()
	f.replaced++
	first := f.replaced == 1
	f.mu.Unlock()
	if first {
		close(f.entered)
		<-f.release
	}
	f.FormState.ReplaceValues(values)
}

func (f *blockingForm) replaces() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaced
}

func TestOverlappingRestoresApplyNewestLast(t *testing.T) {
	var calls int
	var mu sync.Mutex
	store := &funcStore{
		getFn: func(ctx context.Context, key string) (string, bool, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return `{"username":"stale"}`, true, nil
			}
			return `{"username":"fresh"}`, true, nil
		},
	}
	form := &blockingForm{
		FormState: NewFormState(Values{"username": "initial"}),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}

	p, err := New(form, "signup", WithStore(store))
	if err != nil {
		t.Fatalf("new persistor: %v", err)
	}
	defer p.Close()

	first := make(chan struct{})
	go func() {
		defer close(first)
		p.Restore(context.Background())
	}()
	<-form.entered

	second := make(chan struct{})
	go func() {
		defer close(second)
		p.Restore(context.Background())
	}()

	close(form.release)
	<-first
	<-second

	if got := form.Values(); got["username"] != "fresh" {
		t.Fatalf("expected newest payload to win, got %+v", got)
	}
	if form.replaces() != 2 {
		t.Fatalf("expected both restores to apply, got %d replaces", form.replaces())
	}
}
