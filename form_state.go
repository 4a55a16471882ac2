package persist

import "sync"

// FormState is a minimal in-process Form implementation. It is intended for
// tests, examples, and hosts without a dedicated form engine; real engines
// satisfy Form with their own value and validity tracking.
type FormState struct {
	mu       sync.Mutex
	initials Values
	values   Values
	valid    bool
	nextID   int
	subs     map[int]func(Change)
}

// NewFormState builds a FormState seeded with initials. The form starts
// valid with its values equal to the initial values.
func NewFormState(initials Values) *FormState {
	return &FormState{
		initials: cloneValues(initials),
		values:   cloneValues(initials),
		valid:    true,
		subs:     map[int]func(Change){},
	}
}

func (f *FormState) Values() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneValues(f.values)
}

func (f *FormState) InitialValues() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneValues(f.initials)
}

func (f *FormState) Valid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

// SetValue updates a single field and notifies subscribers.
func (f *FormState) SetValue(name string, value any) {
	f.mu.Lock()
	if f.values == nil {
		f.values = Values{}
	}
	f.values[name] = value
	f.mu.Unlock()
	f.notify()
}

// SetValid flips the validity flag and notifies subscribers.
func (f *FormState) SetValid(valid bool) {
	f.mu.Lock()
	f.valid = valid
	f.mu.Unlock()
	f.notify()
}

// ReplaceValues swaps the entire value set and notifies subscribers.
func (f *FormState) ReplaceValues(values Values) {
	f.mu.Lock()
	f.values = cloneValues(values)
	f.mu.Unlock()
	f.notify()
}

// Subscribe registers fn on the change stream and returns its cancel func.
func (f *FormState) Subscribe(fn func(Change)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *FormState) notify() {
	f.mu.Lock()
	change := Change{Values: cloneValues(f.values), Valid: f.valid}
	subs := make([]func(Change), 0, len(f.subs))
	for _, fn := range f.subs {
		if fn != nil {
			subs = append(subs, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(change)
	}
}

func cloneValues(values Values) Values {
	if values == nil {
		return nil
	}
	out := make(Values, len(values))
	for name, value := range values {
		out[name] = value
	}
	return out
}
