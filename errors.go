package persist

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoStorage marks the absence of any resolvable store. It is reported to
// loggers for visibility but never surfaced to the form engine; persistence
// simply degrades to a no-op.
var ErrNoStorage = errors.New("persist: no storage available")

// StorageError captures storage operation metadata alongside the originating
// error.
type StorageError struct {
	Op   string
	Form string
	Key  string
	Err  error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("persist: storage %s form=%q %s: %v", e.Op, e.Form, describeKey(e.Key), e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func describeKey(key string) string {
	if key == "" {
		return "key=<none>"
	}
	return fmt.Sprintf("key=%q", key)
}

func wrapStorageError(op, form, key string, err error) error {
	if err == nil {
		return nil
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		if storageErr.Op == "" {
			storageErr.Op = op
		}
		if storageErr.Form == "" {
			storageErr.Form = form
		}
		if storageErr.Key == "" {
			storageErr.Key = key
		}
		return storageErr
	}

	if strings.HasPrefix(err.Error(), "persist:") {
		return err
	}
	return &StorageError{
		Op:   op,
		Form: form,
		Key:  key,
		Err:  err,
	}
}
