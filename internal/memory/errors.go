package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks input rejected before any state was touched.
	ErrValidation = errors.New("validation failed")

	// ErrCorruptState is returned when a stored field cannot be decoded.
	ErrCorruptState = errors.New("corrupt conversation state")

	// ErrBusy is returned when the session lock could not be taken before
	// the caller's context ended.
	ErrBusy = errors.New("session busy")
)

// PersistenceError wraps a failure of the underlying key-value store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err came from the key-value store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ReservedKeyPrefix marks session keys used for internal bookkeeping rows,
// such as provider breaker state. Callers cannot chat under them.
const ReservedKeyPrefix = "_"

// ValidateSessionKey rejects empty and reserved session keys.
func ValidateSessionKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: session key is required", ErrValidation)
	case strings.HasPrefix(key, ReservedKeyPrefix):
		return fmt.Errorf("%w: session key %q is reserved", ErrValidation, key)
	}
	return nil
}
