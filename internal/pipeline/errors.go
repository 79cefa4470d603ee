package pipeline

import (
	"errors"
	"fmt"
)

// ErrAlreadyClaimed is returned when another worker already runs a story.
var ErrAlreadyClaimed = errors.New("story is already running or finished")

// StorageError is returned when a story record or artifact cannot be
// persisted. It ends the request.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// IsStorageError reports whether err is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
