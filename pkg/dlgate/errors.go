package dlgate

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed gate.
var ErrClosed = errors.New("download gate is closed")

// StorageError wraps a failed SQLite operation of the gate ("open",
// "grant", "check", "purge").
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("download gate: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
