package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrReadOnly is returned by write operations on a store opened with OpenReadOnly.
var ErrReadOnly = errors.New("store is opened read-only")

// LockHeldError means another process already owns the store directory.
type LockHeldError struct {
	Path  string
	Owner LockOwner
}

func (e *LockHeldError) Error() string {
	if e.Owner.PID == 0 {
		return fmt.Sprintf("store is locked (%s)", e.Path)
	}
	return fmt.Sprintf("store is locked by pid %d on %s since %s (%s)",
		e.Owner.PID, e.Owner.Hostname, e.Owner.AcquiredAt.Format(time.RFC3339), e.Path)
}

// CorruptStoreError means the archive file exists but can't be read or written.
// The file is left untouched.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("store %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned by lookups for a message, channel, job or store
// that doesn't exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
