package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockFileName is the marker file that makes a store directory exclusive to one process.
const LockFileName = "store.lock"

// LockOwner is the content of the lock marker.
type LockOwner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	Instance   string    `json:"instance"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockInfo describes the lock marker of a store directory without acquiring it.
type LockInfo struct {
	Path  string    `json:"path"`
	Held  bool      `json:"held"`
	Owner LockOwner `json:"owner"`
}

// Lock is a held store lock. Release is idempotent.
type Lock struct {
	path  string
	owner LockOwner
	once  sync.Once
}

// AcquireLock creates the lock marker in dir with create-exclusive semantics.
// If a marker already exists a *LockHeldError is returned. Stale markers left
// by crashed processes are not detected and have to be removed by hand.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	path := filepath.Join(dir, LockFileName)
	hostname, _ := os.Hostname()
	owner := LockOwner{
		PID:        os.Getpid(),
		Hostname:   hostname,
		Instance:   uuid.NewString(),
		AcquiredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	data, err := json.Marshal(&owner)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		existing, _ := readLockOwner(path)
		return nil, &LockHeldError{Path: path, Owner: existing}
	} else if err != nil {
		return nil, fmt.Errorf("failed to create lock marker: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock marker: %w", err)
	}
	return &Lock{path: path, owner: owner}, nil
}

func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) Owner() LockOwner {
	return l.owner
}

// Release removes the marker if it still belongs to this lock. Calling it
// again, or after the marker was removed by someone else, returns nil.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		err = l.remove()
	})
	return err
}

func (l *Lock) remove() error {
	current, err := readLockOwner(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err == nil && current.Instance != "" && current.Instance != l.owner.Instance {
		// Replaced by another process after a manual clear.
		return nil
	}
	if err = os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock marker: %w", err)
	}
	return nil
}

// InspectLock reports whether dir is locked and by whom.
func InspectLock(dir string) (LockInfo, error) {
	path := filepath.Join(dir, LockFileName)
	info := LockInfo{Path: path}
	owner, err := readLockOwner(path)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	info.Held = true
	var syntaxErr *json.SyntaxError
	if err != nil && !errors.As(err, &syntaxErr) && !errors.Is(err, errEmptyMarker) {
		return info, err
	}
	info.Owner = owner
	return info, nil
}

var errEmptyMarker = errors.New("lock marker is empty")

func readLockOwner(path string) (LockOwner, error) {
	var owner LockOwner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if len(data) == 0 {
		return owner, errEmptyMarker
	}
	err = json.Unmarshal(data, &owner)
	return owner, err
}
