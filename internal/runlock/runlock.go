// Package runlock enforces at-most-one concurrent pipeline run via an
// exclusive file lock. The history ledger is read-modify-write over a whole
// file, so a second writer would corrupt it.
package runlock

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrHeld means another invocation holds the lock; the caller must exit
// without side effects.
var ErrHeld = errors.New("another run is already in progress")

// Lock is a held run lock. Release it on every exit path.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock without blocking. It returns ErrHeld when a
// concurrent run owns it.
func Acquire(path string) (*Lock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrHeld
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks. Safe to defer immediately after a successful Acquire.
// The marker file is deliberately left in place: unlinking it would let a
// later invocation lock a fresh inode at the same path while an earlier
// one still holds the old inode, and two runs would proceed at once.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
