package backup

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/openmined/s3rotate/internal/utils"
)

var ErrLocked = errors.New("prefix locked by another process")

// PrefixLock serializes runs against the same destination prefix on one host
type PrefixLock struct {
	flock *flock.Flock
}

func NewPrefixLock(path string) *PrefixLock {
	return &PrefixLock{flock: flock.New(path)}
}

func (l *PrefixLock) Path() string {
	return l.flock.Path()
}

// Lock takes the lock without waiting; a lock held elsewhere returns ErrLocked
func (l *PrefixLock) Lock() error {
	if err := utils.EnsureParent(l.flock.Path()); err != nil {
		return fmt.Errorf("failed to create lock dir: %w", err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.flock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, l.flock.Path())
	}
	return nil
}

func (l *PrefixLock) Unlock() error {
	// not ours, leave the file to its owner
	if !l.flock.Locked() {
		return nil
	}

	// the file stays: removing it would let a waiter and a newcomer lock different inodes
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.flock.Path(), err)
	}
	return nil
}
