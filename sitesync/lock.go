// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sitesync

import (
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// SiteLock guards a site against overlapping sync cycles. The in-process
// mutex covers triggers of one driver; the optional lock file covers
// separate processes sharing the same database.
type SiteLock struct {
	mu   sync.Mutex
	file *flock.Flock
}

// NewSiteLock returns a lock; an empty path disables the lock file.
func NewSiteLock(path string) *SiteLock {
	l := &SiteLock{}
	if path != "" {
		l.file = flock.New(path)
	}
	return l
}

// TryLock acquires the lock without blocking. ok is false when another
// cycle holds it.
func (l *SiteLock) TryLock() (ok bool, err error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	if l.file == nil {
		return true, nil
	}
	locked, err := l.file.TryLock()
	if err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("failed to lock %s: %w", l.file.Path(), err)
	}
	if !locked {
		l.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Unlock releases a lock acquired with TryLock.
func (l *SiteLock) Unlock() error {
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.file.Path(), err)
	}
	return nil
}
