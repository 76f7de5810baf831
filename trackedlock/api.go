// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides a sync.Mutex that tracks its holder.
//
// If lock tracking is enabled the lock hold time is checked. When a lock is
// unlocked after being held longer than "LockHoldTimeLimit" a warning is logged
// along with the stack traces of the Lock() and Unlock() calls. In addition a
// watcher goroutine periodically ("LockCheckPeriod") looks for locks that are
// still held past the limit and logs the stack of the goroutine that locked them.
//
// The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
// triggers warning messages being logged. If it is 0 then locks are not
// tracked and the overhead of this package is minimal.
//
// The config variable "TrackedLock.LockCheckPeriod" is how often the watcher
// checks tracked locks. If it is 0 then no watcher is started and hold time is
// checked only when the lock is unlocked.
//
// trackedlock locks can be locked before Up() is called, but they will not be
// tracked until the first time they are locked after Up().
package trackedlock

import (
	"sync"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      MutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

// IsLocked reports whether the Mutex is currently held (by anyone).
func (m *Mutex) IsLocked() bool {
	locked, _ := m.tracker.holder()
	return locked
}
