// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"github.com/NVIDIA/h2fuse/trackedlock"
)

// Serializer admits one protocol operation at a time into the engine.
//
// The lock is not reentrant: an operation that already holds a Guard must not
// call Acquire() again.
type Serializer struct {
	mutex trackedlock.Mutex
}

// Guard is the proof that the caller holds the Serializer
type Guard struct {
	serializer *Serializer
	released   bool
}

// Acquire blocks until the caller holds the Serializer. Callers immediately
// `defer guard.Release()` so that every exit path releases it.
func (serializer *Serializer) Acquire() (guard *Guard) {
	serializer.mutex.Lock()

	guard = &Guard{serializer: serializer}

	return
}

// Release gives up the Serializer. Releasing a Guard twice is a no-op.
func (guard *Guard) Release() {
	if guard.released {
		return
	}

	guard.released = true

	guard.serializer.mutex.Unlock()
}

// IsHeld reports whether some operation currently holds the Serializer
func (serializer *Serializer) IsHeld() bool {
	return serializer.mutex.IsLocked()
}
