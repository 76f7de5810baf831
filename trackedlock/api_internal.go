// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sync"
	"time"

	"github.com/NVIDIA/h2fuse/logger"
	"github.com/NVIDIA/h2fuse/utils"
)

type globalsStruct struct {
	sync.Mutex                                    // protects the fields below
	mutexMap          map[*MutexTrack]interface{} // the Mutex locks being watched
	lockHoldTimeLimit time.Duration               // locks held longer than this get logged
	lockCheckPeriod   time.Duration               // check locks once each period
	lockCheckTicker   *time.Ticker                // ticker for lock check time
	stopChan          chan struct{}               // time to shutdown and go home
	doneChan          chan struct{}               // shutdown complete
}

var globals globalsStruct

// stackTraceBuf is the storage required to hold one stack trace
type stackTraceBuf [4040]byte

// MutexTrack tracks a Mutex
type MutexTrack struct {
	sync.Mutex           // protects the fields below (never held while waiting for the wrapped lock)
	isWatched  bool      // true if lock is in globals.mutexMap
	locked     bool      // true between lockTrack() and unlockTrack()
	lockTime   time.Time // time last lock operation completed
	lockerGoId uint64    // goroutine ID of the last locker
	lockStack  []byte    // stack trace when object was last locked (nil if untracked)
}

func fetchLimits() (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	globals.Lock()
	lockHoldTimeLimit = globals.lockHoldTimeLimit
	lockCheckPeriod = globals.lockCheckPeriod
	globals.Unlock()
	return
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}) {
	lockHoldTimeLimit, lockCheckPeriod := fetchLimits()

	if 0 == lockHoldTimeLimit {
		mt.Lock()
		mt.locked = true
		mt.lockTime = time.Now()
		mt.lockerGoId = utils.GetGID()
		mt.lockStack = nil
		mt.Unlock()
		return
	}

	var buf stackTraceBuf
	cnt := runtime.Stack(buf[:], false)
	lockStack := make([]byte, cnt)
	copy(lockStack, buf[:cnt])

	mt.Lock()
	mt.locked = true
	mt.lockTime = time.Now()
	mt.lockerGoId = utils.StackTraceToGoId(lockStack)
	mt.lockStack = lockStack
	needsWatching := !mt.isWatched && (0 != lockCheckPeriod)
	if needsWatching {
		mt.isWatched = true
	}
	mt.Unlock()

	if needsWatching {
		globals.Lock()
		if nil != globals.mutexMap {
			globals.mutexMap[mt] = wrappedLock
		}
		globals.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	lockHoldTimeLimit, _ := fetchLimits()

	mt.Lock()
	heldFor := time.Since(mt.lockTime)
	lockStack := mt.lockStack
	mt.locked = false
	mt.lockerGoId = 0
	mt.lockStack = nil
	mt.Unlock()

	if (0 != lockHoldTimeLimit) && (heldFor >= lockHoldTimeLimit) {
		var buf stackTraceBuf
		cnt := runtime.Stack(buf[:], false)

		lockStr := "goroutine 9999 [unknown]\nlocked before lock tracking enabled\n"
		if nil != lockStack {
			lockStr = string(lockStack)
		}
		logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
			wrappedLock, wrappedLock, heldFor.Seconds(), lockStr, string(buf[:cnt]))
	}
}

func (mt *MutexTrack) holder() (locked bool, goId uint64) {
	mt.Lock()
	locked = mt.locked
	goId = mt.lockerGoId
	mt.Unlock()
	return
}

// checkLocks logs every watched lock held longer than the limit and drops
// locks that have been idle for a whole check period.
func checkLocks() (overLimit int) {
	lockHoldTimeLimit, lockCheckPeriod := fetchLimits()

	now := time.Now()

	globals.Lock()
	defer globals.Unlock()

	for mt, lockPtr := range globals.mutexMap {
		mt.Lock()
		locked := mt.locked
		lockedDuration := now.Sub(mt.lockTime)
		lockerGoId := mt.lockerGoId
		lockStack := string(mt.lockStack)
		if !locked && (lockedDuration >= lockCheckPeriod) {
			mt.isWatched = false
		}
		mt.Unlock()

		if !locked {
			if lockedDuration >= lockCheckPeriod {
				delete(globals.mutexMap, mt)
			}
			continue
		}

		if lockedDuration > lockHoldTimeLimit {
			overLimit++
			logger.Warnf("trackedlock watcher: %T at %p locked for %f sec by goroutine %d; stack at call to Lock():\n%s",
				lockPtr, lockPtr, lockedDuration.Seconds(), lockerGoId, lockStack)
		}
	}

	return
}

// lockWatcher periodically checks for locks that have been held too long.
func lockWatcher(lockCheckChan <-chan time.Time, stopChan chan struct{}, doneChan chan struct{}) {
	for {
		select {
		case <-stopChan:
			logger.Infof("trackedlock lock watcher shutting down")
			_ = checkLocks()
			doneChan <- struct{}{}
			return
		case <-lockCheckChan:
			_ = checkLocks()
		}
	}
}
