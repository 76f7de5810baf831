// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"time"

	"github.com/NVIDIA/h2fuse/conf"
	"github.com/NVIDIA/h2fuse/logger"
)

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration) {
	var (
		err error
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (lockHoldTimeLimit < time.Second) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (lockCheckPeriod < time.Second) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	return
}

// Up initializes the package. Locks can still be used before it is called
// but tracking will not start until the first Lock() call after Up().
func Up(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod := parseConfMap(confMap)

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v  LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	globals.Lock()
	defer globals.Unlock()

	globals.lockHoldTimeLimit = lockHoldTimeLimit
	globals.lockCheckPeriod = lockCheckPeriod
	globals.mutexMap = make(map[*MutexTrack]interface{})

	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)

	go lockWatcher(globals.lockCheckTicker.C, globals.stopChan, globals.doneChan)

	return
}

// Down stops the watcher (if any) and disables tracking.
func Down() (err error) {
	globals.Lock()
	lockCheckTicker := globals.lockCheckTicker
	stopChan := globals.stopChan
	doneChan := globals.doneChan
	globals.lockCheckTicker = nil
	globals.Unlock()

	if nil != lockCheckTicker {
		lockCheckTicker.Stop()
		stopChan <- struct{}{}
		<-doneChan
	}

	globals.Lock()
	globals.lockHoldTimeLimit = 0
	globals.lockCheckPeriod = 0
	globals.mutexMap = nil
	globals.Unlock()

	return
}
