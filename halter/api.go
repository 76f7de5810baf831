// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter reports fatal invariant violations.
//
// A violated invariant means the adapter or the engine has broken its contract,
// so the process is stopped rather than an error being returned. Tests divert the
// halt to a callback with SetTestModeHaltCallback() and assert on the label.
package halter

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/NVIDIA/h2fuse/logger"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	HandleCloseWithoutOpen uint32 = iota
	HandleTotalUnderflow
	DestroyWithOpenHandles
	DirectoryListingMalformed
	UnknownModeType
	UnknownObjectType
	HandleMismatch
)

var (
	HaltLabelStrings = []string{
		"handle.closeWithoutOpen",
		"handle.totalUnderflow",
		"adapter.destroyWithOpenHandles",
		"readdir.listingMalformed",
		"attr.unknownModeType",
		"attr.unknownObjectType",
		"adapter.handleMismatch",
	}
)

type globalsStruct struct {
	sync.Mutex
	testModeHaltCB func(haltLabel uint32, err error)
	haltCounts     map[uint32]uint64
}

var globals = globalsStruct{haltCounts: make(map[uint32]uint64)}

// Halt stops the process after logging the violated invariant named by haltLabel.
//
// In test mode the callback is invoked instead and Halt returns to its caller.
func Halt(haltLabel uint32, format string, args ...interface{}) {
	err := fmt.Errorf("%s: %s", LabelString(haltLabel), fmt.Sprintf(format, args...))

	globals.Lock()
	globals.haltCounts[haltLabel]++
	testModeHaltCB := globals.testModeHaltCB
	globals.Unlock()

	if nil == testModeHaltCB {
		logger.ErrorfWithError(err, "HALT")
		os.Exit(int(syscall.SIGKILL))
	}

	testModeHaltCB(haltLabel, err)
}

// LabelString returns the name of haltLabel
func LabelString(haltLabel uint32) string {
	if int(haltLabel) < len(HaltLabelStrings) {
		return HaltLabelStrings[haltLabel]
	}
	return fmt.Sprintf("halter.unknownLabel(%d)", haltLabel)
}

// List returns a slice of available halt labels
func List() (availableLabels []string) {
	availableLabels = make([]string, len(HaltLabelStrings))
	copy(availableLabels, HaltLabelStrings)
	return
}

// Dump returns how many times each label has halted (only ever non-empty in test mode)
func Dump() (haltCounts map[string]uint64) {
	globals.Lock()
	defer globals.Unlock()

	haltCounts = make(map[string]uint64)
	for haltLabel, count := range globals.haltCounts {
		haltCounts[LabelString(haltLabel)] = count
	}
	return
}

// SetTestModeHaltCallback diverts Halt() to testHalt (nil restores process exit)
func SetTestModeHaltCallback(testHalt func(haltLabel uint32, err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.haltCounts = make(map[uint32]uint64)
	globals.Unlock()
}
