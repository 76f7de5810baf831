// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/halter"
	"github.com/NVIDIA/h2fuse/logger"
)

type openHandleStruct struct {
	inodeNumber uint64
	inodeRef    engine.InodeRef
	refCount    uint64
}

// HandleTable counts opens per inode. The FUSE file handle of an open file or
// directory is its inode number, so repeated opens of one inode share an entry.
//
// HandleTable is not safe for concurrent use; callers hold the Serializer.
type HandleTable struct {
	engine    engine.Engine
	handleMap sortedmap.LLRBTree // Key: inode number; Value: *openHandleStruct
	totalOpen uint64
}

func newHandleTable(mountedEngine engine.Engine) (handleTable *HandleTable) {
	handleTable = &HandleTable{
		engine:    mountedEngine,
		totalOpen: 0,
	}

	handleTable.handleMap = sortedmap.NewLLRBTree(sortedmap.CompareUint64, handleTable)

	return
}

func (handleTable *HandleTable) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("handleMap key %v is not a uint64", key)
		return
	}

	keyAsString = fmt.Sprintf("%016X", keyAsUint64)

	return
}

func (handleTable *HandleTable) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	openHandle, ok := value.(*openHandleStruct)
	if !ok {
		err = fmt.Errorf("handleMap value %v is not a *openHandleStruct", value)
		return
	}

	valueAsString = fmt.Sprintf("{inodeNumber:%016X refCount:%d}", openHandle.inodeNumber, openHandle.refCount)

	return
}

func (handleTable *HandleTable) fetch(inodeNumber uint64) (openHandle *openHandleStruct) {
	openHandleAsValue, ok, err := handleTable.handleMap.GetByKey(inodeNumber)
	if nil != err {
		logger.Fatalf("handleMap.GetByKey(%d) failed: %v", inodeNumber, err)
	}
	if !ok {
		return nil
	}

	openHandle = openHandleAsValue.(*openHandleStruct)

	return
}

// Open takes a reference on inodeNumber, pinning its engine inode until the matching Close()
func (handleTable *HandleTable) Open(inodeNumber uint64) (err error) {
	inodeRef := handleTable.engine.GetInode(inodeNumber)
	if nil == inodeRef {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inodeNumber)
		return
	}

	inodeRef.Hold()

	openHandle := handleTable.fetch(inodeNumber)
	if nil == openHandle {
		openHandle = &openHandleStruct{
			inodeNumber: inodeNumber,
			inodeRef:    inodeRef,
			refCount:    0,
		}

		_, err = handleTable.handleMap.Put(inodeNumber, openHandle)
		if nil != err {
			logger.Fatalf("handleMap.Put(%d) failed: %v", inodeNumber, err)
		}
	}

	openHandle.refCount++
	handleTable.totalOpen++

	return
}

// Close releases one reference taken by Open(). Closing an inode that is not
// open is a fatal invariant violation.
func (handleTable *HandleTable) Close(inodeNumber uint64) {
	openHandle := handleTable.fetch(inodeNumber)
	if nil == openHandle {
		halter.Halt(halter.HandleCloseWithoutOpen, "inode %d closed but not open", inodeNumber)
		return
	}

	if 0 == handleTable.totalOpen {
		halter.Halt(halter.HandleTotalUnderflow, "inode %d closed with total open count already 0", inodeNumber)
		return
	}

	openHandle.inodeRef.Drop()

	openHandle.refCount--
	handleTable.totalOpen--

	if 0 == openHandle.refCount {
		_, err := handleTable.handleMap.DeleteByKey(inodeNumber)
		if nil != err {
			logger.Fatalf("handleMap.DeleteByKey(%d) failed: %v", inodeNumber, err)
		}
	}
}

// Count returns the total number of outstanding opens across all inodes
func (handleTable *HandleTable) Count() uint64 {
	return handleTable.totalOpen
}

// RefCount returns the number of outstanding opens of inodeNumber
func (handleTable *HandleTable) RefCount(inodeNumber uint64) (refCount uint64) {
	openHandle := handleTable.fetch(inodeNumber)
	if nil != openHandle {
		refCount = openHandle.refCount
	}
	return
}

// Inodes returns the open inode numbers in ascending order
func (handleTable *HandleTable) Inodes() (inodeNumbers []uint64) {
	numHandles, err := handleTable.handleMap.Len()
	if nil != err {
		logger.Fatalf("handleMap.Len() failed: %v", err)
	}

	inodeNumbers = make([]uint64, 0, numHandles)

	for index := 0; index < numHandles; index++ {
		inodeNumberAsKey, _, ok, err := handleTable.handleMap.GetByIndex(index)
		if nil != err {
			logger.Fatalf("handleMap.GetByIndex(%d) failed: %v", index, err)
		}
		if !ok {
			logger.Fatalf("handleMap.GetByIndex(%d) returned !ok", index)
		}
		inodeNumbers = append(inodeNumbers, inodeNumberAsKey.(uint64))
	}

	return
}
