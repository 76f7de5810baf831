// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"syscall"

	"github.com/NVIDIA/fission"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/engine"
)

const (
	initOutFlags = uint32(0) |
		fission.InitFlagsAsyncRead |
		fission.InitFlagsFileOps |
		fission.InitFlagsBigWrites |
		fission.InitFlagsAutoInvalData

	initOutMaxBackground        = uint16(100)
	initOutCongestionThreshhold = uint16(0)

	getAttrInFlagsFH = uint32(1)
)

// refuse answers a callback the adapter does not implement
func (adapter *Adapter) refuse(name string, errno syscall.Errno, inHeader *fission.InHeader, in interface{}) syscall.Errno {
	op := adapter.beginOp(name, inHeader, in)
	op.end(errno)
	return errno
}

func (adapter *Adapter) entryOut(stat engine.StatRecord) fission.EntryOut {
	return fission.EntryOut{
		NodeID:         stat.Ino,
		Generation:     0,
		EntryValidSec:  adapter.entryValidSec,
		AttrValidSec:   adapter.attrValidSec,
		EntryValidNSec: adapter.entryValidNSec,
		AttrValidNSec:  adapter.attrValidNSec,
		Attr:           StatToAttr(stat),
	}
}

func (adapter *Adapter) DoLookup(inHeader *fission.InHeader, lookupIn *fission.LookupIn) (lookupOut *fission.LookupOut, errno syscall.Errno) {
	var (
		err         error
		inodeNumber uint64
		stat        engine.StatRecord
	)

	op := adapter.beginOp("DoLookup", inHeader, inHeader.NodeID, string(lookupIn.Name))
	defer func() {
		op.end(errno, lookupOut)
	}()

	inodeNumber, err = adapter.engine.ResolveName(inHeader.NodeID, lookupIn.Name)
	if nil != err {
		errno = op.fail(err)
		return
	}

	stat, err = adapter.engine.Stat(inodeNumber)
	if nil != err {
		errno = op.fail(err)
		return
	}

	lookupOut = &fission.LookupOut{
		EntryOut: adapter.entryOut(stat),
	}

	errno = 0
	return
}

func (adapter *Adapter) DoForget(inHeader *fission.InHeader, forgetIn *fission.ForgetIn) {
	op := adapter.beginOp("DoForget", inHeader, inHeader.NodeID, forgetIn)
	op.end(0)
}

func (adapter *Adapter) DoGetAttr(inHeader *fission.InHeader, getAttrIn *fission.GetAttrIn) (getAttrOut *fission.GetAttrOut, errno syscall.Errno) {
	var (
		err  error
		stat engine.StatRecord
	)

	op := adapter.beginOp("DoGetAttr", inHeader, inHeader.NodeID, getAttrIn)
	defer func() {
		op.end(errno, getAttrOut)
	}()

	if 0 != (getAttrIn.Flags & getAttrInFlagsFH) {
		errno = adapter.checkFH("DoGetAttr", inHeader.NodeID, getAttrIn.FH)
		if 0 != errno {
			return
		}
	}

	stat, err = adapter.engine.Stat(inHeader.NodeID)
	if nil != err {
		errno = op.fail(err)
		return
	}

	getAttrOut = &fission.GetAttrOut{
		AttrValidSec:  adapter.attrValidSec,
		AttrValidNSec: adapter.attrValidNSec,
		Dummy:         0,
		Attr:          StatToAttr(stat),
	}

	errno = 0
	return
}

func (adapter *Adapter) DoSetAttr(inHeader *fission.InHeader, setAttrIn *fission.SetAttrIn) (setAttrOut *fission.SetAttrOut, errno syscall.Errno) {
	errno = adapter.refuse("DoSetAttr", unix.EROFS, inHeader, setAttrIn)
	return
}

func (adapter *Adapter) DoReadLink(inHeader *fission.InHeader) (readLinkOut *fission.ReadLinkOut, errno syscall.Errno) {
	var (
		err    error
		target []byte
	)

	op := adapter.beginOp("DoReadLink", inHeader, inHeader.NodeID)
	defer func() {
		op.end(errno, readLinkOut)
	}()

	target, err = adapter.engine.ReadLink(inHeader.NodeID)
	if nil != err {
		errno = op.fail(err)
		return
	}

	readLinkOut = &fission.ReadLinkOut{
		Data: target,
	}

	errno = 0
	return
}

func (adapter *Adapter) DoSymLink(inHeader *fission.InHeader, symLinkIn *fission.SymLinkIn) (symLinkOut *fission.SymLinkOut, errno syscall.Errno) {
	errno = adapter.refuse("DoSymLink", unix.EROFS, inHeader, symLinkIn)
	return
}

func (adapter *Adapter) DoMkNod(inHeader *fission.InHeader, mkNodIn *fission.MkNodIn) (mkNodOut *fission.MkNodOut, errno syscall.Errno) {
	errno = adapter.refuse("DoMkNod", unix.EROFS, inHeader, mkNodIn)
	return
}

func (adapter *Adapter) DoMkDir(inHeader *fission.InHeader, mkDirIn *fission.MkDirIn) (mkDirOut *fission.MkDirOut, errno syscall.Errno) {
	errno = adapter.refuse("DoMkDir", unix.EROFS, inHeader, mkDirIn)
	return
}

func (adapter *Adapter) DoUnlink(inHeader *fission.InHeader, unlinkIn *fission.UnlinkIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoUnlink", unix.EROFS, inHeader, unlinkIn)
	return
}

func (adapter *Adapter) DoRmDir(inHeader *fission.InHeader, rmDirIn *fission.RmDirIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoRmDir", unix.EROFS, inHeader, rmDirIn)
	return
}

func (adapter *Adapter) DoRename(inHeader *fission.InHeader, renameIn *fission.RenameIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoRename", unix.EROFS, inHeader, renameIn)
	return
}

func (adapter *Adapter) DoLink(inHeader *fission.InHeader, linkIn *fission.LinkIn) (linkOut *fission.LinkOut, errno syscall.Errno) {
	errno = adapter.refuse("DoLink", unix.EROFS, inHeader, linkIn)
	return
}

// open is shared by DoOpen and DoOpenDir; the file handle is the inode number
func (adapter *Adapter) open(op *opStruct, inodeNumber uint64, flags uint32) (fh uint64, errno syscall.Errno) {
	if adapter.config.ReadOnly {
		if (unix.O_RDONLY != (flags & unix.O_ACCMODE)) || (0 != (flags & fission.FOpenRequestTRUNC)) {
			errno = unix.EROFS
			return
		}
	}

	err := adapter.handles.Open(inodeNumber)
	if nil != err {
		errno = op.fail(err)
		return
	}

	fh = inodeNumber

	errno = 0
	return
}

func (adapter *Adapter) DoOpen(inHeader *fission.InHeader, openIn *fission.OpenIn) (openOut *fission.OpenOut, errno syscall.Errno) {
	var (
		fh uint64
	)

	op := adapter.beginOp("DoOpen", inHeader, inHeader.NodeID, openIn)
	defer func() {
		op.end(errno, openOut)
	}()

	fh, errno = adapter.open(op, inHeader.NodeID, openIn.Flags)
	if 0 != errno {
		return
	}

	openOut = &fission.OpenOut{
		FH:        fh,
		OpenFlags: fission.FOpenResponseKeepCache,
		Padding:   0,
	}

	errno = 0
	return
}

func (adapter *Adapter) DoRead(inHeader *fission.InHeader, readIn *fission.ReadIn) (readOut *fission.ReadOut, errno syscall.Errno) {
	var (
		data []byte
		err  error
	)

	op := adapter.beginOp("DoRead", inHeader, inHeader.NodeID, readIn)
	defer func() {
		if nil == readOut {
			op.end(errno, 0)
		} else {
			op.end(errno, len(readOut.Data))
		}
	}()

	errno = adapter.checkFH("DoRead", inHeader.NodeID, readIn.FH)
	if 0 != errno {
		return
	}

	data, err = adapter.engine.ReadAt(inHeader.NodeID, uint64(readIn.Size), readIn.Offset)
	if nil != err {
		errno = op.fail(err)
		return
	}

	readOut = &fission.ReadOut{
		Data: data,
	}

	errno = 0
	return
}

func (adapter *Adapter) DoWrite(inHeader *fission.InHeader, writeIn *fission.WriteIn) (writeOut *fission.WriteOut, errno syscall.Errno) {
	errno = adapter.refuse("DoWrite", unix.EROFS, inHeader, inHeader.NodeID)
	return
}

func (adapter *Adapter) DoStatFS(inHeader *fission.InHeader) (statFSOut *fission.StatFSOut, errno syscall.Errno) {
	var (
		err     error
		fsStats engine.FsStats
	)

	op := adapter.beginOp("DoStatFS", inHeader, inHeader.NodeID)
	defer func() {
		op.end(errno, statFSOut)
	}()

	fsStats, err = adapter.engine.StatFS()
	if nil != err {
		errno = op.fail(err)
		return
	}

	statFSOut = &fission.StatFSOut{
		KStatFS: fission.KStatFS{
			Blocks:  fsStats.Blocks,
			BFree:   fsStats.BFree,
			BAvail:  fsStats.BAvail,
			Files:   fsStats.Files,
			FFree:   fsStats.FFree,
			BSize:   fsStats.BSize,
			NameLen: fsStats.NameLen,
			FRSize:  fsStats.FRSize,
			Padding: 0,
			Spare:   [6]uint32{0, 0, 0, 0, 0, 0},
		},
	}

	errno = 0
	return
}

func (adapter *Adapter) DoRelease(inHeader *fission.InHeader, releaseIn *fission.ReleaseIn) (errno syscall.Errno) {
	op := adapter.beginOp("DoRelease", inHeader, inHeader.NodeID, releaseIn)
	defer func() {
		op.end(errno)
	}()

	errno = adapter.checkFH("DoRelease", inHeader.NodeID, releaseIn.FH)
	if 0 != errno {
		return
	}

	adapter.handles.Close(inHeader.NodeID)

	errno = 0
	return
}

func (adapter *Adapter) DoFSync(inHeader *fission.InHeader, fSyncIn *fission.FSyncIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoFSync", unix.ENOSYS, inHeader, fSyncIn)
	return
}

func (adapter *Adapter) DoSetXAttr(inHeader *fission.InHeader, setXAttrIn *fission.SetXAttrIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoSetXAttr", unix.EROFS, inHeader, string(setXAttrIn.Name))
	return
}

func (adapter *Adapter) DoGetXAttr(inHeader *fission.InHeader, getXAttrIn *fission.GetXAttrIn) (getXAttrOut *fission.GetXAttrOut, errno syscall.Errno) {
	errno = adapter.refuse("DoGetXAttr", unix.ENOSYS, inHeader, string(getXAttrIn.Name))
	return
}

func (adapter *Adapter) DoListXAttr(inHeader *fission.InHeader, listXAttrIn *fission.ListXAttrIn) (listXAttrOut *fission.ListXAttrOut, errno syscall.Errno) {
	errno = adapter.refuse("DoListXAttr", unix.ENOSYS, inHeader, listXAttrIn)
	return
}

func (adapter *Adapter) DoRemoveXAttr(inHeader *fission.InHeader, removeXAttrIn *fission.RemoveXAttrIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoRemoveXAttr", unix.EROFS, inHeader, string(removeXAttrIn.Name))
	return
}

func (adapter *Adapter) DoFlush(inHeader *fission.InHeader, flushIn *fission.FlushIn) (errno syscall.Errno) {
	op := adapter.beginOp("DoFlush", inHeader, inHeader.NodeID, flushIn)
	defer func() {
		op.end(errno)
	}()

	errno = adapter.checkFH("DoFlush", inHeader.NodeID, flushIn.FH)

	return
}

func (adapter *Adapter) DoInit(inHeader *fission.InHeader, initIn *fission.InitIn) (initOut *fission.InitOut, errno syscall.Errno) {
	op := adapter.beginOp("DoInit", inHeader, initIn)
	defer func() {
		op.end(errno, initOut)
	}()

	initOut = &fission.InitOut{
		Major:                initIn.Major,
		Minor:                initIn.Minor,
		MaxReadAhead:         initIn.MaxReadAhead,
		Flags:                initOutFlags,
		MaxBackground:        initOutMaxBackground,
		CongestionThreshhold: initOutCongestionThreshhold,
		MaxWrite:             adapter.config.MaxWrite,
	}

	errno = 0
	return
}

func (adapter *Adapter) DoOpenDir(inHeader *fission.InHeader, openDirIn *fission.OpenDirIn) (openDirOut *fission.OpenDirOut, errno syscall.Errno) {
	var (
		fh uint64
	)

	op := adapter.beginOp("DoOpenDir", inHeader, inHeader.NodeID, openDirIn)
	defer func() {
		op.end(errno, openDirOut)
	}()

	fh, errno = adapter.open(op, inHeader.NodeID, openDirIn.Flags)
	if 0 != errno {
		return
	}

	openDirOut = &fission.OpenDirOut{
		FH:        fh,
		OpenFlags: fission.FOpenResponseKeepCache,
		Padding:   0,
	}

	errno = 0
	return
}

func (adapter *Adapter) DoReadDir(inHeader *fission.InHeader, readDirIn *fission.ReadDirIn) (readDirOut *fission.ReadDirOut, errno syscall.Errno) {
	var (
		dirEntries    []engine.DirEntry
		dirEntSize    uint64
		err           error
		readDirOutLen uint64
	)

	op := adapter.beginOp("DoReadDir", inHeader, inHeader.NodeID, readDirIn)
	defer func() {
		if nil == readDirOut {
			op.end(errno, 0)
		} else {
			op.end(errno, len(readDirOut.DirEnt))
		}
	}()

	errno = adapter.checkFH("DoReadDir", inHeader.NodeID, readDirIn.FH)
	if 0 != errno {
		return
	}

	dirEntries, err = adapter.enumerator.List(inHeader.NodeID)
	if nil != err {
		errno = op.fail(err)
		return
	}

	readDirOut = &fission.ReadDirOut{
		DirEnt: make([]fission.DirEnt, 0),
	}

	appended, _, _ := adapter.enumerator.Page(dirEntries, readDirIn.Offset, func(dirEntry engine.DirEntry, nextCookie uint64) bool {
		dirEntSize = fission.DirEntFixedPortionSize + uint64(len(dirEntry.Name)) + fission.DirEntAlignment - 1
		dirEntSize /= fission.DirEntAlignment
		dirEntSize *= fission.DirEntAlignment

		if (readDirOutLen + dirEntSize) > uint64(readDirIn.Size) {
			return false
		}

		readDirOutLen += dirEntSize

		readDirOut.DirEnt = append(readDirOut.DirEnt, fission.DirEnt{
			Ino:     dirEntry.Ino,
			Off:     nextCookie,
			NameLen: uint32(len(dirEntry.Name)),
			Type:    ObjTypeToDirEntType(dirEntry.Type),
			Name:    []byte(dirEntry.Name),
		})

		return true
	})

	adapter.metrics.readDirEntries.Add(float64(appended))

	errno = 0
	return
}

func (adapter *Adapter) DoReleaseDir(inHeader *fission.InHeader, releaseDirIn *fission.ReleaseDirIn) (errno syscall.Errno) {
	op := adapter.beginOp("DoReleaseDir", inHeader, inHeader.NodeID, releaseDirIn)
	defer func() {
		op.end(errno)
	}()

	errno = adapter.checkFH("DoReleaseDir", inHeader.NodeID, releaseDirIn.FH)
	if 0 != errno {
		return
	}

	adapter.handles.Close(inHeader.NodeID)

	errno = 0
	return
}

func (adapter *Adapter) DoFSyncDir(inHeader *fission.InHeader, fSyncDirIn *fission.FSyncDirIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoFSyncDir", unix.ENOSYS, inHeader, fSyncDirIn)
	return
}

func (adapter *Adapter) DoGetLK(inHeader *fission.InHeader, getLKIn *fission.GetLKIn) (getLKOut *fission.GetLKOut, errno syscall.Errno) {
	errno = adapter.refuse("DoGetLK", unix.ENOSYS, inHeader, getLKIn)
	return
}

func (adapter *Adapter) DoSetLK(inHeader *fission.InHeader, setLKIn *fission.SetLKIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoSetLK", unix.ENOSYS, inHeader, setLKIn)
	return
}

func (adapter *Adapter) DoSetLKW(inHeader *fission.InHeader, setLKWIn *fission.SetLKWIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoSetLKW", unix.ENOSYS, inHeader, setLKWIn)
	return
}

// DoAccess is never expected: mounts use default_permissions so the kernel does access checks
func (adapter *Adapter) DoAccess(inHeader *fission.InHeader, accessIn *fission.AccessIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoAccess", unix.ENOSYS, inHeader, accessIn)
	return
}

func (adapter *Adapter) DoCreate(inHeader *fission.InHeader, createIn *fission.CreateIn) (createOut *fission.CreateOut, errno syscall.Errno) {
	errno = adapter.refuse("DoCreate", unix.EROFS, inHeader, createIn)
	return
}

// DoInterrupt is accepted and ignored; requests are never cancelled
func (adapter *Adapter) DoInterrupt(inHeader *fission.InHeader, interruptIn *fission.InterruptIn) {
	op := adapter.beginOp("DoInterrupt", inHeader, interruptIn)
	op.end(0)
}

func (adapter *Adapter) DoBMap(inHeader *fission.InHeader, bMapIn *fission.BMapIn) (bMapOut *fission.BMapOut, errno syscall.Errno) {
	errno = adapter.refuse("DoBMap", unix.ENOSYS, inHeader, bMapIn)
	return
}

func (adapter *Adapter) DoDestroy(inHeader *fission.InHeader) (errno syscall.Errno) {
	op := adapter.beginOp("DoDestroy", inHeader)
	defer func() {
		op.end(errno)
	}()

	errno = op.fail(adapter.destroy())

	return
}

func (adapter *Adapter) DoPoll(inHeader *fission.InHeader, pollIn *fission.PollIn) (pollOut *fission.PollOut, errno syscall.Errno) {
	errno = adapter.refuse("DoPoll", unix.ENOSYS, inHeader, pollIn)
	return
}

func (adapter *Adapter) DoBatchForget(inHeader *fission.InHeader, batchForgetIn *fission.BatchForgetIn) {
	op := adapter.beginOp("DoBatchForget", inHeader, len(batchForgetIn.Forget))
	op.end(0)
}

func (adapter *Adapter) DoFAllocate(inHeader *fission.InHeader, fAllocateIn *fission.FAllocateIn) (errno syscall.Errno) {
	errno = adapter.refuse("DoFAllocate", unix.EROFS, inHeader, fAllocateIn)
	return
}

func (adapter *Adapter) DoReadDirPlus(inHeader *fission.InHeader, readDirPlusIn *fission.ReadDirPlusIn) (readDirPlusOut *fission.ReadDirPlusOut, errno syscall.Errno) {
	errno = adapter.refuse("DoReadDirPlus", unix.ENOSYS, inHeader, readDirPlusIn)
	return
}

func (adapter *Adapter) DoRename2(inHeader *fission.InHeader, rename2In *fission.Rename2In) (errno syscall.Errno) {
	errno = adapter.refuse("DoRename2", unix.EROFS, inHeader, rename2In)
	return
}

func (adapter *Adapter) DoLSeek(inHeader *fission.InHeader, lSeekIn *fission.LSeekIn) (lSeekOut *fission.LSeekOut, errno syscall.Errno) {
	errno = adapter.refuse("DoLSeek", unix.ENOSYS, inHeader, lSeekIn)
	return
}
