// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"bytes"
	"strconv"
	"syscall"
	"testing"

	"github.com/NVIDIA/fission"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/conf"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/engine/ramengine"
	"github.com/NVIDIA/h2fuse/halter"
	"github.com/NVIDIA/h2fuse/logger"
)

func TestLookupGetAttrOpenReadRelease(t *testing.T) {
	assert := assert.New(t)

	halts := testSetupHalts(t)
	adapter, tree, _ := testNewAdapter(t)

	fooContents := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	fooInum, err := tree.ramEngine.AddFile(engine.InumPFSRoot, "foo", 0640, fooContents)
	require.NoError(t, err)

	lookupOut, errno := adapter.DoLookup(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.LookupIn{Name: []byte("foo")})
	require.Equal(t, 0, int(errno))
	inode := lookupOut.NodeID
	assert.Equal(fooInum, inode)
	assert.Equal(uint64(1), lookupOut.EntryValidSec)
	assert.Equal(uint32(500000000), lookupOut.EntryValidNSec)
	assert.Equal(uint64(1), lookupOut.AttrValidSec)
	assert.Equal(uint32(0), lookupOut.AttrValidNSec)

	stat, err := tree.ramEngine.Stat(inode)
	require.NoError(t, err)

	getAttrOut, errno := adapter.DoGetAttr(&fission.InHeader{NodeID: inode}, &fission.GetAttrIn{})
	require.Equal(t, 0, int(errno))
	assert.Equal(stat.Size, getAttrOut.Size)
	assert.Equal(stat.Mode&unix.S_IFMT, getAttrOut.Mode&unix.S_IFMT)
	assert.Equal(StatToAttr(stat), getAttrOut.Attr)
	assert.Equal(lookupOut.Attr, getAttrOut.Attr)

	openCountBefore := adapter.OpenCount()

	openOut, errno := adapter.DoOpen(&fission.InHeader{NodeID: inode}, &fission.OpenIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))
	assert.Equal(inode, openOut.FH)
	assert.Equal(fission.FOpenResponseKeepCache, openOut.OpenFlags&fission.FOpenResponseKeepCache)
	assert.Equal(openCountBefore+1, adapter.OpenCount())

	readOut, errno := adapter.DoRead(&fission.InHeader{NodeID: inode}, &fission.ReadIn{FH: openOut.FH, Offset: 0, Size: 4096})
	require.Equal(t, 0, int(errno))
	assert.True(len(readOut.Data) <= 4096)
	assert.Equal(fooContents[:len(readOut.Data)], readOut.Data)

	readOut, errno = adapter.DoRead(&fission.InHeader{NodeID: inode}, &fission.ReadIn{FH: openOut.FH, Offset: uint64(len(fooContents)) - 6, Size: 4096})
	require.Equal(t, 0, int(errno))
	assert.Equal([]byte("abcdef"), readOut.Data)

	readOut, errno = adapter.DoRead(&fission.InHeader{NodeID: inode}, &fission.ReadIn{FH: openOut.FH, Offset: 1 << 20, Size: 4096})
	require.Equal(t, 0, int(errno))
	assert.Empty(readOut.Data)

	errno = adapter.DoFlush(&fission.InHeader{NodeID: inode}, &fission.FlushIn{FH: openOut.FH})
	assert.Equal(0, int(errno))

	errno = adapter.DoRelease(&fission.InHeader{NodeID: inode}, &fission.ReleaseIn{FH: openOut.FH})
	assert.Equal(0, int(errno))
	assert.Equal(openCountBefore, adapter.OpenCount())

	assert.Empty(halts.fetch())

	assert.Equal(float64(1), testutil.ToFloat64(adapter.metrics.ops.WithLabelValues("DoLookup")))
	assert.Equal(float64(3), testutil.ToFloat64(adapter.metrics.ops.WithLabelValues("DoRead")))
	assert.Equal(float64(0), testutil.ToFloat64(adapter.metrics.openHandles))
}

func TestLookupErrors(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	_, errno := adapter.DoLookup(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.LookupIn{Name: []byte("nosuch")})
	assert.Equal(unix.ENOENT, errno)

	_, errno = adapter.DoLookup(&fission.InHeader{NodeID: tree.fileInum}, &fission.LookupIn{Name: []byte("x")})
	assert.Equal(unix.ENOTDIR, errno)

	lookupOut, errno := adapter.DoLookup(&fission.InHeader{NodeID: tree.dirInum}, &fission.LookupIn{Name: []byte("..")})
	require.Equal(t, 0, int(errno))
	assert.Equal(engine.InumPFSRoot, lookupOut.NodeID)

	_, errno = adapter.DoGetAttr(&fission.InHeader{NodeID: 12345}, &fission.GetAttrIn{})
	assert.Equal(unix.ENOENT, errno)

	_, errno = adapter.DoOpen(&fission.InHeader{NodeID: 12345}, &fission.OpenIn{Flags: unix.O_RDONLY})
	assert.Equal(unix.ENOENT, errno)

	assert.Equal(float64(1), testutil.ToFloat64(adapter.metrics.opErrors.WithLabelValues("DoLookup", "2")))
	assert.Equal(uint64(0), adapter.OpenCount())
}

func TestFailedOpTrace(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{"Logging.LogToConsole=false", "Logging.Verbosity=2"})
	require.NoError(t, err)
	require.NoError(t, logger.Up(confMap))
	defer func() { assert.NoError(logger.Down()) }()

	var target logger.LogTarget
	target.Init(10)
	logger.AddLogTarget(target)

	adapter, _, _ := testNewAdapter(t)

	_, errno := adapter.DoLookup(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.LookupIn{Name: []byte("nosuch")})
	assert.Equal(unix.ENOENT, errno)

	assert.Contains(target.LogBuf.LogEntries[1], "DoLookup failed at")
	assert.Contains(target.LogBuf.LogEntries[1], "nosuch")
	assert.Contains(target.LogBuf.LogEntries[0], "<< returning DoLookup")
	assert.Contains(target.LogBuf.LogEntries[0], "error=")

	_, errno = adapter.DoGetAttr(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.GetAttrIn{})
	assert.Equal(0, int(errno))
	assert.Contains(target.LogBuf.LogEntries[0], "<< returning DoGetAttr")
	assert.NotContains(target.LogBuf.LogEntries[0], "error=")
}

func TestDestroyWithOpenHandle(t *testing.T) {
	assert := assert.New(t)

	halts := testSetupHalts(t)
	adapter, tree, _ := testNewAdapter(t)

	openOut, errno := adapter.DoOpen(&fission.InHeader{NodeID: tree.fileInum}, &fission.OpenIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))

	errno = adapter.DoDestroy(&fission.InHeader{})
	assert.Equal(unix.EBUSY, errno)
	assert.Equal([]uint32{halter.DestroyWithOpenHandles}, halts.fetch())
	assert.False(adapter.destroyed)

	err := adapter.Destroy()
	assert.Error(err)
	assert.Equal([]uint32{halter.DestroyWithOpenHandles, halter.DestroyWithOpenHandles}, halts.fetch())

	errno = adapter.DoRelease(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReleaseIn{FH: openOut.FH})
	require.Equal(t, 0, int(errno))

	errno = adapter.DoDestroy(&fission.InHeader{})
	assert.Equal(0, int(errno))
	assert.True(adapter.destroyed)

	assert.NoError(adapter.Destroy())
	assert.Len(halts.fetch(), 2)
}

func TestOpenReadOnly(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	for _, flags := range []uint32{unix.O_WRONLY, unix.O_RDWR, unix.O_RDONLY | fission.FOpenRequestTRUNC} {
		_, errno := adapter.DoOpen(&fission.InHeader{NodeID: tree.fileInum}, &fission.OpenIn{Flags: flags})
		assert.Equal(unix.EROFS, errno, "flags %#x", flags)
	}

	_, errno := adapter.DoOpenDir(&fission.InHeader{NodeID: tree.dirInum}, &fission.OpenDirIn{Flags: unix.O_RDWR})
	assert.Equal(unix.EROFS, errno)

	assert.Equal(uint64(0), adapter.OpenCount())

	config := testAdapterConfig()
	config.ReadOnly = false
	writableAdapter := NewAdapter(tree.ramEngine, config)

	openOut, errno := writableAdapter.DoOpen(&fission.InHeader{NodeID: tree.fileInum}, &fission.OpenIn{Flags: unix.O_RDWR})
	require.Equal(t, 0, int(errno))
	assert.Equal(uint64(1), writableAdapter.OpenCount())

	errno = writableAdapter.DoRelease(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReleaseIn{FH: openOut.FH})
	assert.Equal(0, int(errno))
}

func TestHandleMismatch(t *testing.T) {
	assert := assert.New(t)

	halts := testSetupHalts(t)
	adapter, tree, _ := testNewAdapter(t)

	openOut, errno := adapter.DoOpen(&fission.InHeader{NodeID: tree.fileInum}, &fission.OpenIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))

	_, errno = adapter.DoRead(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReadIn{FH: tree.dirInum, Size: 10})
	assert.Equal(unix.EBADF, errno)

	_, errno = adapter.DoGetAttr(&fission.InHeader{NodeID: tree.fileInum}, &fission.GetAttrIn{Flags: getAttrInFlagsFH, FH: tree.dirInum})
	assert.Equal(unix.EBADF, errno)

	getAttrOut, errno := adapter.DoGetAttr(&fission.InHeader{NodeID: tree.fileInum}, &fission.GetAttrIn{Flags: getAttrInFlagsFH, FH: openOut.FH})
	assert.Equal(0, int(errno))
	assert.Equal(tree.fileInum, getAttrOut.Ino)

	errno = adapter.DoFlush(&fission.InHeader{NodeID: tree.fileInum}, &fission.FlushIn{FH: tree.dirInum})
	assert.Equal(unix.EBADF, errno)

	errno = adapter.DoRelease(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReleaseIn{FH: tree.dirInum})
	assert.Equal(unix.EBADF, errno)
	assert.Equal(uint64(1), adapter.OpenCount())

	assert.Equal([]uint32{halter.HandleMismatch, halter.HandleMismatch, halter.HandleMismatch, halter.HandleMismatch}, halts.fetch())

	errno = adapter.DoRelease(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReleaseIn{FH: openOut.FH})
	assert.Equal(0, int(errno))
	assert.Equal(uint64(0), adapter.OpenCount())
}

func TestReadLinkAndStatFS(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	readLinkOut, errno := adapter.DoReadLink(&fission.InHeader{NodeID: tree.linkInum})
	require.Equal(t, 0, int(errno))
	assert.Equal([]byte("dir/file"), readLinkOut.Data)

	_, errno = adapter.DoReadLink(&fission.InHeader{NodeID: tree.fileInum})
	assert.Equal(unix.EINVAL, errno)

	statFSOut, errno := adapter.DoStatFS(&fission.InHeader{NodeID: engine.InumPFSRoot})
	require.Equal(t, 0, int(errno))
	assert.Equal(ramengine.BlockSize, statFSOut.BSize)
	assert.Equal(ramengine.BlockSize, statFSOut.FRSize)
	assert.Equal(ramengine.NameLen, statFSOut.NameLen)
	assert.Equal(ramengine.DefaultVolumeSize/uint64(ramengine.BlockSize), statFSOut.Blocks)
	assert.True(statFSOut.BFree < statFSOut.Blocks)
}

func TestInit(t *testing.T) {
	assert := assert.New(t)

	adapter, _, _ := testNewAdapter(t)

	initOut, errno := adapter.DoInit(&fission.InHeader{}, &fission.InitIn{Major: 7, Minor: 31, MaxReadAhead: 1 << 17, Flags: 0xFFFFFFFF})
	require.Equal(t, 0, int(errno))
	assert.Equal(uint32(7), initOut.Major)
	assert.Equal(uint32(31), initOut.Minor)
	assert.Equal(uint32(1<<17), initOut.MaxReadAhead)
	assert.Equal(initOutFlags, initOut.Flags)
	assert.Equal(initOutMaxBackground, initOut.MaxBackground)
	assert.Equal(defaultFUSEMaxWrite, initOut.MaxWrite)
}

func TestReadDir(t *testing.T) {
	assert := assert.New(t)

	halts := testSetupHalts(t)
	adapter, tree, _ := testNewAdapter(t)

	listing, err := adapter.enumerator.List(engine.InumPFSRoot)
	require.NoError(t, err)

	openDirOut, errno := adapter.DoOpenDir(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.OpenDirIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))
	assert.Equal(engine.InumPFSRoot, openDirOut.FH)

	var (
		dirEnts []fission.DirEnt
		offset  uint64
	)

	for calls := 0; ; calls++ {
		require.True(t, calls <= len(listing))

		// room for two entries with names of up to 8 bytes
		readDirOut, errno := adapter.DoReadDir(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.ReadDirIn{FH: openDirOut.FH, Offset: offset, Size: 64})
		require.Equal(t, 0, int(errno))

		if 0 == len(readDirOut.DirEnt) {
			break
		}
		assert.True(len(readDirOut.DirEnt) <= 2)

		dirEnts = append(dirEnts, readDirOut.DirEnt...)
		offset = readDirOut.DirEnt[len(readDirOut.DirEnt)-1].Off
	}

	require.Len(t, dirEnts, len(listing))

	for index, dirEnt := range dirEnts {
		assert.Equal(listing[index].Name, string(dirEnt.Name))
		assert.Equal(listing[index].Ino, dirEnt.Ino)
		assert.Equal(uint64(index+1), dirEnt.Off)
		assert.Equal(uint32(len(dirEnt.Name)), dirEnt.NameLen)
		assert.Equal(ObjTypeToDirEntType(listing[index].Type), dirEnt.Type)
	}
	assert.Equal(uint32(unix.DT_DIR), dirEnts[0].Type)

	readDirOut, errno := adapter.DoReadDir(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.ReadDirIn{FH: openDirOut.FH, Offset: 0, Size: 8})
	require.Equal(t, 0, int(errno))
	assert.Empty(readDirOut.DirEnt)

	_, errno = adapter.DoReadDir(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.ReadDirIn{FH: tree.dirInum, Size: 4096})
	assert.Equal(unix.EBADF, errno)
	assert.Equal([]uint32{halter.HandleMismatch}, halts.fetch())

	errno = adapter.DoReleaseDir(&fission.InHeader{NodeID: engine.InumPFSRoot}, &fission.ReleaseDirIn{FH: openDirOut.FH})
	assert.Equal(0, int(errno))
	assert.Equal(uint64(0), adapter.OpenCount())

	assert.Equal(float64(len(listing)), testutil.ToFloat64(adapter.metrics.readDirEntries))

	_, errno = adapter.DoOpenDir(&fission.InHeader{NodeID: tree.fileInum}, &fission.OpenDirIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))
	_, errno = adapter.DoReadDir(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReadDirIn{FH: tree.fileInum, Size: 4096})
	assert.Equal(unix.ENOTDIR, errno)
	errno = adapter.DoReleaseDir(&fission.InHeader{NodeID: tree.fileInum}, &fission.ReleaseDirIn{FH: tree.fileInum})
	assert.Equal(0, int(errno))
}

func TestRefusals(t *testing.T) {
	adapter, tree, _ := testNewAdapter(t)

	inHeader := &fission.InHeader{NodeID: tree.fileInum}

	for _, refusal := range []struct {
		name  string
		errno syscall.Errno
		call  func() syscall.Errno
	}{
		{"DoSetAttr", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoSetAttr(inHeader, &fission.SetAttrIn{}); return errno }},
		{"DoSymLink", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoSymLink(inHeader, &fission.SymLinkIn{}); return errno }},
		{"DoMkNod", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoMkNod(inHeader, &fission.MkNodIn{}); return errno }},
		{"DoMkDir", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoMkDir(inHeader, &fission.MkDirIn{}); return errno }},
		{"DoUnlink", unix.EROFS, func() syscall.Errno { return adapter.DoUnlink(inHeader, &fission.UnlinkIn{}) }},
		{"DoRmDir", unix.EROFS, func() syscall.Errno { return adapter.DoRmDir(inHeader, &fission.RmDirIn{}) }},
		{"DoRename", unix.EROFS, func() syscall.Errno { return adapter.DoRename(inHeader, &fission.RenameIn{}) }},
		{"DoLink", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoLink(inHeader, &fission.LinkIn{}); return errno }},
		{"DoWrite", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoWrite(inHeader, &fission.WriteIn{}); return errno }},
		{"DoSetXAttr", unix.EROFS, func() syscall.Errno { return adapter.DoSetXAttr(inHeader, &fission.SetXAttrIn{Name: []byte("user.x")}) }},
		{"DoRemoveXAttr", unix.EROFS, func() syscall.Errno { return adapter.DoRemoveXAttr(inHeader, &fission.RemoveXAttrIn{Name: []byte("user.x")}) }},
		{"DoCreate", unix.EROFS, func() syscall.Errno { _, errno := adapter.DoCreate(inHeader, &fission.CreateIn{}); return errno }},
		{"DoFAllocate", unix.EROFS, func() syscall.Errno { return adapter.DoFAllocate(inHeader, &fission.FAllocateIn{}) }},
		{"DoRename2", unix.EROFS, func() syscall.Errno { return adapter.DoRename2(inHeader, &fission.Rename2In{}) }},
		{"DoFSync", unix.ENOSYS, func() syscall.Errno { return adapter.DoFSync(inHeader, &fission.FSyncIn{}) }},
		{"DoGetXAttr", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoGetXAttr(inHeader, &fission.GetXAttrIn{Name: []byte("user.x")}); return errno }},
		{"DoListXAttr", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoListXAttr(inHeader, &fission.ListXAttrIn{}); return errno }},
		{"DoFSyncDir", unix.ENOSYS, func() syscall.Errno { return adapter.DoFSyncDir(inHeader, &fission.FSyncDirIn{}) }},
		{"DoGetLK", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoGetLK(inHeader, &fission.GetLKIn{}); return errno }},
		{"DoSetLK", unix.ENOSYS, func() syscall.Errno { return adapter.DoSetLK(inHeader, &fission.SetLKIn{}) }},
		{"DoSetLKW", unix.ENOSYS, func() syscall.Errno { return adapter.DoSetLKW(inHeader, &fission.SetLKWIn{}) }},
		{"DoAccess", unix.ENOSYS, func() syscall.Errno { return adapter.DoAccess(inHeader, &fission.AccessIn{}) }},
		{"DoBMap", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoBMap(inHeader, &fission.BMapIn{}); return errno }},
		{"DoPoll", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoPoll(inHeader, &fission.PollIn{}); return errno }},
		{"DoReadDirPlus", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoReadDirPlus(inHeader, &fission.ReadDirPlusIn{}); return errno }},
		{"DoLSeek", unix.ENOSYS, func() syscall.Errno { _, errno := adapter.DoLSeek(inHeader, &fission.LSeekIn{}); return errno }},
	} {
		assert.Equal(t, refusal.errno, refusal.call(), refusal.name)
		assert.Equal(t, float64(1), testutil.ToFloat64(adapter.metrics.opErrors.WithLabelValues(refusal.name, strconv.Itoa(int(refusal.errno)))), refusal.name)
	}

	assert.False(t, adapter.serializer.IsHeld())
}

func TestForgetAndInterrupt(t *testing.T) {
	adapter, tree, _ := testNewAdapter(t)

	adapter.DoForget(&fission.InHeader{NodeID: tree.fileInum}, &fission.ForgetIn{NLookup: 1})
	adapter.DoBatchForget(&fission.InHeader{}, &fission.BatchForgetIn{Forget: []fission.ForgetOne{{NodeID: tree.fileInum, NLookup: 1}}})
	adapter.DoInterrupt(&fission.InHeader{}, &fission.InterruptIn{Unique: 1})

	assert.Equal(t, float64(1), testutil.ToFloat64(adapter.metrics.ops.WithLabelValues("DoForget")))
	assert.Equal(t, float64(1), testutil.ToFloat64(adapter.metrics.ops.WithLabelValues("DoBatchForget")))
	assert.Equal(t, float64(1), testutil.ToFloat64(adapter.metrics.ops.WithLabelValues("DoInterrupt")))
	assert.False(t, adapter.serializer.IsHeld())
}
