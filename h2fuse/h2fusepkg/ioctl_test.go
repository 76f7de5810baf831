// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"bytes"
	"testing"

	"github.com/NVIDIA/fission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/h2ioctl"
	"github.com/NVIDIA/h2fuse/halter"
)

func testCIDPrune(t *testing.T, adapter *Adapter) (ioc *h2ioctl.IocCIDPrune) {
	output, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdCIDPrune, &h2ioctl.IocCIDPrune{})
	require.NoError(t, err)
	ioc = testDecode(t, h2ioctl.CmdCIDPrune, output).(*h2ioctl.IocCIDPrune)
	return
}

func TestIoCtlUnknownCommand(t *testing.T) {
	assert := assert.New(t)

	adapter, _, _ := testNewAdapter(t)

	for _, cmd := range []uint32{0, 0xDEADBEEF, h2ioctl.CmdCIDPrune + 1, h2ioctl.CmdVersionGet &^ 0xFF} {
		payload := h2ioctl.AlignedBuffer(h2ioctl.SizeIocVolumeList2)
		for i := range payload {
			payload[i] = byte(i)
		}
		payloadCopy := append([]byte{}, payload...)

		output, err := adapter.IoCtl(engine.InumPFSRoot, cmd, payload)
		assert.True(blunder.Is(err, unix.EINVAL), "cmd %#x", cmd)
		assert.Nil(output)
		assert.Equal(payloadCopy, payload)
	}

	assert.Equal(uint64(0), adapter.OpenCount())
	assert.Equal(uint64(0), testCIDPrune(t, adapter).NCached)
}

func TestIoCtlAdministrative(t *testing.T) {
	assert := assert.New(t)

	adapter, _, _ := testNewAdapter(t)

	for _, cmd := range []uint32{
		h2ioctl.CmdPFSCreate,
		h2ioctl.CmdPFSDelete,
		h2ioctl.CmdPFSSnapshot,
		h2ioctl.CmdInodeSet,
		h2ioctl.CmdBulkfreeScan,
		h2ioctl.CmdDestroy,
		h2ioctl.CmdEmergMode,
		h2ioctl.CmdGrowFS,
	} {
		assert.True(h2ioctl.IsAdministrative(cmd))

		size, ok := h2ioctl.PayloadSize(cmd)
		require.True(t, ok)

		for _, payload := range [][]byte{
			nil,
			{},
			h2ioctl.AlignedBuffer(size),
			h2ioctl.AlignedBuffer(size + 1)[1:],
			bytes.Repeat([]byte{0xFF}, 3),
		} {
			_, err := adapter.IoCtl(engine.InumPFSRoot, cmd, payload)
			assert.True(blunder.Is(err, unix.EOPNOTSUPP), "cmd %s", h2ioctl.CommandName(cmd))
		}
	}

	assert.Equal(uint64(0), testCIDPrune(t, adapter).NCached)
}

func TestIoCtlPayloadValidation(t *testing.T) {
	assert := assert.New(t)

	adapter, _, _ := testNewAdapter(t)

	_, err := adapter.IoCtl(engine.InumPFSRoot, h2ioctl.CmdPFSGet, h2ioctl.AlignedBuffer(h2ioctl.SizeIocPFS-1))
	assert.True(blunder.Is(err, unix.EINVAL))

	_, err = adapter.IoCtl(engine.InumPFSRoot, h2ioctl.CmdPFSGet, h2ioctl.AlignedBuffer(h2ioctl.SizeIocPFS+1)[1:])
	assert.True(blunder.Is(err, unix.EINVAL))

	_, err = adapter.IoCtl(engine.InumPFSRoot, h2ioctl.CmdVersionGet, nil)
	assert.True(blunder.Is(err, unix.EINVAL))

	output, err := adapter.IoCtl(engine.InumPFSRoot, h2ioctl.CmdVersionGet, h2ioctl.AlignedBuffer(h2ioctl.SizeIocVersion+100))
	assert.NoError(err)
	assert.Len(output, h2ioctl.SizeIocVersion)
}

func TestIoCtlVersionGet(t *testing.T) {
	adapter, _, _ := testNewAdapter(t)

	output, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVersionGet, &h2ioctl.IocVersion{Version: -1})
	require.NoError(t, err)

	ioc := testDecode(t, h2ioctl.CmdVersionGet, output).(*h2ioctl.IocVersion)
	assert.Equal(t, adapter.engine.VolumeData().Version, ioc.Version)
}

func TestIoCtlPFSGet(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	_, err := tree.ramEngine.AddPFS("BACKUP", engine.PFSTypeSlave)
	require.NoError(t, err)
	_, err = tree.ramEngine.AddPFS("LOCAL", engine.PFSTypeMaster)
	require.NoError(t, err)
	require.NoError(t, tree.ramEngine.AddSuperRootBlockref(0x10, engine.BrefTypeIndirect))

	// the mounted PFS
	encoded, err := h2ioctl.Encode(&h2ioctl.IocPFS{NameKey: nameKeyMountedPFS})
	require.NoError(t, err)
	payload := h2ioctl.AlignedBuffer(uint64(len(encoded)))
	copy(payload, encoded)
	payloadCopy := append([]byte{}, payload...)

	output, err := adapter.IoCtl(engine.InumPFSRoot, h2ioctl.CmdPFSGet, payload)
	require.NoError(t, err)
	assert.Equal(payloadCopy, payload)

	ioc := testDecode(t, h2ioctl.CmdPFSGet, output).(*h2ioctl.IocPFS)
	assert.Equal("DATA", string(h2ioctl.Name(ioc.Name[:])))
	assert.Equal(engine.PFSTypeMaster, ioc.PFSType)
	assert.Equal(nameKeyMountedPFS, ioc.NameNext)

	// iterate the super-root, skipping the indirect blockref at key 0x10
	var (
		nameKey uint64
		names   []string
	)

	for nameKey = 0; nameKeyMountedPFS != nameKey; {
		require.True(t, len(names) < 10)

		output, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdPFSGet, &h2ioctl.IocPFS{NameKey: nameKey})
		require.NoError(t, err)

		ioc = testDecode(t, h2ioctl.CmdPFSGet, output).(*h2ioctl.IocPFS)
		names = append(names, string(h2ioctl.Name(ioc.Name[:])))

		assert.True(ioc.NameKey >= nameKey)
		assert.True(ioc.NameNext > ioc.NameKey)
		nameKey = ioc.NameNext
	}

	assert.ElementsMatch([]string{"DATA", "BACKUP", "LOCAL"}, names)

	// nothing at or after the last key
	_, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdPFSGet, &h2ioctl.IocPFS{NameKey: engine.KeyMax - 1})
	assert.True(blunder.Is(err, unix.ENOENT))
}

func TestIoCtlPFSLookup(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	_, err := tree.ramEngine.AddPFS("BACKUP", engine.PFSTypeSlave)
	require.NoError(t, err)

	ioc := &h2ioctl.IocPFS{}
	h2ioctl.CopyName(ioc.Name[:], []byte("BACKUP"))

	output, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdPFSLookup, ioc)
	require.NoError(t, err)

	ioc = testDecode(t, h2ioctl.CmdPFSLookup, output).(*h2ioctl.IocPFS)
	assert.Equal(engine.PFSTypeSlave, ioc.PFSType)
	assert.Equal("BACKUP", string(h2ioctl.Name(ioc.Name[:])))
	assert.NotEqual([16]uint8{}, ioc.PFSClid)

	ioc = &h2ioctl.IocPFS{}
	h2ioctl.CopyName(ioc.Name[:], []byte("BACKUPX"))

	_, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdPFSLookup, ioc)
	assert.True(blunder.Is(err, unix.ENOENT))
}

func TestIoCtlInodeGet(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	output, err := testIoCtl(t, adapter, tree.fileInum, h2ioctl.CmdInodeGet, &h2ioctl.IocInode{})
	require.NoError(t, err)

	ioc := testDecode(t, h2ioctl.CmdInodeGet, output).(*h2ioctl.IocInode)
	assert.Equal(uint64(len(testFileContents)), ioc.DataCount)
	assert.Equal(uint64(1), ioc.InodeCount)
	assert.Equal(tree.fileInum, ioc.IPData.Meta.Inum)
	assert.Equal(uint8(engine.ObjTypeRegFile), ioc.IPData.Meta.Type)
	assert.Equal(uint32(0644), ioc.IPData.Meta.Mode)
	assert.Equal(uint64(len(testFileContents)), ioc.IPData.Meta.Size)
	assert.Equal(tree.dirInum, ioc.IPData.Meta.IParent)

	output, err = testIoCtl(t, adapter, tree.dirInum, h2ioctl.CmdInodeGet, &h2ioctl.IocInode{})
	require.NoError(t, err)

	ioc = testDecode(t, h2ioctl.CmdInodeGet, output).(*h2ioctl.IocInode)
	assert.Equal(uint64(len(testFileContents)), ioc.DataCount)
	assert.Equal(uint64(2), ioc.InodeCount)

	_, err = testIoCtl(t, adapter, 12345, h2ioctl.CmdInodeGet, &h2ioctl.IocInode{})
	assert.True(blunder.Is(err, unix.ENOENT))
}

func TestIoCtlDebugDump(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, dumpBuf := testNewAdapter(t)

	output, err := testIoCtl(t, adapter, tree.dirInum, h2ioctl.CmdDebugDump, &h2ioctl.IocDebugDump{})
	require.NoError(t, err)
	assert.Empty(output)
	assert.Contains(dumpBuf.String(), "name=\"file\"")

	_, err = testIoCtl(t, adapter, 12345, h2ioctl.CmdDebugDump, &h2ioctl.IocDebugDump{})
	assert.True(blunder.Is(err, unix.ENOENT))

	config := testAdapterConfig()
	config.Daemonized = true
	config.DumpWriter = dumpBuf
	daemonizedAdapter := NewAdapter(tree.ramEngine, config)

	dumpBuf.Reset()

	_, err = testIoCtl(t, daemonizedAdapter, tree.dirInum, h2ioctl.CmdDebugDump, &h2ioctl.IocDebugDump{})
	assert.True(blunder.Is(err, unix.EOPNOTSUPP))
	assert.Empty(dumpBuf.String())
}

func TestIoCtlVolumeList(t *testing.T) {
	assert := assert.New(t)

	adapter, tree, _ := testNewAdapter(t)

	require.NoError(t, tree.ramEngine.AddVolume("ram:/second", 1<<30, 1<<30))
	require.NoError(t, tree.ramEngine.AddVolume("ram:/third", 2<<30, 1<<29))

	_, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVolumeList, &h2ioctl.IocVolumeList{NVolumes: 3})
	assert.True(blunder.Is(err, unix.EOPNOTSUPP))

	output, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVolumeList2, &h2ioctl.IocVolumeList2{NVolumes: 2})
	require.NoError(t, err)

	ioc := testDecode(t, h2ioctl.CmdVolumeList2, output).(*h2ioctl.IocVolumeList2)
	assert.Equal(int32(2), ioc.NVolumes)
	assert.Equal("ram:", string(h2ioctl.Name(ioc.Volumes[0].Path[:])))
	assert.Equal("ram:/second", string(h2ioctl.Name(ioc.Volumes[1].Path[:])))
	assert.Equal(int32(1), ioc.Volumes[1].ID)
	assert.Equal(uint64(1<<30), ioc.Volumes[1].Offset)
	assert.Equal("", string(h2ioctl.Name(ioc.Volumes[2].Path[:])))
	assert.Equal(adapter.engine.VolumeData().Version, ioc.Version)
	assert.Equal("DATA", string(h2ioctl.Name(ioc.PFSName[:])))

	output, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVolumeList2, &h2ioctl.IocVolumeList2{NVolumes: h2ioctl.MaxVolumes})
	require.NoError(t, err)

	ioc = testDecode(t, h2ioctl.CmdVolumeList2, output).(*h2ioctl.IocVolumeList2)
	assert.Equal(int32(3), ioc.NVolumes)
	assert.Equal(uint64(1<<29), ioc.Volumes[2].Size)

	output, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVolumeList2, &h2ioctl.IocVolumeList2{NVolumes: 0})
	require.NoError(t, err)
	assert.Equal(int32(0), testDecode(t, h2ioctl.CmdVolumeList2, output).(*h2ioctl.IocVolumeList2).NVolumes)

	for _, nVolumes := range []int32{-1, h2ioctl.MaxVolumes + 1} {
		_, err = testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdVolumeList2, &h2ioctl.IocVolumeList2{NVolumes: nVolumes})
		assert.True(blunder.Is(err, unix.EINVAL), "nVolumes %d", nVolumes)
	}
}

func TestIoCtlCIDPrune(t *testing.T) {
	assert := assert.New(t)

	adapter, _, _ := testNewAdapter(t)

	for nameKey := uint64(0); nameKeyMountedPFS != nameKey; {
		output, err := testIoCtl(t, adapter, engine.InumPFSRoot, h2ioctl.CmdPFSGet, &h2ioctl.IocPFS{NameKey: nameKey})
		require.NoError(t, err)
		nameKey = testDecode(t, h2ioctl.CmdPFSGet, output).(*h2ioctl.IocPFS).NameNext
	}

	first := testCIDPrune(t, adapter)
	assert.True(first.NCached > 0)
	assert.True(first.NPruned > 0)
	assert.True(first.NPruned <= first.NCached)

	second := testCIDPrune(t, adapter)
	assert.Equal(first.NCached-first.NPruned, second.NCached)
	assert.Equal(uint64(0), second.NPruned)
}

func TestDoIoCtl(t *testing.T) {
	assert := assert.New(t)

	halts := testSetupHalts(t)
	adapter, tree, _ := testNewAdapter(t)

	payload := h2ioctl.AlignedBuffer(h2ioctl.SizeIocVersion)

	_, errno := adapter.DoOpenDir(&fission.InHeader{NodeID: tree.dirInum}, &fission.OpenDirIn{Flags: unix.O_RDONLY})
	require.Equal(t, 0, int(errno))

	ioCtlOut, errno := adapter.DoIoCtl(&fission.InHeader{NodeID: tree.dirInum}, &fission.IoCtlIn{
		FH:      tree.dirInum,
		Cmd:     h2ioctl.CmdVersionGet,
		InSize:  h2ioctl.SizeIocVersion,
		OutSize: h2ioctl.SizeIocVersion,
		InBuf:   payload,
	})
	assert.Equal(0, int(errno))
	assert.Len(ioCtlOut, h2ioctl.SizeIocVersion)

	ioCtlOut, errno = adapter.DoIoCtl(&fission.InHeader{NodeID: tree.dirInum}, &fission.IoCtlIn{
		FH:      tree.dirInum,
		Cmd:     h2ioctl.CmdVersionGet,
		InSize:  h2ioctl.SizeIocVersion,
		OutSize: 4,
		InBuf:   payload,
	})
	assert.Equal(0, int(errno))
	assert.Len(ioCtlOut, 4)

	_, errno = adapter.DoIoCtl(&fission.InHeader{NodeID: tree.dirInum}, &fission.IoCtlIn{
		FH:      tree.dirInum,
		Cmd:     h2ioctl.CmdGrowFS,
		OutSize: 0,
		InBuf:   nil,
	})
	assert.Equal(unix.EOPNOTSUPP, errno)

	assert.Empty(halts.fetch())

	_, errno = adapter.DoIoCtl(&fission.InHeader{NodeID: tree.dirInum}, &fission.IoCtlIn{
		FH:      tree.fileInum,
		Cmd:     h2ioctl.CmdVersionGet,
		OutSize: h2ioctl.SizeIocVersion,
		InBuf:   payload,
	})
	assert.Equal(unix.EBADF, errno)
	assert.Equal([]uint32{halter.HandleMismatch}, halts.fetch())

	errno = adapter.DoReleaseDir(&fission.InHeader{NodeID: tree.dirInum}, &fission.ReleaseDirIn{FH: tree.dirInum})
	assert.Equal(0, int(errno))
	assert.Equal(uint64(0), adapter.OpenCount())
}
