// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/h2ioctl"
	"github.com/NVIDIA/h2fuse/logger"
)

const nameKeyMountedPFS = ^uint64(0)

// ControlDispatcher routes control channel commands to the engine's diagnostic accessors
type ControlDispatcher struct {
	engine     engine.Engine
	daemonized bool
	dumpWriter io.Writer
}

func newControlDispatcher(mountedEngine engine.Engine, daemonized bool, dumpWriter io.Writer) *ControlDispatcher {
	return &ControlDispatcher{
		engine:     mountedEngine,
		daemonized: daemonized,
		dumpWriter: dumpWriter,
	}
}

// Dispatch executes cmd against inodeNumber and returns the encoded output payload.
//
// payload is decoded into a private copy and never modified. Administrative
// commands fail with EOPNOTSUPP regardless of payload; unknown commands and
// payloads that are short or misaligned fail with EINVAL.
func (dispatcher *ControlDispatcher) Dispatch(inodeNumber uint64, cmd uint32, payload []byte) (output []byte, err error) {
	if h2ioctl.IsAdministrative(cmd) {
		err = blunder.NewKindError(blunder.Unsupported, "%s is not supported", h2ioctl.CommandName(cmd))
		return
	}

	if !h2ioctl.IsKnown(cmd) {
		logger.Errorf("invalid ioctl command %#x", cmd)
		err = blunder.NewError(unix.EINVAL, "invalid ioctl command %#x", cmd)
		return
	}

	ioc, err := h2ioctl.Decode(cmd, payload)
	if nil != err {
		return
	}

	switch cmd {
	case h2ioctl.CmdVersionGet:
		ioc.(*h2ioctl.IocVersion).Version = dispatcher.engine.VolumeData().Version
	case h2ioctl.CmdPFSGet:
		err = dispatcher.pfsGet(ioc.(*h2ioctl.IocPFS))
	case h2ioctl.CmdPFSLookup:
		err = dispatcher.pfsLookup(ioc.(*h2ioctl.IocPFS))
	case h2ioctl.CmdInodeGet:
		err = dispatcher.inodeGet(inodeNumber, ioc.(*h2ioctl.IocInode))
	case h2ioctl.CmdDebugDump:
		err = dispatcher.debugDump(inodeNumber, ioc.(*h2ioctl.IocDebugDump))
		if nil == err {
			output = []byte{}
		}
		return
	case h2ioctl.CmdVolumeList:
		err = blunder.NewKindError(blunder.Unsupported, "VOLUME_LIST is superseded by VOLUME_LIST2")
	case h2ioctl.CmdVolumeList2:
		err = dispatcher.volumeList2(ioc.(*h2ioctl.IocVolumeList2))
	case h2ioctl.CmdCIDPrune:
		err = dispatcher.cidPrune(ioc.(*h2ioctl.IocCIDPrune))
	default:
		err = blunder.NewError(unix.EINVAL, "no handler for ioctl command %s", h2ioctl.CommandName(cmd))
	}
	if nil != err {
		return
	}

	output, err = h2ioctl.Encode(ioc)

	return
}

func (dispatcher *ControlDispatcher) fetchChain(cid engine.ChainID) (chain *engine.Chain, err error) {
	chain = dispatcher.engine.GetChain(cid)
	if nil == chain {
		err = blunder.NewKindError(blunder.NotFound, "chain %d not found", cid)
	}
	return
}

func (dispatcher *ControlDispatcher) superRootChain() (cid engine.ChainID, err error) {
	cid, err = dispatcher.engine.GetInodeChain(engine.InumSupRoot)
	if nil != err {
		return
	}
	if engine.CIDNone == cid {
		err = blunder.NewError(unix.EIO, "super-root chain not available")
	}
	return
}

func copyPFSMeta(ioc *h2ioctl.IocPFS, meta *engine.InodeMeta) {
	ioc.NameKey = meta.NameKey
	ioc.PFSType = meta.PFSType
	ioc.PFSSubtype = meta.PFSSubtype
	ioc.PFSClid = meta.PFSClid
	ioc.PFSFsid = meta.PFSFsid
}

// pfsGet returns the first PFS at or after ioc.NameKey in the super-root, or the
// mounted PFS itself when ioc.NameKey is ^0, and reports where the next PFS lives.
func (dispatcher *ControlDispatcher) pfsGet(ioc *h2ioctl.IocPFS) (err error) {
	var (
		chain  *engine.Chain
		cid    engine.ChainID
		parent engine.ChainID
	)

	if nameKeyMountedPFS == ioc.NameKey {
		parent = engine.CIDNone
		cid, err = dispatcher.engine.GetInodeChain(engine.InumPFSRoot)
		if nil != err {
			return
		}
	} else {
		parent, err = dispatcher.superRootChain()
		if nil != err {
			return
		}
		parent, cid, err = dispatcher.engine.LookupChain(parent, ioc.NameKey, engine.KeyMax)
		if nil != err {
			return
		}
	}

	for engine.CIDNone != cid {
		chain, err = dispatcher.fetchChain(cid)
		if nil != err {
			return
		}
		if engine.BrefTypeInode == chain.Bref.Type {
			break
		}
		parent, cid, err = dispatcher.engine.NextChain(parent, cid, engine.KeyMax)
		if nil != err {
			return
		}
	}

	if engine.CIDNone == cid {
		err = blunder.NewKindError(blunder.NotFound, "no PFS at or after key %#x", ioc.NameKey)
		return
	}
	if nil == chain.Inode {
		err = blunder.NewError(unix.EIO, "inode chain %d carries no inode data", cid)
		return
	}

	copyPFSMeta(ioc, &chain.Inode.Meta)
	h2ioctl.CopyName(ioc.Name[:], chain.Inode.Filename)

	if engine.CIDNone == parent {
		ioc.NameNext = nameKeyMountedPFS
		return
	}

	_, cid, err = dispatcher.engine.NextChain(parent, cid, engine.KeyMax)
	if nil != err {
		return
	}

	if engine.CIDNone == cid {
		ioc.NameNext = nameKeyMountedPFS
	} else {
		chain, err = dispatcher.fetchChain(cid)
		if nil != err {
			return
		}
		ioc.NameNext = chain.Bref.Key
	}

	return
}

// pfsLookup finds the PFS named ioc.Name by scanning its dirhash collision range
func (dispatcher *ControlDispatcher) pfsLookup(ioc *h2ioctl.IocPFS) (err error) {
	var (
		chain  *engine.Chain
		cid    engine.ChainID
		parent engine.ChainID
	)

	parent, err = dispatcher.superRootChain()
	if nil != err {
		return
	}

	name := h2ioctl.Name(ioc.Name[:])
	lhc := dispatcher.engine.DirHash(name)

	parent, cid, err = dispatcher.engine.LookupChain(parent, lhc, lhc+engine.DirhashLoMask)
	if nil != err {
		return
	}

	for engine.CIDNone != cid {
		chain, err = dispatcher.fetchChain(cid)
		if nil != err {
			return
		}
		if chain.MatchName(name) {
			break
		}
		parent, cid, err = dispatcher.engine.NextChain(parent, cid, lhc+engine.DirhashLoMask)
		if nil != err {
			return
		}
	}

	if engine.CIDNone == cid {
		err = blunder.NewKindError(blunder.NotFound, "no PFS named %q", name)
		return
	}

	copyPFSMeta(ioc, &chain.Inode.Meta)

	return
}

func inodeMetaToIoc(meta engine.InodeMeta) (iocMeta h2ioctl.InodeMeta) {
	iocMeta = h2ioctl.InodeMeta{
		Version:      meta.Version,
		PFSSubtype:   meta.PFSSubtype,
		UFlags:       meta.UFlags,
		RMajor:       meta.RMajor,
		RMinor:       meta.RMinor,
		CTime:        meta.CTime,
		MTime:        meta.MTime,
		ATime:        meta.ATime,
		BTime:        meta.BTime,
		UID:          meta.UID,
		GID:          meta.GID,
		Type:         uint8(meta.Type),
		OpFlags:      meta.OpFlags,
		CapFlags:     meta.CapFlags,
		Mode:         meta.Mode,
		Inum:         meta.Inum,
		Size:         meta.Size,
		NLinks:       meta.NLinks,
		IParent:      meta.IParent,
		NameKey:      meta.NameKey,
		NameLen:      meta.NameLen,
		NCopies:      meta.NCopies,
		CompAlgo:     meta.CompAlgo,
		CheckAlgo:    meta.CheckAlgo,
		PFSNMasters:  meta.PFSNMasters,
		PFSType:      meta.PFSType,
		PFSInum:      meta.PFSInum,
		PFSClid:      meta.PFSClid,
		PFSFsid:      meta.PFSFsid,
		DataQuota:    meta.DataQuota,
		InodeQuota:   meta.InodeQuota,
		PFSLSnapTID:  meta.PFSLSnapTID,
		DecryptCheck: meta.DecryptCheck,
	}

	return
}

// inodeGet reports inodeNumber's meta and the data/inode counts of its subtree.
// Only the meta portion of the inode data is returned.
func (dispatcher *ControlDispatcher) inodeGet(inodeNumber uint64, ioc *h2ioctl.IocInode) (err error) {
	inodeRef := dispatcher.engine.GetInode(inodeNumber)
	if nil == inodeRef {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inodeNumber)
		return
	}

	embeddedStats, err := dispatcher.engine.InodeEmbeddedStats(inodeNumber)
	if nil != err {
		return
	}

	ioc.DataCount = embeddedStats.DataCount
	ioc.InodeCount = embeddedStats.InodeCount
	ioc.IPData = h2ioctl.InodeData{}
	ioc.IPData.Meta = inodeMetaToIoc(inodeRef.Meta())

	return
}

// debugDump writes the chain tree under inodeNumber. A daemonized process has
// nowhere to write it.
func (dispatcher *ControlDispatcher) debugDump(inodeNumber uint64, ioc *h2ioctl.IocDebugDump) (err error) {
	inodeRef := dispatcher.engine.GetInode(inodeNumber)
	if nil == inodeRef {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inodeNumber)
		return
	}

	if dispatcher.daemonized {
		logger.Errorf("DEBUG_DUMP of inode %d refused: daemonized", inodeNumber)
		err = blunder.NewKindError(blunder.Unsupported, "DEBUG_DUMP requires a foreground process")
		return
	}

	logger.Tracef("DEBUG_DUMP inode %d flags %#x", inodeNumber, ioc.Flags)

	err = dispatcher.engine.DumpInodeChain(inodeNumber, dispatcher.dumpWriter)

	return
}

func (dispatcher *ControlDispatcher) volumeList2(ioc *h2ioctl.IocVolumeList2) (err error) {
	if (ioc.NVolumes < 0) || (ioc.NVolumes > h2ioctl.MaxVolumes) {
		err = blunder.NewError(unix.EINVAL, "VOLUME_LIST2 nvolumes %d out of range", ioc.NVolumes)
		return
	}

	var nVolumes int32

	for _, volume := range dispatcher.engine.Volumes() {
		if nVolumes >= ioc.NVolumes {
			break
		}

		iocVolume := &ioc.Volumes[nVolumes]
		iocVolume.ID = volume.ID
		h2ioctl.CopyName(iocVolume.Path[:], []byte(volume.Path))
		iocVolume.Offset = volume.Offset
		iocVolume.Size = volume.Size

		nVolumes++
	}

	ioc.NVolumes = nVolumes
	ioc.Version = dispatcher.engine.VolumeData().Version
	h2ioctl.CopyName(ioc.PFSName[:], []byte(dispatcher.engine.Label()))

	return
}

func (dispatcher *ControlDispatcher) cidPrune(ioc *h2ioctl.IocCIDPrune) (err error) {
	numCached, numPruned, err := dispatcher.engine.PruneChainCache()
	if nil != err {
		return
	}

	ioc.NCached = numCached
	ioc.NPruned = numPruned

	return
}
