// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"github.com/NVIDIA/fission"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/halter"
)

const attrPermMask = uint32(0777)

// StatToAttr converts an engine stat record to a FUSE attribute record.
//
// HAMMER2 keeps a single modification time; it stands in for atime and ctime too.
func StatToAttr(stat engine.StatRecord) (attr fission.Attr) {
	attr = fission.Attr{
		Ino:       stat.Ino,
		Size:      stat.Size,
		Blocks:    stat.Blocks,
		ATimeSec:  stat.Mtime,
		MTimeSec:  stat.Mtime,
		CTimeSec:  stat.Mtime,
		ATimeNSec: 0,
		MTimeNSec: 0,
		CTimeNSec: 0,
		Mode:      modeTypeBits(stat.Mode) | (stat.Mode & attrPermMask),
		NLink:     stat.Nlink,
		UID:       stat.UID,
		GID:       stat.GID,
		RDev:      stat.Rdev,
		BlkSize:   stat.Blksize,
		Padding:   0,
	}

	return
}

func modeTypeBits(mode uint32) (typeBits uint32) {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		typeBits = unix.S_IFDIR
	case unix.S_IFREG:
		typeBits = unix.S_IFREG
	case unix.S_IFIFO:
		typeBits = unix.S_IFIFO
	case unix.S_IFCHR:
		typeBits = unix.S_IFCHR
	case unix.S_IFBLK:
		typeBits = unix.S_IFBLK
	case unix.S_IFLNK:
		typeBits = unix.S_IFLNK
	case unix.S_IFSOCK:
		typeBits = unix.S_IFSOCK
	default:
		halter.Halt(halter.UnknownModeType, "mode %#o has unknown type bits", mode)
	}
	return
}

// ObjTypeToDirEntType maps a HAMMER2 object type to the DT_* value of a FUSE directory entry
func ObjTypeToDirEntType(objType engine.ObjType) (dirEntType uint32) {
	switch objType {
	case engine.ObjTypeDirectory:
		dirEntType = unix.DT_DIR
	case engine.ObjTypeRegFile:
		dirEntType = unix.DT_REG
	case engine.ObjTypeFIFO:
		dirEntType = unix.DT_FIFO
	case engine.ObjTypeCDev:
		dirEntType = unix.DT_CHR
	case engine.ObjTypeBDev:
		dirEntType = unix.DT_BLK
	case engine.ObjTypeSoftLink:
		dirEntType = unix.DT_LNK
	case engine.ObjTypeSocket:
		dirEntType = unix.DT_SOCK
	default:
		halter.Halt(halter.UnknownObjectType, "object type %d has no directory entry type", objType)
	}
	return
}

// DirEntTypeFromMode returns the DT_* value matching the type bits of mode
func DirEntTypeFromMode(mode uint32) uint32 {
	return modeTypeBits(mode) >> 12
}
