// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package engine defines the HAMMER2 filesystem engine consumed by the FUSE adapter.
//
// The engine owns the on-disk format, chain resolution and caching. It is not
// safe for concurrent use; callers serialize every call. Errors returned by an
// Engine carry either a raw errno or a blunder.Kind (see package blunder).
package engine

import (
	"bytes"
	"io"
)

// ChainID addresses a chain (an in-memory blockref tree node) inside the engine.
type ChainID uint64

const (
	CIDNone ChainID = 0
)

// Reserved inode numbers
const (
	InumSupRoot uint64 = 0 // super-root; its directory holds one inode per PFS
	InumPFSRoot uint64 = 1 // root directory of the mounted PFS
)

const (
	KeyMax         uint64 = 0xFFFFFFFFFFFFFFFF
	DirhashVisible uint64 = 0x8000000000000000
	DirhashLoMask  uint64 = 0x0000000000007FFF
	DirhashHiMask  uint64 = 0xFFFFFFFFFFFF0000

	MaxVolumes = 64
)

// BrefType is the type of a blockref
type BrefType uint8

const (
	BrefTypeEmpty    BrefType = 0
	BrefTypeInode    BrefType = 1
	BrefTypeIndirect BrefType = 2
	BrefTypeData     BrefType = 3
	BrefTypeDirent   BrefType = 4
)

// ObjType is the HAMMER2 object type recorded in inode meta and directory entries
type ObjType uint8

const (
	ObjTypeUnknown   ObjType = 0
	ObjTypeDirectory ObjType = 1
	ObjTypeRegFile   ObjType = 2
	ObjTypeFIFO      ObjType = 3
	ObjTypeCDev      ObjType = 4
	ObjTypeBDev      ObjType = 5
	ObjTypeSoftLink  ObjType = 6
	ObjTypeHardLink  ObjType = 7
	ObjTypeSocket    ObjType = 8
	ObjTypeWhiteout  ObjType = 9
)

// PFS types
const (
	PFSTypeNone       uint8 = 0
	PFSTypeCache      uint8 = 1
	PFSTypeSlave      uint8 = 3
	PFSTypeSoftSlave  uint8 = 4
	PFSTypeSoftMaster uint8 = 5
	PFSTypeMaster     uint8 = 6
)

// StatRecord is the engine's stat(2)-like view of an inode. Times are in seconds.
type StatRecord struct {
	Ino     uint64
	Mode    uint32 // includes S_IFMT type bits
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint32
	Size    uint64
	Blocks  uint64
	Blksize uint32
	Atime   uint64
	Mtime   uint64
}

// DirEntry is one entry of a directory listing
type DirEntry struct {
	Name string
	Ino  uint64
	Type ObjType
}

// FsStats is the engine's statfs(2)-like view of the mounted PFS
type FsStats struct {
	Blocks  uint64
	BFree   uint64
	BAvail  uint64
	Files   uint64
	FFree   uint64
	BSize   uint32
	NameLen uint32
	FRSize  uint32
}

// InodeMeta is the engine's hammer2_inode_meta. Times are in microseconds.
type InodeMeta struct {
	Version      uint16
	PFSSubtype   uint8
	UFlags       uint32
	RMajor       uint32
	RMinor       uint32
	CTime        uint64
	MTime        uint64
	ATime        uint64
	BTime        uint64
	UID          [16]byte
	GID          [16]byte
	Type         ObjType
	OpFlags      uint8
	CapFlags     uint16
	Mode         uint32 // permission bits only
	Inum         uint64
	Size         uint64
	NLinks       uint64
	IParent      uint64
	NameKey      uint64
	NameLen      uint16
	NCopies      uint8
	CompAlgo     uint8
	CheckAlgo    uint8
	PFSNMasters  uint8
	PFSType      uint8
	PFSInum      uint64
	PFSClid      [16]byte
	PFSFsid      [16]byte
	DataQuota    uint64
	InodeQuota   uint64
	PFSLSnapTID  uint64
	DecryptCheck uint64
}

// InodeRef is an in-memory inode held by the engine.
//
// Hold() and Drop() pin and unpin the inode; every Hold() is paired with one Drop().
type InodeRef interface {
	Inum() uint64
	Meta() InodeMeta
	IsDirectory() bool
	Hold()
	Drop()
}

// Blockref is the portion of a hammer2_blockref the control channel needs
type Blockref struct {
	Type    BrefType
	Key     uint64
	KeyBits uint8
}

// InodeData is an inode as embedded in an inode-type chain
type InodeData struct {
	Meta     InodeMeta
	Filename []byte
}

// Chain is one node of the engine's blockref tree
type Chain struct {
	ID    ChainID
	Bref  Blockref
	Inode *InodeData // nil unless Bref.Type == BrefTypeInode
}

// MatchName reports whether chain is an inode whose filename is exactly name
func (chain *Chain) MatchName(name []byte) bool {
	return (nil != chain.Inode) && bytes.Equal(chain.Inode.Filename, name)
}

// VolumeData is the portion of the volume header the control channel reports
type VolumeData struct {
	Version    int32
	VolumeSize uint64
	FSID       [16]byte
}

// Volume is one member of the (possibly multi-volume) filesystem
type Volume struct {
	ID     int32
	Path   string
	Offset uint64
	Size   uint64
}

// EmbeddedStats are the data/inode counts an inode carries for its subtree
type EmbeddedStats struct {
	DataCount  uint64
	InodeCount uint64
}

// Engine is a mounted HAMMER2 PFS
type Engine interface {
	Control

	Unmount() (err error)
	ResolveName(dirInum uint64, name []byte) (inum uint64, err error)
	Stat(inum uint64) (stat StatRecord, err error)
	GetInode(inum uint64) (inodeRef InodeRef) // nil if inum cannot be resolved
	ReadLink(inum uint64) (target []byte, err error)
	ReadAt(inum uint64, size uint64, offset uint64) (buf []byte, err error)
	ReadDir(dirInum uint64) (dirEntries []DirEntry, err error)
	StatFS() (fsStats FsStats, err error)
}

// Control holds the low-level accessors used only by the control channel
type Control interface {
	GetInodeChain(inum uint64) (cid ChainID, err error)
	LookupChain(parent ChainID, keyBeg uint64, keyEnd uint64) (newParent ChainID, cid ChainID, err error)
	NextChain(parent ChainID, cid ChainID, keyEnd uint64) (newParent ChainID, nextCid ChainID, err error)
	GetChain(cid ChainID) (chain *Chain) // nil if cid is unknown
	VolumeData() (volumeData VolumeData)
	Volumes() (volumes []Volume)
	Label() (label string)
	InodeEmbeddedStats(inum uint64) (stats EmbeddedStats, err error)
	DumpInodeChain(inum uint64, w io.Writer) (err error)
	DirHash(name []byte) (lhc uint64)
	PruneChainCache() (numCached uint64, numPruned uint64, err error)
}
