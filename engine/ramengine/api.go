// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramengine is an in-memory HAMMER2 engine.
//
// It models just enough of HAMMER2 for the FUSE adapter and its control channel:
// a super-root directory holding one inode per PFS, directory chains keyed by
// name hash, inode meta, embedded statistics and a chain-id cache. It is
// registered as the "ram:" engine driver ("ram:<host dir>[@label]" snapshots a
// host directory tree, "ram:[@label]" mounts an empty PFS).
package ramengine

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/creachadair/cityhash"
	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/logger"
)

const (
	VolumeVersion     int32  = 2
	DefaultVolumeSize uint64 = 1 << 30
	BlockSize         uint32 = 65536
	NameLen           uint32 = 255
	InodeVersion      uint16 = 1
	btreeDegree              = 8
	firstAllocatedInum       = 2
)

// brefItem is one blockref in a directory chain, ordered by key
type brefItem struct {
	key      uint64
	brefType engine.BrefType
	inum     uint64 // target inode for BrefTypeInode and BrefTypeDirent
	name     []byte
}

func (item *brefItem) Less(than btree.Item) bool {
	return item.key < than.(*brefItem).key
}

type inodeStruct struct {
	meta     engine.InodeMeta
	filename []byte
	rdev     uint32
	data     []byte       // file contents or symlink target
	children *btree.BTree // of *brefItem (directories only)
	refCount int64
}

func (inode *inodeStruct) Inum() uint64 {
	return inode.meta.Inum
}

func (inode *inodeStruct) Meta() engine.InodeMeta {
	return inode.meta
}

func (inode *inodeStruct) IsDirectory() bool {
	return engine.ObjTypeDirectory == inode.meta.Type
}

func (inode *inodeStruct) Hold() {
	inode.refCount++
}

func (inode *inodeStruct) Drop() {
	if 0 == inode.refCount {
		logger.Errorf("inode %d dropped more often than held", inode.meta.Inum)
		return
	}
	inode.refCount--
}

// chainCacheKey identifies what a cached chain refers to: an inode (isInode) or
// the blockref at key inside directory dirInum
type chainCacheKey struct {
	isInode bool
	inum    uint64
	dirInum uint64
	key     uint64
}

// Engine is an in-memory HAMMER2 engine instance
type Engine struct {
	special     string
	label       string
	inodeMap    map[uint64]*inodeStruct
	nextInum    uint64
	chainMap    map[engine.ChainID]chainCacheKey
	chainKeyMap map[chainCacheKey]engine.ChainID
	nextCid     engine.ChainID
	volumeData  engine.VolumeData
	volumes     []engine.Volume
	mounted     bool
	Debug       bool
	NoDataCache bool
	CIDAlloc    uint64
	now         func() time.Time
}

// New returns an empty engine whose super-root holds a single PFS named label
// (its root directory is inode engine.InumPFSRoot).
func New(label string) (ramEngine *Engine) {
	ramEngine = &Engine{
		special:     "ram:",
		label:       label,
		inodeMap:    make(map[uint64]*inodeStruct),
		nextInum:    firstAllocatedInum,
		chainMap:    make(map[engine.ChainID]chainCacheKey),
		chainKeyMap: make(map[chainCacheKey]engine.ChainID),
		nextCid:     engine.CIDNone + 1,
		mounted:     true,
		now:         time.Now,
	}

	fsid := uuid.New()
	copy(ramEngine.volumeData.FSID[:], fsid[:])
	ramEngine.volumeData.Version = VolumeVersion
	ramEngine.volumeData.VolumeSize = DefaultVolumeSize

	superRoot := ramEngine.newInode(engine.InumSupRoot, engine.ObjTypeDirectory, 0700, nil)
	superRoot.meta.IParent = engine.InumSupRoot
	ramEngine.inodeMap[engine.InumSupRoot] = superRoot

	pfsRoot := ramEngine.newInode(engine.InumPFSRoot, engine.ObjTypeDirectory, 0755, []byte(label))
	pfsRoot.meta.IParent = engine.InumPFSRoot
	ramEngine.setPFS(pfsRoot, engine.PFSTypeMaster)
	ramEngine.inodeMap[engine.InumPFSRoot] = pfsRoot

	_ = ramEngine.link(superRoot, pfsRoot, engine.BrefTypeInode)

	return
}

func (ramEngine *Engine) microseconds() uint64 {
	return uint64(ramEngine.now().UnixNano() / int64(time.Microsecond))
}

func (ramEngine *Engine) newInode(inum uint64, objType engine.ObjType, mode uint32, filename []byte) (inode *inodeStruct) {
	now := ramEngine.microseconds()

	inode = &inodeStruct{
		filename: append([]byte{}, filename...),
	}

	inode.meta.Version = InodeVersion
	inode.meta.Inum = inum
	inode.meta.Type = objType
	inode.meta.Mode = mode & 07777
	inode.meta.NLinks = 1
	inode.meta.CTime = now
	inode.meta.MTime = now
	inode.meta.ATime = now
	inode.meta.BTime = now
	inode.meta.NameLen = uint16(len(filename))
	inode.meta.NCopies = 1
	inode.meta.UID = unixXidToUUID(uint32(unix.Getuid()))
	inode.meta.GID = unixXidToUUID(uint32(unix.Getgid()))

	if engine.ObjTypeDirectory == objType {
		inode.children = btree.New(btreeDegree)
	}

	return
}

func (ramEngine *Engine) setPFS(inode *inodeStruct, pfsType uint8) {
	clid := uuid.New()
	fsid := uuid.New()
	inode.meta.PFSType = pfsType
	inode.meta.PFSInum = inode.meta.Inum
	inode.meta.PFSNMasters = 1
	copy(inode.meta.PFSClid[:], clid[:])
	copy(inode.meta.PFSFsid[:], fsid[:])
}

// unixXidToUUID embeds a uid/gid the way HAMMER2 does (last four bytes of the uuid node)
func unixXidToUUID(xid uint32) (id [16]byte) {
	binary.LittleEndian.PutUint32(id[12:], xid)
	return
}

func uuidToUnixXid(id [16]byte) uint32 {
	return binary.LittleEndian.Uint32(id[12:])
}

// DirHash returns the directory hash key of name (low DirhashLoMask bits free for collisions)
func (ramEngine *Engine) DirHash(name []byte) (lhc uint64) {
	lhc = (cityhash.Hash64(name) &^ engine.DirhashLoMask) | engine.DirhashVisible
	return
}

// link inserts child into dir's chain under a free key at or above dirhash(child.filename)
func (ramEngine *Engine) link(dir *inodeStruct, child *inodeStruct, brefType engine.BrefType) (err error) {
	lhc := ramEngine.DirHash(child.filename)

	for key := lhc; key <= lhc+engine.DirhashLoMask; key++ {
		if nil == dir.children.Get(&brefItem{key: key}) {
			dir.children.ReplaceOrInsert(&brefItem{
				key:      key,
				brefType: brefType,
				inum:     child.meta.Inum,
				name:     child.filename,
			})
			child.meta.NameKey = key
			child.meta.IParent = dir.meta.Inum
			return
		}
	}

	err = blunder.NewKindError(blunder.StorageFull, "directory %d has no free key for %q", dir.meta.Inum, child.filename)
	return
}

func (ramEngine *Engine) lookup(dir *inodeStruct, name []byte) (item *brefItem) {
	lhc := ramEngine.DirHash(name)

	dir.children.AscendGreaterOrEqual(&brefItem{key: lhc}, func(i btree.Item) bool {
		candidate := i.(*brefItem)
		if candidate.key > lhc+engine.DirhashLoMask {
			return false
		}
		if (candidate.brefType != engine.BrefTypeIndirect) && (string(candidate.name) == string(name)) {
			item = candidate
			return false
		}
		return true
	})

	return
}

func (ramEngine *Engine) addInode(parentInum uint64, name string, objType engine.ObjType, mode uint32) (inode *inodeStruct, err error) {
	parent, ok := ramEngine.inodeMap[parentInum]
	if !ok {
		err = blunder.NewKindError(blunder.NotFound, "parent inode %d not found", parentInum)
		return
	}
	if !parent.IsDirectory() {
		err = blunder.NewError(unix.ENOTDIR, "parent inode %d is not a directory", parentInum)
		return
	}
	if ("" == name) || ("." == name) || (".." == name) {
		err = blunder.NewError(unix.EINVAL, "invalid name %q", name)
		return
	}
	if len(name) > int(NameLen) {
		err = blunder.NewError(unix.ENAMETOOLONG, "name %q too long", name)
		return
	}
	if nil != ramEngine.lookup(parent, []byte(name)) {
		err = blunder.NewKindError(blunder.AlreadyExists, "%q already exists in inode %d", name, parentInum)
		return
	}

	inode = ramEngine.newInode(ramEngine.nextInum, objType, mode, []byte(name))
	inode.meta.PFSInum = parent.meta.PFSInum

	err = ramEngine.link(parent, inode, engine.BrefTypeDirent)
	if nil != err {
		return
	}

	ramEngine.inodeMap[inode.meta.Inum] = inode
	ramEngine.nextInum++

	if objType == engine.ObjTypeDirectory {
		parent.meta.NLinks++
		inode.meta.NLinks = 2
	}
	parent.meta.MTime = inode.meta.MTime

	return
}

// AddDirectory creates directory name in parentInum
func (ramEngine *Engine) AddDirectory(parentInum uint64, name string, mode uint32) (inum uint64, err error) {
	inode, err := ramEngine.addInode(parentInum, name, engine.ObjTypeDirectory, mode)
	if nil == err {
		inum = inode.meta.Inum
	}
	return
}

// AddFile creates regular file name in parentInum holding data
func (ramEngine *Engine) AddFile(parentInum uint64, name string, mode uint32, data []byte) (inum uint64, err error) {
	inode, err := ramEngine.addInode(parentInum, name, engine.ObjTypeRegFile, mode)
	if nil == err {
		inode.data = append([]byte{}, data...)
		inode.meta.Size = uint64(len(data))
		inum = inode.meta.Inum
	}
	return
}

// AddSymlink creates symbolic link name in parentInum pointing at target
func (ramEngine *Engine) AddSymlink(parentInum uint64, name string, target string) (inum uint64, err error) {
	inode, err := ramEngine.addInode(parentInum, name, engine.ObjTypeSoftLink, 0777)
	if nil == err {
		inode.data = []byte(target)
		inode.meta.Size = uint64(len(target))
		inum = inode.meta.Inum
	}
	return
}

// AddSpecial creates a FIFO, device or socket named name in parentInum
func (ramEngine *Engine) AddSpecial(parentInum uint64, name string, objType engine.ObjType, mode uint32, rdev uint32) (inum uint64, err error) {
	switch objType {
	case engine.ObjTypeFIFO, engine.ObjTypeCDev, engine.ObjTypeBDev, engine.ObjTypeSocket:
	default:
		err = blunder.NewError(unix.EINVAL, "object type %d is not a special file", objType)
		return
	}

	inode, err := ramEngine.addInode(parentInum, name, objType, mode)
	if nil == err {
		inode.rdev = rdev
		inode.meta.RMajor = unix.Major(uint64(rdev))
		inode.meta.RMinor = unix.Minor(uint64(rdev))
		inum = inode.meta.Inum
	}
	return
}

// AddPFS creates another PFS in the super-root
func (ramEngine *Engine) AddPFS(name string, pfsType uint8) (inum uint64, err error) {
	inode, err := ramEngine.addInode(engine.InumSupRoot, name, engine.ObjTypeDirectory, 0755)
	if nil != err {
		return
	}

	superRoot := ramEngine.inodeMap[engine.InumSupRoot]
	superRoot.children.Get(&brefItem{key: inode.meta.NameKey}).(*brefItem).brefType = engine.BrefTypeInode

	ramEngine.setPFS(inode, pfsType)
	inum = inode.meta.Inum

	return
}

// AddSuperRootBlockref inserts a non-inode blockref into the super-root chain
func (ramEngine *Engine) AddSuperRootBlockref(key uint64, brefType engine.BrefType) (err error) {
	superRoot := ramEngine.inodeMap[engine.InumSupRoot]

	if nil != superRoot.children.Get(&brefItem{key: key}) {
		err = blunder.NewKindError(blunder.AlreadyExists, "super-root key %016x in use", key)
		return
	}

	superRoot.children.ReplaceOrInsert(&brefItem{key: key, brefType: brefType})

	return
}

// AddVolume appends a member volume
func (ramEngine *Engine) AddVolume(path string, offset uint64, size uint64) (err error) {
	if len(ramEngine.volumes) >= engine.MaxVolumes {
		err = blunder.NewError(unix.ENOSPC, "already %d volumes", len(ramEngine.volumes))
		return
	}

	ramEngine.volumes = append(ramEngine.volumes, engine.Volume{
		ID:     int32(len(ramEngine.volumes)),
		Path:   path,
		Offset: offset,
		Size:   size,
	})

	ramEngine.volumeData.VolumeSize = offset + size

	return
}

// SetTimes overrides an inode's access and modify times
func (ramEngine *Engine) SetTimes(inum uint64, atime time.Time, mtime time.Time) (err error) {
	inode, ok := ramEngine.inodeMap[inum]
	if !ok {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inum)
		return
	}
	inode.meta.ATime = uint64(atime.UnixNano() / int64(time.Microsecond))
	inode.meta.MTime = uint64(mtime.UnixNano() / int64(time.Microsecond))
	return
}

// SetOwner overrides an inode's uid and gid
func (ramEngine *Engine) SetOwner(inum uint64, uid uint32, gid uint32) (err error) {
	inode, ok := ramEngine.inodeMap[inum]
	if !ok {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inum)
		return
	}
	inode.meta.UID = unixXidToUUID(uid)
	inode.meta.GID = unixXidToUUID(gid)
	return
}

// SetEngineOptions applies the engine mount options --debug, --nodatacache and --cidalloc <v>
func (ramEngine *Engine) SetEngineOptions(options []string) (err error) {
	for i := 0; i < len(options); i++ {
		switch options[i] {
		case "--debug":
			ramEngine.Debug = true
		case "--nodatacache":
			ramEngine.NoDataCache = true
		case "--cidalloc":
			if i+1 == len(options) {
				err = blunder.NewError(unix.EINVAL, "--cidalloc requires a value")
				return
			}
			i++
			ramEngine.CIDAlloc, err = strconv.ParseUint(options[i], 0, 64)
			if nil != err {
				err = blunder.NewError(unix.EINVAL, "--cidalloc %q: %v", options[i], err)
				return
			}
			if engine.ChainID(ramEngine.CIDAlloc) > ramEngine.nextCid {
				ramEngine.nextCid = engine.ChainID(ramEngine.CIDAlloc)
			}
		default:
			err = blunder.NewError(unix.EINVAL, "unknown engine option %q", options[i])
			return
		}
	}

	return
}

// HoldCount returns how many Hold()s on inum are outstanding
func (ramEngine *Engine) HoldCount(inum uint64) int64 {
	inode, ok := ramEngine.inodeMap[inum]
	if !ok {
		return 0
	}
	return inode.refCount
}

func (ramEngine *Engine) String() string {
	return fmt.Sprintf("ramengine(%s@%s)", ramEngine.special, ramEngine.label)
}
