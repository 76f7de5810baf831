// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramengine

import (
	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
)

func (ramEngine *Engine) fetchInode(inum uint64) (inode *inodeStruct, err error) {
	inode, ok := ramEngine.inodeMap[inum]
	if !ok {
		err = blunder.NewKindError(blunder.NotFound, "inode %d not found", inum)
	}
	return
}

func (ramEngine *Engine) fetchDirectory(inum uint64) (inode *inodeStruct, err error) {
	inode, err = ramEngine.fetchInode(inum)
	if nil != err {
		return
	}
	if !inode.IsDirectory() {
		err = blunder.NewError(unix.ENOTDIR, "inode %d is not a directory", inum)
	}
	return
}

// parentInum is the inode ".." resolves to; the PFS root is its own parent
func (ramEngine *Engine) parentInum(dir *inodeStruct) uint64 {
	if (engine.InumPFSRoot == dir.meta.Inum) || (engine.InumSupRoot == dir.meta.Inum) {
		return dir.meta.Inum
	}
	return dir.meta.IParent
}

func (ramEngine *Engine) Unmount() (err error) {
	if !ramEngine.mounted {
		err = blunder.NewError(unix.EINVAL, "%v is not mounted", ramEngine)
		return
	}

	for inum, inode := range ramEngine.inodeMap {
		if 0 != inode.refCount {
			err = blunder.NewError(unix.EBUSY, "inode %d still held %d time(s)", inum, inode.refCount)
			return
		}
	}

	ramEngine.mounted = false
	ramEngine.chainMap = make(map[engine.ChainID]chainCacheKey)
	ramEngine.chainKeyMap = make(map[chainCacheKey]engine.ChainID)

	return
}

func (ramEngine *Engine) ResolveName(dirInum uint64, name []byte) (inum uint64, err error) {
	dir, err := ramEngine.fetchDirectory(dirInum)
	if nil != err {
		return
	}

	switch string(name) {
	case ".":
		inum = dirInum
		return
	case "..":
		inum = ramEngine.parentInum(dir)
		return
	}

	item := ramEngine.lookup(dir, name)
	if nil == item {
		err = blunder.NewKindError(blunder.NotFound, "%q not found in inode %d", name, dirInum)
		return
	}

	inum = item.inum
	return
}

func modeTypeBits(objType engine.ObjType) uint32 {
	switch objType {
	case engine.ObjTypeDirectory:
		return unix.S_IFDIR
	case engine.ObjTypeRegFile:
		return unix.S_IFREG
	case engine.ObjTypeFIFO:
		return unix.S_IFIFO
	case engine.ObjTypeCDev:
		return unix.S_IFCHR
	case engine.ObjTypeBDev:
		return unix.S_IFBLK
	case engine.ObjTypeSoftLink:
		return unix.S_IFLNK
	case engine.ObjTypeSocket:
		return unix.S_IFSOCK
	default:
		return 0
	}
}

func (ramEngine *Engine) Stat(inum uint64) (stat engine.StatRecord, err error) {
	inode, err := ramEngine.fetchInode(inum)
	if nil != err {
		return
	}

	stat = engine.StatRecord{
		Ino:     inode.meta.Inum,
		Mode:    modeTypeBits(inode.meta.Type) | (inode.meta.Mode & 07777),
		Nlink:   uint32(inode.meta.NLinks),
		UID:     uuidToUnixXid(inode.meta.UID),
		GID:     uuidToUnixXid(inode.meta.GID),
		Rdev:    inode.rdev,
		Size:    inode.meta.Size,
		Blocks:  (inode.meta.Size + 511) / 512,
		Blksize: BlockSize,
		Atime:   inode.meta.ATime / 1000000,
		Mtime:   inode.meta.MTime / 1000000,
	}

	return
}

func (ramEngine *Engine) GetInode(inum uint64) (inodeRef engine.InodeRef) {
	inode, ok := ramEngine.inodeMap[inum]
	if !ok {
		return nil
	}
	return inode
}

func (ramEngine *Engine) ReadLink(inum uint64) (target []byte, err error) {
	inode, err := ramEngine.fetchInode(inum)
	if nil != err {
		return
	}
	if engine.ObjTypeSoftLink != inode.meta.Type {
		err = blunder.NewError(unix.EINVAL, "inode %d is not a symbolic link", inum)
		return
	}

	target = append([]byte{}, inode.data...)
	return
}

func (ramEngine *Engine) ReadAt(inum uint64, size uint64, offset uint64) (buf []byte, err error) {
	inode, err := ramEngine.fetchInode(inum)
	if nil != err {
		return
	}
	if inode.IsDirectory() {
		err = blunder.NewError(unix.EISDIR, "inode %d is a directory", inum)
		return
	}

	if offset >= uint64(len(inode.data)) {
		buf = []byte{}
		return
	}

	end := offset + size
	if (end > uint64(len(inode.data))) || (end < offset) {
		end = uint64(len(inode.data))
	}

	buf = append([]byte{}, inode.data[offset:end]...)
	return
}

func (ramEngine *Engine) ReadDir(dirInum uint64) (dirEntries []engine.DirEntry, err error) {
	dir, err := ramEngine.fetchDirectory(dirInum)
	if nil != err {
		return
	}

	dirEntries = make([]engine.DirEntry, 0, 2+dir.children.Len())
	dirEntries = append(dirEntries,
		engine.DirEntry{Name: ".", Ino: dirInum, Type: engine.ObjTypeDirectory},
		engine.DirEntry{Name: "..", Ino: ramEngine.parentInum(dir), Type: engine.ObjTypeDirectory})

	dir.children.Ascend(func(i btree.Item) bool {
		item := i.(*brefItem)
		if (engine.BrefTypeDirent != item.brefType) && (engine.BrefTypeInode != item.brefType) {
			return true
		}
		child, ok := ramEngine.inodeMap[item.inum]
		if !ok {
			return true
		}
		dirEntries = append(dirEntries, engine.DirEntry{
			Name: string(item.name),
			Ino:  item.inum,
			Type: child.meta.Type,
		})
		return true
	})

	return
}

func (ramEngine *Engine) StatFS() (fsStats engine.FsStats, err error) {
	var (
		usedBlocks uint64
	)

	for _, inode := range ramEngine.inodeMap {
		usedBlocks += (uint64(len(inode.data)) + uint64(BlockSize) - 1) / uint64(BlockSize)
	}

	fsStats.BSize = BlockSize
	fsStats.FRSize = BlockSize
	fsStats.NameLen = NameLen
	fsStats.Blocks = ramEngine.volumeData.VolumeSize / uint64(BlockSize)
	if usedBlocks < fsStats.Blocks {
		fsStats.BFree = fsStats.Blocks - usedBlocks
	}
	fsStats.BAvail = fsStats.BFree
	fsStats.Files = uint64(len(ramEngine.inodeMap))
	fsStats.FFree = fsStats.BFree

	return
}

// Label returns the label of the mounted PFS
func (ramEngine *Engine) Label() (label string) {
	return ramEngine.label
}

func (ramEngine *Engine) VolumeData() (volumeData engine.VolumeData) {
	return ramEngine.volumeData
}

func (ramEngine *Engine) Volumes() (volumes []engine.Volume) {
	volumes = make([]engine.Volume, len(ramEngine.volumes))
	copy(volumes, ramEngine.volumes)
	return
}
