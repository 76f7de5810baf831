// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramengine

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
)

func (ramEngine *Engine) cacheChain(cacheKey chainCacheKey) (cid engine.ChainID) {
	cid, ok := ramEngine.chainKeyMap[cacheKey]
	if ok {
		return
	}

	cid = ramEngine.nextCid
	ramEngine.nextCid++

	ramEngine.chainMap[cid] = cacheKey
	ramEngine.chainKeyMap[cacheKey] = cid

	return
}

func (ramEngine *Engine) GetInodeChain(inum uint64) (cid engine.ChainID, err error) {
	_, err = ramEngine.fetchInode(inum)
	if nil != err {
		return
	}

	cid = ramEngine.cacheChain(chainCacheKey{isInode: true, inum: inum})

	return
}

// directoryOfChain returns the directory whose blockrefs are the children of chain parent
func (ramEngine *Engine) directoryOfChain(parent engine.ChainID) (dir *inodeStruct, err error) {
	cacheKey, ok := ramEngine.chainMap[parent]
	if !ok {
		err = blunder.NewKindError(blunder.NotFound, "chain %d not cached", parent)
		return
	}

	inum := cacheKey.inum
	if !cacheKey.isInode {
		dir, err = ramEngine.fetchInode(cacheKey.dirInum)
		if nil != err {
			return
		}
		item := dir.children.Get(&brefItem{key: cacheKey.key})
		if nil == item {
			err = blunder.NewKindError(blunder.NotFound, "chain %d is stale", parent)
			return
		}
		inum = item.(*brefItem).inum
	}

	dir, err = ramEngine.fetchDirectory(inum)

	return
}

// firstInRange returns the first blockref of dir with keyBeg <= key <= keyEnd
func firstInRange(dir *inodeStruct, keyBeg uint64, keyEnd uint64) (found *brefItem) {
	if keyBeg > keyEnd {
		return
	}

	dir.children.AscendGreaterOrEqual(&brefItem{key: keyBeg}, func(i btree.Item) bool {
		item := i.(*brefItem)
		if item.key <= keyEnd {
			found = item
		}
		return false
	})

	return
}

func (ramEngine *Engine) LookupChain(parent engine.ChainID, keyBeg uint64, keyEnd uint64) (newParent engine.ChainID, cid engine.ChainID, err error) {
	newParent = parent

	dir, err := ramEngine.directoryOfChain(parent)
	if nil != err {
		return
	}

	item := firstInRange(dir, keyBeg, keyEnd)
	if nil == item {
		cid = engine.CIDNone
		return
	}

	cid = ramEngine.cacheChain(chainCacheKey{dirInum: dir.meta.Inum, key: item.key})

	return
}

func (ramEngine *Engine) NextChain(parent engine.ChainID, cid engine.ChainID, keyEnd uint64) (newParent engine.ChainID, nextCid engine.ChainID, err error) {
	newParent = parent

	dir, err := ramEngine.directoryOfChain(parent)
	if nil != err {
		return
	}

	cacheKey, ok := ramEngine.chainMap[cid]
	if !ok || cacheKey.isInode || (cacheKey.dirInum != dir.meta.Inum) {
		err = blunder.NewError(unix.EINVAL, "chain %d is not a child of chain %d", cid, parent)
		return
	}

	if engine.KeyMax == cacheKey.key {
		nextCid = engine.CIDNone
		return
	}

	item := firstInRange(dir, cacheKey.key+1, keyEnd)
	if nil == item {
		nextCid = engine.CIDNone
		return
	}

	nextCid = ramEngine.cacheChain(chainCacheKey{dirInum: dir.meta.Inum, key: item.key})

	return
}

func (inode *inodeStruct) inodeData() (inodeData *engine.InodeData) {
	inodeData = &engine.InodeData{
		Meta:     inode.meta,
		Filename: append([]byte{}, inode.filename...),
	}
	return
}

func (ramEngine *Engine) GetChain(cid engine.ChainID) (chain *engine.Chain) {
	cacheKey, ok := ramEngine.chainMap[cid]
	if !ok {
		return nil
	}

	if cacheKey.isInode {
		inode, ok := ramEngine.inodeMap[cacheKey.inum]
		if !ok {
			return nil
		}
		chain = &engine.Chain{
			ID:    cid,
			Bref:  engine.Blockref{Type: engine.BrefTypeInode, Key: inode.meta.NameKey},
			Inode: inode.inodeData(),
		}
		return
	}

	dir, ok := ramEngine.inodeMap[cacheKey.dirInum]
	if !ok || !dir.IsDirectory() {
		return nil
	}
	i := dir.children.Get(&brefItem{key: cacheKey.key})
	if nil == i {
		return nil
	}
	item := i.(*brefItem)

	chain = &engine.Chain{
		ID:   cid,
		Bref: engine.Blockref{Type: item.brefType, Key: item.key},
	}
	if engine.BrefTypeInode == item.brefType {
		if inode, ok := ramEngine.inodeMap[item.inum]; ok {
			chain.Inode = inode.inodeData()
		}
	}

	return
}

func (ramEngine *Engine) InodeEmbeddedStats(inum uint64) (stats engine.EmbeddedStats, err error) {
	inode, err := ramEngine.fetchInode(inum)
	if nil != err {
		return
	}

	ramEngine.accumulateStats(inode, &stats)

	return
}

func (ramEngine *Engine) accumulateStats(inode *inodeStruct, stats *engine.EmbeddedStats) {
	stats.InodeCount++
	stats.DataCount += uint64(len(inode.data))

	if !inode.IsDirectory() {
		return
	}

	inode.children.Ascend(func(i btree.Item) bool {
		item := i.(*brefItem)
		if child, ok := ramEngine.inodeMap[item.inum]; ok && (item.inum != inode.meta.Inum) && (engine.BrefTypeDirent == item.brefType || engine.BrefTypeInode == item.brefType) {
			ramEngine.accumulateStats(child, stats)
		}
		return true
	})
}

func (ramEngine *Engine) DumpInodeChain(inum uint64, w io.Writer) (err error) {
	inode, err := ramEngine.fetchInode(inum)
	if nil != err {
		return
	}

	err = ramEngine.dumpInode(inode, 0, w)

	return
}

func (ramEngine *Engine) dumpInode(inode *inodeStruct, depth int, w io.Writer) (err error) {
	indent := strings.Repeat("    ", depth)

	_, err = fmt.Fprintf(w, "%sinode %d type=%d mode=%04o size=%d name=%q key=%016x\n",
		indent, inode.meta.Inum, inode.meta.Type, inode.meta.Mode, inode.meta.Size, inode.filename, inode.meta.NameKey)
	if (nil != err) || !inode.IsDirectory() {
		return
	}

	inode.children.Ascend(func(i btree.Item) bool {
		item := i.(*brefItem)
		child, ok := ramEngine.inodeMap[item.inum]
		if !ok || ((engine.BrefTypeDirent != item.brefType) && (engine.BrefTypeInode != item.brefType)) {
			_, err = fmt.Fprintf(w, "%s    bref type=%d key=%016x\n", indent, item.brefType, item.key)
		} else if item.inum != inode.meta.Inum {
			err = ramEngine.dumpInode(child, depth+1, w)
		}
		return nil == err
	})

	return
}

// PruneChainCache forgets every cached chain except those of the super-root,
// the PFS root and held inodes
func (ramEngine *Engine) PruneChainCache() (numCached uint64, numPruned uint64, err error) {
	numCached = uint64(len(ramEngine.chainMap))

	for cid, cacheKey := range ramEngine.chainMap {
		if cacheKey.isInode {
			if (engine.InumSupRoot == cacheKey.inum) || (engine.InumPFSRoot == cacheKey.inum) {
				continue
			}
			if inode, ok := ramEngine.inodeMap[cacheKey.inum]; ok && (0 != inode.refCount) {
				continue
			}
		}
		delete(ramEngine.chainMap, cid)
		delete(ramEngine.chainKeyMap, cacheKey)
		numPruned++
	}

	return
}
