// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/halter"
)

// DirectoryEnumerator turns a full directory listing into pages addressed by cookie.
//
// A cookie is the index of the next unread entry in the listing. Each call
// re-reads the directory, so a directory modified between two page requests
// for the same open handle may have entries skipped or repeated.
type DirectoryEnumerator struct {
	engine engine.Engine
}

// PageFiller is offered each entry of a page along with the cookie that resumes
// after it. It returns false when the reply buffer cannot hold the entry.
type PageFiller func(dirEntry engine.DirEntry, nextCookie uint64) (accepted bool)

func newDirectoryEnumerator(mountedEngine engine.Engine) *DirectoryEnumerator {
	return &DirectoryEnumerator{engine: mountedEngine}
}

// List returns the complete listing of dirInum, which always begins with "." and ".."
func (enumerator *DirectoryEnumerator) List(dirInum uint64) (dirEntries []engine.DirEntry, err error) {
	inodeRef := enumerator.engine.GetInode(dirInum)
	if nil == inodeRef {
		err = blunder.NewKindError(blunder.NotFound, "directory inode %d not found", dirInum)
		return
	}
	if !inodeRef.IsDirectory() {
		err = blunder.NewError(unix.ENOTDIR, "inode %d is not a directory", dirInum)
		return
	}

	dirEntries, err = enumerator.engine.ReadDir(dirInum)
	if nil != err {
		return
	}

	if (len(dirEntries) < 2) || ("." != dirEntries[0].Name) || (".." != dirEntries[1].Name) {
		halter.Halt(halter.DirectoryListingMalformed, "listing of directory %d does not start with \".\" and \"..\": %+v", dirInum, dirEntries)
	}

	return
}

// Page offers dirEntries[cookie:] to filler until they run out or filler refuses one.
//
// appended is the number of entries filler accepted, next is the cookie to resume
// from and done reports that the listing is exhausted.
//
// Each READDIR lists the directory afresh, so a cookie is an index into whatever
// the directory holds at that moment. Entries added or removed between pages may
// be skipped or returned twice.
func (enumerator *DirectoryEnumerator) Page(dirEntries []engine.DirEntry, cookie uint64, filler PageFiller) (appended int, next uint64, done bool) {
	next = cookie

	if cookie >= uint64(len(dirEntries)) {
		done = true
		return
	}

	for index := cookie; index < uint64(len(dirEntries)); index++ {
		if !filler(dirEntries[index], index+1) {
			return
		}
		appended++
		next = index + 1
	}

	done = true

	return
}
