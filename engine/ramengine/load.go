// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramengine

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/logger"
)

const driverScheme = "ram"

type driverStruct struct{}

func init() {
	engine.RegisterDriver(driverScheme, &driverStruct{})
}

// Mount handles specials "ram:" (an empty PFS) and "ram:<host dir>" (a snapshot of host dir)
func (driver *driverStruct) Mount(special string, label string, options []string) (mountedEngine engine.Engine, err error) {
	hostDir := strings.TrimPrefix(special, driverScheme+":")

	var ramEngine *Engine

	if "" == hostDir {
		ramEngine = New(label)
	} else {
		ramEngine, err = Load(hostDir, label)
		if nil != err {
			return
		}
	}

	ramEngine.special = special

	err = ramEngine.SetEngineOptions(options)
	if nil != err {
		return
	}

	if 0 == len(ramEngine.volumes) {
		_ = ramEngine.AddVolume(special, 0, DefaultVolumeSize)
	}

	if ramEngine.Debug {
		logger.Infof("%v mounted: %d inode(s) cidalloc %d nodatacache %v",
			ramEngine, len(ramEngine.inodeMap), ramEngine.CIDAlloc, ramEngine.NoDataCache)
	}

	mountedEngine = ramEngine

	return
}

func timespecToTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Unix())
}

// Load snapshots the tree rooted at hostDir into a new engine whose PFS is named label
func Load(hostDir string, label string) (ramEngine *Engine, err error) {
	var (
		hostStat unix.Stat_t
		inumMap  = make(map[string]uint64)
	)

	rootInfo, err := os.Stat(hostDir)
	if nil != err {
		err = blunder.FromOSError(err)
		return
	}
	if !rootInfo.IsDir() {
		err = blunder.NewError(unix.ENOTDIR, "%s is not a directory", hostDir)
		return
	}

	ramEngine = New(label)
	inumMap["."] = engine.InumPFSRoot

	err = filepath.Walk(hostDir, func(path string, info os.FileInfo, walkErr error) (err error) {
		if nil != walkErr {
			return blunder.FromOSError(walkErr)
		}

		relPath, err := filepath.Rel(hostDir, path)
		if nil != err {
			return
		}

		err = unix.Lstat(path, &hostStat)
		if nil != err {
			return blunder.FromOSError(&os.PathError{Op: "lstat", Path: path, Err: err})
		}

		var inum uint64

		if "." == relPath {
			inum = engine.InumPFSRoot
			ramEngine.inodeMap[inum].meta.Mode = uint32(info.Mode().Perm())
		} else {
			parentInum, ok := inumMap[filepath.Dir(relPath)]
			if !ok {
				return blunder.NewKindError(blunder.NotFound, "parent of %s not loaded", relPath)
			}

			name := filepath.Base(relPath)
			mode := uint32(info.Mode().Perm())

			switch {
			case info.Mode().IsDir():
				inum, err = ramEngine.AddDirectory(parentInum, name, mode)
				inumMap[relPath] = inum
			case info.Mode().IsRegular():
				var data []byte
				data, err = ioutil.ReadFile(path)
				if nil != err {
					return blunder.FromOSError(err)
				}
				inum, err = ramEngine.AddFile(parentInum, name, mode, data)
			case 0 != (info.Mode() & os.ModeSymlink):
				var target string
				target, err = os.Readlink(path)
				if nil != err {
					return blunder.FromOSError(err)
				}
				inum, err = ramEngine.AddSymlink(parentInum, name, target)
			case 0 != (info.Mode() & os.ModeNamedPipe):
				inum, err = ramEngine.AddSpecial(parentInum, name, engine.ObjTypeFIFO, mode, 0)
			case 0 != (info.Mode() & os.ModeSocket):
				inum, err = ramEngine.AddSpecial(parentInum, name, engine.ObjTypeSocket, mode, 0)
			case 0 != (info.Mode() & os.ModeCharDevice):
				inum, err = ramEngine.AddSpecial(parentInum, name, engine.ObjTypeCDev, mode, uint32(hostStat.Rdev))
			case 0 != (info.Mode() & os.ModeDevice):
				inum, err = ramEngine.AddSpecial(parentInum, name, engine.ObjTypeBDev, mode, uint32(hostStat.Rdev))
			default:
				logger.Warnf("skipping %s: unsupported mode %v", path, info.Mode())
				return nil
			}
			if nil != err {
				return
			}
		}

		err = ramEngine.SetOwner(inum, hostStat.Uid, hostStat.Gid)
		if nil != err {
			return
		}

		err = ramEngine.SetTimes(inum, timespecToTime(hostStat.Atim), timespecToTime(hostStat.Mtim))

		return
	})
	if nil != err {
		ramEngine = nil
		return
	}

	_ = ramEngine.AddVolume(hostDir, 0, DefaultVolumeSize)

	return
}
