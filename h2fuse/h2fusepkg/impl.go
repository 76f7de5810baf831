// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/h2fuse/conf"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/halter"
	"github.com/NVIDIA/h2fuse/logger"
)

func start(confMap conf.ConfMap) (err error) {
	err = initializeGlobals(confMap)
	if nil != err {
		return
	}

	globals.engine, err = engine.Mount(globals.config.VolumeSpec, globals.config.EngineOptions)
	if nil != err {
		_ = uninitializeGlobals()
		return
	}

	logVolumes(globals.engine)

	globals.adapter = NewAdapter(globals.engine, AdapterConfig{
		AttrTTL:    globals.config.AttrTTL,
		EntryTTL:   globals.config.EntryTTL,
		MaxWrite:   globals.config.FUSEMaxWrite,
		ReadOnly:   globals.config.ReadOnly,
		Daemonized: globals.config.Daemonized,
	})

	if "" != globals.config.MountPointPath {
		err = performMountFUSE()
		if nil != err {
			_ = globals.engine.Unmount()
			_ = uninitializeGlobals()
			return
		}
	}

	err = startHTTPServer()
	if nil != err {
		_ = performUnmountFUSE()
		_ = globals.engine.Unmount()
		_ = uninitializeGlobals()
		return
	}

	return
}

func stop() (err error) {
	err = stopHTTPServer()
	if nil != err {
		return
	}

	err = performUnmountFUSE()
	if nil != err {
		logger.WarnfWithError(err, "FUSE unmount of %s failed", globals.config.MountPointPath)
	}

	err = globals.adapter.Destroy()
	if nil != err {
		return
	}

	err = uninitializeGlobals()

	return
}

func signal() (err error) {
	logger.Infof("SIGHUP: %d open handle(s), halts %v", globals.adapter.OpenCount(), halter.Dump())

	err = nil
	return
}

func checkVolume(volumeSpec string, engineOptions []string) (err error) {
	mountedEngine, err := engine.Mount(volumeSpec, engineOptions)
	if nil != err {
		return
	}

	logVolumes(mountedEngine)

	err = mountedEngine.Unmount()

	return
}

func logVolumes(mountedEngine engine.Engine) {
	volumeData := mountedEngine.VolumeData()

	logger.Infof("PFS %s: version %d, %s", mountedEngine.Label(), volumeData.Version, humanize.IBytes(volumeData.VolumeSize))

	for _, volume := range mountedEngine.Volumes() {
		logger.Infof("  volume %d %s offset %s size %s",
			volume.ID, volume.Path, humanize.IBytes(volume.Offset), humanize.IBytes(volume.Size))
	}
}
