// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"fmt"
	"log"
	"strings"

	"github.com/NVIDIA/fission"

	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/logger"
	"github.com/NVIDIA/h2fuse/platform"
)

const (
	fuseSubtype = "hammer2"
)

// composeMountOptions returns the mount options implied by config, in the order
// mount(8) would show them. fission composes fsname, subtype and allow_other;
// the rest reach fusermount through the wrapper (see fusermount.go).
func composeMountOptions(config *configStruct) (mountOptions []string, err error) {
	special, _, err := engine.ParseSpec(config.VolumeSpec)
	if nil != err {
		return
	}

	mountOptions = []string{
		"fsname=" + special,
		"subtype=" + fuseSubtype,
		"default_permissions",
	}
	if platform.NoDevSupported {
		mountOptions = append(mountOptions, "nodev")
	}
	mountOptions = append(mountOptions, "nosuid")
	if config.AllowOther {
		mountOptions = append(mountOptions, "allow_other")
	}
	if config.AllowRoot {
		mountOptions = append(mountOptions, "allow_root")
	}
	if config.NoExec {
		mountOptions = append(mountOptions, "noexec")
	} else {
		mountOptions = append(mountOptions, "exec")
	}
	if config.AutoUnmount {
		if !platform.AutoUnmountSupported {
			err = fmt.Errorf("auto_unmount is not supported on this platform")
			return
		}
		mountOptions = append(mountOptions, "auto_unmount")
	}
	if config.ReadOnly {
		mountOptions = append(mountOptions, "ro")
	}

	supported := platform.MountOptionsSupported()
	for _, mountOption := range mountOptions {
		name := strings.SplitN(mountOption, "=", 2)[0]
		if !stringSliceContains(supported, name) {
			err = fmt.Errorf("mount option %q is not supported on this platform", mountOption)
			return
		}
	}

	return
}

func stringSliceContains(slice []string, s string) bool {
	for _, element := range slice {
		if element == s {
			return true
		}
	}
	return false
}

type fissionLogWriter struct{}

func (writer *fissionLogWriter) Write(p []byte) (n int, err error) {
	logger.Infof("fission: %s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newFissionLogger() *log.Logger {
	return log.New(&fissionLogWriter{}, "", 0)
}

func performMountFUSE() (err error) {
	var (
		special string
		wrapper *fusermountWrapper
	)

	special, _, err = engine.ParseSpec(globals.config.VolumeSpec)
	if nil != err {
		return
	}

	logger.Infof("mounting %s on %s with options %s",
		globals.config.VolumeSpec, globals.config.MountPointPath, strings.Join(globals.config.MountOptions, ","))

	if platform.IsLinux {
		wrapper, err = installFusermountWrapper(globals.config.MountOptions)
		if nil != err {
			logger.ErrorfWithError(err, "unable to install fusermount wrapper")
			return
		}
		defer func() {
			removeErr := wrapper.remove()
			if nil != removeErr {
				logger.WarnfWithError(removeErr, "unable to remove fusermount wrapper %s", wrapper.dirPath)
			}
		}()
	}

	globals.fissionVolume = fission.NewVolume(
		special,
		globals.config.MountPointPath,
		fuseSubtype,
		globals.config.FUSEMaxWrite,
		globals.config.AllowOther,
		globals.adapter,
		newFissionLogger(),
		globals.fissionErrChan,
	)

	err = globals.fissionVolume.DoMount()
	if nil != err {
		globals.fissionVolume = nil
	}

	return
}

func performUnmountFUSE() (err error) {
	if nil == globals.fissionVolume {
		return
	}

	err = globals.fissionVolume.DoUnmount()

	globals.fissionVolume = nil

	return
}
