// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2fusepkg serves a mounted HAMMER2 engine over FUSE.
//
// Start() is driven by a conf.ConfMap with the following sections:
//
//  [H2FUSE]
//  MountPointPath:   /mnt/hammer2       # empty means the engine is mounted but not FUSE
//  VolumeSpec:       ram:/srv/image@DATA
//  FUSEMaxWrite:     131072
//  AttrTTL:          1s
//  EntryTTL:         1s
//  Daemonized:       false
//  ReadOnly:         true
//  AllowOther:       false
//  AllowRoot:        false
//  NoExec:           false
//  AutoUnmount:      false
//  HTTPServerIPAddr: 127.0.0.1
//  HTTPServerPort:   15346              # 0 disables the control HTTP server
//
//  [Engine]
//  Options:          --debug --cidalloc 1
//
// Only VolumeSpec is required.
package h2fusepkg

import (
	"github.com/NVIDIA/h2fuse/conf"
)

// Version is reported in the startup banner and by GET /version
const Version = "1.0.0"

// Start mounts the engine and begins serving it
func Start(confMap conf.ConfMap) (err error) {
	err = start(confMap)
	return
}

// Stop stops serving, requiring that no file or directory remains open, and unmounts the engine
func Stop() (err error) {
	err = stop()
	return
}

// Signal is called to interrupt the server for performing operations such as log rotation
func Signal() (err error) {
	err = signal()
	return
}

// CheckVolume mounts and unmounts volumeSpec so that errors reach the invoking
// shell before the process detaches
func CheckVolume(volumeSpec string, engineOptions []string) (err error) {
	err = checkVolume(volumeSpec, engineOptions)
	return
}

// ErrChan delivers the error, if any, that ended FUSE serving (e.g. an external umount)
func ErrChan() <-chan error {
	return globals.fissionErrChan
}
