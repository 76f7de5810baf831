// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/blunder"
	"github.com/NVIDIA/h2fuse/logger"
)

// DefaultLabel is the PFS mounted when a volume spec carries no "@label" suffix
const DefaultLabel = "DATA"

// Driver mounts the engine for one kind of special (e.g. "ram:")
type Driver interface {
	Mount(special string, label string, options []string) (engine Engine, err error)
}

var (
	driversLock sync.Mutex
	drivers     = make(map[string]Driver)
)

// RegisterDriver makes driver available for specials of the form "<scheme>:<path>"
func RegisterDriver(scheme string, driver Driver) {
	driversLock.Lock()
	drivers[scheme] = driver
	driversLock.Unlock()
}

// ParseSpec splits a "special[@label]" volume spec on its last '@'
func ParseSpec(spec string) (special string, label string, err error) {
	i := strings.LastIndex(spec, "@")
	if i < 0 {
		special = spec
		label = DefaultLabel
	} else {
		special = spec[:i]
		label = spec[i+1:]
	}

	if "" == special {
		err = blunder.NewError(unix.EINVAL, "volume spec %q has no special", spec)
		return
	}
	if "" == label {
		err = blunder.NewError(unix.EINVAL, "volume spec %q has an empty label", spec)
		return
	}

	return
}

// Mount parses spec, selects the driver registered for its scheme and mounts the engine
func Mount(spec string, options []string) (engine Engine, err error) {
	special, label, err := ParseSpec(spec)
	if nil != err {
		return
	}

	scheme := ""
	if i := strings.Index(special, ":"); i > 0 {
		scheme = special[:i]
	}

	driversLock.Lock()
	driver, ok := drivers[scheme]
	driversLock.Unlock()

	if !ok {
		err = blunder.NewError(unix.ENODEV, "no engine driver for special %q", special)
		return
	}

	logger.Infof("mounting %s label %s options %v", special, label, options)

	engine, err = driver.Mount(special, label, options)

	return
}
