// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/NVIDIA/fission"

	"github.com/NVIDIA/h2fuse/conf"
	"github.com/NVIDIA/h2fuse/engine"
	"github.com/NVIDIA/h2fuse/logger"
	"github.com/NVIDIA/h2fuse/utils"
)

const (
	confSectionH2FUSE = "H2FUSE"
	confSectionEngine = "Engine"

	defaultFUSEMaxWrite = uint32(128 * 1024)
	defaultAttrTTL      = time.Second
	defaultEntryTTL     = time.Second
)

type configStruct struct {
	MountPointPath   string
	VolumeSpec       string
	FUSEMaxWrite     uint32
	AttrTTL          time.Duration
	EntryTTL         time.Duration
	Daemonized       bool
	ReadOnly         bool
	AllowOther       bool
	AllowRoot        bool
	NoExec           bool
	AutoUnmount      bool
	HTTPServerIPAddr string
	HTTPServerPort   uint16 // 0 disables the control HTTP server
	EngineOptions    []string
	MountOptions     []string // composed from the above; see composeMountOptions()
}

type globalsStruct struct {
	sync.Mutex
	config         configStruct
	engine         engine.Engine
	adapter        *Adapter
	fissionVolume  fission.Volume
	fissionErrChan chan error
	httpServer     *http.Server
	httpServerWG   sync.WaitGroup
	startTime      time.Time
}

var globals globalsStruct

func optionPresent(confMap conf.ConfMap, sectionName string, optionName string) (present bool) {
	section, ok := confMap[sectionName]
	if ok {
		_, present = section[optionName]
	}
	return
}

func initializeGlobals(confMap conf.ConfMap) (err error) {
	var (
		configJSONified string
	)

	globals.config.MountPointPath, err = confMap.FetchOptionValueString(confSectionH2FUSE, "MountPointPath")
	if nil != err {
		globals.config.MountPointPath = ""
		err = nil
	}

	globals.config.VolumeSpec, err = confMap.FetchOptionValueString(confSectionH2FUSE, "VolumeSpec")
	if nil != err {
		err = fmt.Errorf("%s.VolumeSpec is required: %v", confSectionH2FUSE, err)
		return
	}

	globals.config.FUSEMaxWrite = defaultFUSEMaxWrite
	if optionPresent(confMap, confSectionH2FUSE, "FUSEMaxWrite") {
		globals.config.FUSEMaxWrite, err = confMap.FetchOptionValueUint32(confSectionH2FUSE, "FUSEMaxWrite")
		if nil != err {
			return
		}
	}

	globals.config.AttrTTL = defaultAttrTTL
	if optionPresent(confMap, confSectionH2FUSE, "AttrTTL") {
		globals.config.AttrTTL, err = confMap.FetchOptionValueDuration(confSectionH2FUSE, "AttrTTL")
		if nil != err {
			return
		}
	}

	globals.config.EntryTTL = defaultEntryTTL
	if optionPresent(confMap, confSectionH2FUSE, "EntryTTL") {
		globals.config.EntryTTL, err = confMap.FetchOptionValueDuration(confSectionH2FUSE, "EntryTTL")
		if nil != err {
			return
		}
	}

	for _, boolOption := range []struct {
		name         string
		value        *bool
		defaultValue bool
	}{
		{"Daemonized", &globals.config.Daemonized, false},
		{"ReadOnly", &globals.config.ReadOnly, true},
		{"AllowOther", &globals.config.AllowOther, false},
		{"AllowRoot", &globals.config.AllowRoot, false},
		{"NoExec", &globals.config.NoExec, false},
		{"AutoUnmount", &globals.config.AutoUnmount, false},
	} {
		*boolOption.value = boolOption.defaultValue
		if optionPresent(confMap, confSectionH2FUSE, boolOption.name) {
			*boolOption.value, err = confMap.FetchOptionValueBool(confSectionH2FUSE, boolOption.name)
			if nil != err {
				return
			}
		}
	}

	if !globals.config.ReadOnly {
		err = fmt.Errorf("[%s]ReadOnly cannot be disabled: hammer2 volumes are only mounted read-only", confSectionH2FUSE)
		return
	}

	globals.config.HTTPServerIPAddr = "127.0.0.1"
	if optionPresent(confMap, confSectionH2FUSE, "HTTPServerIPAddr") {
		globals.config.HTTPServerIPAddr, err = confMap.FetchOptionValueString(confSectionH2FUSE, "HTTPServerIPAddr")
		if nil != err {
			return
		}
	}

	globals.config.HTTPServerPort = 0
	if optionPresent(confMap, confSectionH2FUSE, "HTTPServerPort") {
		globals.config.HTTPServerPort, err = confMap.FetchOptionValueUint16(confSectionH2FUSE, "HTTPServerPort")
		if nil != err {
			return
		}
	}

	globals.config.EngineOptions = []string{}
	if optionPresent(confMap, confSectionEngine, "Options") {
		globals.config.EngineOptions, err = confMap.FetchOptionValueStringSlice(confSectionEngine, "Options")
		if nil != err {
			return
		}
	}

	globals.config.MountOptions, err = composeMountOptions(&globals.config)
	if nil != err {
		return
	}

	configJSONified = utils.JSONify(globals.config, true)

	logger.Infof("globals.config:\n%s", configJSONified)

	globals.fissionErrChan = make(chan error, 1)
	globals.startTime = time.Now()

	err = nil
	return
}

func uninitializeGlobals() (err error) {
	globals.config = configStruct{}

	globals.engine = nil
	globals.adapter = nil
	globals.fissionVolume = nil
	globals.fissionErrChan = nil
	globals.httpServer = nil

	err = nil
	return
}
