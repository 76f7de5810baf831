// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/NVIDIA/h2fuse/logger"
)

const daemonMarkerEnv = "H2FUSE_DAEMONIZED"

func daemonChild() bool {
	return "1" == os.Getenv(daemonMarkerEnv)
}

// detach re-executes this program in a new session with the same arguments.
// The child recognizes itself by daemonMarkerEnv and serves the mount.
func detach() (err error) {
	executable, err := os.Executable()
	if nil != err {
		return
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if nil != err {
		return
	}
	defer devNull.Close()

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonMarkerEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	err = cmd.Start()
	if nil != err {
		return
	}

	logger.Infof("detached as pid %d", cmd.Process.Pid)

	err = cmd.Process.Release()

	return
}

// logConfStrings picks the log sink from HAMMER2_HOME: a directory there gets
// .<program>.log, anything else falls back to the home directory, and an unset
// HAMMER2_HOME means syslog.
func logConfStrings(programName string, foreground bool, lookupEnv func(string) (string, bool)) (confStrings []string) {
	confStrings = []string{
		"Logging.SyslogTag=" + programName,
		"Logging.LogToConsole=" + strconv.FormatBool(foreground),
	}

	logDir, ok := lookupEnv("HAMMER2_HOME")
	if !ok {
		confStrings = append(confStrings, "Logging.UseSyslog=true")
		return
	}

	logDirInfo, err := os.Stat(logDir)
	if (nil != err) || !logDirInfo.IsDir() {
		fmt.Fprintf(os.Stderr, "h2fuse: HAMMER2_HOME %q is not a directory, using home directory\n", logDir)
		logDir, err = os.UserHomeDir()
		if nil != err {
			confStrings = append(confStrings, "Logging.UseSyslog=true")
			return
		}
	}

	confStrings = append(confStrings,
		"Logging.LogFilePath="+filepath.Join(logDir, "."+programName+".log"),
		"Logging.UseSyslog=true",
	)

	return
}

// composeConfStrings turns the command line and environment into conf strings
func composeConfStrings(flags *flagsStruct, volumeSpec string, mountPointPath string, isDaemon bool, lookupEnv func(string) (string, bool)) (confStrings []string, err error) {
	var (
		debugLevel    int64 = -1
		engineOptions []string
	)

	if debugValue, ok := lookupEnv("DEBUG"); ok {
		debugLevel, err = strconv.ParseInt(debugValue, 10, 64)
		if nil != err {
			fmt.Fprintf(os.Stderr, "h2fuse: ignoring DEBUG=%q, not an integer\n", debugValue)
			debugLevel = -1
			err = nil
		}
	}

	if debugLevel > 0 {
		engineOptions = append(engineOptions, "--debug")
	}
	if flags.noDataCache {
		engineOptions = append(engineOptions, "--nodatacache")
	}
	if cidAlloc, ok := lookupEnv("HAMMER2_CIDALLOC"); ok && ("" != cidAlloc) {
		engineOptions = append(engineOptions, "--cidalloc", cidAlloc)
	}

	if "" == mountPointPath {
		err = fmt.Errorf("invalid mount point %q", mountPointPath)
		return
	}
	mountPointPath, err = filepath.Abs(mountPointPath)
	if nil != err {
		return
	}

	confStrings = logConfStrings(filepath.Base(os.Args[0]), flags.foreground, lookupEnv)

	if debugLevel > 0 {
		confStrings = append(confStrings, "Logging.Verbosity="+strconv.FormatInt(debugLevel, 10))
	}

	confStrings = append(confStrings,
		"H2FUSE.VolumeSpec="+volumeSpec,
		"H2FUSE.MountPointPath="+mountPointPath,
		"H2FUSE.ReadOnly=true",
		"H2FUSE.Daemonized="+strconv.FormatBool(isDaemon),
		"H2FUSE.AllowOther="+strconv.FormatBool(flags.allowOther),
		"H2FUSE.AllowRoot="+strconv.FormatBool(flags.allowRoot),
		"H2FUSE.NoExec="+strconv.FormatBool(flags.noExec),
		"H2FUSE.AutoUnmount="+strconv.FormatBool(flags.autoUnmount),
		"Engine.Options="+strings.Join(engineOptions, " "),
	)

	if 0 != flags.controlPort {
		confStrings = append(confStrings, "H2FUSE.HTTPServerPort="+strconv.FormatUint(uint64(flags.controlPort), 10))
	}

	return
}
