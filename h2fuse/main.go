// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program h2fuse mounts a HAMMER2 PFS read-only via FUSE.
//
//  h2fuse [options] special[@label] node
//
// The engine is mounted before the process detaches so that a bad special or
// label is reported to the invoking shell. The environment is also consulted:
//
//  HAMMER2_HOME     directory receiving the log file .<program>.log (else syslog)
//  HAMMER2_CIDALLOC forwarded to the engine as --cidalloc <value>
//  DEBUG            debug level; > 0 adds --debug and enables request tracing
//
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fuse/conf"
	_ "github.com/NVIDIA/h2fuse/engine/ramengine"
	"github.com/NVIDIA/h2fuse/h2fuse/h2fusepkg"
	"github.com/NVIDIA/h2fuse/logger"
	"github.com/NVIDIA/h2fuse/platform"
	"github.com/NVIDIA/h2fuse/trackedlock"
)

type flagsStruct struct {
	allowOther  bool
	allowRoot   bool
	noExec      bool
	autoUnmount bool
	foreground  bool
	noDataCache bool
	version     bool
	controlPort uint16
	confFile    string
	sets        []string
}

func banner() string {
	return fmt.Sprintf("FUSE hammer2 %s", h2fusepkg.Version)
}

func newRootCmd(flags *flagsStruct, exitCode *int) (rootCmd *cobra.Command) {
	rootCmd = &cobra.Command{
		Use:           "h2fuse [options] special[@label] node",
		Short:         "Mount a HAMMER2 PFS read-only via FUSE",
		Long:          banner(),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if flags.version {
				fmt.Println(banner())
				return
			}
			if 2 != len(args) {
				err = fmt.Errorf("expected special[@label] and node, got %d argument(s)", len(args))
				return
			}
			*exitCode = run(flags, args[0], args[1])
			return
		},
	}

	rootCmd.Flags().BoolVar(&flags.allowOther, "allow_other", false, "allow access by all users")
	rootCmd.Flags().BoolVar(&flags.allowRoot, "allow_root", false, "allow access by root")
	rootCmd.Flags().BoolVar(&flags.noExec, "noexec", false, "disallow execution of binaries")
	if platform.AutoUnmountSupported {
		rootCmd.Flags().BoolVar(&flags.autoUnmount, "auto_unmount", false, "unmount when the process exits")
	}
	rootCmd.Flags().BoolVarP(&flags.foreground, "foreground", "d", false, "stay in the foreground and log to the console")
	rootCmd.Flags().BoolVar(&flags.noDataCache, "nodatacache", false, "disable the engine data cache")
	rootCmd.Flags().BoolVarP(&flags.version, "version", "V", false, "print version and exit")
	rootCmd.Flags().Uint16Var(&flags.controlPort, "control_port", 0, "serve the control HTTP interface on this loopback port (0 disables)")
	rootCmd.Flags().StringVar(&flags.confFile, "conf", "", "load configuration from this file first")
	rootCmd.Flags().StringArrayVar(&flags.sets, "set", nil, "override a configuration option (Section.Option=value)")

	return
}

func main() {
	var (
		exitCode int
		flags    flagsStruct
	)

	rootCmd := newRootCmd(&flags, &exitCode)

	err := rootCmd.Execute()
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fuse: %v\n", err)
		fmt.Fprintf(os.Stderr, "%s", rootCmd.UsageString())
		os.Exit(1)
	}

	os.Exit(exitCode)
}

func run(flags *flagsStruct, volumeSpec string, mountPointPath string) (exitCode int) {
	var (
		confMap conf.ConfMap
		err     error
	)

	isDaemon := daemonChild()

	confStrings, err := composeConfStrings(flags, volumeSpec, mountPointPath, isDaemon, os.LookupEnv)
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fuse: %v\n", err)
		return 1
	}

	if "" == flags.confFile {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(flags.confFile)
		if nil != err {
			fmt.Fprintf(os.Stderr, "h2fuse: failed to load config: %v\n", err)
			return 1
		}
	}

	err = confMap.UpdateFromStrings(confStrings)
	if nil == err {
		err = confMap.UpdateFromStrings(flags.sets)
	}
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fuse: failed to apply config: %v\n", err)
		return 1
	}

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fuse: logger.Up() failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Down()
	}()

	err = trackedlock.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fuse: trackedlock.Up() failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = trackedlock.Down()
	}()

	if !flags.foreground && !isDaemon {
		engineOptions, _ := confMap.FetchOptionValueStringSlice("Engine", "Options")

		err = h2fusepkg.CheckVolume(volumeSpec, engineOptions)
		if nil != err {
			fmt.Fprintf(os.Stderr, "h2fuse: cannot mount %s: %v\n", volumeSpec, err)
			return 1
		}

		err = detach()
		if nil != err {
			fmt.Fprintf(os.Stderr, "h2fuse: failed to detach: %v\n", err)
			return 1
		}

		return 0
	}

	logger.Infof("%s: mounting %s on %s", banner(), volumeSpec, mountPointPath)

	err = h2fusepkg.Start(confMap)
	if nil != err {
		logger.ErrorfWithError(err, "h2fusepkg.Start(confMap) failed")
		fmt.Fprintf(os.Stderr, "h2fuse: cannot mount %s on %s: %v\n", volumeSpec, mountPointPath, err)
		return 1
	}

	logger.Infof("UP")

	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan := make(chan os.Signal, 1)

	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	serving := true
	for serving {
		select {
		case signalReceived := <-signalChan:
			if unix.SIGHUP == signalReceived {
				logger.Infof("Received SIGHUP")
				err = h2fusepkg.Signal()
				if nil != err {
					logger.WarnfWithError(err, "h2fusepkg.Signal() failed")
				}
			} else {
				logger.Infof("Received %v", signalReceived)
				serving = false
			}
		case err = <-h2fusepkg.ErrChan():
			logger.InfofWithError(err, "FUSE serving ended")
			serving = false
		}
	}

	logger.Infof("DOWN")

	err = h2fusepkg.Stop()
	if nil != err {
		logger.ErrorfWithError(err, "h2fusepkg.Stop() failed")
		return 1
	}

	return 0
}
