// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	fusermountProgram = "fusermount"

	autoUnmountOption = "auto_unmount"
)

// fission composes these itself when it runs fusermount
var fissionMountOptions = []string{"fsname", "subtype", "allow_other"}

// fusermountExtraOptions returns the members of mountOptions fission does not
// pass to fusermount. auto_unmount is reported separately: fission closes its
// end of the fusermount socket once the mount completes, so fusermount cannot
// be the one watching for the daemon to exit.
func fusermountExtraOptions(mountOptions []string) (extraOptions []string, autoUnmount bool) {
	extraOptions = make([]string, 0, len(mountOptions))

	for _, mountOption := range mountOptions {
		name := strings.SplitN(mountOption, "=", 2)[0]
		switch {
		case autoUnmountOption == name:
			autoUnmount = true
		case stringSliceContains(fissionMountOptions, name):
		default:
			extraOptions = append(extraOptions, mountOption)
		}
	}

	return
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// fusermountWrapperScript renders a fusermount stand-in that appends
// extraOptions to the "-o" list of a mount request before running
// realFusermount. Unmount requests pass through untouched.
//
// With autoUnmount, a successful mount leaves behind a detached watcher
// that lazily unmounts once the process that asked for the mount is gone.
func fusermountWrapperScript(realFusermount string, extraOptions []string, autoUnmount bool) string {
	var script strings.Builder

	fmt.Fprintf(&script, "#!/bin/sh\n")
	fmt.Fprintf(&script, "real=%s\n", shellQuote(realFusermount))
	fmt.Fprintf(&script, "extra=%s\n", shellQuote(strings.Join(extraOptions, ",")))
	fmt.Fprintf(&script, "if [ \"-o\" != \"$1\" ]; then\n")
	fmt.Fprintf(&script, "\texec \"$real\" \"$@\"\n")
	fmt.Fprintf(&script, "fi\n")
	fmt.Fprintf(&script, "opts=\"$2\"\n")
	fmt.Fprintf(&script, "shift 2\n")
	fmt.Fprintf(&script, "if [ -n \"$extra\" ]; then\n")
	fmt.Fprintf(&script, "\topts=\"$opts,$extra\"\n")
	fmt.Fprintf(&script, "fi\n")
	if !autoUnmount {
		fmt.Fprintf(&script, "exec \"$real\" -o \"$opts\" \"$@\"\n")
		return script.String()
	}
	fmt.Fprintf(&script, "\"$real\" -o \"$opts\" \"$@\" || exit $?\n")
	fmt.Fprintf(&script, "mnt=\"$1\"\n")
	fmt.Fprintf(&script, "owner=$PPID\n")
	fmt.Fprintf(&script, "(\n")
	fmt.Fprintf(&script, "\twhile kill -0 \"$owner\" 2>/dev/null; do\n")
	fmt.Fprintf(&script, "\t\tsleep 1\n")
	fmt.Fprintf(&script, "\tdone\n")
	fmt.Fprintf(&script, "\texec \"$real\" -u -z \"$mnt\"\n")
	fmt.Fprintf(&script, ") </dev/null >/dev/null 2>&1 3>&- &\n")
	fmt.Fprintf(&script, "exit 0\n")

	return script.String()
}

// fusermountWrapper is a fusermount stand-in installed at the head of $PATH
// for the duration of a mount.
type fusermountWrapper struct {
	dirPath  string
	origPath string
}

// installFusermountWrapper resolves the real fusermount, writes the wrapper
// into a private directory and puts that directory first in $PATH
func installFusermountWrapper(mountOptions []string) (wrapper *fusermountWrapper, err error) {
	realFusermount, err := exec.LookPath(fusermountProgram)
	if nil != err {
		return
	}
	realFusermount, err = filepath.Abs(realFusermount)
	if nil != err {
		return
	}

	extraOptions, autoUnmount := fusermountExtraOptions(mountOptions)

	dirPath, err := ioutil.TempDir("", "h2fuse-fusermount-")
	if nil != err {
		return
	}

	err = ioutil.WriteFile(filepath.Join(dirPath, fusermountProgram), []byte(fusermountWrapperScript(realFusermount, extraOptions, autoUnmount)), 0700)
	if nil != err {
		_ = os.RemoveAll(dirPath)
		return
	}

	wrapper = &fusermountWrapper{
		dirPath:  dirPath,
		origPath: os.Getenv("PATH"),
	}

	err = os.Setenv("PATH", dirPath+string(os.PathListSeparator)+wrapper.origPath)
	if nil != err {
		_ = os.RemoveAll(dirPath)
		wrapper = nil
	}

	return
}

// remove restores $PATH and deletes the wrapper
func (wrapper *fusermountWrapper) remove() (err error) {
	err = os.Setenv("PATH", wrapper.origPath)
	removeErr := os.RemoveAll(wrapper.dirPath)
	if nil == err {
		err = removeErr
	}
	return
}
