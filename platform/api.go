// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package platform describes which mount features the host supports.
package platform

// MountOptionsSupported returns the mount option names that may be requested on this platform.
func MountOptionsSupported() (options []string) {
	options = []string{"fsname", "subtype", "default_permissions", "nosuid", "exec", "noexec", "allow_other", "allow_root", "ro"}
	if NoDevSupported {
		options = append(options, "nodev")
	}
	if AutoUnmountSupported {
		options = append(options, "auto_unmount")
	}
	return
}
