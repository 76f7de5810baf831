// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// +build !linux

package platform

const (
	IsLinux              = false
	AutoUnmountSupported = false
	NoDevSupported       = false
)
