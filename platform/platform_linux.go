// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

const (
	IsLinux              = true
	AutoUnmountSupported = true
	NoDevSupported       = true
)
