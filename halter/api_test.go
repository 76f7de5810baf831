// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPI(t *testing.T) {
	var (
		gotLabels []uint32
		gotErrors []error
	)

	assert := assert.New(t)

	SetTestModeHaltCallback(func(haltLabel uint32, err error) {
		gotLabels = append(gotLabels, haltLabel)
		gotErrors = append(gotErrors, err)
	})
	defer SetTestModeHaltCallback(nil)

	assert.Empty(Dump())

	Halt(HandleCloseWithoutOpen, "inode %d", 7)
	Halt(DestroyWithOpenHandles, "%d open", 2)
	Halt(DestroyWithOpenHandles, "%d open", 1)

	assert.Equal([]uint32{HandleCloseWithoutOpen, DestroyWithOpenHandles, DestroyWithOpenHandles}, gotLabels)
	assert.EqualError(gotErrors[0], "handle.closeWithoutOpen: inode 7")
	assert.EqualError(gotErrors[1], "adapter.destroyWithOpenHandles: 2 open")

	assert.Equal(map[string]uint64{
		"handle.closeWithoutOpen":        1,
		"adapter.destroyWithOpenHandles": 2,
	}, Dump())
}

func TestLabels(t *testing.T) {
	assert := assert.New(t)

	labels := List()
	assert.Len(labels, int(HandleMismatch)+1)
	assert.Equal("attr.unknownObjectType", LabelString(UnknownObjectType))
	assert.Equal("halter.unknownLabel(99)", LabelString(99))

	seen := make(map[string]bool)
	for _, label := range labels {
		assert.False(seen[label], "duplicate label %s", label)
		seen[label] = true
	}
}
