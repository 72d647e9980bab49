// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"testing"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawDiskImageFromBootAndRootfsTable(t *testing.T) {
	table := &diskutils.PartitionTable{
		Label:      "dos",
		SectorSize: 512,
		Partitions: []diskutils.PartitionTablePartition{
			{Start: 8192, Size: 131072, Type: "c", Bootable: true},
			{Start: 139264, Size: 3489792, Type: "83"},
		},
	}

	image, err := newRawDiskImageFromTable("source.img", table)
	require.NoError(t, err)

	assert.True(t, image.HasBootPartition())
	assert.Equal(t, uint64(512), image.SectorSize)

	boot, ok := image.BootPartition()
	require.True(t, ok)
	assert.Equal(t, 1, boot.Number)
	assert.True(t, boot.Bootable)

	rootfs := image.RootfsPartition()
	assert.Equal(t, 2, rootfs.Number)
	assert.Equal(t, uint64(139264), rootfs.Start)
	assert.Equal(t, uint64(3489792), rootfs.Size)
}

func TestRawDiskImageFromRootfsOnlyTable(t *testing.T) {
	table := &diskutils.PartitionTable{
		Label:      "dos",
		SectorSize: 512,
		Partitions: []diskutils.PartitionTablePartition{
			{Start: 2048, Size: 3489792, Type: "83"},
		},
	}

	image, err := newRawDiskImageFromTable("source.img", table)
	require.NoError(t, err)

	assert.False(t, image.HasBootPartition())
	_, ok := image.BootPartition()
	assert.False(t, ok)
	assert.Equal(t, 1, image.RootfsPartition().Number)
}

func TestVerifySectorSize(t *testing.T) {
	assert.NoError(t, verifySectorSize("source.img", 512, 512))

	err := verifySectorSize("source.img", 512, 4096)
	assert.True(t, errors.Is(err, UnsupportedLayoutError))
}

func TestRawDiskImageRejectsUnsupportedLayouts(t *testing.T) {
	_, err := newRawDiskImageFromTable("source.img", nil)
	assert.True(t, errors.Is(err, UnsupportedLayoutError))

	table := &diskutils.PartitionTable{
		SectorSize: 512,
		Partitions: []diskutils.PartitionTablePartition{
			{Start: 2048, Size: 1024}, {Start: 4096, Size: 1024}, {Start: 8192, Size: 1024},
		},
	}
	_, err = newRawDiskImageFromTable("source.img", table)
	assert.True(t, errors.Is(err, UnsupportedLayoutError))

	table.Partitions = nil
	_, err = newRawDiskImageFromTable("source.img", table)
	assert.True(t, errors.Is(err, UnsupportedLayoutError))
}
