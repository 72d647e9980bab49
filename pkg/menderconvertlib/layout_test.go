// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanPartitionLayoutWithBootPartition(t *testing.T) {
	profile, err := ProfileForDevice("raspberrypi3")
	require.NoError(t, err)

	plan, err := PlanPartitionLayout(profile, 1048576 /*rootfs sectors*/, 128 /*data MB*/, 512)
	require.NoError(t, err)

	require.Len(t, plan.Partitions(), 4)
	assert.True(t, plan.HasBootPartition())

	boot := plan.Partitions()[0]
	assert.Equal(t, PartNameBoot, boot.Name)
	assert.Equal(t, uint64(16384), boot.Start)
	assert.Equal(t, uint64(32768), boot.Size)
	assert.Equal(t, "vfat", boot.FsType)
	assert.True(t, boot.Bootable)

	primary := plan.Partitions()[1]
	assert.Equal(t, PartNameRootfsA, primary.Name)
	assert.Equal(t, boot.Start+boot.Size, primary.Start)
	assert.Equal(t, uint64(1048576), primary.Size)

	secondary := plan.Partitions()[2]
	assert.Equal(t, PartNameRootfsB, secondary.Name)
	assert.Equal(t, primary.Start+primary.Size, secondary.Start)
	assert.Equal(t, primary.Size, secondary.Size)

	data := plan.Partitions()[3]
	assert.Equal(t, PartNameData, data.Name)
	assert.Equal(t, secondary.Start+secondary.Size, data.Start)
	// 128 MiB at 512-byte sectors.
	assert.Equal(t, uint64(262144), data.Size)
	assert.False(t, data.Bootable)

	assert.Equal(t, data.Start+data.Size, plan.TotalImageSize)
}

func TestPlanPartitionLayoutWithoutBootPartition(t *testing.T) {
	profile, err := ProfileForDevice("beaglebone")
	require.NoError(t, err)

	plan, err := PlanPartitionLayout(profile, 500000, 128, 512)
	require.NoError(t, err)

	require.Len(t, plan.Partitions(), 3)
	assert.False(t, plan.HasBootPartition())

	primary := plan.Partitions()[0]
	assert.Equal(t, PartNameRootfsA, primary.Name)
	assert.Equal(t, 1, primary.Number)
	// First partition starts one alignment unit in, leaving room for the MBR.
	assert.Equal(t, uint64(alignmentSectors), primary.Start)
	// The requested rootfs size is rounded up to the alignment unit.
	assert.Equal(t, alignUp(500000, alignmentSectors), primary.Size)
}

func TestPlanPartitionLayoutIsAligned(t *testing.T) {
	profile, err := ProfileForDevice("raspberrypi3")
	require.NoError(t, err)

	// Deliberately unaligned rootfs size and an odd data size.
	plan, err := PlanPartitionLayout(profile, 1000001, 100, 512)
	require.NoError(t, err)

	for _, partition := range plan.Partitions() {
		assert.Zerof(t, partition.Start%plan.AlignmentUnit,
			"partition (%s) start is unaligned", partition.Name)
		assert.Zerof(t, partition.Size%plan.AlignmentUnit,
			"partition (%s) size is unaligned", partition.Name)
	}
	assert.Zero(t, plan.TotalImageSize%plan.AlignmentUnit)
}

func TestPlanPartitionLayoutRejectsBadSizes(t *testing.T) {
	profile, err := ProfileForDevice("raspberrypi3")
	require.NoError(t, err)

	_, err = PlanPartitionLayout(profile, 0, 128, 512)
	assert.True(t, errors.Is(err, InvalidSizeError))

	_, err = PlanPartitionLayout(profile, 1048576, 0, 512)
	assert.True(t, errors.Is(err, InvalidSizeError))

	_, err = PlanPartitionLayout(profile, 1048576, 128, 0)
	assert.True(t, errors.Is(err, InvalidSizeError))
}

func TestSfdiskScript(t *testing.T) {
	profile, err := ProfileForDevice("raspberrypi3")
	require.NoError(t, err)

	plan, err := PlanPartitionLayout(profile, 1048576, 128, 512)
	require.NoError(t, err)

	script := plan.SfdiskScript()
	assert.Equal(t,
		"label: dos\n"+
			"unit: sectors\n"+
			"\n"+
			"start=16384, size=32768, type=c, bootable\n"+
			"start=49152, size=1048576, type=83\n"+
			"start=1097728, size=1048576, type=83\n"+
			"start=2146304, size=262144, type=83\n",
		script)
}

func TestPartitionLookup(t *testing.T) {
	profile, err := ProfileForDevice("beaglebone")
	require.NoError(t, err)

	plan, err := PlanPartitionLayout(profile, 1048576, 128, 512)
	require.NoError(t, err)

	data, err := plan.Partition(PartNameData)
	require.NoError(t, err)
	assert.Equal(t, 3, data.Number)

	_, err = plan.Partition(PartNameBoot)
	assert.Error(t, err)
}
