// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/sliceutils"
)

// TargetDiskImage is the converted image: a fixed boot+rootfsA+rootfsB+data
// (or boot-less) scheme. Created once by the builder and never resized
// afterwards; only partition contents change.
type TargetDiskImage struct {
	Path       string
	SectorSize uint64
	Partitions []PlannedPartition
}

// NewTargetDiskImage describes the target image a plan will produce at the
// given path.
func NewTargetDiskImage(plan *PartitionLayoutPlan, outputPath string) *TargetDiskImage {
	return &TargetDiskImage{
		Path:       outputPath,
		SectorSize: plan.SectorSize,
		Partitions: plan.Partitions(),
	}
}

// HasBootPartition reports whether the image has a separate boot partition.
func (t *TargetDiskImage) HasBootPartition() bool {
	return t.Partitions[0].Name == PartNameBoot
}

// Partition returns the partition with the given fixed name.
func (t *TargetDiskImage) Partition(name string) (PlannedPartition, error) {
	partition, found := sliceutils.FindValueFunc(t.Partitions,
		func(partition PlannedPartition) bool { return partition.Name == name })
	if !found {
		return PlannedPartition{}, fmt.Errorf("target image (%s) has no partition named (%s)",
			t.Path, name)
	}
	return partition, nil
}

// BuildTargetDiskImage allocates the target image file, writes its partition
// table, and verifies the written table against the plan.
func BuildTargetDiskImage(plan *PartitionLayoutPlan, outputPath string,
	mappings *DeviceMappingSet,
) (*TargetDiskImage, error) {
	logger.Log.Infof("Creating target disk image (%s)", outputPath)

	err := diskutils.CreateSparseDisk(outputPath, plan.TotalImageSize*plan.SectorSize, 0o644)
	if err != nil {
		return nil, err
	}

	mapping, err := mappings.Acquire(outputPath)
	if err != nil {
		return nil, err
	}
	defer mapping.Release()

	err = diskutils.WritePartitionTable(mapping.DevicePath(), plan.SfdiskScript())
	if err != nil {
		return nil, err
	}

	err = diskutils.RefreshPartitions(mapping.DevicePath())
	if err != nil {
		return nil, err
	}

	table, err := diskutils.ReadDiskPartitionTable(mapping.DevicePath())
	if err != nil {
		return nil, err
	}

	err = verifyTargetPartitionTable(plan, table)
	if err != nil {
		return nil, err
	}

	err = mapping.Release()
	if err != nil {
		return nil, err
	}

	return NewTargetDiskImage(plan, outputPath), nil
}

// verifyTargetPartitionTable checks that the table read back from the built
// disk matches the plan exactly. A mismatch is fatal and not retried.
func verifyTargetPartitionTable(plan *PartitionLayoutPlan, table *diskutils.PartitionTable) error {
	if table == nil {
		return NewConversionError(LayoutVerificationError,
			"built image has no readable partition table")
	}

	planned := plan.Partitions()
	if len(table.Partitions) != len(planned) {
		return NewConversionError(LayoutVerificationError,
			fmt.Sprintf("built image has %d partitions, expected %d",
				len(table.Partitions), len(planned)))
	}

	for i, partition := range planned {
		actual := table.Partitions[i]
		if uint64(actual.Start) != partition.Start || uint64(actual.Size) != partition.Size {
			return NewConversionError(LayoutVerificationError,
				fmt.Sprintf("partition %d (%s) is at (start=%d, size=%d), expected (start=%d, size=%d)",
					partition.Number, partition.Name, actual.Start, actual.Size,
					partition.Start, partition.Size))
		}
	}

	return nil
}

// FormatTargetDiskImage creates each partition's filesystem.
func FormatTargetDiskImage(target *TargetDiskImage, mappings *DeviceMappingSet) error {
	logger.Log.Infof("Formatting target disk image (%s)", target.Path)

	mapping, err := mappings.Acquire(target.Path)
	if err != nil {
		return err
	}
	defer mapping.Release()

	for _, partition := range target.Partitions {
		partDevPath, err := mapping.PartitionPath(partition.Number)
		if err != nil {
			return err
		}

		logger.Log.Infof("Formatting partition %d (%s) as %s", partition.Number, partition.Name,
			partition.FsType)
		err = diskutils.FormatPartition(partition.FsType, partDevPath, partition.Name)
		if err != nil {
			return err
		}
	}

	return mapping.Release()
}

// InspectTargetDiskImage reads an existing converted image and maps its
// partitions back to the fixed scheme. Accepts 4 partitions (separate boot)
// or 3 (boot-less).
func InspectTargetDiskImage(imagePath string, mappings *DeviceMappingSet,
) (*TargetDiskImage, error) {
	mapping, err := mappings.Acquire(imagePath)
	if err != nil {
		return nil, err
	}
	defer mapping.Release()

	table, err := diskutils.ReadDiskPartitionTable(mapping.DevicePath())
	if err != nil {
		return nil, err
	}

	target, err := newTargetDiskImageFromTable(imagePath, table)
	if err != nil {
		return nil, err
	}

	err = mapping.Release()
	if err != nil {
		return nil, err
	}

	return target, nil
}

func newTargetDiskImageFromTable(imagePath string, table *diskutils.PartitionTable,
) (*TargetDiskImage, error) {
	if table == nil {
		return nil, NewConversionError(UnsupportedLayoutError,
			fmt.Sprintf("image (%s) has no partition table", imagePath))
	}

	var names []string
	switch len(table.Partitions) {
	case 4:
		names = []string{PartNameBoot, PartNameRootfsA, PartNameRootfsB, PartNameData}
	case 3:
		names = []string{PartNameRootfsA, PartNameRootfsB, PartNameData}
	default:
		return nil, NewConversionError(UnsupportedLayoutError,
			fmt.Sprintf("image (%s) has %d partitions: not a converted A/B image",
				imagePath, len(table.Partitions)))
	}

	sectorSize := uint64(table.SectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}

	target := &TargetDiskImage{
		Path:       imagePath,
		SectorSize: sectorSize,
	}
	for i, partition := range table.Partitions {
		fsType := "ext4"
		if names[i] == PartNameBoot {
			fsType = "vfat"
		}
		target.Partitions = append(target.Partitions, PlannedPartition{
			Name:     names[i],
			Number:   i + 1,
			Start:    uint64(partition.Start),
			Size:     uint64(partition.Size),
			FsType:   fsType,
			MbrType:  partition.Type,
			Bootable: partition.Bootable,
		})
	}

	return target, nil
}
