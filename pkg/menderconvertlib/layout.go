// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"strings"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/sliceutils"
)

// alignmentSectors is the alignment unit for partition starts and sizes:
// 8 MiB expressed in 512-byte sectors.
const alignmentSectors = 8 * diskutils.MiB / 512

// Fixed partition names of the A/B scheme, in on-disk order.
const (
	PartNameBoot    = "boot"
	PartNameRootfsA = "primary"
	PartNameRootfsB = "secondary"
	PartNameData    = "data"
)

// PlannedPartition is one partition of the computed target layout. Start and
// Size are in sectors.
type PlannedPartition struct {
	Name     string
	Number   int
	Start    uint64
	Size     uint64
	FsType   string
	MbrType  string
	Bootable bool
}

// PartitionLayoutPlan is the computed geometry of the target image, all
// values in sectors. Every start and size is a multiple of AlignmentUnit.
type PartitionLayoutPlan struct {
	SectorSize    uint64
	AlignmentUnit uint64

	BootStart  uint64
	BootSize   uint64
	RootfsSize uint64
	DataSize   uint64

	// TotalImageSize is the sum of all partition sizes plus the alignment
	// padding between them.
	TotalImageSize uint64

	partitions []PlannedPartition
}

// PlanPartitionLayout computes the boot/rootfsA/rootfsB/data layout for the
// given device profile. rootfsSizeSectors must come from a prior shrink step.
func PlanPartitionLayout(profile DeviceProfile, rootfsSizeSectors uint64, dataSizeMB uint64,
	sectorSize uint64,
) (*PartitionLayoutPlan, error) {
	if sectorSize == 0 {
		return nil, NewConversionError(InvalidSizeError, "sector size must be non-zero")
	}
	if dataSizeMB == 0 {
		return nil, NewConversionError(InvalidSizeError, "data partition size must be non-zero")
	}
	if rootfsSizeSectors == 0 {
		return nil, NewConversionError(InvalidSizeError,
			"rootfs partition size is unset: the rootfs must be shrunk before planning the layout")
	}
	if profile.HasBootPartition && profile.BootPartSize == 0 {
		return nil, NewConversionError(InvalidSizeError,
			fmt.Sprintf("device profile (%s) has a boot partition of zero size", profile.Name))
	}

	plan := &PartitionLayoutPlan{
		SectorSize:    sectorSize,
		AlignmentUnit: alignmentSectors,
		RootfsSize:    alignUp(rootfsSizeSectors, alignmentSectors),
		DataSize:      alignUp(ceilDiv(dataSizeMB*diskutils.MiB, sectorSize), alignmentSectors),
	}

	nextStart := uint64(alignmentSectors)
	number := 1

	if profile.HasBootPartition {
		plan.BootStart = alignUp(profile.BootPartStart, alignmentSectors)
		plan.BootSize = alignUp(profile.BootPartSize, alignmentSectors)
		plan.partitions = append(plan.partitions, PlannedPartition{
			Name:     PartNameBoot,
			Number:   number,
			Start:    plan.BootStart,
			Size:     plan.BootSize,
			FsType:   "vfat",
			MbrType:  diskutils.MbrTypeFat32Lba,
			Bootable: true,
		})
		nextStart = alignUp(plan.BootStart+plan.BootSize, alignmentSectors)
		number++
	}

	for _, name := range []string{PartNameRootfsA, PartNameRootfsB} {
		plan.partitions = append(plan.partitions, PlannedPartition{
			Name:    name,
			Number:  number,
			Start:   nextStart,
			Size:    plan.RootfsSize,
			FsType:  "ext4",
			MbrType: diskutils.MbrTypeLinux,
		})
		nextStart = alignUp(nextStart+plan.RootfsSize, alignmentSectors)
		number++
	}

	plan.partitions = append(plan.partitions, PlannedPartition{
		Name:    PartNameData,
		Number:  number,
		Start:   nextStart,
		Size:    plan.DataSize,
		FsType:  "ext4",
		MbrType: diskutils.MbrTypeLinux,
	})

	plan.TotalImageSize = nextStart + plan.DataSize

	return plan, nil
}

// HasBootPartition reports whether the layout includes a physically separate
// boot partition.
func (p *PartitionLayoutPlan) HasBootPartition() bool {
	return p.partitions[0].Name == PartNameBoot
}

// Partitions returns the planned partitions in on-disk order.
func (p *PartitionLayoutPlan) Partitions() []PlannedPartition {
	return p.partitions
}

// Partition returns the planned partition with the given fixed name.
func (p *PartitionLayoutPlan) Partition(name string) (PlannedPartition, error) {
	partition, found := sliceutils.FindValueFunc(p.partitions,
		func(partition PlannedPartition) bool { return partition.Name == name })
	if !found {
		return PlannedPartition{}, fmt.Errorf("layout has no partition named (%s)", name)
	}
	return partition, nil
}

// SfdiskScript renders the plan as an sfdisk input script for an MBR
// partition table.
func (p *PartitionLayoutPlan) SfdiskScript() string {
	builder := strings.Builder{}
	builder.WriteString("label: dos\nunit: sectors\n\n")

	for _, partition := range p.partitions {
		builder.WriteString(fmt.Sprintf("start=%d, size=%d, type=%s",
			partition.Start, partition.Size, partition.MbrType))
		if partition.Bootable {
			builder.WriteString(", bootable")
		}
		builder.WriteString("\n")
	}

	return builder.String()
}

func alignUp(value uint64, alignment uint64) uint64 {
	return ceilDiv(value, alignment) * alignment
}

func ceilDiv(numerator uint64, denominator uint64) uint64 {
	return (numerator + denominator - 1) / denominator
}
