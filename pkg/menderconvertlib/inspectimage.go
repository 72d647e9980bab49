// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/logger"
)

// SourcePartition is one partition of the source image, in sectors.
type SourcePartition struct {
	Number   int
	Start    uint64
	Size     uint64
	Bootable bool
}

// RawDiskImage is an immutable snapshot of a source image's geometry. It must
// be re-derived after any mutation of the image (shrink, repartition).
type RawDiskImage struct {
	Path       string
	SectorSize uint64
	Partitions []SourcePartition
}

// InspectRawDiskImage reads the source image's partition table. Images with
// anything other than 1 or 2 partitions are rejected: the converter only
// understands plain boot+rootfs and boot-less rootfs-only images.
func InspectRawDiskImage(imagePath string, mappings *DeviceMappingSet) (*RawDiskImage, error) {
	logger.Log.Infof("Inspecting raw disk image (%s)", imagePath)

	mapping, err := mappings.Acquire(imagePath)
	if err != nil {
		return nil, err
	}
	defer mapping.Release()

	table, err := diskutils.ReadDiskPartitionTable(mapping.DevicePath())
	if err != nil {
		return nil, err
	}

	image, err := newRawDiskImageFromTable(imagePath, table)
	if err != nil {
		return nil, err
	}

	// Cross-check the table's sector size against the kernel's view of the
	// attached device; all later sector math assumes they agree.
	logicalSectorSize, _, err := diskutils.GetSectorSize(mapping.DevicePath())
	if err != nil {
		return nil, err
	}
	err = verifySectorSize(imagePath, image.SectorSize, logicalSectorSize)
	if err != nil {
		return nil, err
	}

	err = mapping.Release()
	if err != nil {
		return nil, err
	}

	return image, nil
}

func verifySectorSize(imagePath string, tableSectorSize uint64, deviceSectorSize uint64) error {
	if tableSectorSize != deviceSectorSize {
		return NewConversionError(UnsupportedLayoutError,
			fmt.Sprintf("image (%s) partition table claims %d-byte sectors but the device "+
				"reports %d-byte sectors", imagePath, tableSectorSize, deviceSectorSize))
	}
	return nil
}

func newRawDiskImageFromTable(imagePath string, table *diskutils.PartitionTable,
) (*RawDiskImage, error) {
	if table == nil {
		return nil, NewConversionError(UnsupportedLayoutError,
			fmt.Sprintf("image (%s) has no partition table", imagePath))
	}

	if len(table.Partitions) < 1 || len(table.Partitions) > 2 {
		return nil, NewConversionError(UnsupportedLayoutError,
			fmt.Sprintf("image (%s) has %d partitions: only 1 (rootfs only) or 2 (boot+rootfs) "+
				"partition layouts are supported", imagePath, len(table.Partitions)))
	}

	sectorSize := uint64(table.SectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}

	image := &RawDiskImage{
		Path:       imagePath,
		SectorSize: sectorSize,
	}
	for i, partition := range table.Partitions {
		image.Partitions = append(image.Partitions, SourcePartition{
			Number:   i + 1,
			Start:    uint64(partition.Start),
			Size:     uint64(partition.Size),
			Bootable: partition.Bootable,
		})
	}

	return image, nil
}

// HasBootPartition reports whether the source image carries a separate boot
// partition. Single-partition images are treated as boot-less.
func (i *RawDiskImage) HasBootPartition() bool {
	return len(i.Partitions) == 2
}

// BootPartition returns the source boot partition, if present.
func (i *RawDiskImage) BootPartition() (SourcePartition, bool) {
	if !i.HasBootPartition() {
		return SourcePartition{}, false
	}
	return i.Partitions[0], true
}

// RootfsPartition returns the source root filesystem partition: the second
// partition when a boot partition exists, otherwise the only partition.
func (i *RawDiskImage) RootfsPartition() SourcePartition {
	return i.Partitions[len(i.Partitions)-1]
}
