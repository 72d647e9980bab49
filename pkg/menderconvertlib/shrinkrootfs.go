// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/shell"
)

var (
	// Example resize2fs -P output: "Estimated minimum size of the filesystem: 21015"
	resize2fsMinSizeRegexp = regexp.MustCompile(`Estimated minimum size of the filesystem: (\d+)`)

	// Example tune2fs -l output line: "Block size:               4096"
	tune2fsBlockSizeRegexp = regexp.MustCompile(`Block size:\s+(\d+)`)
)

// ShrinkRootfs shrinks the source image's root filesystem to its minimal
// aligned size, rewrites the partition table to match, and truncates the
// backing file. Returns the new partition size in sectors.
//
// Running it again on an already-minimal filesystem computes the same size
// and the resize is a no-op.
func ShrinkRootfs(image *RawDiskImage, mappings *DeviceMappingSet) (uint64, error) {
	logger.Log.Infof("Shrinking rootfs of (%s)", image.Path)

	rootfs := image.RootfsPartition()

	newSizeSectors, err := shrinkFilesystem(image, rootfs, mappings)
	if err != nil {
		return 0, err
	}

	endSector, err := shrinkPartition(image, rootfs, newSizeSectors, mappings)
	if err != nil {
		return 0, err
	}

	// Cut the backing file right after the shrunk partition's last sector.
	err = diskutils.TruncateDisk(image.Path, (endSector+1)*image.SectorSize)
	if err != nil {
		return 0, err
	}

	logger.Log.Infof("Rootfs shrunk to %d sectors", newSizeSectors)
	return newSizeSectors, nil
}

// shrinkFilesystem resizes the root filesystem itself, gated by consistency
// checks on both sides. The partition table is untouched.
func shrinkFilesystem(image *RawDiskImage, rootfs SourcePartition, mappings *DeviceMappingSet,
) (uint64, error) {
	mapping, err := mappings.Acquire(image.Path)
	if err != nil {
		return 0, err
	}
	defer mapping.Release()

	partDevPath, err := mapping.PartitionPath(rootfs.Number)
	if err != nil {
		return 0, err
	}

	err = shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fy", partDevPath)
	if err != nil {
		return 0, NewConversionErrorWithCause(FilesystemIntegrityError,
			fmt.Sprintf("filesystem check of (%s) failed before resizing", partDevPath), err)
	}

	minSizeStdout, stderr, err := shell.Execute("resize2fs", "-P", partDevPath)
	if err != nil {
		return 0, fmt.Errorf("failed to query minimal filesystem size of (%s):\n%v\n%w",
			partDevPath, stderr, err)
	}
	minBlocks, err := parseResize2fsMinimumSize(minSizeStdout)
	if err != nil {
		return 0, err
	}

	tune2fsStdout, stderr, err := shell.Execute("tune2fs", "-l", partDevPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read filesystem block size of (%s):\n%v\n%w",
			partDevPath, stderr, err)
	}
	blockSize, err := parseTune2fsBlockSize(tune2fsStdout)
	if err != nil {
		return 0, err
	}

	newSizeSectors := computeShrunkSizeSectors(minBlocks, blockSize, image.SectorSize)
	logger.Log.Debugf("Minimal filesystem size: %d blocks of %d bytes -> %d sectors (aligned)",
		minBlocks, blockSize, newSizeSectors)

	// resize2fs's 's' unit is 512-byte sectors regardless of the disk's
	// sector size.
	resizeArg := strconv.FormatUint(newSizeSectors*image.SectorSize/512, 10) + "s"
	err = shell.ExecuteLive(true /*squashErrors*/, "resize2fs", partDevPath, resizeArg)
	if err != nil {
		return 0, fmt.Errorf("failed to resize filesystem (%s) to %d sectors:\n%w",
			partDevPath, newSizeSectors, err)
	}

	err = shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fn", partDevPath)
	if err != nil {
		return 0, NewConversionErrorWithCause(FilesystemIntegrityError,
			fmt.Sprintf("filesystem check of (%s) failed after resizing; "+
				"partition table left unchanged", partDevPath), err)
	}

	err = mapping.Release()
	if err != nil {
		return 0, err
	}

	return newSizeSectors, nil
}

// shrinkPartition rewrites the partition table so the rootfs partition's end
// matches the shrunk filesystem, and returns the partition's new end sector
// as probed from the rewritten table.
func shrinkPartition(image *RawDiskImage, rootfs SourcePartition, newSizeSectors uint64,
	mappings *DeviceMappingSet,
) (uint64, error) {
	mapping, err := mappings.Acquire(image.Path)
	if err != nil {
		return 0, err
	}
	defer mapping.Release()

	err = diskutils.ResizePartition(mapping.DevicePath(), rootfs.Number, newSizeSectors)
	if err != nil {
		return 0, err
	}

	// Changes to the partition table cause the disk's partition dev nodes to
	// be deleted and recreated. Wait for that to finish.
	err = diskutils.WaitForDiskDevice(mapping.DevicePath())
	if err != nil {
		return 0, fmt.Errorf("failed to wait for disk (%s) to update:\n%w",
			mapping.DevicePath(), err)
	}

	table, err := diskutils.ReadDiskPartitionTable(mapping.DevicePath())
	if err != nil {
		return 0, err
	}
	if table == nil || len(table.Partitions) < rootfs.Number {
		return 0, fmt.Errorf("partition (%d) disappeared from (%s) after resizing",
			rootfs.Number, image.Path)
	}

	resized := table.Partitions[rootfs.Number-1]
	endSector := uint64(resized.Start) + uint64(resized.Size) - 1

	err = mapping.Release()
	if err != nil {
		return 0, err
	}

	return endSector, nil
}

func parseResize2fsMinimumSize(stdout string) (uint64, error) {
	match := resize2fsMinSizeRegexp.FindStringSubmatch(stdout)
	if match == nil {
		return 0, fmt.Errorf("failed to parse output of resize2fs -P:\n%s", stdout)
	}

	minBlocks, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse minimal block count (%s):\n%w", match[1], err)
	}
	return minBlocks, nil
}

func parseTune2fsBlockSize(stdout string) (uint64, error) {
	match := tune2fsBlockSizeRegexp.FindStringSubmatch(stdout)
	if match == nil {
		return 0, fmt.Errorf("failed to parse block size from tune2fs output:\n%s", stdout)
	}

	blockSize, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block size (%s):\n%w", match[1], err)
	}
	return blockSize, nil
}

// computeShrunkSizeSectors converts the minimal filesystem size to sectors,
// rounded up to the alignment unit.
func computeShrunkSizeSectors(minBlocks uint64, blockSize uint64, sectorSize uint64) uint64 {
	return alignUp(ceilDiv(minBlocks*blockSize, sectorSize), alignmentSectors)
}
