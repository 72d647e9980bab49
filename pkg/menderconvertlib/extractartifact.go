// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"path/filepath"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/envfile"
	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/safemount"
	"github.com/mendersoftware/mender-convert/internal/shell"
	"golang.org/x/sys/unix"
)

// In-image file locations, relative to their partition roots.
const (
	deviceTypeStampRelPath = "mender/device_type"
	artifactInfoRelPath    = "etc/mender/artifact_info"

	deviceTypeKey   = "device_type"
	artifactNameKey = "artifact_name"
)

// PartitionSelector picks one of the two root filesystem slots.
type PartitionSelector string

const (
	SelectPrimaryRootfs   PartitionSelector = "primary"
	SelectSecondaryRootfs PartitionSelector = "secondary"
)

func (s PartitionSelector) partitionName() (string, error) {
	switch s {
	case SelectPrimaryRootfs:
		return PartNameRootfsA, nil
	case SelectSecondaryRootfs:
		return PartNameRootfsB, nil
	default:
		return "", NewConversionError(ConfigurationError,
			fmt.Sprintf("invalid rootfs partition selector (%s): must be 'primary' or 'secondary'", s))
	}
}

// ValidationStatus records what integrity checking an artifact has been
// through.
type ValidationStatus string

const (
	ValidationUnchecked  ValidationStatus = "unchecked"
	ValidationFsckPassed ValidationStatus = "fsck-passed"
	ValidationFsckFailed ValidationStatus = "fsck-failed"
)

// Artifact is the extracted root-filesystem image, ready for the external
// packaging tool. Read-only once produced.
type Artifact struct {
	Path         string
	DeviceType   DeviceType
	ArtifactName string
	Validation   ValidationStatus
}

// ExtractRootfsArtifact extracts the selected rootfs slot of the target image
// into a standalone filesystem image at outputPath, after verifying that the
// image's device-type stamp matches the requested device type. The extracted
// filesystem is checked for consistency and its artifact_name metadata is
// rewritten in place.
func ExtractRootfsArtifact(target *TargetDiskImage, selector PartitionSelector,
	deviceType DeviceType, artifactName string, outputPath string, mountRoot string,
	mappings *DeviceMappingSet,
) (*Artifact, error) {
	partName, err := selector.partitionName()
	if err != nil {
		return nil, err
	}

	partition, err := target.Partition(partName)
	if err != nil {
		return nil, err
	}

	mapping, err := mappings.Acquire(target.Path)
	if err != nil {
		return nil, err
	}
	defer mapping.Release()

	err = verifyDeviceTypeStamp(target, mapping, deviceType, mountRoot)
	if err != nil {
		return nil, err
	}

	// Copy the partition's exact byte range [start*ss, (start+size)*ss).
	logger.Log.Infof("Extracting partition (%s) of (%s) to (%s)", partName, target.Path, outputPath)
	partDevPath, err := mapping.PartitionPath(partition.Number)
	if err != nil {
		return nil, err
	}
	err = diskutils.CopyBlockDevice(partDevPath, outputPath)
	if err != nil {
		return nil, err
	}

	err = mapping.Release()
	if err != nil {
		return nil, err
	}

	err = checkExtractedFilesystem(outputPath, mappings)
	if err != nil {
		return nil, err
	}

	err = patchArtifactName(outputPath, artifactName, mountRoot, mappings)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Path:         outputPath,
		DeviceType:   deviceType,
		ArtifactName: artifactName,
		Validation:   ValidationFsckPassed,
	}, nil
}

// verifyDeviceTypeStamp reads the device-type stamp file from the data
// partition and compares it against the requested device type.
func verifyDeviceTypeStamp(target *TargetDiskImage, mapping *DeviceMapping,
	deviceType DeviceType, mountRoot string,
) error {
	dataPartition, err := target.Partition(PartNameData)
	if err != nil {
		return err
	}

	dataDevPath, err := mapping.PartitionPath(dataPartition.Number)
	if err != nil {
		return err
	}

	mountDir := filepath.Join(mountRoot, "stampcheck")
	dataMount, err := safemount.NewMount(dataDevPath, mountDir, dataPartition.FsType,
		unix.MS_RDONLY, "", true)
	if err != nil {
		return err
	}
	defer dataMount.Close()

	stampPath := filepath.Join(mountDir, deviceTypeStampRelPath)
	stampedType, err := envfile.ReadValue(stampPath, deviceTypeKey)
	if err != nil {
		return fmt.Errorf("failed to read device-type stamp of (%s):\n%w", target.Path, err)
	}

	err = dataMount.CleanClose()
	if err != nil {
		return err
	}

	return checkDeviceTypeStamp(target.Path, DeviceType(stampedType), deviceType)
}

// checkDeviceTypeStamp compares the stamped device type of an image against
// the requested one.
func checkDeviceTypeStamp(imagePath string, stamped DeviceType, requested DeviceType) error {
	if stamped != requested {
		return NewConversionError(DeviceTypeMismatchError,
			fmt.Sprintf("image (%s) was built for device type (%s), not (%s)",
				imagePath, stamped, requested))
	}
	return nil
}

// checkExtractedFilesystem runs a consistency check against the extracted
// filesystem image.
func checkExtractedFilesystem(imagePath string, mappings *DeviceMappingSet) error {
	mapping, err := mappings.Acquire(imagePath)
	if err != nil {
		return err
	}
	defer mapping.Release()

	err = shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fn", mapping.DevicePath())
	if err != nil {
		return NewConversionErrorWithCause(FilesystemIntegrityError,
			fmt.Sprintf("extracted filesystem (%s) failed the consistency check", imagePath), err)
	}

	return mapping.Release()
}

// patchArtifactName rewrites the artifact_name line of the extracted image's
// /etc/mender/artifact_info in place.
func patchArtifactName(imagePath string, artifactName string, mountRoot string,
	mappings *DeviceMappingSet,
) error {
	mapping, err := mappings.Acquire(imagePath)
	if err != nil {
		return err
	}
	defer mapping.Release()

	mountDir := filepath.Join(mountRoot, "artifactpatch")
	rootfsMount, err := safemount.NewMount(mapping.DevicePath(), mountDir, "ext4", 0, "", true)
	if err != nil {
		return err
	}
	defer rootfsMount.Close()

	infoPath := filepath.Join(mountDir, artifactInfoRelPath)
	err = envfile.WriteValue(infoPath, artifactNameKey, artifactName)
	if err != nil {
		return fmt.Errorf("failed to set artifact name in (%s):\n%w", imagePath, err)
	}

	err = rootfsMount.CleanClose()
	if err != nil {
		return err
	}

	return mapping.Release()
}
