// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
	"github.com/mendersoftware/mender-convert/internal/envfile"
	"github.com/mendersoftware/mender-convert/internal/logger"
)

// ConvertRawDiskImage is the full conversion: it takes an arbitrary raw disk
// image and produces the repartitioned .sdimg, with the update client and
// bootloader installed, plus the packaged .mender update artifact.
func ConvertRawDiskImage(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	profile, err := options.validateDeviceOptions()
	if err != nil {
		return err
	}
	err = options.requireArtifactName()
	if err != nil {
		return err
	}
	err = options.requireRawDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, profile)
	if err != nil {
		return err
	}

	pipelines := []*Pipeline{
		newPartitionPipeline(),
		newInstallMenderPipeline(),
		newInstallBootloaderPipeline(),
		newExtractArtifactPipeline(),
	}
	if options.Compress {
		pipelines = append(pipelines, newCompressPipeline())
	}

	return RunPipelines(ctx, pctx, pipelines)
}

// ShrinkRawDiskImageRootfs shrinks a raw image's root filesystem and
// partition to their minimal aligned size, in place.
func ShrinkRawDiskImageRootfs(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	err := options.requireRawDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, DeviceProfile{})
	if err != nil {
		return err
	}

	pipeline := &Pipeline{
		Name: "shrink-rootfs",
		Steps: []Step{
			stepInspectSourceImage(),
			stepShrinkSourceRootfs(),
		},
	}

	return RunPipelines(ctx, pctx, []*Pipeline{pipeline})
}

// CreatePartitionedImage runs only the repartitioning stage: it produces the
// .sdimg with the fixed layout and the source filesystems copied in, without
// installing the update client or bootloader.
func CreatePartitionedImage(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	profile, err := options.validateDeviceOptions()
	if err != nil {
		return err
	}
	err = options.requireArtifactName()
	if err != nil {
		return err
	}
	err = options.requireRawDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, profile)
	if err != nil {
		return err
	}

	return RunPipelines(ctx, pctx, []*Pipeline{newPartitionPipeline()})
}

// InstallMenderToDiskImage installs the update client and the identity files
// (device-type stamp, artifact metadata) into an already converted image.
func InstallMenderToDiskImage(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	profile, err := options.validateDeviceOptions()
	if err != nil {
		return err
	}
	err = options.requireArtifactName()
	if err != nil {
		return err
	}
	err = options.requireMenderDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, profile)
	if err != nil {
		return err
	}

	return RunPipelines(ctx, pctx, []*Pipeline{newInstallMenderPipeline()})
}

// InstallBootloaderToDiskImage installs the device's boot flow into an
// already converted image.
func InstallBootloaderToDiskImage(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	profile, err := options.validateDeviceOptions()
	if err != nil {
		return err
	}
	err = options.requireMenderDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, profile)
	if err != nil {
		return err
	}

	return RunPipelines(ctx, pctx, []*Pipeline{newInstallBootloaderPipeline()})
}

// ExtractMenderArtifact extracts one rootfs slot of a converted image and
// packages it as a .mender update artifact.
func ExtractMenderArtifact(ctx context.Context, options *ConversionOptions) error {
	options.normalize()
	profile, err := options.validateDeviceOptions()
	if err != nil {
		return err
	}
	err = options.requireArtifactName()
	if err != nil {
		return err
	}
	err = options.requireMenderDiskImage()
	if err != nil {
		return err
	}

	pctx, err := NewPipelineContext(options, profile)
	if err != nil {
		return err
	}

	return RunPipelines(ctx, pctx, []*Pipeline{newExtractArtifactPipeline()})
}

// newPartitionPipeline builds the repartitioned target image from the raw
// source image.
func newPartitionPipeline() *Pipeline {
	return &Pipeline{
		Name: "create-partitions",
		Steps: []Step{
			stepInspectSourceImage(),
			stepShrinkSourceRootfs(),
			{
				Name:  "plan partition layout",
				Needs: []StepInput{InputSourceImage, InputRootfsSize},
				Run: func(c *PipelineContext) error {
					plan, err := PlanPartitionLayout(c.Profile, c.RootfsSize,
						c.Options.DataSizeMB, c.Source.SectorSize)
					if err != nil {
						return err
					}
					c.Plan = plan
					return nil
				},
			},
			{
				Name:  "create target disk image",
				Needs: []StepInput{InputLayoutPlan},
				Run: func(c *PipelineContext) error {
					outputPath := DiskImagePath(c.Options.OutputDir,
						c.Profile.Name, c.Options.ArtifactName)
					// Track before building so a half-written image is
					// removed on failure.
					c.TrackOutput(outputPath)
					target, err := BuildTargetDiskImage(c.Plan, outputPath, c.Mappings)
					if err != nil {
						return err
					}
					c.Target = target
					return nil
				},
			},
			{
				Name:  "format target partitions",
				Needs: []StepInput{InputTargetImage},
				Run: func(c *PipelineContext) error {
					return FormatTargetDiskImage(c.Target, c.Mappings)
				},
			},
			{
				Name:  "copy source filesystems",
				Needs: []StepInput{InputSourceImage, InputTargetImage},
				Run:   copySourceFilesystems,
			},
		},
	}
}

func stepInspectSourceImage() Step {
	return Step{
		Name: "inspect source image",
		Run: func(c *PipelineContext) error {
			source, err := InspectRawDiskImage(c.Options.RawDiskImage, c.Mappings)
			if err != nil {
				return err
			}
			c.Source = source
			return nil
		},
	}
}

func stepShrinkSourceRootfs() Step {
	return Step{
		Name:  "shrink source rootfs",
		Needs: []StepInput{InputSourceImage},
		Run: func(c *PipelineContext) error {
			size, err := ShrinkRootfs(c.Source, c.Mappings)
			if err != nil {
				return err
			}
			c.RootfsSize = size
			return nil
		},
	}
}

// copySourceFilesystems copies the source's filesystems into the target: the
// rootfs into both A/B slots, and the boot filesystem into the boot partition
// when both sides have one. A source boot partition with no target boot
// partition is dropped here; the device's installer scripts place the boot
// files inside the rootfs instead.
func copySourceFilesystems(c *PipelineContext) error {
	sourceMapping, err := c.Mappings.Acquire(c.Source.Path)
	if err != nil {
		return err
	}
	defer sourceMapping.Release()

	targetMapping, err := c.Mappings.Acquire(c.Target.Path)
	if err != nil {
		return err
	}
	defer targetMapping.Release()

	sourceRootfsPath, err := sourceMapping.PartitionPath(c.Source.RootfsPartition().Number)
	if err != nil {
		return err
	}

	for _, slot := range []string{PartNameRootfsA, PartNameRootfsB} {
		partition, err := c.Target.Partition(slot)
		if err != nil {
			return err
		}
		targetPath, err := targetMapping.PartitionPath(partition.Number)
		if err != nil {
			return err
		}

		logger.Log.Infof("Copying rootfs into (%s) partition", slot)
		err = diskutils.CopyBlockDevice(sourceRootfsPath, targetPath)
		if err != nil {
			return err
		}
	}

	if c.Source.HasBootPartition() && c.Target.HasBootPartition() {
		sourceBootPartition, _ := c.Source.BootPartition()
		sourceBoot, err := sourceMapping.PartitionPath(sourceBootPartition.Number)
		if err != nil {
			return err
		}
		bootPartition, err := c.Target.Partition(PartNameBoot)
		if err != nil {
			return err
		}
		targetBoot, err := targetMapping.PartitionPath(bootPartition.Number)
		if err != nil {
			return err
		}

		logger.Log.Infof("Copying boot filesystem into (%s) partition", PartNameBoot)
		err = diskutils.CopyBlockDevice(sourceBoot, targetBoot)
		if err != nil {
			return err
		}
	}

	err = targetMapping.Release()
	if err != nil {
		return err
	}
	return sourceMapping.Release()
}

// newInstallMenderPipeline installs the update client and writes the image's
// identity files.
func newInstallMenderPipeline() *Pipeline {
	return &Pipeline{
		Name: "install-mender",
		Steps: []Step{
			stepEnsureTargetImage(),
			stepMountTargetPartitions(),
			{
				Name:  "install update client",
				Needs: []StepInput{InputMounts},
				Run: func(c *PipelineContext) error {
					paths, err := NewInstallerPaths(c.Mounts)
					if err != nil {
						return err
					}
					installer := DeviceInstaller{
						Script:  filepath.Join(c.Options.ScriptDir, c.Profile.MenderInstallerScript),
						Paths:   paths,
						Options: c.Options.clientOptions(),
					}
					return installer.Run()
				},
			},
			{
				Name:  "write image identity",
				Needs: []StepInput{InputMounts},
				Run:   writeImageIdentity,
			},
			stepUnmountTargetPartitions(),
		},
	}
}

// writeImageIdentity writes the device-type stamp on the data partition and
// the artifact metadata into both rootfs slots.
func writeImageIdentity(c *PipelineContext) error {
	dataDir, err := c.Mounts.Path(PartNameData)
	if err != nil {
		return err
	}

	stampPath := filepath.Join(dataDir, deviceTypeStampRelPath)
	err = envfile.WriteValue(stampPath, deviceTypeKey, c.Options.DeviceType)
	if err != nil {
		return fmt.Errorf("failed to write device-type stamp:\n%w", err)
	}

	for _, slot := range []string{PartNameRootfsA, PartNameRootfsB} {
		rootfsDir, err := c.Mounts.Path(slot)
		if err != nil {
			return err
		}
		infoPath := filepath.Join(rootfsDir, artifactInfoRelPath)
		err = envfile.WriteValue(infoPath, artifactNameKey, c.Options.ArtifactName)
		if err != nil {
			return fmt.Errorf("failed to write artifact metadata in (%s) slot:\n%w", slot, err)
		}
	}

	return nil
}

// newInstallBootloaderPipeline installs the device's A/B-aware boot flow.
func newInstallBootloaderPipeline() *Pipeline {
	return &Pipeline{
		Name: "install-bootloader",
		Steps: []Step{
			stepEnsureTargetImage(),
			stepMountTargetPartitions(),
			{
				Name:  "install bootloader",
				Needs: []StepInput{InputMounts},
				Run: func(c *PipelineContext) error {
					paths, err := NewInstallerPaths(c.Mounts)
					if err != nil {
						return err
					}
					toolchain := c.Options.BootloaderToolchain
					if toolchain == "" {
						toolchain = c.Profile.BootloaderToolchain
					}
					installer := DeviceInstaller{
						Script: filepath.Join(c.Options.ScriptDir,
							c.Profile.BootloaderInstallerScript),
						Paths: paths,
						Options: map[string]string{
							"device-type": c.Options.DeviceType,
							"toolchain":   toolchain,
						},
					}
					return installer.Run()
				},
			},
			stepUnmountTargetPartitions(),
		},
	}
}

// newExtractArtifactPipeline extracts a rootfs slot and packages it.
func newExtractArtifactPipeline() *Pipeline {
	return &Pipeline{
		Name: "extract-artifact",
		Steps: []Step{
			stepEnsureTargetImage(),
			{
				Name:  "extract rootfs image",
				Needs: []StepInput{InputTargetImage},
				Run: func(c *PipelineContext) error {
					outputPath := RootfsImagePath(c.Options.OutputDir,
						c.Profile.Name, c.Options.ArtifactName)
					c.TrackOutput(outputPath)
					artifact, err := ExtractRootfsArtifact(c.Target, c.Options.RootfsSelector,
						c.Profile.Name, c.Options.ArtifactName, outputPath,
						c.MountRoot, c.Mappings)
					if err != nil {
						return err
					}
					c.Artifact = artifact
					return nil
				},
			},
			{
				Name:  "package update artifact",
				Needs: []StepInput{InputArtifact},
				Run: func(c *PipelineContext) error {
					outputPath := MenderArtifactPath(c.Options.OutputDir,
						c.Profile.Name, c.Options.ArtifactName)
					c.TrackOutput(outputPath)
					packager := ArtifactPackager{Tool: c.Options.ArtifactTool}
					return packager.Write(c.Artifact, outputPath)
				},
			},
		},
	}
}

// newCompressPipeline gzips the finished disk image.
func newCompressPipeline() *Pipeline {
	return &Pipeline{
		Name: "compress",
		Steps: []Step{
			{
				Name:  "compress disk image",
				Needs: []StepInput{InputTargetImage},
				Run: func(c *PipelineContext) error {
					compressedPath, err := CompressDiskImage(c.Target.Path)
					if err != nil {
						return err
					}
					c.TrackOutput(compressedPath)
					return nil
				},
			},
		},
	}
}

// stepEnsureTargetImage resolves the target image: the one produced earlier
// in this run, or the --mender-disk-image input for standalone commands.
func stepEnsureTargetImage() Step {
	return Step{
		Name: "inspect target image",
		Run: func(c *PipelineContext) error {
			if c.Target != nil {
				return nil
			}
			target, err := InspectTargetDiskImage(c.Options.MenderDiskImage, c.Mappings)
			if err != nil {
				return err
			}
			c.Target = target
			return nil
		},
	}
}

func stepMountTargetPartitions() Step {
	return Step{
		Name:  "mount target partitions",
		Needs: []StepInput{InputTargetImage},
		Run: func(c *PipelineContext) error {
			mapping, err := c.Mappings.Acquire(c.Target.Path)
			if err != nil {
				return err
			}
			mounts, err := MountAll(mapping, c.Target, c.MountRoot)
			if err != nil {
				return err
			}
			c.Mounts = mounts
			return nil
		},
	}
}

func stepUnmountTargetPartitions() Step {
	return Step{
		Name:  "unmount target partitions",
		Needs: []StepInput{InputMounts},
		Run: func(c *PipelineContext) error {
			err := c.Mounts.UnmountAll()
			if err != nil {
				return err
			}
			c.Mounts = nil
			return c.Mappings.ReleaseAll()
		},
	}
}
