// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/pkg/menderconvertlib"
	"gopkg.in/alecthomas/kingpin.v2"
)

const toolVersion = "3.0.0"

var (
	app = kingpin.New("mender-convert",
		"Converts a raw disk image into an A/B partitioned image with the Mender update client installed")

	defaultsFile = app.Flag("config", "Path of the conversion defaults file.").
			Default("mender-convert.yml").String()
	outputDir = app.Flag("output-dir", "Directory to write output images to.").String()
	buildDir  = app.Flag("build-dir", "Directory to keep intermediate build state in.").String()
	scriptDir = app.Flag("script-dir", "Directory holding the per-device installer scripts.").String()
	keep      = app.Flag("keep", "Keep intermediate files and failed outputs for debugging.").Bool()
	logFlags  = setupLogFlags(app)

	convertCmd       = app.Command("from-raw-disk-image", "Run the full conversion: repartition, install the update client and bootloader, and package an update artifact.")
	convertImage     = convertCmd.Flag("image", "Path of the raw disk image to convert.").Required().String()
	convertDevice    = convertCmd.Flag("device-type", "Target device type.").String()
	convertArtifact  = convertCmd.Flag("artifact-name", "Name to embed in the image and the update artifact.").String()
	convertDataSize  = convertCmd.Flag("data-part-size-mb", "Size of the persistent data partition in MiB.").Uint64()
	convertClientBin = convertCmd.Flag("client-binary", "Path of the prebuilt update client binary to install.").String()
	convertServerURL = convertCmd.Flag("server-url", "URL of the production update server.").String()
	convertCert      = convertCmd.Flag("server-cert", "Path of the update server's certificate.").String()
	convertToken     = convertCmd.Flag("tenant-token", "Hosted-server tenant token.").String()
	convertDemoIP    = convertCmd.Flag("demo-host-ip", "IP address of a demo update server.").String()
	convertToolchain = convertCmd.Flag("toolchain", "Cross-toolchain prefix for the bootloader build.").String()
	convertCompress  = convertCmd.Flag("compress", "Gzip the output disk image.").Bool()

	artifactCmd      = app.Command("mender-disk-image-to-artifact", "Extract a rootfs partition of a converted image and package it as an update artifact.")
	artifactImage    = artifactCmd.Flag("mender-disk-image", "Path of the converted disk image.").Required().String()
	artifactDevice   = artifactCmd.Flag("device-type", "Target device type.").String()
	artifactName     = artifactCmd.Flag("artifact-name", "Name to embed in the update artifact.").String()
	artifactRootfs   = artifactCmd.Flag("rootfs-partition", "Which rootfs slot to extract.").Default("primary").Enum("primary", "secondary")
	artifactToolPath = artifactCmd.Flag("artifact-tool", "Path of the mender-artifact tool.").String()

	shrinkCmd   = app.Command("raw-disk-image-shrink-rootfs", "Shrink a raw image's root filesystem and partition to their minimal size, in place.")
	shrinkImage = shrinkCmd.Flag("image", "Path of the raw disk image to shrink.").Required().String()

	partitionCmd      = app.Command("raw-disk-image-create-partitions", "Repartition a raw disk image into the A/B layout without installing anything.")
	partitionImage    = partitionCmd.Flag("image", "Path of the raw disk image to convert.").Required().String()
	partitionDevice   = partitionCmd.Flag("device-type", "Target device type.").String()
	partitionArtifact = partitionCmd.Flag("artifact-name", "Name used for the output image file.").String()
	partitionDataSize = partitionCmd.Flag("data-part-size-mb", "Size of the persistent data partition in MiB.").Uint64()

	installCmd       = app.Command("install-mender-to-mender-disk-image", "Install the update client and identity files into a converted image.")
	installImage     = installCmd.Flag("mender-disk-image", "Path of the converted disk image.").Required().String()
	installDevice    = installCmd.Flag("device-type", "Target device type.").String()
	installArtifact  = installCmd.Flag("artifact-name", "Name to embed in the image.").String()
	installClientBin = installCmd.Flag("client-binary", "Path of the prebuilt update client binary to install.").String()
	installServerURL = installCmd.Flag("server-url", "URL of the production update server.").String()
	installCert      = installCmd.Flag("server-cert", "Path of the update server's certificate.").String()
	installToken     = installCmd.Flag("tenant-token", "Hosted-server tenant token.").String()
	installDemoIP    = installCmd.Flag("demo-host-ip", "IP address of a demo update server.").String()

	bootloaderCmd       = app.Command("install-bootloader-to-mender-disk-image", "Install the device's A/B-aware boot flow into a converted image.")
	bootloaderImage     = bootloaderCmd.Flag("mender-disk-image", "Path of the converted disk image.").Required().String()
	bootloaderDevice    = bootloaderCmd.Flag("device-type", "Target device type.").String()
	bootloaderToolchain = bootloaderCmd.Flag("toolchain", "Cross-toolchain prefix for the bootloader build.").String()
)

func main() {
	app.Version(toolVersion)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, command)
	if err != nil {
		logger.Log.Errorf("conversion failed:\n%v", err)
		if logFlags.LogFile != nil && *logFlags.LogFile != "" {
			logger.Log.Errorf("full build log: %s", *logFlags.LogFile)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	defaults, err := menderconvertlib.LoadConversionDefaults(*defaultsFile)
	if err != nil {
		return err
	}

	options := newOptions(command)
	defaults.Apply(options)

	switch command {
	case convertCmd.FullCommand():
		return menderconvertlib.ConvertRawDiskImage(ctx, options)
	case artifactCmd.FullCommand():
		return menderconvertlib.ExtractMenderArtifact(ctx, options)
	case shrinkCmd.FullCommand():
		return menderconvertlib.ShrinkRawDiskImageRootfs(ctx, options)
	case partitionCmd.FullCommand():
		return menderconvertlib.CreatePartitionedImage(ctx, options)
	case installCmd.FullCommand():
		return menderconvertlib.InstallMenderToDiskImage(ctx, options)
	case bootloaderCmd.FullCommand():
		return menderconvertlib.InstallBootloaderToDiskImage(ctx, options)
	default:
		return fmt.Errorf("unknown command (%s)", command)
	}
}

// newOptions maps the parsed command's flags onto one options struct.
func newOptions(command string) *menderconvertlib.ConversionOptions {
	options := &menderconvertlib.ConversionOptions{
		OutputDir:         *outputDir,
		BuildDir:          *buildDir,
		ScriptDir:         *scriptDir,
		KeepIntermediates: *keep,
	}

	switch command {
	case convertCmd.FullCommand():
		options.RawDiskImage = *convertImage
		options.DeviceType = *convertDevice
		options.ArtifactName = *convertArtifact
		options.DataSizeMB = *convertDataSize
		options.ClientBinary = *convertClientBin
		options.ServerURL = *convertServerURL
		options.ServerCert = *convertCert
		options.TenantToken = *convertToken
		options.DemoHostIP = *convertDemoIP
		options.BootloaderToolchain = *convertToolchain
		options.Compress = *convertCompress
	case artifactCmd.FullCommand():
		options.MenderDiskImage = *artifactImage
		options.DeviceType = *artifactDevice
		options.ArtifactName = *artifactName
		options.RootfsSelector = menderconvertlib.PartitionSelector(*artifactRootfs)
		options.ArtifactTool = *artifactToolPath
	case shrinkCmd.FullCommand():
		options.RawDiskImage = *shrinkImage
	case partitionCmd.FullCommand():
		options.RawDiskImage = *partitionImage
		options.DeviceType = *partitionDevice
		options.ArtifactName = *partitionArtifact
		options.DataSizeMB = *partitionDataSize
	case installCmd.FullCommand():
		options.MenderDiskImage = *installImage
		options.DeviceType = *installDevice
		options.ArtifactName = *installArtifact
		options.ClientBinary = *installClientBin
		options.ServerURL = *installServerURL
		options.ServerCert = *installCert
		options.TenantToken = *installToken
		options.DemoHostIP = *installDemoIP
	case bootloaderCmd.FullCommand():
		options.MenderDiskImage = *bootloaderImage
		options.DeviceType = *bootloaderDevice
		options.BootloaderToolchain = *bootloaderToolchain
	}

	return options
}

func setupLogFlags(app *kingpin.Application) *logger.LogFlags {
	flags := &logger.LogFlags{}
	flags.LogLevel = app.Flag(logger.LevelsFlag, logger.LevelsHelp).
		PlaceHolder(logger.LevelsPlaceholder).
		Enum(logger.Levels()...)
	flags.LogFile = app.Flag(logger.FileFlag, logger.FileFlagHelp).String()
	flags.LogColor = app.Flag(logger.ColorFlag, logger.ColorFlagHelp).
		PlaceHolder(logger.ColorsPlaceholder).
		Enum(logger.Colors()...)
	return flags
}
