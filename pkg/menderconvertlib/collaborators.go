// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/mendersoftware/mender-convert/internal/file"
	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/shell"
)

// InstallerPaths are the mount-point directories handed to the per-device
// installer scripts. BootDir is empty for boot-less layouts.
type InstallerPaths struct {
	BootDir      string
	PrimaryDir   string
	SecondaryDir string
	DataDir      string
}

// NewInstallerPaths collects the installer-facing directories from a mount
// set.
func NewInstallerPaths(mounts *MountSet) (InstallerPaths, error) {
	var paths InstallerPaths
	var err error

	if mounts.HasMount(PartNameBoot) {
		paths.BootDir, err = mounts.Path(PartNameBoot)
		if err != nil {
			return InstallerPaths{}, err
		}
	}
	paths.PrimaryDir, err = mounts.Path(PartNameRootfsA)
	if err != nil {
		return InstallerPaths{}, err
	}
	paths.SecondaryDir, err = mounts.Path(PartNameRootfsB)
	if err != nil {
		return InstallerPaths{}, err
	}
	paths.DataDir, err = mounts.Path(PartNameData)
	if err != nil {
		return InstallerPaths{}, err
	}

	return paths, nil
}

// DeviceInstaller runs one per-device installer script (update client or
// bootloader) against the mounted target partitions. Scripts receive every
// input as a named flag; they never guess paths.
type DeviceInstaller struct {
	Script  string
	Paths   InstallerPaths
	Options map[string]string
}

// Run executes the installer script. Any non-zero exit is reported as an
// external tool failure.
func (i DeviceInstaller) Run() error {
	exists, err := file.PathExists(i.Script)
	if err != nil {
		return err
	}
	if !exists {
		return NewConversionError(ConfigurationError,
			fmt.Sprintf("installer script (%s) does not exist", i.Script))
	}

	args := []string{
		"--primary-dir=" + i.Paths.PrimaryDir,
		"--secondary-dir=" + i.Paths.SecondaryDir,
		"--data-dir=" + i.Paths.DataDir,
	}
	if i.Paths.BootDir != "" {
		args = append(args, "--boot-dir="+i.Paths.BootDir)
	}

	// Deterministic flag order keeps the build log diffable between runs.
	optionKeys := make([]string, 0, len(i.Options))
	for key := range i.Options {
		optionKeys = append(optionKeys, key)
	}
	sort.Strings(optionKeys)
	for _, key := range optionKeys {
		args = append(args, "--"+key+"="+i.Options[key])
	}

	logger.Log.Infof("Running installer (%s)", i.Script)
	err = shell.ExecuteLive(false /*squashErrors*/, i.Script, args...)
	if err != nil {
		return NewConversionErrorWithCause(ExternalToolError,
			fmt.Sprintf("installer script (%s) failed", i.Script), err)
	}

	return nil
}

// ArtifactPackager wraps the external mender-artifact tool, which wraps an
// extracted rootfs image into a .mender update artifact.
type ArtifactPackager struct {
	Tool string
}

const defaultArtifactTool = "mender-artifact"

// Write packages the artifact's filesystem image into a .mender file at
// outputPath.
func (p ArtifactPackager) Write(artifact *Artifact, outputPath string) error {
	tool := p.Tool
	if tool == "" {
		tool = defaultArtifactTool
	}

	_, err := exec.LookPath(tool)
	if err != nil {
		return NewConversionErrorWithCause(ExternalToolError,
			fmt.Sprintf("artifact packaging tool (%s) not found in PATH", tool), err)
	}

	logger.Log.Infof("Packaging (%s) into (%s)", artifact.Path, outputPath)
	err = shell.ExecuteLive(false /*squashErrors*/, tool,
		"write", "rootfs-image",
		"-f", artifact.Path,
		"-o", outputPath,
		"-n", artifact.ArtifactName,
		"-t", string(artifact.DeviceType))
	if err != nil {
		return NewConversionErrorWithCause(ExternalToolError,
			fmt.Sprintf("artifact packaging tool (%s) failed", tool), err)
	}

	return nil
}
