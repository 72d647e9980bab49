// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"path/filepath"
)

// Output files share a common base name so the disk image, the extracted
// rootfs, and the packaged artifact of one conversion sort together.
func outputBaseName(deviceType DeviceType, artifactName string) string {
	return fmt.Sprintf("mender-%s-%s", deviceType, artifactName)
}

// DiskImagePath returns the output path of the converted .sdimg.
func DiskImagePath(outputDir string, deviceType DeviceType, artifactName string) string {
	return filepath.Join(outputDir, outputBaseName(deviceType, artifactName)+".sdimg")
}

// RootfsImagePath returns the output path of the extracted rootfs image.
func RootfsImagePath(outputDir string, deviceType DeviceType, artifactName string) string {
	return filepath.Join(outputDir, outputBaseName(deviceType, artifactName)+".ext4")
}

// MenderArtifactPath returns the output path of the packaged update artifact.
func MenderArtifactPath(outputDir string, deviceType DeviceType, artifactName string) string {
	return filepath.Join(outputDir, outputBaseName(deviceType, artifactName)+".mender")
}
