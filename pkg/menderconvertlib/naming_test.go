// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "mender-raspberrypi3-release-1.sdimg"),
		DiskImagePath("out", DeviceTypeRaspberryPi3, "release-1"))
	assert.Equal(t, filepath.Join("out", "mender-raspberrypi3-release-1.ext4"),
		RootfsImagePath("out", DeviceTypeRaspberryPi3, "release-1"))
	assert.Equal(t, filepath.Join("out", "mender-beaglebone-release-1.mender"),
		MenderArtifactPath("out", DeviceTypeBeagleBone, "release-1"))
}
