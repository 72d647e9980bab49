// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConversionDefaultsFromMissingFile(t *testing.T) {
	defaults, err := LoadConversionDefaults(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, &ConversionDefaults{}, defaults)
}

func TestLoadConversionDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mender-convert.yml")
	contents := "device-type: raspberrypi3\n" +
		"artifact-name: release-1\n" +
		"data-size-mb: 256\n" +
		"compress: true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	defaults, err := LoadConversionDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, "raspberrypi3", defaults.DeviceType)
	assert.Equal(t, "release-1", defaults.ArtifactName)
	assert.Equal(t, uint64(256), defaults.DataSizeMB)
	assert.True(t, defaults.Compress)
}

func TestLoadConversionDefaultsRejectsBadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mender-convert.yml")
	require.NoError(t, os.WriteFile(path, []byte("{ not yaml\n"), 0o644))

	_, err := LoadConversionDefaults(path)
	assert.True(t, errors.Is(err, ConfigurationError))
}

func TestDefaultsDoNotOverrideFlags(t *testing.T) {
	defaults := &ConversionDefaults{
		DeviceType:   "beaglebone",
		ArtifactName: "from-defaults",
		DataSizeMB:   256,
	}

	options := &ConversionOptions{
		DeviceType: "raspberrypi3",
	}
	defaults.Apply(options)

	// The command line wins; defaults only fill gaps.
	assert.Equal(t, "raspberrypi3", options.DeviceType)
	assert.Equal(t, "from-defaults", options.ArtifactName)
	assert.Equal(t, uint64(256), options.DataSizeMB)
}

func TestNormalizeFillsComputedDefaults(t *testing.T) {
	options := &ConversionOptions{}
	options.normalize()

	assert.Equal(t, uint64(128), options.DataSizeMB)
	assert.Equal(t, SelectPrimaryRootfs, options.RootfsSelector)
	assert.Equal(t, ".", options.OutputDir)
	assert.NotEmpty(t, options.BuildDir)
}

func TestValidateDeviceOptions(t *testing.T) {
	options := &ConversionOptions{DeviceType: "raspberrypi3"}
	options.normalize()

	profile, err := options.validateDeviceOptions()
	require.NoError(t, err)
	assert.Equal(t, DeviceTypeRaspberryPi3, profile.Name)
}

func TestValidateDeviceOptionsFailures(t *testing.T) {
	options := &ConversionOptions{}
	options.normalize()
	_, err := options.validateDeviceOptions()
	assert.True(t, errors.Is(err, ConfigurationError))

	options = &ConversionOptions{DeviceType: "toaster9000"}
	options.normalize()
	_, err = options.validateDeviceOptions()
	assert.True(t, errors.Is(err, UnsupportedDeviceError))

	options = &ConversionOptions{
		DeviceType: "raspberrypi3",
		ServerURL:  "https://hosted.example.com",
		DemoHostIP: "192.168.10.1",
	}
	options.normalize()
	_, err = options.validateDeviceOptions()
	assert.True(t, errors.Is(err, ConfigurationError))

	options = &ConversionOptions{
		DeviceType:  "raspberrypi3",
		TenantToken: "token",
	}
	options.normalize()
	_, err = options.validateDeviceOptions()
	assert.True(t, errors.Is(err, ConfigurationError))
}

func TestRequireInputImage(t *testing.T) {
	options := &ConversionOptions{}
	err := options.requireRawDiskImage()
	assert.True(t, errors.Is(err, ConfigurationError))

	options.RawDiskImage = filepath.Join(t.TempDir(), "missing.img")
	err = options.requireRawDiskImage()
	assert.True(t, errors.Is(err, ConfigurationError))

	require.NoError(t, os.WriteFile(options.RawDiskImage, []byte{0}, 0o644))
	assert.NoError(t, options.requireRawDiskImage())
}

func TestClientOptionsIncludeOnlySetFlags(t *testing.T) {
	options := &ConversionOptions{
		DeviceType: "beaglebone",
		ServerURL:  "https://hosted.example.com",
	}

	clientOptions := options.clientOptions()
	assert.Equal(t, map[string]string{
		"device-type": "beaglebone",
		"server-url":  "https://hosted.example.com",
	}, clientOptions)
}
