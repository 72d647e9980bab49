// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import "fmt"

// DeviceType identifies a supported device profile.
type DeviceType string

const (
	DeviceTypeBeagleBone   DeviceType = "beaglebone"
	DeviceTypeRaspberryPi3 DeviceType = "raspberrypi3"
)

// DeviceProfile describes everything that is device specific about the
// target image: whether a physically separate boot partition exists, its
// geometry, and which installer hooks populate boot and bootloader files.
// Adding a device touches only this file.
type DeviceProfile struct {
	Name DeviceType

	// HasBootPartition is false for devices that keep their boot files
	// inside the root filesystem (e.g. beaglebone).
	HasBootPartition bool

	// Boot partition geometry in sectors. Zero when HasBootPartition is
	// false.
	BootPartStart uint64
	BootPartSize  uint64

	// Installer hooks, resolved relative to the tool's script directory.
	MenderInstallerScript     string
	BootloaderInstallerScript string

	// Default cross-toolchain prefix for the bootloader build.
	BootloaderToolchain string
}

var deviceProfiles = map[DeviceType]DeviceProfile{
	DeviceTypeBeagleBone: {
		Name:                      DeviceTypeBeagleBone,
		HasBootPartition:          false,
		MenderInstallerScript:     "mender-client-setup",
		BootloaderInstallerScript: "bootloader-setup-beaglebone",
		BootloaderToolchain:       "arm-linux-gnueabihf",
	},
	DeviceTypeRaspberryPi3: {
		Name:                      DeviceTypeRaspberryPi3,
		HasBootPartition:          true,
		BootPartStart:             alignmentSectors,
		BootPartSize:              2 * alignmentSectors,
		MenderInstallerScript:     "mender-client-setup",
		BootloaderInstallerScript: "bootloader-setup-raspberrypi3",
		BootloaderToolchain:       "arm-linux-gnueabihf",
	},
}

// ProfileForDevice resolves a device-type name to its profile.
func ProfileForDevice(deviceType string) (DeviceProfile, error) {
	profile, ok := deviceProfiles[DeviceType(deviceType)]
	if !ok {
		return DeviceProfile{}, NewConversionError(UnsupportedDeviceError,
			fmt.Sprintf("unsupported device type (%s): supported types are %v",
				deviceType, SupportedDeviceTypes()))
	}
	return profile, nil
}

// SupportedDeviceTypes returns the closed set of device-type names.
func SupportedDeviceTypes() []string {
	return []string{string(DeviceTypeBeagleBone), string(DeviceTypeRaspberryPi3)}
}
