// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionSelector(t *testing.T) {
	name, err := SelectPrimaryRootfs.partitionName()
	require.NoError(t, err)
	assert.Equal(t, PartNameRootfsA, name)

	name, err = SelectSecondaryRootfs.partitionName()
	require.NoError(t, err)
	assert.Equal(t, PartNameRootfsB, name)
}

func TestPartitionSelectorRejectsUnknownValues(t *testing.T) {
	_, err := PartitionSelector("tertiary").partitionName()
	assert.True(t, errors.Is(err, ConfigurationError))
}

func TestCheckDeviceTypeStamp(t *testing.T) {
	assert.NoError(t, checkDeviceTypeStamp("mender.sdimg",
		DeviceType("raspberrypi3"), DeviceType("raspberrypi3")))
}

func TestCheckDeviceTypeStampRejectsMismatch(t *testing.T) {
	err := checkDeviceTypeStamp("mender.sdimg",
		DeviceType("beaglebone"), DeviceType("raspberrypi3"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, DeviceTypeMismatchError))
	assert.Contains(t, err.Error(), "beaglebone")
	assert.Contains(t, err.Error(), "raspberrypi3")
}
