// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileForDevice(t *testing.T) {
	profile, err := ProfileForDevice("raspberrypi3")
	require.NoError(t, err)
	assert.True(t, profile.HasBootPartition)
	assert.NotZero(t, profile.BootPartSize)

	profile, err = ProfileForDevice("beaglebone")
	require.NoError(t, err)
	assert.False(t, profile.HasBootPartition)
	assert.Zero(t, profile.BootPartSize)
}

func TestProfileForDeviceRejectsUnknownTypes(t *testing.T) {
	_, err := ProfileForDevice("toaster9000")
	assert.True(t, errors.Is(err, UnsupportedDeviceError))
	for _, name := range SupportedDeviceTypes() {
		assert.Contains(t, err.Error(), name)
	}
}
