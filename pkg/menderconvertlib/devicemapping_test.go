// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReservesExhaustionForBusyDevices(t *testing.T) {
	set := NewDeviceMappingSet()

	// A missing image file is a permanent failure, not loop-device
	// exhaustion.
	_, err := set.Acquire(filepath.Join(t.TempDir(), "missing.img"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ResourceExhaustionError))
	assert.Zero(t, set.Outstanding())
}
