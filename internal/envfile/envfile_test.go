// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteValueCreatesFileAndParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mender", "device_type")

	require.NoError(t, WriteValue(path, "device_type", "beaglebone"))

	value, err := ReadValue(path, "device_type")
	require.NoError(t, err)
	assert.Equal(t, "beaglebone", value)

	// The on-disk format is plain key=value lines, no INI decoration.
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "device_type=beaglebone\n", string(contents))
}

func TestWriteValuePreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact_info")
	require.NoError(t, os.WriteFile(path,
		[]byte("artifact_name=old-release\nartifact_group=stable\n"), 0o644))

	require.NoError(t, WriteValue(path, "artifact_name", "new-release"))

	values, err := ParseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new-release", values["artifact_name"])
	assert.Equal(t, "stable", values["artifact_group"])
}

func TestReadValueMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact_info")
	require.NoError(t, os.WriteFile(path, []byte("artifact_name=release-1\n"), 0o644))

	_, err := ReadValue(path, "device_type")
	assert.Error(t, err)
}
