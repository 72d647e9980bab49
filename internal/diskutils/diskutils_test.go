// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package diskutils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample taken from `sfdisk --dump --json` against an MBR-partitioned image.
const sfdiskDumpJSON = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x36e6d1ea",
      "device": "/dev/loop1",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/loop1p1", "start": 16384, "size": 32768, "type": "c", "bootable": true},
         {"node": "/dev/loop1p2", "start": 49152, "size": 1048576, "type": "83"},
         {"node": "/dev/loop1p3", "start": 1097728, "size": 1048576, "type": "83"},
         {"node": "/dev/loop1p4", "start": 2146304, "size": 262144, "type": "83"}
      ]
   }
}`

func TestPartitionTableParsing(t *testing.T) {
	var output partitionTableOutput
	require.NoError(t, json.Unmarshal([]byte(sfdiskDumpJSON), &output))

	table := output.PartitionTable
	require.NotNil(t, table)
	assert.Equal(t, "dos", table.Label)
	assert.Equal(t, "sectors", table.Unit)
	assert.Equal(t, int64(512), table.SectorSize)

	require.Len(t, table.Partitions, 4)
	assert.Equal(t, "/dev/loop1p1", table.Partitions[0].Path)
	assert.Equal(t, int64(16384), table.Partitions[0].Start)
	assert.Equal(t, int64(32768), table.Partitions[0].Size)
	assert.Equal(t, "c", table.Partitions[0].Type)
	assert.True(t, table.Partitions[0].Bootable)
	assert.False(t, table.Partitions[1].Bootable)
}

func TestCreateSparseDisk(t *testing.T) {
	diskPath := filepath.Join(t.TempDir(), "disk.img")

	require.NoError(t, CreateSparseDisk(diskPath, 4*MiB, 0o644))

	info, err := os.Stat(diskPath)
	require.NoError(t, err)
	assert.Equal(t, int64(4*MiB), info.Size())

	// Recreating truncates back to the requested size.
	require.NoError(t, CreateSparseDisk(diskPath, 2*MiB, 0o644))
	info, err = os.Stat(diskPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2*MiB), info.Size())
}

func TestTruncateDisk(t *testing.T) {
	diskPath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, CreateSparseDisk(diskPath, 4*MiB, 0o644))

	require.NoError(t, TruncateDisk(diskPath, 1*MiB))

	info, err := os.Stat(diskPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1*MiB), info.Size())
}

func TestIsTransientLoopbackError(t *testing.T) {
	// Exhaustion and free-device races resolve themselves and are retried.
	assert.True(t, isTransientLoopbackError("losetup: cannot find an unused loop device: "+
		"could not find any free loop device"))
	assert.True(t, isTransientLoopbackError("losetup: /dev/loop7: failed to set up loop device: "+
		"Device or resource busy"))
	assert.True(t, isTransientLoopbackError("losetup: /dev/loop7: failed to set up loop device: "+
		"No such device or address"))

	// Permanent failures must surface immediately, unretried.
	assert.False(t, isTransientLoopbackError("losetup: /tmp/missing.img: failed to set up "+
		"loop device: No such file or directory"))
	assert.False(t, isTransientLoopbackError("losetup: /dev/loop-control: open failed: "+
		"Permission denied"))
}

func TestIsDigit(t *testing.T) {
	// Partition dev node naming depends on whether the disk path ends in a
	// digit (/dev/loop3p2 vs. /dev/sdb2).
	assert.True(t, isDigit('3'))
	assert.False(t, isDigit('b'))
}
