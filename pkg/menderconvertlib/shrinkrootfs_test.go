// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResize2fsMinimumSize(t *testing.T) {
	stdout := "resize2fs 1.47.0 (5-Feb-2023)\n" +
		"Estimated minimum size of the filesystem: 21015\n"

	minBlocks, err := parseResize2fsMinimumSize(stdout)
	require.NoError(t, err)
	assert.Equal(t, uint64(21015), minBlocks)
}

func TestParseResize2fsMinimumSizeRejectsGarbage(t *testing.T) {
	_, err := parseResize2fsMinimumSize("resize2fs: bad magic number in super-block\n")
	assert.Error(t, err)
}

func TestParseTune2fsBlockSize(t *testing.T) {
	stdout := "tune2fs 1.47.0 (5-Feb-2023)\n" +
		"Filesystem volume name:   primary\n" +
		"Block count:              262144\n" +
		"Block size:               4096\n" +
		"Fragment size:            4096\n"

	blockSize, err := parseTune2fsBlockSize(stdout)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), blockSize)
}

func TestParseTune2fsBlockSizeRejectsGarbage(t *testing.T) {
	_, err := parseTune2fsBlockSize("tune2fs: No such file or directory\n")
	assert.Error(t, err)
}

func TestComputeShrunkSizeSectors(t *testing.T) {
	// 21015 blocks of 4096 bytes is 168120 sectors of 512 bytes, rounded up
	// to the next alignment unit.
	size := computeShrunkSizeSectors(21015, 4096, 512)
	assert.Equal(t, alignUp(168120, alignmentSectors), size)
	assert.Zero(t, size%alignmentSectors)
}

func TestComputeShrunkSizeSectorsIsIdempotent(t *testing.T) {
	// Shrinking an already minimal filesystem computes the same size again.
	size := computeShrunkSizeSectors(21015, 4096, 512)
	sizeBlocks := size * 512 / 4096
	assert.Equal(t, size, computeShrunkSizeSectors(sizeBlocks, 4096, 512))
}
