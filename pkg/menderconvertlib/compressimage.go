// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/pgzip"
	"github.com/mendersoftware/mender-convert/internal/logger"
)

// CompressDiskImage gzips the image file next to itself and returns the
// compressed file's path. The uncompressed original is kept.
func CompressDiskImage(imagePath string) (string, error) {
	compressedPath := imagePath + ".gz"
	logger.Log.Infof("Compressing (%s)", imagePath)

	imageFile, err := os.Open(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image (%s) for compression:\n%w", imagePath, err)
	}
	defer imageFile.Close()

	compressedFile, err := os.Create(compressedPath)
	if err != nil {
		return "", fmt.Errorf("failed to create compressed image (%s):\n%w", compressedPath, err)
	}
	defer compressedFile.Close()

	gzipWriter := pgzip.NewWriter(compressedFile)
	_, err = io.Copy(gzipWriter, imageFile)
	if err != nil {
		gzipWriter.Close()
		os.Remove(compressedPath)
		return "", fmt.Errorf("failed to compress image (%s):\n%w", imagePath, err)
	}

	err = gzipWriter.Close()
	if err != nil {
		os.Remove(compressedPath)
		return "", fmt.Errorf("failed to finalize compressed image (%s):\n%w", compressedPath, err)
	}

	err = compressedFile.Close()
	if err != nil {
		os.Remove(compressedPath)
		return "", fmt.Errorf("failed to finalize compressed image (%s):\n%w", compressedPath, err)
	}

	return compressedPath, nil
}
