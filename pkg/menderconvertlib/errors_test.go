// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversionErrorMatchesItsType(t *testing.T) {
	err := NewConversionError(InvalidSizeError, "data partition size must be non-zero")

	assert.True(t, errors.Is(err, InvalidSizeError))
	assert.False(t, errors.Is(err, ConfigurationError))
	assert.Equal(t, "data partition size must be non-zero", err.Error())
}

func TestConversionErrorMatchesThroughWrapping(t *testing.T) {
	inner := NewConversionError(DeviceTypeMismatchError, "image was built for another device")
	wrapped := fmt.Errorf("pipeline failed:\n%w", inner)

	assert.True(t, errors.Is(wrapped, DeviceTypeMismatchError))
}

func TestConversionErrorUnwrapsItsCause(t *testing.T) {
	cause := errors.New("exit status 8")
	err := NewConversionErrorWithCause(FilesystemIntegrityError, "filesystem check failed", cause)

	assert.True(t, errors.Is(err, FilesystemIntegrityError))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "exit status 8")
}
