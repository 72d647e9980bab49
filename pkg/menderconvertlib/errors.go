// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"fmt"
)

// Error categories. Every failure the conversion pipeline reports wraps
// exactly one of these, so callers can classify with errors.Is.
var (
	ConfigurationError       = errors.New("configuration")
	UnsupportedDeviceError   = errors.New("unsupported-device")
	UnsupportedLayoutError   = errors.New("unsupported-layout")
	InvalidSizeError         = errors.New("invalid-size")
	ResourceExhaustionError  = errors.New("resource-exhaustion")
	LayoutVerificationError  = errors.New("layout-verification")
	FilesystemIntegrityError = errors.New("filesystem-integrity")
	DeviceTypeMismatchError  = errors.New("device-type-mismatch")
	ExternalToolError        = errors.New("external-tool")
)

// ConversionError attaches a category and a fixed message to an underlying
// cause.
type ConversionError struct {
	Type    error
	Message string
	Cause   error
}

func (e *ConversionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s:\n%v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConversionError) Unwrap() error {
	return e.Cause
}

func (e *ConversionError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

func NewConversionError(errorType error, message string) *ConversionError {
	return &ConversionError{
		Type:    errorType,
		Message: message,
	}
}

func NewConversionErrorWithCause(errorType error, message string, cause error) *ConversionError {
	return &ConversionError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}
