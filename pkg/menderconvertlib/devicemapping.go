// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"errors"
	"fmt"

	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/safeloopback"
)

// DeviceMapping holds the block-device handles of one attached image: the
// whole-disk loop device plus one partition device node per partition, in
// partition order. Loop devices are a finite, OS-wide shared resource, so
// every successful acquire must be matched by exactly one release, on every
// exit path.
type DeviceMapping struct {
	loopback *safeloopback.Loopback
	released bool
}

// Acquire attaches the image file and registers the mapping with the set, so
// that the pipeline's cleanup can release it even if the owning step fails
// midway.
func (s *DeviceMappingSet) Acquire(imagePath string) (*DeviceMapping, error) {
	loopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		if errors.Is(err, safeloopback.ErrDeviceBusy) {
			return nil, NewConversionErrorWithCause(ResourceExhaustionError,
				fmt.Sprintf("no free loop device for image (%s)", imagePath), err)
		}
		return nil, fmt.Errorf("failed to attach image (%s) as a loopback device:\n%w",
			imagePath, err)
	}

	mapping := &DeviceMapping{
		loopback: loopback,
	}

	s.mappings = append(s.mappings, mapping)
	return mapping, nil
}

// ImagePath returns the path of the owning image file.
func (m *DeviceMapping) ImagePath() string {
	return m.loopback.DiskFilePath()
}

// DevicePath returns the whole-disk device path.
func (m *DeviceMapping) DevicePath() string {
	return m.loopback.DevicePath()
}

// PartitionPath returns the device path of the numbered (1-based) partition.
func (m *DeviceMapping) PartitionPath(partitionNumber int) (string, error) {
	return m.loopback.PartitionDevPath(partitionNumber)
}

// Release detaches all of the mapping's device handles. It is idempotent:
// releasing an already released (or never fully attached) mapping succeeds.
func (m *DeviceMapping) Release() error {
	if m.released {
		return nil
	}
	m.released = true

	err := m.loopback.CleanClose()
	if err != nil {
		// Fall back to the best-effort detach so nothing is leaked.
		m.loopback.Close()
		return fmt.Errorf("failed to release device mapping for (%s):\n%w", m.ImagePath(), err)
	}
	return nil
}

// DeviceMappingSet tracks every mapping acquired during a pipeline run.
// The Pipeline Controller owns it exclusively and releases it on every exit
// path.
type DeviceMappingSet struct {
	mappings []*DeviceMapping
}

func NewDeviceMappingSet() *DeviceMappingSet {
	return &DeviceMappingSet{}
}

// Outstanding returns the number of mappings not yet released.
func (s *DeviceMappingSet) Outstanding() int {
	count := 0
	for _, mapping := range s.mappings {
		if !mapping.released {
			count++
		}
	}
	return count
}

// ReleaseAll releases every outstanding mapping, attempting all of them even
// if some fail, and returns the first hard failure.
func (s *DeviceMappingSet) ReleaseAll() error {
	var firstErr error
	for _, mapping := range s.mappings {
		if mapping.released {
			continue
		}
		logger.Log.Debugf("Releasing leftover device mapping (%s)", mapping.ImagePath())
		err := mapping.Release()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
