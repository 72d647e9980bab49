// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package safeloopback provides a loop device that is tracked and always
// detached, either by an explicit CleanClose or by a deferred best-effort
// Close.
package safeloopback

import (
	"errors"
	"fmt"
	"time"

	"github.com/mendersoftware/mender-convert/internal/diskutils"
)

// ErrDeviceBusy indicates that no loop device could be attached after the
// bounded number of attempts because the devices are a shared, finite
// resource and something else is holding them.
var ErrDeviceBusy = errors.New("loop devices busy or exhausted")

const (
	attachAttempts = 5
	attachDelay    = time.Second
)

type Loopback struct {
	devicePath   string
	diskFilePath string
	isAttached   bool
}

// NewLoopback attaches the disk file to a loop device with partition
// scanning, retrying transient "busy"/"no free device" conditions.
func NewLoopback(diskFilePath string) (*Loopback, error) {
	loopback := &Loopback{
		diskFilePath: diskFilePath,
	}

	err := loopback.newLoopbackHelper()
	if err != nil {
		loopback.Close()
		return nil, err
	}

	return loopback, nil
}

func (l *Loopback) newLoopbackHelper() error {
	var lastErr error
	for i := 0; i < attachAttempts; i++ {
		if i > 0 {
			time.Sleep(attachDelay)
		}

		devicePath, err := diskutils.SetupLoopbackDevice(l.diskFilePath)
		if err == nil {
			l.devicePath = devicePath
			l.isAttached = true

			// Make sure the partition device nodes exist before handing the
			// device out.
			return diskutils.WaitForDiskDevice(l.devicePath)
		}

		// Only busy/no-free-device conditions resolve themselves; anything
		// else (bad path, permissions) fails the same way every time.
		if !errors.Is(err, diskutils.ErrNoFreeLoopDevice) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w (disk='%s', attempts=%d):\n%v", ErrDeviceBusy, l.diskFilePath,
		attachAttempts, lastErr)
}

// DevicePath returns the whole-disk device path, e.g. /dev/loop1.
func (l *Loopback) DevicePath() string {
	return l.devicePath
}

// DiskFilePath returns the backing disk file path.
func (l *Loopback) DiskFilePath() string {
	return l.diskFilePath
}

// PartitionDevPath returns the device path of the numbered partition,
// waiting for its node to appear.
func (l *Loopback) PartitionDevPath(partitionNumber int) (string, error) {
	return diskutils.WaitForPartitionDevPath(l.devicePath, partitionNumber)
}

// Close detaches best-effort. Safe to call multiple times, including after a
// CleanClose.
func (l *Loopback) Close() {
	if l.isAttached {
		diskutils.DetachLoopbackDevice(l.devicePath)
		l.isAttached = false
	}
}

// CleanClose detaches and waits for the device to actually be released.
func (l *Loopback) CleanClose() error {
	if !l.isAttached {
		return nil
	}

	err := diskutils.FlushDiskIO()
	if err != nil {
		return fmt.Errorf("failed to flush IO before detaching (%s):\n%w", l.devicePath, err)
	}

	err = diskutils.DetachLoopbackDevice(l.devicePath)
	if err != nil {
		return fmt.Errorf("failed to detach loopback device (%s):\n%w", l.devicePath, err)
	}
	l.isAttached = false

	err = diskutils.WaitForLoopbackToDetach(l.devicePath, l.diskFilePath)
	if err != nil {
		return err
	}

	return nil
}
