// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package safemount provides a mount that is tracked and always unmounted,
// either by an explicit CleanClose or by a deferred best-effort Close.
package safemount

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

type Mount struct {
	source     string
	target     string
	fstype     string
	flags      uintptr
	data       string
	isMounted  bool
	dirCreated bool
}

// NewMount mounts source at target and returns a Mount guard. If
// makeAndDeleteDir is set, the target directory is created now and removed
// again on clean close.
func NewMount(source, target, fstype string, flags uintptr, data string, makeAndDeleteDir bool,
) (*Mount, error) {
	mount := &Mount{
		source: source,
		target: target,
		fstype: fstype,
		flags:  flags,
		data:   data,
	}

	err := mount.initialize(makeAndDeleteDir)
	if err != nil {
		mount.Close()
		return nil, err
	}

	return mount, nil
}

func (m *Mount) initialize(makeAndDeleteDir bool) error {
	logger.Log.Debugf("Mounting (%s) at (%s)", m.source, m.target)

	if makeAndDeleteDir {
		err := os.MkdirAll(m.target, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = true
	}

	err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) at (%s):\n%w", m.source, m.target, err)
	}
	m.isMounted = true

	return nil
}

// Target returns the mount's target directory path.
func (m *Mount) Target() string {
	return m.target
}

// IsMounted reports whether the mount is still active.
func (m *Mount) IsMounted() bool {
	return m.isMounted
}

// CleanClose unmounts and returns an error if the unmount fails.
func (m *Mount) CleanClose() error {
	return m.close(false)
}

// Close unmounts, logging any failure. Safe to call multiple times, including
// after a CleanClose.
func (m *Mount) Close() {
	err := m.close(true)
	if err != nil {
		logger.Log.Warnf("Failed to unmount (%s): %v", m.target, err)
	}
}

func (m *Mount) close(async bool) error {
	if m.isMounted {
		// The mount may already be gone if something else (e.g. a recursive
		// unmount) took it down; don't fail on that.
		stillMounted, err := mountinfo.Mounted(m.target)
		if err == nil && !stillMounted {
			m.isMounted = false
		}
	}

	if m.isMounted {
		logger.Log.Debugf("Unmounting (%s)", m.target)

		err := m.unmount()
		if err != nil {
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
		}
		m.isMounted = false
	}

	if m.dirCreated && !async {
		err := os.Remove(m.target)
		if err != nil {
			return fmt.Errorf("failed to remove mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = false
	}

	return nil
}

func (m *Mount) unmount() error {
	const (
		attempts = 3
		delay    = 500 * time.Millisecond
	)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		err = unix.Unmount(m.target, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
	}

	// The mountpoint is stuck busy. Fall back to a lazy unmount so that
	// cleanup can still make progress.
	logger.Log.Warnf("Mountpoint (%s) is busy, detaching lazily", m.target)
	return unix.Unmount(m.target, unix.MNT_DETACH)
}
