// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"path/filepath"

	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/safemount"
)

// MountSet holds the mounted partitions of one target image, each at its
// fixed subdirectory (boot, primary, secondary, data) under a working root.
// The mounted directories are populated by the external device installers.
type MountSet struct {
	root   string
	mounts []*safemount.Mount
	byName map[string]*safemount.Mount
}

// MountAll mounts every partition of the target image at its fixed
// subdirectory under mountRoot. On failure, anything already mounted is
// unmounted again before returning.
func MountAll(mapping *DeviceMapping, target *TargetDiskImage, mountRoot string,
) (*MountSet, error) {
	set := &MountSet{
		root:   mountRoot,
		byName: make(map[string]*safemount.Mount),
	}

	for _, partition := range target.Partitions {
		partDevPath, err := mapping.PartitionPath(partition.Number)
		if err != nil {
			set.Close()
			return nil, err
		}

		mountDir := filepath.Join(mountRoot, partition.Name)
		mount, err := safemount.NewMount(partDevPath, mountDir, partition.FsType, 0, "", true)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to mount partition (%s) at (%s):\n%w",
				partition.Name, mountDir, err)
		}

		set.mounts = append(set.mounts, mount)
		set.byName[partition.Name] = mount
	}

	return set, nil
}

// Path returns the mount-point directory of the named partition.
func (s *MountSet) Path(name string) (string, error) {
	mount, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("no mounted partition named (%s)", name)
	}
	return mount.Target(), nil
}

// HasMount reports whether the named partition is part of the set.
func (s *MountSet) HasMount(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Mounted returns the number of still-mounted partitions.
func (s *MountSet) Mounted() int {
	count := 0
	for _, mount := range s.mounts {
		if mount.IsMounted() {
			count++
		}
	}
	return count
}

// UnmountAll unmounts every partition in reverse mount order. It is
// idempotent and attempts every mount even if some fail, returning the first
// hard failure.
func (s *MountSet) UnmountAll() error {
	var firstErr error
	for i := len(s.mounts) - 1; i >= 0; i-- {
		err := s.mounts[i].CleanClose()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close unmounts everything best-effort. Safe to call after UnmountAll.
func (s *MountSet) Close() {
	for i := len(s.mounts) - 1; i >= 0; i-- {
		s.mounts[i].Close()
	}
	if s.Mounted() > 0 {
		logger.Log.Warnf("Some partitions under (%s) could not be unmounted", s.root)
	}
}
