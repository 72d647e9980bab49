// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package diskutils manipulates disk image files and their partitions through
// the standard block-device utilities (losetup, sfdisk, lsblk, blkid, mkfs).
package diskutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mendersoftware/mender-convert/internal/file"
	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/mendersoftware/mender-convert/internal/retry"
	"github.com/mendersoftware/mender-convert/internal/shell"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Unit to byte conversion values.
const (
	B   = 1
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
)

// MBR partition type ids used by the fixed sdimg layout.
const (
	MbrTypeFat32Lba = "c"
	MbrTypeLinux    = "83"
)

const flockTimeoutSeconds = "5"

// ErrNoFreeLoopDevice indicates a transient attach failure: every loop device
// is taken or the chosen one was grabbed by another process first. Other
// losetup failures (bad path, permissions) are permanent and are not wrapped
// in this sentinel.
var ErrNoFreeLoopDevice = errors.New("no free loop device")

var diskDevPathRegexp = regexp.MustCompile(`^/dev/(\w+)$`)

type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path     string `json:"node"`     // Example: /dev/loop1p1
	Start    int64  `json:"start"`    // Example: 2048
	Size     int64  `json:"size"`     // Example: 16384
	Type     string `json:"type"`     // Example: 83
	Bootable bool   `json:"bootable"` // Example: true
}

type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: dos
	Device     string                    `json:"device"`     // Example: /dev/loop1
	Unit       string                    `json:"unit"`       // Example: sectors
	SectorSize int64                     `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

// CreateSparseDisk creates an empty sparse disk file of the given size in
// bytes.
func CreateSparseDisk(diskPath string, sizeBytes uint64, perm os.FileMode) error {
	diskFile, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer diskFile.Close()

	err = diskFile.Truncate(int64(sizeBytes))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}
	return nil
}

// TruncateDisk resizes an existing disk file to exactly sizeBytes.
func TruncateDisk(diskPath string, sizeBytes uint64) error {
	err := os.Truncate(diskPath, int64(sizeBytes))
	if err != nil {
		return fmt.Errorf("failed to truncate disk file (%s):\n%w", diskPath, err)
	}
	return nil
}

// SetupLoopbackDevice creates a /dev/loop device for the given disk file,
// with partition scanning enabled. Transient failures are reported as
// ErrNoFreeLoopDevice so callers can retry them.
func SetupLoopbackDevice(diskFilePath string) (string, error) {
	logger.Log.Debugf("Attaching loopback: %s", diskFilePath)
	stdout, stderr, err := shell.Execute("losetup", "--show", "-f", "-P", diskFilePath)
	if err != nil {
		if isTransientLoopbackError(stderr) {
			return "", fmt.Errorf("%w:\n%v\n%v", ErrNoFreeLoopDevice, stderr, err)
		}
		return "", fmt.Errorf("failed to create loopback device using losetup:\n%v\n%w", stderr, err)
	}

	devicePath := strings.TrimSpace(stdout)
	logger.Log.Debugf("Created loopback device at device path: %s", devicePath)
	return devicePath, nil
}

// isTransientLoopbackError reports whether the losetup stderr describes a
// condition worth retrying: the loop devices are a shared, finite host
// resource, so exhaustion and races for a free device resolve themselves.
func isTransientLoopbackError(stderr string) bool {
	stderr = strings.ToLower(stderr)
	return strings.Contains(stderr, "could not find any free loop device") ||
		strings.Contains(stderr, "no such device") ||
		strings.Contains(stderr, "resource busy") ||
		strings.Contains(stderr, "resource temporarily unavailable")
}

// DetachLoopbackDevice detaches the specified loop device. Failures are
// logged, not returned, so that cleanup paths can always proceed.
func DetachLoopbackDevice(diskDevPath string) error {
	logger.Log.Debugf("Detaching loopback device path: %s", diskDevPath)
	_, stderr, err := shell.Execute("losetup", "-d", diskDevPath)
	if err != nil {
		logger.Log.Warnf("Failed to detach loopback device using losetup: %v", stderr)
	}
	return err
}

// WaitForLoopbackToDetach waits until the loop device no longer lists the
// disk file as its backing file.
func WaitForLoopbackToDetach(devicePath string, diskPath string) error {
	delay := 120 * time.Millisecond
	attempts := 10
	for failures := 0; failures < attempts; failures++ {
		stdout, _, err := shell.Execute("losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
		if err != nil {
			return fmt.Errorf("failed to read loopback list:\n%w", err)
		}

		var output loopbackListOutput
		if stdout != "" {
			err = json.Unmarshal([]byte(stdout), &output)
			if err != nil {
				return fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
			}
		}

		found := false
		for _, device := range output.Devices {
			if device.Name == devicePath && device.BackingFile == diskPath {
				found = true
				break
			}
		}

		if !found {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close",
		devicePath, diskPath)
}

// ReadDiskPartitionTable reads the partition table directly from the disk
// device. Returns nil if the disk has no partition table.
func ReadDiskPartitionTable(diskDevPath string) (*PartitionTable, error) {
	stdout, stderr, err := shell.Execute("flock", "--timeout", flockTimeoutSeconds, "--shared",
		diskDevPath, "sfdisk", "--lock=no", "--dump", "--json", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "does not contain a recognized partition table") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read partition table (%s):\n%s\n%w", diskDevPath, stderr, err)
	}

	var output partitionTableOutput
	if stdout == "" {
		return nil, nil
	}

	err = json.Unmarshal([]byte(stdout), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table JSON:\n%w", diskDevPath, err)
	}

	if output.PartitionTable == nil {
		return nil, nil
	}

	partitionTable := output.PartitionTable
	if partitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit size '%s': expecting 'sectors'",
			partitionTable.Unit)
	}

	return partitionTable, nil
}

// WritePartitionTable replaces the disk's partition table with the given
// sfdisk script.
func WritePartitionTable(diskDevPath string, sfdiskScript string) error {
	logger.Log.Debugf("sfdisk script:\n%s", sfdiskScript)

	err := shell.NewExecBuilder("flock", "--timeout", flockTimeoutSeconds, diskDevPath,
		"sfdisk", "--lock=no", diskDevPath).
		Stdin(sfdiskScript).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to write partition table (%s) using sfdisk:\n%w", diskDevPath, err)
	}

	return nil
}

// ResizePartition rewrites a single partition's size in sectors, leaving its
// start untouched.
func ResizePartition(diskDevPath string, partitionNumber int, sizeSectors uint64) error {
	sfdiskScript := fmt.Sprintf("unit: sectors\nsize=%d", sizeSectors)

	err := shell.NewExecBuilder("flock", "--timeout", flockTimeoutSeconds, diskDevPath,
		"sfdisk", "--lock=no", "-N", strconv.Itoa(partitionNumber), diskDevPath).
		Stdin(sfdiskScript).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to resize partition (%d) of (%s) with sfdisk:\n%w",
			partitionNumber, diskDevPath, err)
	}

	return nil
}

// WaitForDiskDevice waits for the kernel and udev to finish populating the
// disk's partition device nodes after a partition table change.
func WaitForDiskDevice(diskDevPath string) error {
	err := waitForDevicesToSettle()
	if err != nil {
		return err
	}

	// 'udevadm settle' is sometimes not enough. Double check that each
	// partition's device node actually exists.
	partitionTable, err := ReadDiskPartitionTable(diskDevPath)
	if err != nil {
		return err
	}
	if partitionTable == nil {
		return nil
	}

	for _, partition := range partitionTable.Partitions {
		_, err = WaitForPartitionDevPath(diskDevPath, partitionNumberOf(diskDevPath, partition.Path))
		if err != nil {
			return fmt.Errorf("timed out waiting for disk (%s) partitions to be populated:\n%w",
				diskDevPath, err)
		}
	}

	return nil
}

func partitionNumberOf(diskDevPath string, partDevPath string) int {
	suffix := strings.TrimPrefix(partDevPath, diskDevPath)
	suffix = strings.TrimPrefix(suffix, "p")
	number, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return number
}

// waitForDevicesToSettle waits for all udev events to be processed on the
// system.
func waitForDevicesToSettle() error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}

// WaitForPartitionDevPath waits for a partition's device node to appear and
// returns its path.
//
// There are two partition naming conventions:
//   - /dev/sdN<x>
//   - /dev/loopNp<x>
func WaitForPartitionDevPath(diskDevPath string, partitionNumber int) (string, error) {
	const (
		retryDuration = time.Second
		totalAttempts = 5
	)

	partitionNumberStr := strconv.Itoa(partitionNumber)

	testPartDevPaths := []string{
		fmt.Sprintf("%sp%s", diskDevPath, partitionNumberStr),
	}

	// If the disk path ends in a digit, then the 'p<x>' style must be used.
	// Don't check the other style to avoid ambiguities, e.g. /dev/loop1 vs.
	// /dev/loop11.
	if !isDigit(diskDevPath[len(diskDevPath)-1]) {
		testPartDevPaths = append(testPartDevPaths,
			fmt.Sprintf("%s%s", diskDevPath, partitionNumberStr))
	}

	partDevPath := ""
	err := retry.Run(func() error {
		for _, testPartDevPath := range testPartDevPaths {
			exists, err := file.PathExists(testPartDevPath)
			if err != nil {
				return fmt.Errorf("failed to find device path (%s):\n%w", testPartDevPath, err)
			}
			if exists {
				partDevPath = testPartDevPath
				return nil
			}
		}
		return fmt.Errorf("could not find partition (%d) in /dev", partitionNumber)
	}, totalAttempts, retryDuration)
	if err != nil {
		return "", err
	}

	return partDevPath, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// FormatPartition formats the partition device with the given filesystem
// type.
//
// Note: it is possible for the format command to fail right after partition
// creation because the device node is not actually ready yet, so the command
// is retried.
func FormatPartition(fsType string, partDevPath string, label string) error {
	const (
		totalAttempts = 5
		retryDuration = time.Second
	)

	var mkfsArgs []string
	switch fsType {
	case "ext4":
		mkfsArgs = []string{"-F", "-q"}
		if label != "" {
			mkfsArgs = append(mkfsArgs, "-L", label)
		}
	case "vfat":
		if label != "" {
			mkfsArgs = append(mkfsArgs, "-n", strings.ToUpper(label))
		}
	default:
		return fmt.Errorf("unrecognized filesystem format: %v", fsType)
	}
	mkfsArgs = append(mkfsArgs, partDevPath)

	err := retry.Run(func() error {
		err := shell.ExecuteLive(true /*squashErrors*/, "mkfs."+fsType, mkfsArgs...)
		if err != nil {
			logger.Log.Warnf("Failed to format partition (%s) using mkfs.%s", partDevPath, fsType)
			return err
		}
		return nil
	}, totalAttempts, retryDuration)
	if err != nil {
		return fmt.Errorf("could not format partition (%s) with type %v after %v retries",
			partDevPath, fsType, totalAttempts)
	}

	return nil
}

// CopyBlockDevice copies the full content of a block device (or file) to the
// destination, which may be a regular file or another block device.
func CopyBlockDevice(srcPath string, dstPath string) error {
	const defaultBlockSize = 1024 * 1024 // 1MB

	ddArgs := []string{
		fmt.Sprintf("if=%s", srcPath),
		fmt.Sprintf("of=%s", dstPath),
		fmt.Sprintf("bs=%d", defaultBlockSize),
		"conv=sparse,fsync",
	}

	err := shell.ExecuteLive(true /*squashErrors*/, "dd", ddArgs...)
	if err != nil {
		return fmt.Errorf("failed to copy block device (%s) to (%s):\n%w", srcPath, dstPath, err)
	}

	return nil
}

// GetSectorSize returns the logical and physical sector sizes of the disk
// device, read from sysfs.
func GetSectorSize(diskDevPath string) (logicalSectorSize, physicalSectorSize uint64, err error) {
	match := diskDevPathRegexp.FindStringSubmatch(diskDevPath)
	if match == nil {
		return 0, 0, fmt.Errorf("input disk device path (%s) is of invalid format", diskDevPath)
	}
	diskName := match[1]

	logicalSectorSize, err = readSectorSizeFile(
		fmt.Sprintf("/sys/block/%s/queue/hw_sector_size", diskName))
	if err != nil {
		return 0, 0, err
	}

	physicalSectorSize, err = readSectorSizeFile(
		fmt.Sprintf("/sys/block/%s/queue/physical_block_size", diskName))
	if err != nil {
		return 0, 0, err
	}

	return logicalSectorSize, physicalSectorSize, nil
}

func readSectorSizeFile(sectorFile string) (uint64, error) {
	lines, err := file.ReadLines(sectorFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read sector size file (%s):\n%w", sectorFile, err)
	}
	if len(lines) != 1 {
		return 0, fmt.Errorf("%s has more than one line", sectorFile)
	}

	sectorSize, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sector size (%s):\n%w", lines[0], err)
	}
	return sectorSize, nil
}

// RefreshPartitions asks the kernel to reread the disk's partition table and
// waits for the partition device nodes to reappear.
func RefreshPartitions(diskDevPath string) error {
	err := requestKernelRereadPartitionTable(diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to request partition table reread (%s):\n%w", diskDevPath, err)
	}

	return WaitForDiskDevice(diskDevPath)
}

func requestKernelRereadPartitionTable(diskDevPath string) error {
	diskFile, err := os.OpenFile(diskDevPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer diskFile.Close()

	waitTime := 125 * time.Millisecond
	retries := 10
	for i := 0; ; i++ {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, diskFile.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && i < retries:
			// Something else is using the disk at the moment.
			time.Sleep(waitTime)
			waitTime *= 2
			continue

		case errno != 0:
			return errno

		default:
			return nil
		}
	}
}

// FlushDiskIO flushes all outstanding writes to disk.
func FlushDiskIO() error {
	_, _, err := shell.Execute("sync")
	return err
}
