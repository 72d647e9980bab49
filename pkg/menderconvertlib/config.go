// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"fmt"
	"os"

	"github.com/mendersoftware/mender-convert/internal/file"
	"gopkg.in/yaml.v3"
)

const defaultDataSizeMB = 128

// ConversionOptions carries every user-facing knob of a conversion run.
// Commands validate only the fields they use.
type ConversionOptions struct {
	// Inputs.
	RawDiskImage    string
	MenderDiskImage string

	// Conversion parameters.
	DeviceType     string
	ArtifactName   string
	DataSizeMB     uint64
	RootfsSelector PartitionSelector

	// Update client installation.
	ClientBinary string
	ServerURL    string
	ServerCert   string
	TenantToken  string
	DemoHostIP   string

	// Bootloader installation.
	BootloaderToolchain string

	// Tool behavior.
	OutputDir         string
	BuildDir          string
	ScriptDir         string
	ArtifactTool      string
	Compress          bool
	KeepIntermediates bool
}

// ConversionDefaults is the optional defaults file. Every field maps to a
// ConversionOptions field and applies only where the command line left the
// option unset.
type ConversionDefaults struct {
	DeviceType          string `yaml:"device-type"`
	ArtifactName        string `yaml:"artifact-name"`
	DataSizeMB          uint64 `yaml:"data-size-mb"`
	ClientBinary        string `yaml:"client-binary"`
	ServerURL           string `yaml:"server-url"`
	ServerCert          string `yaml:"server-cert"`
	TenantToken         string `yaml:"tenant-token"`
	DemoHostIP          string `yaml:"demo-host-ip"`
	BootloaderToolchain string `yaml:"bootloader-toolchain"`
	OutputDir           string `yaml:"output-dir"`
	BuildDir            string `yaml:"build-dir"`
	ScriptDir           string `yaml:"script-dir"`
	ArtifactTool        string `yaml:"artifact-tool"`
	Compress            bool   `yaml:"compress"`
}

// LoadConversionDefaults parses a defaults file. A missing file is not an
// error; it yields empty defaults.
func LoadConversionDefaults(path string) (*ConversionDefaults, error) {
	defaults := &ConversionDefaults{}

	exists, err := file.PathExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return defaults, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read defaults file (%s):\n%w", path, err)
	}

	err = yaml.Unmarshal(contents, defaults)
	if err != nil {
		return nil, NewConversionErrorWithCause(ConfigurationError,
			fmt.Sprintf("defaults file (%s) is not valid YAML", path), err)
	}

	return defaults, nil
}

// Apply fills unset options from the defaults.
func (d *ConversionDefaults) Apply(options *ConversionOptions) {
	if options.DeviceType == "" {
		options.DeviceType = d.DeviceType
	}
	if options.ArtifactName == "" {
		options.ArtifactName = d.ArtifactName
	}
	if options.DataSizeMB == 0 {
		options.DataSizeMB = d.DataSizeMB
	}
	if options.ClientBinary == "" {
		options.ClientBinary = d.ClientBinary
	}
	if options.ServerURL == "" {
		options.ServerURL = d.ServerURL
	}
	if options.ServerCert == "" {
		options.ServerCert = d.ServerCert
	}
	if options.TenantToken == "" {
		options.TenantToken = d.TenantToken
	}
	if options.DemoHostIP == "" {
		options.DemoHostIP = d.DemoHostIP
	}
	if options.BootloaderToolchain == "" {
		options.BootloaderToolchain = d.BootloaderToolchain
	}
	if options.OutputDir == "" {
		options.OutputDir = d.OutputDir
	}
	if options.BuildDir == "" {
		options.BuildDir = d.BuildDir
	}
	if options.ScriptDir == "" {
		options.ScriptDir = d.ScriptDir
	}
	if options.ArtifactTool == "" {
		options.ArtifactTool = d.ArtifactTool
	}
	if !options.Compress {
		options.Compress = d.Compress
	}
}

// normalize fills computed defaults after defaults-file merging.
func (o *ConversionOptions) normalize() {
	if o.DataSizeMB == 0 {
		o.DataSizeMB = defaultDataSizeMB
	}
	if o.RootfsSelector == "" {
		o.RootfsSelector = SelectPrimaryRootfs
	}
	if o.OutputDir == "" {
		o.OutputDir = "."
	}
	if o.BuildDir == "" {
		o.BuildDir = os.TempDir()
	}
	if o.ScriptDir == "" {
		o.ScriptDir = "."
	}
}

// validateDeviceOptions checks the fields every conversion command needs.
func (o *ConversionOptions) validateDeviceOptions() (DeviceProfile, error) {
	if o.DeviceType == "" {
		return DeviceProfile{}, NewConversionError(ConfigurationError,
			"no device type given: pass --device-type or set it in the defaults file")
	}

	profile, err := ProfileForDevice(o.DeviceType)
	if err != nil {
		return DeviceProfile{}, err
	}

	if o.ServerURL != "" && o.DemoHostIP != "" {
		return DeviceProfile{}, NewConversionError(ConfigurationError,
			"--server-url and --demo-host-ip are mutually exclusive")
	}
	if o.TenantToken != "" && o.ServerURL == "" {
		return DeviceProfile{}, NewConversionError(ConfigurationError,
			"--tenant-token requires --server-url")
	}
	if _, err := o.RootfsSelector.partitionName(); err != nil {
		return DeviceProfile{}, err
	}

	return profile, nil
}

func (o *ConversionOptions) requireArtifactName() error {
	if o.ArtifactName == "" {
		return NewConversionError(ConfigurationError,
			"no artifact name given: pass --artifact-name or set it in the defaults file")
	}
	return nil
}

func (o *ConversionOptions) requireRawDiskImage() error {
	return requireInputImage(o.RawDiskImage, "--image")
}

func (o *ConversionOptions) requireMenderDiskImage() error {
	return requireInputImage(o.MenderDiskImage, "--mender-disk-image")
}

func requireInputImage(path string, flag string) error {
	if path == "" {
		return NewConversionError(ConfigurationError,
			fmt.Sprintf("no input image given: pass %s", flag))
	}

	exists, err := file.PathExists(path)
	if err != nil {
		return err
	}
	if !exists {
		return NewConversionError(ConfigurationError,
			fmt.Sprintf("input image (%s) does not exist", path))
	}

	return nil
}

// clientOptions collects the update-client installer flags that were set.
func (o *ConversionOptions) clientOptions() map[string]string {
	options := make(map[string]string)
	if o.ClientBinary != "" {
		options["client-binary"] = o.ClientBinary
	}
	if o.ServerURL != "" {
		options["server-url"] = o.ServerURL
	}
	if o.ServerCert != "" {
		options["server-cert"] = o.ServerCert
	}
	if o.TenantToken != "" {
		options["tenant-token"] = o.TenantToken
	}
	if o.DemoHostIP != "" {
		options["demo-host-ip"] = o.DemoHostIP
	}
	options["device-type"] = o.DeviceType
	return options
}
