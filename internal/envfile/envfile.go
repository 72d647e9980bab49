// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package envfile reads and rewrites flat key=value files, such as the
// device-type stamp file and /etc/mender/artifact_info.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

func init() {
	// The in-image files use "key=value" lines without whitespace padding.
	ini.PrettyFormat = false
}

var loadOptions = ini.LoadOptions{
	// The stamp files are not real INI files; there are no sections or
	// inline comments, and values may contain '#' or ';'.
	IgnoreInlineComment: true,
}

// ParseEnvFile reads all key=value pairs from the file.
func ParseEnvFile(path string) (map[string]string, error) {
	cfg, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load env file (%s):\n%w", path, err)
	}

	result := make(map[string]string)
	for _, key := range cfg.Section(ini.DefaultSection).Keys() {
		result[key.Name()] = key.Value()
	}
	return result, nil
}

// ReadValue returns the value of a single key in the file.
func ReadValue(path string, name string) (string, error) {
	values, err := ParseEnvFile(path)
	if err != nil {
		return "", err
	}

	value, ok := values[name]
	if !ok {
		return "", fmt.Errorf("env file (%s) has no value for (%s)", path, name)
	}
	return value, nil
}

// WriteValue sets a single key in the file, creating the file and its parent
// directory if needed and preserving any other keys.
func WriteValue(path string, name string, value string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create parent directory of (%s):\n%w", path, err)
	}

	cfg, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("failed to load env file (%s):\n%w", path, err)
	}

	cfg.Section(ini.DefaultSection).Key(name).SetValue(value)

	err = cfg.SaveTo(path)
	if err != nil {
		return fmt.Errorf("failed to save env file (%s):\n%w", path, err)
	}
	return nil
}
