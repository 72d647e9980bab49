// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package file contains small filesystem helpers shared across the module.
package file

import (
	"bufio"
	"fmt"
	"os"
)

// PathExists reports whether the given path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ReadLines reads the file and returns its lines without line endings.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file (%s):\n%w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file (%s):\n%w", path, err)
	}
	return lines, nil
}
