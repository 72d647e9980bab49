// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package sliceutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindValueFunc(t *testing.T) {
	values := []string{"boot", "primary", "secondary", "data"}

	found, ok := FindValueFunc(values, func(value string) bool { return value == "secondary" })
	assert.True(t, ok)
	assert.Equal(t, "secondary", found)

	_, ok = FindValueFunc(values, func(value string) bool { return value == "tertiary" })
	assert.False(t, ok)
}

func TestContainsValue(t *testing.T) {
	values := []int{1, 2, 3}
	assert.True(t, ContainsValue(values, 2))
	assert.False(t, ContainsValue(values, 4))
}
