// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package sliceutils

// FindValueFunc returns the first value matching the predicate.
func FindValueFunc[T any](values []T, predicate func(value T) bool) (T, bool) {
	for _, value := range values {
		if predicate(value) {
			return value, true
		}
	}

	var zero T
	return zero, false
}

// ContainsValue reports whether the slice contains the value.
func ContainsValue[T comparable](values []T, needle T) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
