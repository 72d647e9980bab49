// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package safeloopback

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoopbackFailsFastOnPermanentErrors(t *testing.T) {
	// A missing backing file fails the same way every time; it must not be
	// retried for the full attach window or be reported as device exhaustion.
	start := time.Now()
	_, err := NewLoopback(filepath.Join(t.TempDir(), "missing.img"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeviceBusy))
	assert.Less(t, elapsed, attachDelay*(attachAttempts-1))
}
