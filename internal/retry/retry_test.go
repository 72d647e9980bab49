// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Run(func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunReturnsLastError(t *testing.T) {
	lastErr := errors.New("still broken")
	calls := 0
	err := Run(func() error {
		calls++
		return lastErr
	}, 3, time.Millisecond)

	assert.Equal(t, lastErr, err)
	assert.Equal(t, 3, calls)
}

func TestRunWithExpBackoffCountsAttempts(t *testing.T) {
	calls := 0
	attempts, err := RunWithExpBackoff(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond, 2.0)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestRunWithExpBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	_, err := RunWithExpBackoff(ctx, func() error {
		cancel()
		return errors.New("not yet")
	}, 10, time.Minute, 2.0)

	assert.True(t, errors.Is(err, context.Canceled))
}
