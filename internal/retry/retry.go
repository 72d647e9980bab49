// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package retry reruns fallible operations with fixed or exponential delays.
package retry

import (
	"context"
	"time"
)

// Run runs the function up to attempts times, sleeping for delay between
// attempts, until it succeeds.
func Run(function func() error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		err = function()
		if err == nil {
			return nil
		}
	}
	return err
}

// RunWithExpBackoff runs the function up to attempts times with exponentially
// increasing delays, stopping early if the context is cancelled. Returns the
// number of attempts made.
func RunWithExpBackoff(ctx context.Context, function func() error, attempts int,
	initialDelay time.Duration, factor float64,
) (int, error) {
	delay := initialDelay

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return i, ctx.Err()
			}
			delay = time.Duration(float64(delay) * factor)
		}

		err = function()
		if err == nil {
			return i + 1, nil
		}
	}
	return attempts, err
}
