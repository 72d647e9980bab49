// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCapturesOutput(t *testing.T) {
	stdout, stderr, err := Execute("sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
}

func TestExecuteReportsFailure(t *testing.T) {
	_, _, err := Execute("sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestExecBuilderDefaultsWarnLogLines(t *testing.T) {
	builder := NewExecBuilder("true")
	assert.Equal(t, DefaultWarnLogLines, builder.warnLogLines)

	builder = builder.WarnLogLines(0)
	assert.Zero(t, builder.warnLogLines)
}

func TestExecBuilderStdin(t *testing.T) {
	var lines []string
	err := NewExecBuilder("cat").
		Stdin("first\nsecond\n").
		StdoutCallback(func(line string) { lines = append(lines, line) }).
		Execute()
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)
}

func TestExecBuilderErrorStderrLines(t *testing.T) {
	err := NewExecBuilder("sh", "-c", "echo one >&2; echo two >&2; echo three >&2; exit 1").
		ErrorStderrLines(2).
		Execute()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
	assert.Contains(t, err.Error(), "three")
}

func TestLineTailKeepsOnlyTrailingLines(t *testing.T) {
	tail := newLineTail(2)
	for _, line := range []string{"a", "b", "c", "d"} {
		tail.add(line)
	}
	assert.Equal(t, []string{"c", "d"}, tail.lines())

	unlimited := newLineTail(0)
	unlimited.add("dropped")
	assert.Empty(t, unlimited.lines())
}
