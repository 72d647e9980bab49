// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

// Package shell runs external tools, routing their output through the logger
// and capturing it for error reporting.
package shell

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mendersoftware/mender-convert/internal/logger"
	"github.com/sirupsen/logrus"
)

// DefaultWarnLogLines is the number of trailing output lines repeated at
// warn level when a command fails.
const DefaultWarnLogLines = 5

// Execute runs the given command, capturing stdout and stderr.
func Execute(program string, args ...string) (stdout string, stderr string, err error) {
	logger.Log.Debugf("Executing: %s %s", program, strings.Join(args, " "))

	cmd := exec.Command(program, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		err = fmt.Errorf("command (%s) failed:\n%w", program, err)
	}
	return
}

// ExecuteLive runs the given command, streaming its output to the logger line
// by line. When squashErrors is set, stderr is logged at debug level instead
// of warn level.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	builder := NewExecBuilder(program, args...)
	if squashErrors {
		builder = builder.LogLevel(logrus.DebugLevel, logrus.DebugLevel)
	}
	return builder.Execute()
}

// ExecBuilder constructs a single external tool invocation. The zero value is
// not usable; start with NewExecBuilder.
type ExecBuilder struct {
	program          string
	args             []string
	stdin            string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	stdoutCallback   func(line string)
	errorStderrLines int
	warnLogLines     int
}

// NewExecBuilder creates an ExecBuilder that logs stdout at debug level and
// stderr at warn level, repeating the trailing output lines at warn level on
// failure.
func NewExecBuilder(program string, args ...string) ExecBuilder {
	return ExecBuilder{
		program:        program,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.WarnLevel,
		warnLogLines:   DefaultWarnLogLines,
	}
}

// Stdin provides a string for the process's stdin.
func (b ExecBuilder) Stdin(value string) ExecBuilder {
	b.stdin = value
	return b
}

// LogLevel sets the log levels used for the process's stdout and stderr.
func (b ExecBuilder) LogLevel(stdoutLevel logrus.Level, stderrLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLevel
	b.stderrLogLevel = stderrLevel
	return b
}

// StdoutCallback registers a callback invoked for each stdout line.
func (b ExecBuilder) StdoutCallback(callback func(line string)) ExecBuilder {
	b.stdoutCallback = callback
	return b
}

// ErrorStderrLines sets how many trailing stderr lines are included in the
// returned error when the process fails.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

// WarnLogLines sets how many trailing output lines are repeated at warn level
// when the process fails.
func (b ExecBuilder) WarnLogLines(lines int) ExecBuilder {
	b.warnLogLines = lines
	return b
}

// Execute runs the command.
func (b ExecBuilder) Execute() error {
	logger.Log.Debugf("Executing: %s %s", b.program, strings.Join(b.args, " "))

	cmd := exec.Command(b.program, b.args...)
	if b.stdin != "" {
		cmd.Stdin = strings.NewReader(b.stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe for (%s):\n%w", b.program, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe for (%s):\n%w", b.program, err)
	}

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("failed to start (%s):\n%w", b.program, err)
	}

	tail := newLineTail(max(b.errorStderrLines, b.warnLogLines))

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.consume(stdoutPipe, b.stdoutLogLevel, b.stdoutCallback, nil)
	}()
	go func() {
		defer wg.Done()
		b.consume(stderrPipe, b.stderrLogLevel, nil, tail)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err != nil {
		tailLines := tail.lines()
		if b.warnLogLines > 0 {
			for _, line := range tailLines {
				logger.Log.Warn(line)
			}
		}
		if b.errorStderrLines > 0 && len(tailLines) > 0 {
			trailing := tailLines
			if len(trailing) > b.errorStderrLines {
				trailing = trailing[len(trailing)-b.errorStderrLines:]
			}
			return fmt.Errorf("command (%s) failed:\n%s\n%w", b.program,
				strings.Join(trailing, "\n"), err)
		}
		return fmt.Errorf("command (%s) failed:\n%w", b.program, err)
	}
	return nil
}

func (b ExecBuilder) consume(reader io.Reader, level logrus.Level, callback func(string),
	tail *lineTail,
) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Log.Log(level, line)
		if callback != nil {
			callback(line)
		}
		if tail != nil {
			tail.add(line)
		}
	}
}

// lineTail keeps the last N lines seen.
type lineTail struct {
	mutex sync.Mutex
	limit int
	tail  []string
}

func newLineTail(limit int) *lineTail {
	return &lineTail{limit: limit}
}

func (t *lineTail) add(line string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.limit <= 0 {
		return
	}
	t.tail = append(t.tail, line)
	if len(t.tail) > t.limit {
		t.tail = t.tail[len(t.tail)-t.limit:]
	}
}

func (t *lineTail) lines() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]string(nil), t.tail...)
}
