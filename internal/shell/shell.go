// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package shell runs external helper processes: the local signing tool
// (internal/signer) and a generation's initrd-secrets hook
// (internal/initrdsecrets). It wraps os/exec with the logging and capability
// discipline the rest of this module expects from subprocess invocations.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/lanzaboote-go/internal/logger"
)

// ExecBuilder configures and runs a single external command.
type ExecBuilder struct {
	name        string
	args        []string
	dir         string
	env         []string
	stdin       []byte
	stdoutLevel logrus.Level
	stderrLevel logrus.Level
	dropCaps    bool
}

func NewExecBuilder(name string, args ...string) *ExecBuilder {
	return &ExecBuilder{
		name:        name,
		args:        args,
		stdoutLevel: logrus.DebugLevel,
		stderrLevel: logrus.DebugLevel,
	}
}

func (b *ExecBuilder) Dir(dir string) *ExecBuilder {
	b.dir = dir
	return b
}

func (b *ExecBuilder) Env(env []string) *ExecBuilder {
	b.env = env
	return b
}

func (b *ExecBuilder) Stdin(data []byte) *ExecBuilder {
	b.stdin = data
	return b
}

// LogLevel sets the level stdout/stderr lines are logged at, respectively.
func (b *ExecBuilder) LogLevel(stdout, stderr logrus.Level) *ExecBuilder {
	b.stdoutLevel = stdout
	b.stderrLevel = stderr
	return b
}

// DropCapabilities drops all ambient Linux capabilities before exec, for
// hooks of unknown provenance (initrd-secrets commands sourced from the
// boot spec).
func (b *ExecBuilder) DropCapabilities() *ExecBuilder {
	b.dropCaps = true
	return b
}

// ExecuteCaptureOutput runs the command and returns (stdout, stderr) as
// strings, logging each captured stream as one entry at the configured
// levels once the command has exited.
func (b *ExecBuilder) ExecuteCaptureOutput(ctx context.Context) (string, string, error) {
	logger.Log.Debugf("executing: %s %v", b.name, b.args)

	cmd := exec.CommandContext(ctx, b.name, b.args...)
	cmd.Dir = b.dir
	if b.env != nil {
		cmd.Env = b.env
	}
	if b.stdin != nil {
		cmd.Stdin = bytes.NewReader(b.stdin)
	}
	if b.dropCaps {
		if err := dropAllCapabilities(); err != nil {
			return "", "", fmt.Errorf("failed to drop capabilities before running %q:\n%w", b.name, err)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	logLines(b.stdoutLevel, stdout.String())
	logLines(b.stderrLevel, stderr.String())

	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("command %q failed:\n%w\nstderr:\n%s", b.name, err, stderr.String())
	}
	return stdout.String(), stderr.String(), nil
}

// ExecuteLiveWithErr runs the command through ExecuteCaptureOutput and
// returns only the error. Output is buffered and logged after the command
// exits; it is not streamed while the command runs.
func (b *ExecBuilder) ExecuteLiveWithErr(ctx context.Context) error {
	_, _, err := b.ExecuteCaptureOutput(ctx)
	return err
}

func logLines(level logrus.Level, text string) {
	if text == "" {
		return
	}
	logger.Log.Logf(level, "%s", text)
}
