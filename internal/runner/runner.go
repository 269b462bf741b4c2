// Package runner executes external commands to completion without a shell.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs argv in dir and returns its stdout.
// Implementation: Exec. Tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, dir string, argv ...string) (string, error)
}

// SpawnError means the executable could not be launched at all
// (not found, permission denied).
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", argvString(e.Argv), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CommandError means the process ran and exited non-zero, or was killed.
// ExitCode is -1 when the process did not exit normally.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Stdout)
	}
	msg := fmt.Sprintf("command %s failed with code %d", argvString(e.Argv), e.ExitCode)
	if out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exec is the os/exec backed Runner.
type Exec struct {
	// Env, if non-nil, replaces the inherited environment.
	Env []string
}

// Run spawns argv[0] with the remaining elements as literal arguments.
// The process is always reaped before Run returns. There is no implicit
// timeout; cancel ctx to kill the process.
func (e Exec) Run(ctx context.Context, dir string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", &SpawnError{Err: errors.New("empty argv")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &SpawnError{Argv: argv, Err: err}
	}

	err := cmd.Wait()
	if err == nil {
		return stdout.String(), nil
	}

	cerr := &CommandError{
		Argv:     argv,
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      err,
	}
	if ctx.Err() != nil {
		cerr.Err = ctx.Err()
		return "", cerr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
	}
	return "", cerr
}

func argvString(argv []string) string {
	return strings.Join(argv, " ")
}
