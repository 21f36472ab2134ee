// Package backend wraps the external programs that configure interfaces,
// addresses and routes, and supervises the WiFi supplicant and DHCP client
// daemons.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/validate"
)

// ErrNotInstalled is returned when a required program cannot be found.
var ErrNotInstalled = fmt.Errorf("program not installed: %w", network.ErrServiceUnavailable)

// ErrAlreadyRunning is returned by Supervisor.Start when the daemon is
// already running for the interface.
var ErrAlreadyRunning = errors.New("already running")

// OpError reports a failed operation on an interface.
type OpError struct {
	Op        string
	Interface string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Interface, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Command is one program invocation.
type Command struct {
	Path string
	Args []string
	// Env is appended to the daemon's environment.
	Env []string
}

// Cmd builds a Command.
func Cmd(path string, args ...string) Command {
	return Command{Path: path, Args: args}
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Runner executes commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError is returned when a program exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// ExecRunner runs commands with os/exec. Standard output is returned; standard
// error is attached to the error on failure.
type ExecRunner struct {
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Path, ErrNotInstalled)
	}
	cmd := exec.CommandContext(ctx, path, c.Args...)
	if len(r.Env) > 0 || len(c.Env) > 0 {
		cmd.Env = append(append(cmd.Environ(), r.Env...), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("exec", "cmd", c.String())
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.Path, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &CommandError{
				Command:  c.Path,
				ExitCode: exitErr.ExitCode(),
				Stderr:   validate.SanitizeErrorMessage(stderr.String()),
			}
		}
		return nil, fmt.Errorf("%s: %w", c.Path, err)
	}
	return stdout.Bytes(), nil
}
