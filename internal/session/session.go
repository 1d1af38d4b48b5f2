// Package session describes the remote execution environment the probe runs
// against. Providers (SSH, local) create a Handle; everything above this
// package only talks to the interfaces declared here.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by handle operations after Terminate or Detach.
var ErrClosed = errors.New("session closed")

// CommandResult is the outcome of one synchronous command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r CommandResult) Combined() string {
	return r.Stdout + r.Stderr
}

// ExitError is reported by Execute when the command ran but exited non-zero.
type ExitError struct {
	Command string
	Result  CommandResult
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with code %d", e.Result.ExitCode)
	if s := strings.TrimSpace(e.Result.Stderr); s != "" {
		msg += "\nStderr: " + s
	}
	if s := strings.TrimSpace(e.Result.Stdout); s != "" {
		msg += "\nStdout: " + s
	}
	return msg
}

// Executor runs one command synchronously. A zero timeout means no limit.
// A non-zero exit is reported as a *ExitError together with the result.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (CommandResult, error)
}

// Starter launches a command detached from the caller and returns as soon as
// it has been started. The command is not bound by any execution timeout.
type Starter interface {
	Start(ctx context.Context, command string) error
}

// FileWriter writes a whole file, creating parent directories.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, data []byte) error
}

// Handle is a live session. Exactly one of Terminate or Detach should be
// called when the caller is done with it.
type Handle interface {
	Executor
	Starter
	FileWriter

	ID() string
	// Lifetime is the provider-side timeout after which a detached session
	// expires on its own.
	Lifetime() time.Duration
	// Terminate destroys the session and everything running in it.
	Terminate(ctx context.Context) error
	// Detach releases local resources and leaves the session running until
	// its lifetime expires.
	Detach() error
}

// Provider creates sessions.
type Provider interface {
	Create(ctx context.Context, lifetime time.Duration) (Handle, error)
}
