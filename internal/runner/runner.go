// Package runner executes single commands against a session, prints them for
// the operator and classifies the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/util"
)

const (
	// DefaultTimeout bounds a command that sets no timeout of its own.
	DefaultTimeout = 600 * time.Second

	// Output longer than MaxDisplayLines is printed as its first and last
	// DisplayEdgeLines lines.
	MaxDisplayLines  = 80
	DisplayEdgeLines = 40

	defaultHistoryBytes = 256 * 1024
)

// Command is one command of a phase.
type Command struct {
	Label        string
	Run          string
	Timeout      time.Duration
	AllowFailure bool
}

func (c Command) display() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Run
}

// ExitInfo describes a command that did not succeed.
type ExitInfo struct {
	Label    string
	Command  string
	ExitCode int
	// Output is whatever stdout and stderr were captured before the failure.
	Output string
	// Diagnostic is the text shown for the failure. Tolerated failures
	// return it as the command's output.
	Diagnostic string
	Cause      error
}

// Result is Ok when Err is nil; Output then holds stdout followed by stderr.
type Result struct {
	Output string
	Err    *ExitInfo
}

func (r Result) Ok() bool { return r.Err == nil }

// Unwrap returns the output of a successful command. A failed command yields
// its diagnostic when allowFailure is set and a *CommandFailure otherwise.
func (r Result) Unwrap(allowFailure bool) (string, error) {
	if r.Err == nil {
		return r.Output, nil
	}
	if allowFailure {
		return r.Err.Diagnostic, nil
	}
	return "", &CommandFailure{ExitInfo: *r.Err}
}

// CommandFailure is a failed command whose failure was not allowed.
type CommandFailure struct {
	ExitInfo
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("%s failed (exit code %d): %s", e.Label, e.ExitCode, e.Diagnostic)
}

func (e *CommandFailure) Unwrap() error { return e.Cause }

// Runner prints and executes commands one at a time.
type Runner struct {
	Printer *util.Printer
	Log     *logging.Logger
	// Timeout applies to commands without their own timeout.
	Timeout time.Duration
	// History receives every output line, for error evidence.
	History *History
	// LogOutput also writes the full command output to the log.
	LogOutput bool
}

// New returns a runner with the default timeout and history.
func New(p *util.Printer, log *logging.Logger) *Runner {
	if p == nil {
		p = util.Default
	}
	if log == nil {
		log = logging.Default()
	}
	return &Runner{
		Printer: p,
		Log:     log,
		Timeout: DefaultTimeout,
		History: NewHistory(defaultHistoryBytes),
	}
}

// Run executes c and applies its AllowFailure setting to the result.
// Cancellation of ctx is always returned as an error.
func (r *Runner) Run(ctx context.Context, s session.Executor, c Command) (string, error) {
	res := r.Exec(ctx, s, c)
	if err := ctx.Err(); err != nil {
		return res.Output, err
	}
	return res.Unwrap(c.AllowFailure)
}

// Exec executes c synchronously and reports it on the console. It never
// returns an error; failures are carried in the Result.
func (r *Runner) Exec(ctx context.Context, s session.Executor, c Command) Result {
	label := c.display()
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := r.Log.WithFields(logging.Fields{"label": label})

	r.Printer.Header(label)
	log.Debug("command start", logging.Fields{"command": c.Run, "timeout": timeout.String()})
	start := time.Now()
	res, err := s.Execute(ctx, c.Run, timeout)
	elapsed := time.Since(start)

	output := res.Combined()
	r.History.AddOutput(util.StripANSI(output))
	if r.LogOutput && output != "" {
		log.Debug("command output", logging.Fields{"output": util.StripANSI(output)})
	}

	if err == nil && res.ExitCode == 0 {
		r.Printer.PrintBlock(FormatOutput(output))
		r.Printer.Println()
		r.Printer.Println("  ✔ Exit code: 0")
		log.Info("command finished", logging.Fields{
			"exit_code": 0,
			"elapsed":   elapsed.String(),
			"bytes":     len(output),
		})
		return Result{Output: output}
	}

	info := &ExitInfo{
		Label:    label,
		Command:  c.Run,
		ExitCode: res.ExitCode,
		Output:   output,
		Cause:    err,
	}
	var exitErr *session.ExitError
	switch {
	case err == nil:
		info.Cause = &session.ExitError{Command: c.Run, Result: res}
		info.Diagnostic = info.Cause.Error()
	case errors.As(err, &exitErr):
		info.ExitCode = exitErr.Result.ExitCode
		info.Diagnostic = err.Error()
	default:
		if info.ExitCode == 0 {
			info.ExitCode = -1
		}
		info.Diagnostic = err.Error()
	}

	r.Printer.PrintBlock(FormatOutput(info.Diagnostic))
	r.Printer.Println()
	r.Printer.Printf("  ✘ Exit code: %d\n", info.ExitCode)
	log.Warn("command failed", logging.Fields{
		"exit_code":     info.ExitCode,
		"elapsed":       elapsed.String(),
		"allow_failure": c.AllowFailure,
		"err":           info.Diagnostic,
	})
	return Result{Output: output, Err: info}
}

// FormatOutput renders output for the console. Blank output becomes
// "(no output)"; more than MaxDisplayLines lines keep only the first and
// last DisplayEdgeLines with a marker counting the hidden lines.
func FormatOutput(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "  (no output)"
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= MaxDisplayLines {
		return trimmed
	}
	var b strings.Builder
	b.WriteString(strings.Join(lines[:DisplayEdgeLines], "\n"))
	fmt.Fprintf(&b, "\n\n  ... (%d lines omitted) ...\n\n", len(lines)-2*DisplayEdgeLines)
	b.WriteString(strings.Join(lines[len(lines)-DisplayEdgeLines:], "\n"))
	return b.String()
}
