package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/util"
)

type fakeExecutor struct {
	res     session.CommandResult
	err     error
	timeout time.Duration
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (session.CommandResult, error) {
	f.calls++
	f.timeout = timeout
	return f.res, f.err
}

func exitFailure(code int, stderr string) *fakeExecutor {
	res := session.CommandResult{Stderr: stderr, ExitCode: code}
	return &fakeExecutor{res: res, err: &session.ExitError{Command: "false", Result: res}}
}

func newRunner() (*Runner, *bytes.Buffer) {
	var out bytes.Buffer
	return New(util.NewPrinter(&out), logging.Discard()), &out
}

func TestRunCombinesStdoutThenStderr(t *testing.T) {
	r, out := newRunner()
	fx := &fakeExecutor{res: session.CommandResult{Stdout: "out\n", Stderr: "err\n"}}

	got, err := r.Run(context.Background(), fx, Command{Label: "Neovim version", Run: "nvim --version"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "out\nerr\n" {
		t.Fatalf("combined output = %q", got)
	}
	printed := out.String()
	for _, want := range []string{"▶ Neovim version", "out\nerr", "✔ Exit code: 0"} {
		if !strings.Contains(printed, want) {
			t.Errorf("console missing %q:\n%s", want, printed)
		}
	}
	if fx.timeout != DefaultTimeout {
		t.Errorf("default timeout not applied: %s", fx.timeout)
	}
}

func TestRunDisallowedFailureReturnsCommandFailure(t *testing.T) {
	r, out := newRunner()
	fx := exitFailure(2, "E: Unable to locate package")

	_, err := r.Run(context.Background(), fx, Command{Label: "apt", Run: "apt-get install x"})
	var cf *CommandFailure
	if !errors.As(err, &cf) {
		t.Fatalf("expected CommandFailure, got %v", err)
	}
	if cf.ExitCode != 2 || !strings.Contains(cf.Diagnostic, "Unable to locate package") {
		t.Fatalf("unexpected failure: %+v", cf.ExitInfo)
	}
	var exitErr *session.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("CommandFailure should unwrap to the exit error")
	}
	if !strings.Contains(out.String(), "✘ Exit code: 2") {
		t.Fatalf("exit code line missing:\n%s", out.String())
	}
}

func TestRunAllowedFailureReturnsDiagnostic(t *testing.T) {
	r, _ := newRunner()
	fx := exitFailure(1, "no such file")

	got, err := r.Run(context.Background(), fx, Command{Run: "cat /nope", AllowFailure: true})
	if err != nil {
		t.Fatalf("tolerated failure surfaced: %v", err)
	}
	if strings.TrimSpace(got) == "" || !strings.Contains(got, "no such file") {
		t.Fatalf("expected diagnostic text, got %q", got)
	}
}

func TestRunNonZeroExitWithoutErrorIsFailure(t *testing.T) {
	r, _ := newRunner()
	fx := &fakeExecutor{res: session.CommandResult{Stdout: "partial", ExitCode: 4}}

	res := r.Exec(context.Background(), fx, Command{Run: "x"})
	if res.Ok() || res.Err.ExitCode != 4 || res.Output != "partial" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunTransportErrorFollowsAllowFailure(t *testing.T) {
	r, _ := newRunner()
	fx := &fakeExecutor{err: fmt.Errorf("command timed out after 1s")}

	if _, err := r.Run(context.Background(), fx, Command{Run: "sleep 5", Timeout: time.Second}); err == nil {
		t.Fatalf("expected failure")
	}
	got, err := r.Run(context.Background(), fx, Command{Run: "sleep 5", Timeout: time.Second, AllowFailure: true})
	if err != nil || !strings.Contains(got, "timed out") {
		t.Fatalf("tolerated timeout: %q %v", got, err)
	}
	if fx.timeout != time.Second {
		t.Fatalf("command timeout not forwarded: %s", fx.timeout)
	}
}

func TestRunCancelledContextIsAlwaysFatal(t *testing.T) {
	r, _ := newRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx := &fakeExecutor{err: context.Canceled}

	if _, err := r.Run(ctx, fx, Command{Run: "true", AllowFailure: true}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func numbered(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestFormatOutput(t *testing.T) {
	if got := FormatOutput("  \n"); got != "  (no output)" {
		t.Fatalf("blank output rendered as %q", got)
	}
	if got := FormatOutput(numbered(80)); strings.Contains(got, "omitted") {
		t.Fatalf("80 lines must not be truncated")
	}

	got := FormatOutput(numbered(200))
	lines := strings.Split(got, "\n")
	if lines[0] != "line 1" || lines[39] != "line 40" {
		t.Fatalf("head not kept: %q %q", lines[0], lines[39])
	}
	if lines[len(lines)-1] != "line 200" || lines[len(lines)-40] != "line 161" {
		t.Fatalf("tail not kept: %q", lines[len(lines)-40])
	}
	if !strings.Contains(got, "... (120 lines omitted) ...") {
		t.Fatalf("marker must count hidden lines:\n%s", got)
	}
	if strings.Contains(got, "line 41\n") || strings.Contains(got, "line 160\n") {
		t.Fatalf("hidden lines leaked")
	}
}

func TestRunReturnsUntruncatedOutput(t *testing.T) {
	r, out := newRunner()
	full := numbered(150)
	fx := &fakeExecutor{res: session.CommandResult{Stdout: full}}

	got, err := r.Run(context.Background(), fx, Command{Run: "seq 150"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != full {
		t.Fatalf("returned output was modified")
	}
	if !strings.Contains(out.String(), "(70 lines omitted)") {
		t.Fatalf("console output not truncated")
	}
}

func TestHistoryEvictsOldestOverCap(t *testing.T) {
	h := NewHistory(10)
	h.AddOutput("aaaa\nbbbb\n\ncccc\n")
	got := h.All()
	if len(got) != 2 || got[0] != "bbbb" || got[1] != "cccc" {
		t.Fatalf("unexpected history: %q", got)
	}
	if last := h.LastN(1); len(last) != 1 || last[0] != "cccc" {
		t.Fatalf("LastN: %q", last)
	}
	if h.LastN(0) != nil {
		t.Fatalf("LastN(0) should be nil")
	}
}

func TestHistoryAllIsSnapshot(t *testing.T) {
	h := NewHistory(1 << 10)
	h.AddOutput("one\ntwo\n")
	got := h.All()
	got[0] = "changed"
	h.Add("three")
	if all := h.All(); len(all) != 3 || all[0] != "one" || all[2] != "three" {
		t.Fatalf("unexpected history: %q", all)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.Add("line")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for _, l := range h.All() {
				if l == "" {
					t.Error("empty line in snapshot")
					return
				}
			}
		}
	}()
	wg.Wait()
}
