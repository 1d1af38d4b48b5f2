// Package teardown decides the fate of a session at the end of a run:
// terminate it now or leave it to expire on its own lifetime.
package teardown

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"
)

// Decision is the outcome of a Policy.
type Decision int

const (
	Leave Decision = iota
	Terminate
)

func (d Decision) String() string {
	if d == Terminate {
		return "terminate"
	}
	return "leave"
}

// ErrNoAnswer means the operator gave no answer: input was closed or
// interrupted. The decision is Leave.
var ErrNoAnswer = errors.New("no answer to teardown prompt")

// Policy is asked exactly once per session. Any error comes with Leave.
type Policy interface {
	Decide(ctx context.Context, sessionID string) (Decision, error)
}

// AlwaysTerminate terminates without asking.
type AlwaysTerminate struct{}

func (AlwaysTerminate) Decide(context.Context, string) (Decision, error) { return Terminate, nil }

// AlwaysLeaveRunning leaves the session without asking.
type AlwaysLeaveRunning struct{}

func (AlwaysLeaveRunning) Decide(context.Context, string) (Decision, error) { return Leave, nil }

const promptLabel = "🛑 Kill the session"

// Ask prompts the operator. Only an explicit "y" terminates.
type Ask struct {
	In  io.Reader
	Out io.Writer
	// Interactive uses a promptui confirm prompt instead of a plain line read.
	Interactive bool
}

// NewAsk prompts on stdin/stdout, interactively when stdin is a terminal.
func NewAsk() *Ask {
	return &Ask{
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (a *Ask) Decide(ctx context.Context, sessionID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Leave, fmt.Errorf("%w: %v", ErrNoAnswer, err)
	}
	if a.Interactive {
		return a.confirm()
	}
	return a.readLine(ctx)
}

func (a *Ask) confirm() (Decision, error) {
	p := promptui.Prompt{
		Label:     promptLabel,
		IsConfirm: true,
	}
	if rc, ok := a.In.(io.ReadCloser); ok {
		p.Stdin = rc
	}
	if wc, ok := a.Out.(io.WriteCloser); ok {
		p.Stdout = wc
	}
	answer, err := p.Run()
	switch {
	case err == nil:
		return parseAnswer(answer), nil
	case errors.Is(err, promptui.ErrAbort):
		return Leave, nil
	default:
		return Leave, fmt.Errorf("%w: %v", ErrNoAnswer, err)
	}
}

func (a *Ask) readLine(ctx context.Context) (Decision, error) {
	if a.Out != nil {
		fmt.Fprintf(a.Out, "\n%s? (y/N): ", promptLabel)
	}
	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		line, err := bufio.NewReader(a.In).ReadString('\n')
		ch <- reply{line, err}
	}()
	select {
	case <-ctx.Done():
		return Leave, fmt.Errorf("%w: %v", ErrNoAnswer, ctx.Err())
	case r := <-ch:
		if r.err != nil && strings.TrimSpace(r.line) == "" {
			return Leave, fmt.Errorf("%w: %v", ErrNoAnswer, r.err)
		}
		return parseAnswer(r.line), nil
	}
}

func parseAnswer(s string) Decision {
	if strings.ToLower(strings.TrimSpace(s)) == "y" {
		return Terminate
	}
	return Leave
}

// Parse maps a configured policy name to a Policy.
func Parse(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ask":
		return NewAsk(), nil
	case "terminate", "kill":
		return AlwaysTerminate{}, nil
	case "leave", "keep":
		return AlwaysLeaveRunning{}, nil
	}
	return nil, fmt.Errorf("unknown teardown policy %q (want ask, terminate or leave)", name)
}
