package teardown

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestAskLineAnswers(t *testing.T) {
	tests := []struct {
		input    string
		expected Decision
		noAnswer bool
	}{
		{"y\n", Terminate, false},
		{"  Y  \n", Terminate, false},
		{"yes\n", Leave, false},
		{"n\n", Leave, false},
		{"\n", Leave, false},
		{"y", Terminate, false},
		{"", Leave, true},
	}

	for _, test := range tests {
		var out bytes.Buffer
		a := &Ask{In: strings.NewReader(test.input), Out: &out}
		got, err := a.Decide(context.Background(), "sbx-1")
		if got != test.expected {
			t.Errorf("input %q: decision %s, expected %s", test.input, got, test.expected)
		}
		if test.noAnswer != errors.Is(err, ErrNoAnswer) {
			t.Errorf("input %q: unexpected error %v", test.input, err)
		}
		if !strings.Contains(out.String(), "Kill the session? (y/N)") {
			t.Errorf("prompt not printed: %q", out.String())
		}
	}
}

func TestAskCancelledLeavesRunning(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := (&Ask{In: pr, Out: io.Discard}).Decide(ctx, "sbx-1")
	if got != Leave || !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("expected Leave with ErrNoAnswer, got %s %v", got, err)
	}
}

func TestFixedPolicies(t *testing.T) {
	if d, err := (AlwaysTerminate{}).Decide(context.Background(), "x"); d != Terminate || err != nil {
		t.Fatalf("AlwaysTerminate: %s %v", d, err)
	}
	if d, err := (AlwaysLeaveRunning{}).Decide(context.Background(), "x"); d != Leave || err != nil {
		t.Fatalf("AlwaysLeaveRunning: %s %v", d, err)
	}
}

func TestParse(t *testing.T) {
	if p, err := Parse("terminate"); err != nil || p != (AlwaysTerminate{}) {
		t.Fatalf("terminate: %v %v", p, err)
	}
	if p, err := Parse("leave"); err != nil || p != (AlwaysLeaveRunning{}) {
		t.Fatalf("leave: %v %v", p, err)
	}
	if p, err := Parse(""); err != nil {
		t.Fatalf("default: %v", err)
	} else if _, ok := p.(*Ask); !ok {
		t.Fatalf("default policy should ask, got %T", p)
	}
	if _, err := Parse("maybe"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
