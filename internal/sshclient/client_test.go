package sshclient

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"sandboxprobe/internal/session"
)

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		input        string
		defaultPort  string
		expectedHost string
		expectedPort string
	}{
		{"sandbox.example.com", "", "sandbox.example.com", "22"},
		{"sandbox.example.com:2222", "", "sandbox.example.com", "2222"},
		{"user@sandbox.example.com", "2200", "sandbox.example.com", "2200"},
		{"user@sandbox.example.com:2222", "2200", "sandbox.example.com", "2222"},
		{"192.168.1.100", "", "192.168.1.100", "22"},
		{"192.168.1.100:8022", "", "192.168.1.100", "8022"},
	}

	for _, test := range tests {
		host, port := splitHostPort(test.input, test.defaultPort)
		if host != test.expectedHost || port != test.expectedPort {
			t.Errorf("splitHostPort(%q, %q) = (%q, %q), expected (%q, %q)",
				test.input, test.defaultPort, host, port, test.expectedHost, test.expectedPort)
		}
	}
}

func TestNewSSHClientRequiresAuth(t *testing.T) {
	if _, err := NewSSHClient("user", "", "", "host", "22", ""); err == nil {
		t.Fatalf("expected error without any auth method")
	}
	if _, err := NewSSHClient("user", "/does/not/exist", "secret", "host", "22", ""); err != nil {
		t.Fatalf("unreadable key should be tolerated when a password is set: %v", err)
	}
}

type fakeRemote struct {
	cmds   []string
	writes map[string][]byte
	closed bool
	fail   string
}

func (f *fakeRemote) Exec(ctx context.Context, cmd string, timeout time.Duration) (session.CommandResult, error) {
	f.cmds = append(f.cmds, cmd)
	if f.fail != "" && strings.Contains(cmd, f.fail) {
		res := session.CommandResult{Stderr: "nope", ExitCode: 1}
		return res, &session.ExitError{Command: cmd, Result: res}
	}
	return session.CommandResult{Stdout: "ok\n"}, nil
}

func (f *fakeRemote) WriteBytes(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	if f.writes == nil {
		f.writes = map[string][]byte{}
	}
	f.writes[remotePath] = data
	return nil
}

func (f *fakeRemote) Close() error { f.closed = true; return nil }

func newFakeProvider(rc *fakeRemote) *Provider {
	return &Provider{
		Host:      "sandbox",
		StateRoot: "/tmp/probe-test",
		dial:      func(context.Context, *Provider) (remote, error) { return rc, nil },
	}
}

func TestProviderCreateArmsWatchdog(t *testing.T) {
	rc := &fakeRemote{}
	h, err := newFakeProvider(rc).Create(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID() == "" || h.Lifetime() != 15*time.Minute {
		t.Fatalf("unexpected handle: id=%q lifetime=%s", h.ID(), h.Lifetime())
	}
	if len(rc.cmds) != 2 {
		t.Fatalf("expected mkdir + watchdog, got %v", rc.cmds)
	}
	if !strings.Contains(rc.cmds[0], "/tmp/probe-test/"+h.ID()) {
		t.Fatalf("state dir not created: %s", rc.cmds[0])
	}
	if !strings.Contains(rc.cmds[1], "sleep 900") {
		t.Fatalf("watchdog not armed with lifetime: %s", rc.cmds[1])
	}
}

func TestProviderCreateFailureClosesConnection(t *testing.T) {
	rc := &fakeRemote{fail: "mkdir"}
	if _, err := newFakeProvider(rc).Create(context.Background(), time.Minute); err == nil {
		t.Fatalf("expected create error")
	}
	if !rc.closed {
		t.Fatalf("connection left open after failed create")
	}
}

func TestSessionStartRecordsPid(t *testing.T) {
	rc := &fakeRemote{}
	h, err := newFakeProvider(rc).Create(context.Background(), 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Start(context.Background(), "sleep 100; touch /tmp/done"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	last := rc.cmds[len(rc.cmds)-1]
	if !strings.Contains(last, "setsid") || !strings.Contains(last, "/pids") {
		t.Fatalf("detached start not tracked: %s", last)
	}
}

func TestSessionTerminateThenClosed(t *testing.T) {
	rc := &fakeRemote{}
	h, err := newFakeProvider(rc).Create(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.WriteFile(context.Background(), "/home/user/a.txt", []byte("a")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if string(rc.writes["/home/user/a.txt"]) != "a" {
		t.Fatalf("write not forwarded: %v", rc.writes)
	}
	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !rc.closed {
		t.Fatalf("connection not closed on terminate")
	}
	if !strings.Contains(rc.cmds[len(rc.cmds)-1], "rm -rf") {
		t.Fatalf("terminate did not reap: %s", rc.cmds[len(rc.cmds)-1])
	}
	if _, err := h.Execute(context.Background(), "true", time.Second); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed after terminate, got %v", err)
	}
	if err := h.Detach(); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed on second finalization, got %v", err)
	}
}
