// Package localsession runs sessions as process groups on the local host.
// It is meant for dry runs of a profile and for tests; commands execute with
// the session directory as working directory and HOME.
package localsession

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
)

// Provider creates local sessions under Root (a temp dir when empty).
type Provider struct {
	Root string
	// Shell runs each command as Shell -c <command>; defaults to sh.
	Shell string
}

func (p *Provider) Create(ctx context.Context, lifetime time.Duration) (session.Handle, error) {
	id := uuid.NewString()
	root := p.Root
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "sandboxprobe-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	shell := p.Shell
	if shell == "" {
		shell = "sh"
	}
	s := &localSession{
		id:       id,
		dir:      dir,
		shell:    shell,
		lifetime: lifetime,
		log:      logging.WithFields(logging.Fields{"session": id, "provider": "local"}),
	}
	if lifetime > 0 {
		s.watchdog = time.AfterFunc(lifetime, s.reap)
	}
	s.log.Info("session created", logging.Fields{"dir": dir, "lifetime": lifetime.String()})
	return s, nil
}

type localSession struct {
	id       string
	dir      string
	shell    string
	lifetime time.Duration
	log      *logging.Logger
	watchdog *time.Timer

	mu     sync.Mutex
	closed bool
	pgids  []int
}

func (s *localSession) ID() string              { return s.id }
func (s *localSession) Lifetime() time.Duration { return s.lifetime }

// Dir is the working directory and HOME of every command in the session.
func (s *localSession) Dir() string { return s.dir }

func (s *localSession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	return nil
}

func (s *localSession) command(command string) *exec.Cmd {
	c := exec.Command(s.shell, "-c", command)
	c.Dir = s.dir
	c.Env = append(os.Environ(), "HOME="+s.dir, "SANDBOX_DIR="+s.dir)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return c
}

func (s *localSession) Execute(ctx context.Context, command string, timeout time.Duration) (session.CommandResult, error) {
	if err := s.live(); err != nil {
		return session.CommandResult{}, err
	}
	c := s.command(command)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Start(); err != nil {
		return session.CommandResult{ExitCode: -1}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var err error
	select {
	case err = <-done:
	case <-timer:
		killGroup(c.Process.Pid)
		<-done
		return session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		killGroup(c.Process.Pid)
		<-done
		return session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	res := session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &session.ExitError{Command: command, Result: res}
	}
	res.ExitCode = -1
	return res, fmt.Errorf("command failed: %w", err)
}

// Start launches command in its own process group and returns immediately.
func (s *localSession) Start(ctx context.Context, command string) error {
	if err := s.live(); err != nil {
		return err
	}
	c := s.command(command)
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start detached command: %w", err)
	}
	s.mu.Lock()
	s.pgids = append(s.pgids, c.Process.Pid)
	s.mu.Unlock()
	go c.Wait()
	return nil
}

// WriteFile writes data to p; relative paths resolve against the session dir.
func (s *localSession) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := s.live(); err != nil {
		return err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.dir, filepath.FromSlash(p))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *localSession) reap() {
	s.mu.Lock()
	pgids := s.pgids
	s.pgids = nil
	s.mu.Unlock()
	for _, pid := range pgids {
		killGroup(pid)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.log.Warn("failed to remove session directory", logging.Fields{"dir": s.dir, "err": err})
	}
}

func (s *localSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.reap()
	s.log.Info("session terminated", nil)
	return nil
}

// Detach leaves detached jobs and the session directory in place. The
// lifetime watchdog only fires while this process is still alive.
func (s *localSession) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	s.closed = true
	s.log.Info("session detached", logging.Fields{"dir": s.dir})
	return nil
}

// killGroup sends SIGTERM then SIGKILL to the process group led by pid.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	time.Sleep(250 * time.Millisecond)
	_ = unix.Kill(-pid, unix.SIGKILL)
}
