package sshclient

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/util"
)

// DefaultStateRoot holds one directory per session with the pids of every
// detached process and of the lifetime watchdog.
const DefaultStateRoot = "/tmp/sandboxprobe"

// Provider creates sessions on an SSH host. The host itself is long-lived;
// a session is a state directory plus a watchdog that reaps everything the
// session started once its lifetime runs out.
type Provider struct {
	Username     string
	IdentityFile string
	Password     string
	Host         string
	Port         string
	KnownHosts   string
	StateRoot    string

	// dial is replaced in tests.
	dial func(ctx context.Context, p *Provider) (remote, error)
}

// remote is the subset of *SSHClient a session needs.
type remote interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (session.CommandResult, error)
	WriteBytes(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error
	Close() error
}

func dialSSH(ctx context.Context, p *Provider) (remote, error) {
	c, err := NewSSHClient(p.Username, p.IdentityFile, p.Password, p.Host, p.Port, p.KnownHosts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Create connects, prepares the state directory and arms the watchdog.
func (p *Provider) Create(ctx context.Context, lifetime time.Duration) (session.Handle, error) {
	dial := p.dial
	if dial == nil {
		dial = dialSSH
	}
	rc, err := dial(ctx, p)
	if err != nil {
		return nil, err
	}

	root := p.StateRoot
	if root == "" {
		root = DefaultStateRoot
	}
	s := &sshSession{
		id:       uuid.NewString(),
		lifetime: lifetime,
		rc:       rc,
	}
	s.dir = path.Join(root, s.id)
	s.log = logging.WithFields(logging.Fields{"session": s.id, "host": p.Host})

	if _, err := rc.Exec(ctx, "mkdir -p "+util.ShellQuote(s.dir), 30*time.Second); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to prepare session directory %s: %w", s.dir, err)
	}
	if lifetime > 0 {
		watchdog := fmt.Sprintf("sleep %d; %s", int(lifetime.Seconds()), s.reapScript())
		cmd := fmt.Sprintf("nohup sh -c %s >/dev/null 2>&1 </dev/null & echo $! > %s",
			util.ShellQuote(watchdog), util.ShellQuote(s.dir+"/watchdog"))
		if _, err := rc.Exec(ctx, cmd, 30*time.Second); err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to arm session watchdog: %w", err)
		}
	}
	s.log.Info("session created", logging.Fields{"lifetime": lifetime.String(), "dir": s.dir})
	return s, nil
}

type sshSession struct {
	id       string
	lifetime time.Duration
	dir      string
	rc       remote
	log      *logging.Logger

	mu     sync.Mutex
	closed bool
}

func (s *sshSession) ID() string              { return s.id }
func (s *sshSession) Lifetime() time.Duration { return s.lifetime }

func (s *sshSession) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	return nil
}

func (s *sshSession) Execute(ctx context.Context, command string, timeout time.Duration) (session.CommandResult, error) {
	if err := s.live(); err != nil {
		return session.CommandResult{}, err
	}
	return s.rc.Exec(ctx, command, timeout)
}

// Start runs command in its own process group, detached from the SSH
// channel, and records its pid so Terminate and the watchdog can reap it.
func (s *sshSession) Start(ctx context.Context, command string) error {
	if err := s.live(); err != nil {
		return err
	}
	cmd := fmt.Sprintf("nohup setsid sh -c %s >/dev/null 2>&1 </dev/null & echo $! >> %s",
		util.ShellQuote(command), util.ShellQuote(s.dir+"/pids"))
	if _, err := s.rc.Exec(ctx, cmd, 30*time.Second); err != nil {
		return fmt.Errorf("failed to start detached command: %w", err)
	}
	return nil
}

func (s *sshSession) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.rc.WriteBytes(ctx, p, data, 0o644)
}

// reapScript kills every recorded process group and removes the state dir.
func (s *sshSession) reapScript() string {
	pids := util.ShellQuote(s.dir + "/pids")
	return fmt.Sprintf(`if [ -f %[1]s ]; then while read p; do kill -TERM -- "-$p" 2>/dev/null || kill -TERM "$p" 2>/dev/null; done < %[1]s; fi; rm -rf %[2]s`,
		pids, util.ShellQuote(s.dir))
}

func (s *sshSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	wd := util.ShellQuote(s.dir + "/watchdog")
	script := fmt.Sprintf(`if [ -f %[1]s ]; then kill "$(cat %[1]s)" 2>/dev/null; fi; %[2]s`, wd, s.reapScript())
	_, err := s.rc.Exec(ctx, script, 60*time.Second)
	if cerr := s.rc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.log.Error("terminate failed", logging.Fields{"err": err})
		return fmt.Errorf("failed to terminate session %s: %w", s.id, err)
	}
	s.log.Info("session terminated", nil)
	return nil
}

func (s *sshSession) Detach() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return session.ErrClosed
	}
	s.closed = true
	s.mu.Unlock()
	s.log.Info("session detached", logging.Fields{"lifetime": s.lifetime.String()})
	return s.rc.Close()
}
