package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sandboxprobe/internal/logging"
	"sandboxprobe/internal/session"
	"sandboxprobe/internal/util"
)

// SSHClient represents an SSH client connection
type SSHClient struct {
	client *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   string

	sftpMu   sync.Mutex
	sftp     *sftp.Client
	sftpDown bool
}

// NewSSHClient creates a new SSH client. If password is provided it will be
// used as the first auth method. If privateKeyPath is provided, the key is
// added as an additional auth method. At least one auth method must be
// configured. An empty knownHostsPath disables host key checking.
func NewSSHClient(username, privateKeyPath, password, host, port, knownHostsPath string) (*SSHClient, error) {
	var authMethods []ssh.AuthMethod

	if password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}

	if privateKeyPath != "" {
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			if len(authMethods) == 0 {
				return nil, fmt.Errorf("unable to read private key: %w", err)
			}
		} else {
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				if len(authMethods) == 0 {
					return nil, fmt.Errorf("unable to parse private key: %w", err)
				}
			} else {
				authMethods = append(authMethods, ssh.PublicKeys(signer))
			}
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method configured (provide password or identity file)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // sandboxes are ephemeral and rarely in known_hosts
	if knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load known hosts %s: %w", knownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	host, port = splitHostPort(host, port)
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	return &SSHClient{
		config: config,
		host:   host,
		port:   port,
	}, nil
}

// splitHostPort accepts "host", "host:port" and "user@host[:port]" forms.
// An explicit port in host wins over defaultPort; 22 is the fallback.
func splitHostPort(host, defaultPort string) (string, string) {
	if i := strings.LastIndex(host, "@"); i != -1 {
		host = host[i+1:]
	}
	port := defaultPort
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	if port == "" {
		port = "22"
	}
	return host, port
}

// Connect establishes the SSH connection
func (c *SSHClient) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, c.port)
	d := net.Dialer{Timeout: c.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	c.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Close closes the SFTP subsystem and the SSH connection
func (c *SSHClient) Close() error {
	c.sftpMu.Lock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	c.sftpMu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Exec runs cmd in a fresh SSH session and waits up to timeout (zero means
// no limit) for it to finish. A non-zero exit is returned as a
// *session.ExitError alongside the captured result.
func (c *SSHClient) Exec(ctx context.Context, cmd string, timeout time.Duration) (session.CommandResult, error) {
	var res session.CommandResult
	if c.client == nil {
		return res, fmt.Errorf("SSH client not connected")
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return res, fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return res, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err = <-done:
	case <-timer:
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		return session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("command timed out after %s", timeout)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGINT)
		sess.Close()
		return session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	res = session.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &session.ExitError{Command: cmd, Result: res}
	}
	res.ExitCode = -1
	return res, fmt.Errorf("command failed: %w", err)
}

// WriteBytes writes data to remotePath, creating parent directories. SFTP is
// used when the server offers it; otherwise the scp protocol is driven
// directly over the session.
func (c *SSHClient) WriteBytes(ctx context.Context, remotePath string, data []byte, perm os.FileMode) error {
	if c.client == nil {
		return fmt.Errorf("SSH client not connected")
	}
	remotePath = path.Clean(strings.ReplaceAll(remotePath, "\\", "/"))

	if sc := c.sftpClient(); sc != nil {
		return writeSFTP(sc, remotePath, data, perm)
	}
	if _, err := c.Exec(ctx, "mkdir -p "+util.ShellQuote(path.Dir(remotePath)), 30*time.Second); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	return c.uploadBytesSCP(remotePath, data, perm)
}

func (c *SSHClient) sftpClient() *sftp.Client {
	c.sftpMu.Lock()
	defer c.sftpMu.Unlock()
	if c.sftp != nil || c.sftpDown {
		return c.sftp
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		logging.Warn("sftp subsystem unavailable, falling back to scp", logging.Fields{"host": c.host, "err": err})
		c.sftpDown = true
		return nil
	}
	c.sftp = sc
	return sc
}

func writeSFTP(sc *sftp.Client, remotePath string, data []byte, perm os.FileMode) error {
	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", path.Dir(remotePath), err)
	}
	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
	}
	if err := sc.Chmod(remotePath, perm); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}
	return nil
}

// uploadBytesSCP runs `scp -t` on the remote directory and drives the
// protocol over stdin/stdout.
func (c *SSHClient) uploadBytesSCP(remotePath string, data []byte, perm os.FileMode) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := sess.Start("scp -t " + util.ShellQuote(path.Dir(remotePath))); err != nil {
		return fmt.Errorf("failed to start scp on remote: %w", err)
	}

	// readAck reads the single-byte scp acknowledgement, bounded so a stuck
	// remote cannot block the upload forever.
	readAck := func() error {
		ch := make(chan error, 1)
		go func() {
			buf := make([]byte, 1)
			if _, err := stdout.Read(buf); err != nil {
				ch <- fmt.Errorf("failed to read scp ack: %w", err)
				return
			}
			switch buf[0] {
			case 0:
				ch <- nil
			case 1, 2:
				msg := make([]byte, 2048)
				n, _ := stderr.Read(msg)
				ch <- fmt.Errorf("scp remote error: %s", strings.TrimSpace(string(msg[:n])))
			default:
				ch <- fmt.Errorf("unknown scp ack: %v", buf[0])
			}
		}()
		select {
		case err := <-ch:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("timeout waiting for scp ack")
		}
	}

	abort := func(err error) error {
		stdin.Close()
		sess.Wait()
		return err
	}

	if err := readAck(); err != nil {
		return abort(err)
	}
	fmt.Fprintf(stdin, "C%04o %d %s\n", perm.Perm(), len(data), path.Base(remotePath))
	if err := readAck(); err != nil {
		return abort(err)
	}
	if _, err := io.Copy(stdin, bytes.NewReader(data)); err != nil {
		return abort(fmt.Errorf("failed to send file data: %w", err))
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return abort(fmt.Errorf("failed to send scp terminator: %w", err))
	}
	if err := readAck(); err != nil {
		return abort(err)
	}

	stdin.Close()
	if err := sess.Wait(); err != nil {
		return fmt.Errorf("remote scp command failed: %w", err)
	}
	return nil
}
