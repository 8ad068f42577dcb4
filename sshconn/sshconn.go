// Package sshconn provides the concrete SSH transport that the rest of
// lazycluster treats as an opaque collaborator: a Connection exposing
// Run, Put, Get, ForwardLocal and ForwardRemote over a single
// golang.org/x/crypto/ssh client, plus an SFTP subsystem for file
// transfer. Grounded on the remote.go SSH client in the retrieval pack
// (Dial/sftp.NewClient/Listen-based remote forwarding, io.Copy pumps for
// both forward directions) and on the session pooling and *ssh.ExitError
// handling of the pack's ssh-executor.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// RunResult captures the outcome of a single command execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connection is the SSH transport contract the rest of lazycluster is
// built against. A production Connection is backed by a single
// golang.org/x/crypto/ssh.Client; tests substitute a fake implementing the
// same interface.
type Connection interface {
	// Run executes cmd on the remote host. When env is non-nil its entries
	// are exported before the command runs. When pty is true a
	// pseudo-terminal is requested for the session, matching how a real
	// interactive shell would see the command.
	Run(ctx context.Context, cmd string, env map[string]string, pty bool) (RunResult, error)
	// Put uploads the local file to remotePath.
	Put(ctx context.Context, localPath, remotePath string) error
	// Get downloads remotePath to the local file.
	Get(ctx context.Context, remotePath, localPath string) error
	// ForwardLocal exposes remote host:remotePort as localhost:localPort on
	// the manager. It blocks, accepting and pumping connections, until ctx
	// is cancelled.
	ForwardLocal(ctx context.Context, localPort int, remoteHost string, remotePort int) error
	// ForwardRemote exposes localhost:localPort on the manager as
	// host:remotePort on the remote machine. It blocks until ctx is
	// cancelled.
	ForwardRemote(ctx context.Context, remotePort int, localHost string, localPort int) error
	// Close tears down the underlying SSH client and any SFTP subsystem.
	Close() error
	// Host is the address this connection was dialed to (for logging and
	// error construction; never round-tripped back into live state).
	Host() string
}

// Config holds what's needed to dial a host. IdentityFile and Password are
// mutually exclusive; an empty IdentityFile falls back to the local SSH
// agent via SSH_AUTH_SOCK.
type Config struct {
	Host         string
	Port         int
	User         string
	IdentityFile string
	Password     string
	Timeout      time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

type conn struct {
	cfg    Config
	client *ssh.Client
	sftp   *sftp.Client
}

// Dial opens a new SSH connection per cfg. Password-less key auth is the
// expected path per spec.md §1; IdentityFile/agent are tried in that order.
func Dial(cfg Config) (Connection, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	auths, err := authMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh auth setup for %s: %w", cfg.Host, err)
	}
	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &conn{cfg: cfg, client: client}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	if cfg.IdentityFile != "" {
		key, err := os.ReadFile(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file %s: %w", cfg.IdentityFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", cfg.IdentityFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	signers, err := agentSigners()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil })}, nil
}

func (c *conn) Host() string { return c.cfg.Host }

func (c *conn) sftpClient() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem to %s: %w", c.cfg.Host, err)
	}
	c.sftp = sc
	return sc, nil
}

func (c *conn) Run(ctx context.Context, cmd string, env map[string]string, pty bool) (RunResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return RunResult{}, fmt.Errorf("new session to %s: %w", c.cfg.Host, err)
	}
	defer session.Close()

	for k, v := range env {
		// Most sshd configs only AcceptEnv a allowlist; we still attempt it
		// since task.execute relies on WORKING_DIR being visible, and fall
		// back to inlining the export in the command itself.
		_ = session.Setenv(k, v)
	}
	if pty {
		if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
			return RunResult{}, fmt.Errorf("request pty on %s: %w", c.cfg.Host, err)
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	full := cmd
	if len(env) > 0 {
		full = exportPrefix(env) + cmd
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, fmt.Errorf("command exited %d: %w", res.ExitCode, err)
		}
		if _, ok := err.(*ssh.ExitMissingError); ok {
			res.ExitCode = -1
			return res, fmt.Errorf("command terminated without exit status: %w", err)
		}
		return res, fmt.Errorf("run %q on %s: %w", cmd, c.cfg.Host, err)
	}
}

func exportPrefix(env map[string]string) string {
	var b bytes.Buffer
	for k, v := range env {
		fmt.Fprintf(&b, "export %s=%q; ", k, v)
	}
	return b.String()
}

func (c *conn) Put(ctx context.Context, localPath, remotePath string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer local.Close()

	if dir := path.Dir(remotePath); dir != "." {
		_ = sc.MkdirAll(dir)
	}
	remote, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s on %s: %w", remotePath, c.cfg.Host, err)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return fmt.Errorf("copy %s -> %s:%s: %w", localPath, c.cfg.Host, remotePath, err)
	}
	return nil
}

func (c *conn) Get(ctx context.Context, remotePath, localPath string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	remote, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file %s:%s: %w", c.cfg.Host, remotePath, err)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer local.Close()

	if _, err := io.Copy(local, remote); err != nil {
		return fmt.Errorf("copy %s:%s -> %s: %w", c.cfg.Host, remotePath, localPath, err)
	}
	return nil
}

// ForwardLocal opens host:remotePort as seen from the remote side, and
// pumps bytes to/from a listener bound on the manager at localhost:localPort.
func (c *conn) ForwardLocal(ctx context.Context, localPort int, remoteHost string, remotePort int) error {
	localAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", localAddr, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	remoteAddr := net.JoinHostPort(remoteHost, fmt.Sprintf("%d", remotePort))
	for {
		localConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("accept on %s: %w", localAddr, err)
			}
		}
		go func(lc net.Conn) {
			remoteConn, err := c.client.Dial("tcp", remoteAddr)
			if err != nil {
				lc.Close()
				return
			}
			pump(lc, remoteConn)
		}(localConn)
	}
}

// ForwardRemote asks the remote sshd to listen on remotePort and, for every
// connection it accepts, dials localHost:localPort on the manager and pumps
// bytes between the two.
func (c *conn) ForwardRemote(ctx context.Context, remotePort int, localHost string, localPort int) error {
	remoteAddr := fmt.Sprintf("0.0.0.0:%d", remotePort)
	listener, err := c.client.Listen("tcp", remoteAddr)
	if err != nil {
		return fmt.Errorf("remote listen %s on %s: %w", remoteAddr, c.cfg.Host, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	localAddr := net.JoinHostPort(localHost, fmt.Sprintf("%d", localPort))
	for {
		remoteConn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("accept on remote listener %s: %w", remoteAddr, err)
			}
		}
		go func(rc net.Conn) {
			localConn, err := net.Dial("tcp", localAddr)
			if err != nil {
				rc.Close()
				return
			}
			pump(rc, localConn)
		}(remoteConn)
	}
}

// pump copies bytes in both directions until either side closes, then
// closes both. This is the same shape as the pack's remote.go forward
// helper: two io.Copy goroutines racing to close everything.
func pump(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}

func (c *conn) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.client.Close()
}
