// Package sshexec provides a remote executor over SSH.
package sshexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/remoteproc"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach and authenticate against a host.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// PrivateKey is a PEM encoded key. It takes precedence over PrivateKeyPath.
	PrivateKey       string
	PrivateKeyPath   string
	ElevatedPassword string

	ConnectTimeout time.Duration
	// KnownHostsPath enables host key verification. Empty accepts any host key.
	KnownHostsPath string
	KeepAlive      time.Duration
}

// killTimeout bounds the side channel used to kill an aborted command.
const killTimeout = 5 * time.Second

// Executor runs commands on a remote host over a single SSH connection.
type Executor struct {
	client *ssh.Client
	addr   string
	log    zerolog.Logger

	mu       sync.RWMutex
	elevated string
	closed   bool
	lost     error

	stop chan struct{}
}

// Dial connects and authenticates. Failures wrap connectors.ErrAuth or connectors.ErrNetwork.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Executor, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	clientCfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", connectors.ErrNetwork, addr, err)
	}
	// The handshake has no context support; bound it with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	conn.SetDeadline(time.Time{})

	e := &Executor{
		client:   ssh.NewClient(sshConn, chans, reqs),
		addr:     addr,
		log:      logger.With().Str("component", "sshexec").Str("addr", addr).Logger(),
		elevated: cfg.ElevatedPassword,
		stop:     make(chan struct{}),
	}
	go e.watch()
	if cfg.KeepAlive > 0 {
		go e.keepAlive(cfg.KeepAlive)
	}
	return e, nil
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	key := []byte(cfg.PrivateKey)
	if len(key) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		key = data
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", connectors.ErrAuth, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no password or key supplied", connectors.ErrAuth)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

func classifyHandshake(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fmt.Errorf("%w: host key verification for %s: %v", connectors.ErrAuth, addr, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("%w: %s: %v", connectors.ErrAuth, addr, err)
	}
	return fmt.Errorf("%w: handshake with %s: %v", connectors.ErrNetwork, addr, err)
}

func (e *Executor) watch() {
	err := e.client.Wait()
	e.mu.Lock()
	if !e.closed && e.lost == nil {
		e.lost = fmt.Errorf("%w: %v", connectors.ErrConnectionLost, err)
		e.log.Warn().Err(err).Msg("ssh connection dropped")
	}
	e.mu.Unlock()
}

func (e *Executor) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if _, _, err := e.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				e.log.Debug().Err(err).Msg("keepalive failed")
				e.client.Close()
				return
			}
		}
	}
}

// Name returns the executor identifier.
func (e *Executor) Name() string {
	return "sshexec"
}

// Err reports the connection loss detected by the background watcher.
// It stays nil after an orderly Close.
func (e *Executor) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lost
}

func (e *Executor) usable() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return connectors.ErrClosed
	}
	return e.lost
}

// Run starts a command in a new SSH session.
func (e *Executor) Run(ctx context.Context, command string, opts connectors.RunOptions) (*connectors.Execution, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	full, stdin, err := connectors.PrepareCommand(command, opts, e.secret())
	if err != nil {
		return nil, err
	}

	sess, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", connectors.ErrConnectionLost, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdinPipe, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The shell reports its PID first so an aborted command can be killed
	// from a second channel.
	if err := sess.Start(remoteproc.ReportPID("bash -c " + connectors.Quote(full))); err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: start command: %v", connectors.ErrConnectionLost, err)
	}

	var pid atomic.Int64
	elevated := opts.Elevated
	execution := connectors.NewExecution(ctx, opts.Timeout, func() error {
		if p := int(pid.Load()); p > 0 {
			if err := e.killRemote(p, elevated); err != nil {
				e.log.Debug().Err(err).Int("pid", p).Msg("kill remote command")
			}
		}
		// OpenSSH ignores signals on exec channels; closing the channel hangs up the remote side.
		sess.Signal(ssh.SIGKILL)
		return sess.Close()
	})

	go func() {
		if stdin != nil {
			io.Copy(stdinPipe, stdin)
		}
		stdinPipe.Close()
	}()

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			br := bufio.NewReader(stdout)
			if line, err := br.ReadString('\n'); line != "" {
				if p, ok := remoteproc.ParsePIDLine(line); ok {
					pid.Store(int64(p))
				} else {
					execution.Emit(connectors.Stdout, []byte(line))
				}
			} else if err != nil {
				wg.Done()
				return
			}
			pump(&wg, execution, connectors.Stdout, br)
		}()
		go pump(&wg, execution, connectors.Stderr, stderr)
		wg.Wait()

		code, err := e.exitStatus(sess.Wait())
		sess.Close()
		execution.Finish(code, err)
	}()

	return execution, nil
}

func pump(wg *sync.WaitGroup, execution *connectors.Execution, stream connectors.Stream, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			execution.Emit(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// killRemote sends KILL to the process group of an aborted command over a
// fresh channel. Elevated commands are killed through sudo.
func (e *Executor) killRemote(pid int, elevated bool) error {
	cmd, stdin, err := connectors.PrepareCommand(remoteproc.SignalCommand(pid, "KILL"), connectors.RunOptions{Elevated: elevated}, e.secret())
	if err != nil {
		return err
	}
	sess, err := e.client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	sess.Stdin = stdin

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case err = <-done:
		return err
	case <-time.After(killTimeout):
		return fmt.Errorf("kill pid %d: %w", pid, connectors.ErrTimeout)
	}
}

func (e *Executor) exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		if code < 0 {
			// Terminated by a signal.
			code = 128
		}
		return code, nil
	}
	if lost := e.usable(); lost != nil {
		return -1, lost
	}
	return -1, fmt.Errorf("%w: %v", connectors.ErrConnectionLost, err)
}

// Upload streams the file through a shell on the remote host.
func (e *Executor) Upload(ctx context.Context, r io.Reader, remotePath string, opts connectors.UploadOptions) error {
	if err := e.usable(); err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	return connectors.UploadViaShell(ctx, e, r, remotePath, opts)
}

// OpenTunnel forwards a local port to remoteHost:remotePort as seen from the remote host.
func (e *Executor) OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*connectors.Tunnel, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	ln, err := connectors.ListenLocal(localPort)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	return connectors.NewTunnel(ln, remoteHost, remotePort, func() (net.Conn, error) {
		return e.client.Dial("tcp", target)
	}), nil
}

// SetElevatedCredential sets the sudo password.
func (e *Executor) SetElevatedCredential(secret string) {
	e.mu.Lock()
	e.elevated = secret
	e.mu.Unlock()
}

// HasElevatedCredential reports whether a sudo password is set.
func (e *Executor) HasElevatedCredential() bool {
	return e.secret() != ""
}

func (e *Executor) secret() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.elevated
}

// Close closes the SSH connection. Tunnels opened through it stop forwarding.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	return e.client.Close()
}
