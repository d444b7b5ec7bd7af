// Package localexec provides an executor that targets the control host itself.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fentz26/jetdeploy/internal/connectors"
)

// LocalExec implements connectors.Executor with local shells.
type LocalExec struct {
	workDir string

	mu       sync.RWMutex
	elevated string
	closed   bool
}

// New creates a new LocalExec executor. Relative working directories resolve against workDir.
func New(workDir string) *LocalExec {
	return &LocalExec{workDir: workDir}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Run starts the command with bash -c.
func (l *LocalExec) Run(ctx context.Context, command string, opts connectors.RunOptions) (*connectors.Execution, error) {
	if l.isClosed() {
		return nil, connectors.ErrClosed
	}
	full, stdin, err := connectors.PrepareCommand(command, opts, l.secret())
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("bash", "-c", full)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}
	cmd.Stdin = stdin
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec error: %w", err)
	}

	execution := connectors.NewExecution(ctx, opts.Timeout, func() error {
		err := killProcessGroup(cmd)
		// Descendants that left the group may still hold the pipes open.
		stdout.Close()
		stderr.Close()
		return err
	})

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go pump(&wg, execution, connectors.Stdout, stdout)
		go pump(&wg, execution, connectors.Stderr, stderr)
		wg.Wait()

		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			var exitError *exec.ExitError
			if !errors.As(err, &exitError) {
				execution.Finish(-1, fmt.Errorf("exec error: %w", err))
				return
			}
			exitCode = exitError.ExitCode()
			if exitCode < 0 {
				exitCode = 128
			}
		}
		execution.Finish(exitCode, nil)
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

// Upload writes the file directly, or through sudo when elevated.
func (l *LocalExec) Upload(ctx context.Context, r io.Reader, remotePath string, opts connectors.UploadOptions) error {
	if opts.Elevated {
		return connectors.UploadViaShell(ctx, l, r, remotePath, opts)
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0644
	}
	if err := os.MkdirAll(filepath.Dir(remotePath), 0755); err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	f, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrTransfer, err)
	}
	return os.Chmod(remotePath, mode)
}

// OpenTunnel forwards a loopback port to another local port.
func (l *LocalExec) OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*connectors.Tunnel, error) {
	ln, err := connectors.ListenLocal(localPort)
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	return connectors.NewTunnel(ln, remoteHost, remotePort, func() (net.Conn, error) {
		return net.Dial("tcp", target)
	}), nil
}

// SetElevatedCredential sets the sudo password.
func (l *LocalExec) SetElevatedCredential(secret string) {
	l.mu.Lock()
	l.elevated = secret
	l.mu.Unlock()
}

// HasElevatedCredential reports whether a sudo password is set.
func (l *LocalExec) HasElevatedCredential() bool {
	return l.secret() != ""
}

func (l *LocalExec) secret() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.elevated
}

func (l *LocalExec) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close marks the executor closed. Running commands are not affected.
func (l *LocalExec) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
