// Package connectors defines the remote executor contract for jetdeploy.
package connectors

import (
	"context"
	"io"
	"os"
	"time"
)

// Stream tags which standard channel a chunk of output came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Chunk is one piece of command output.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// RunOptions controls a single command execution.
type RunOptions struct {
	// Elevated runs the command through sudo using the executor's elevated credential.
	Elevated bool
	// Dir is the working directory on the target host.
	Dir string
	// Timeout bounds the command. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	// Stdin is copied to the command after any credential prefix.
	Stdin io.Reader
}

// UploadOptions controls a file transfer.
type UploadOptions struct {
	Mode     os.FileMode
	Elevated bool
}

// ExecResult holds the collected result of a command execution.
type ExecResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Executor runs commands, transfers files and forwards ports on one target host.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Run starts a command. Output is delivered through the returned Execution.
	Run(ctx context.Context, command string, opts RunOptions) (*Execution, error)

	// Upload writes the contents of r to remotePath, creating parent directories.
	Upload(ctx context.Context, r io.Reader, remotePath string, opts UploadOptions) error

	// OpenTunnel binds a local listener on localPort (0 picks a free port) that
	// forwards every accepted connection to remoteHost:remotePort on the target.
	OpenTunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (*Tunnel, error)

	// SetElevatedCredential sets the secret used for elevated execution.
	SetElevatedCredential(secret string)

	// HasElevatedCredential reports whether elevated execution is possible.
	HasElevatedCredential() bool

	// Close releases the underlying connection.
	Close() error
}

// ConnectionChecker is implemented by executors whose connection can drop
// while idle. Err returns a connectors.ErrConnectionLost error once it has.
type ConnectionChecker interface {
	Err() error
}
