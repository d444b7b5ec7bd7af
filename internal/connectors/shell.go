package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return shellquote.Join(s)
}

// PrepareCommand applies the working directory and elevation options to a shell
// command. For elevated commands the returned stdin starts with the secret line
// that sudo -S consumes before handing the rest of stdin to the command.
func PrepareCommand(command string, opts RunOptions, secret string) (string, io.Reader, error) {
	cmd := command
	if opts.Dir != "" {
		cmd = "cd " + Quote(opts.Dir) + " && " + cmd
	}
	stdin := opts.Stdin
	if opts.Elevated {
		if secret == "" {
			return "", nil, ErrElevationRequired
		}
		cmd = "sudo -S -p '' bash -c " + Quote(cmd)
		prefix := strings.NewReader(secret + "\n")
		if stdin != nil {
			stdin = io.MultiReader(prefix, stdin)
		} else {
			stdin = prefix
		}
	}
	return cmd, stdin, nil
}

// Output runs a command to completion and collects its output. A non-zero exit
// status is reported in the result, not as an error.
func Output(ctx context.Context, ex Executor, command string, opts RunOptions) (*ExecResult, error) {
	execution, err := ex.Run(ctx, command, opts)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	for c := range execution.Chunks() {
		if c.Stream == Stderr {
			stderr.Write(c.Data)
		} else {
			stdout.Write(c.Data)
		}
	}

	result := &ExecResult{
		Command: command,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err := execution.Wait(); err != nil {
		code, ok := ExitCode(err)
		if !ok {
			return result, err
		}
		result.ExitCode = code
	}
	return result, nil
}

// ReadFile returns the contents of a remote file. found is false when the file
// cannot be read.
func ReadFile(ctx context.Context, ex Executor, remotePath string, elevated bool) (data []byte, found bool, err error) {
	res, err := Output(ctx, ex, "cat -- "+Quote(remotePath), RunOptions{Elevated: elevated})
	if err != nil {
		return nil, false, err
	}
	if res.ExitCode != 0 {
		return nil, false, nil
	}
	return []byte(res.Stdout), true, nil
}

// UploadViaShell streams r into remotePath through a shell command on the
// target. It serves targets without a file transfer subsystem and elevated
// uploads, where the file is written by a privileged shell.
func UploadViaShell(ctx context.Context, ex Executor, r io.Reader, remotePath string, opts UploadOptions) error {
	mode := opts.Mode
	if mode == 0 {
		mode = 0644
	}
	cmd := fmt.Sprintf("mkdir -p -- %s && cat > %s && chmod %o %s",
		Quote(path.Dir(remotePath)), Quote(remotePath), mode.Perm(), Quote(remotePath))

	res, err := Output(ctx, ex, cmd, RunOptions{Elevated: opts.Elevated, Stdin: r})
	if err != nil {
		if errors.Is(err, ErrElevationRequired) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrTransfer, remotePath, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s: %s", ErrTransfer, remotePath, strings.TrimSpace(res.Stderr))
	}
	return nil
}
