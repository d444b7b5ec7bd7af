package localexec

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	exec := New("")
	assert.Equal(t, "localexec", exec.Name())
}

func TestRun_ExitCodes(t *testing.T) {
	exec := New("")

	tests := []struct {
		cmd      string
		exitCode int
		stdout   string
	}{
		{"echo hello", 0, "hello\n"},
		{"exit 7", 7, ""},
		{"echo oops >&2; false", 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			res, err := connectors.Output(context.Background(), exec, tt.cmd, connectors.RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Equal(t, tt.stdout, res.Stdout)
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	exec := New("")
	_, err := connectors.Output(context.Background(), exec, "sleep 5", connectors.RunOptions{Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, connectors.ErrTimeout)
}

func TestRun_TimeoutKillsChildren(t *testing.T) {
	exec := New("")
	start := time.Now()
	_, err := connectors.Output(context.Background(), exec, "sleep 6; true", connectors.RunOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, connectors.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_TimeoutWithBackgroundChild(t *testing.T) {
	exec := New("")
	start := time.Now()
	_, err := connectors.Output(context.Background(), exec, "sleep 6 & wait", connectors.RunOptions{Timeout: 200 * time.Millisecond})
	assert.ErrorIs(t, err, connectors.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_CancelReleasesDetachedOutputHolder(t *testing.T) {
	if _, err := osexec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	exec := New("")
	ctx, cancel := context.WithCancel(context.Background())
	execution, err := exec.Run(ctx, "setsid sleep 6", connectors.RunOptions{})
	require.NoError(t, err)

	start := time.Now()
	cancel()
	assert.ErrorIs(t, execution.Wait(), context.Canceled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_ElevatedWithoutCredential(t *testing.T) {
	exec := New("")
	_, err := exec.Run(context.Background(), "id -u", connectors.RunOptions{Elevated: true})
	assert.ErrorIs(t, err, connectors.ErrElevationRequired)
}

func TestUpload(t *testing.T) {
	exec := New("")
	target := filepath.Join(t.TempDir(), "a", "b", "run.sh")

	err := exec.Upload(context.Background(), strings.NewReader("echo ok\n"), target, connectors.UploadOptions{Mode: 0755})
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	res, err := connectors.Output(context.Background(), exec, "bash "+target, connectors.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
}

func TestClose(t *testing.T) {
	exec := New("")
	require.NoError(t, exec.Close())
	_, err := exec.Run(context.Background(), "true", connectors.RunOptions{})
	assert.ErrorIs(t, err, connectors.ErrClosed)
}
