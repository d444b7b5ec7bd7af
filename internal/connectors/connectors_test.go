package connectors

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCommand(t *testing.T) {
	tests := []struct {
		name      string
		opts      RunOptions
		secret    string
		wantCmd   string
		wantStdin string
		wantErr   error
	}{
		{name: "plain", wantCmd: "echo hi"},
		{name: "dir", opts: RunOptions{Dir: "/opt/demo dir"}, wantCmd: `cd /opt/demo\ dir && echo hi`},
		{name: "elevated without secret", opts: RunOptions{Elevated: true}, wantErr: ErrElevationRequired},
		{
			name:      "elevated",
			opts:      RunOptions{Elevated: true, Stdin: strings.NewReader("payload")},
			secret:    "pw",
			wantCmd:   `sudo -S -p '' bash -c 'echo hi'`,
			wantStdin: "pw\npayload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, stdin, err := PrepareCommand("echo hi", tt.opts, tt.secret)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCmd, cmd)
			if tt.wantStdin != "" {
				data, err := io.ReadAll(stdin)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStdin, string(data))
			}
		})
	}
}

func TestExecution_ExitCode(t *testing.T) {
	e := NewExecution(context.Background(), 0, nil)
	go func() {
		e.Emit(Stdout, []byte("out"))
		e.Emit(Stderr, []byte("err"))
		e.Finish(3, nil)
	}()

	var got []Chunk
	for c := range e.Chunks() {
		got = append(got, c)
	}
	err := e.Wait()

	require.Len(t, got, 2)
	assert.Equal(t, Stdout, got[0].Stream)
	assert.Equal(t, Stderr, got[1].Stream)
	code, ok := ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestExecution_Timeout(t *testing.T) {
	killed := make(chan struct{})
	var e *Execution
	e = NewExecution(context.Background(), 20*time.Millisecond, func() error {
		close(killed)
		go e.Finish(-1, nil)
		return nil
	})

	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatal("timeout did not kill the command")
	}
	assert.ErrorIs(t, e.Wait(), ErrTimeout)
}

func TestExecution_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var e *Execution
	e = NewExecution(ctx, 0, func() error {
		go e.Finish(-1, nil)
		return nil
	})
	cancel()
	assert.ErrorIs(t, e.Wait(), context.Canceled)
}

func TestExecution_KillAfterFinishIsNoop(t *testing.T) {
	calls := 0
	e := NewExecution(context.Background(), 0, func() error {
		calls++
		return nil
	})
	e.Finish(0, nil)
	require.NoError(t, e.Wait())
	require.NoError(t, e.Kill())
	assert.Zero(t, calls)
}

func TestExecution_TransportError(t *testing.T) {
	e := NewExecution(context.Background(), 0, nil)
	e.Finish(-1, ErrConnectionLost)
	err := e.Wait()
	assert.True(t, errors.Is(err, ErrConnectionLost))
	_, ok := ExitCode(err)
	assert.False(t, ok)
}

func TestTunnel_Forwards(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, _ := bufio.NewReader(c).ReadString('\n')
				c.Write([]byte("echo:" + line))
			}(c)
		}
	}()

	ln, err := ListenLocal(0)
	require.NoError(t, err)
	tun := NewTunnel(ln, "127.0.0.1", 9000, func() (net.Conn, error) {
		return net.Dial("tcp", target.Addr().String())
	})
	defer tun.Close()
	require.NotZero(t, tun.LocalPort)

	conn, err := net.Dial("tcp", tun.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\n", reply)
}

func TestTunnel_CloseReleasesPort(t *testing.T) {
	ln, err := ListenLocal(0)
	require.NoError(t, err)
	tun := NewTunnel(ln, "127.0.0.1", 9000, func() (net.Conn, error) {
		return nil, errors.New("unreachable")
	})
	port := tun.LocalPort

	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())
	<-tun.Done()

	again, err := ListenLocal(port)
	require.NoError(t, err)
	again.Close()
}

func TestListenLocal_PortInUse(t *testing.T) {
	ln, err := ListenLocal(0)
	require.NoError(t, err)
	defer ln.Close()

	_, err = ListenLocal(ln.Addr().(*net.TCPAddr).Port)
	assert.ErrorIs(t, err, ErrPortBind)
}
