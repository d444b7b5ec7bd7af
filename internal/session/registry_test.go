package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/connectors/fakeexec"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func verifyRouter() *fakeexec.Router {
	r := &fakeexec.Router{}
	r.Reply("CONNECT_OK", fakeexec.Response{Stdout: "CONNECT_OK\nLinux jetson 5.10.120-tegra aarch64 GNU/Linux\n/home/nvidia\n"})
	return r
}

func newTestRegistry(t *testing.T, now func() time.Time) (*Registry, *[]*fakeexec.Executor) {
	t.Helper()
	var created []*fakeexec.Executor
	var mu sync.Mutex
	reg := NewRegistry(Options{
		Logger: zerolog.Nop(),
		Now:    now,
		Dialer: func(ctx context.Context, p ConnectParams) (connectors.Executor, string, error) {
			if p.Password == "wrong" {
				return nil, "", connectors.ErrAuth
			}
			ex := fakeexec.New(verifyRouter().Handle)
			if p.ElevatedPassword != "" {
				ex.SetElevatedCredential(p.ElevatedPassword)
			}
			mu.Lock()
			created = append(created, ex)
			mu.Unlock()
			return ex, ModeSSH, nil
		},
	})
	return reg, &created
}

func TestConnect_CreatesFreshSessions(t *testing.T) {
	reg, created := newTestRegistry(t, nil)
	p := ConnectParams{Host: "10.0.0.5", Port: 22, Username: "nvidia", Password: "pw"}

	a, err := reg.Connect(context.Background(), p)
	require.NoError(t, err)
	b, err := reg.Connect(context.Background(), p)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, *created, 2)

	info := a.Info()
	assert.Equal(t, models.SessionConnected, info.State)
	assert.Equal(t, "/home/nvidia", info.Home)
	assert.Contains(t, info.Platform, "aarch64")
	assert.False(t, info.Elevated)
	assert.Len(t, reg.List(), 2)
}

func TestConnect_AuthError(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Connect(context.Background(), ConnectParams{Host: "h", Password: "wrong"})
	assert.ErrorIs(t, err, connectors.ErrAuth)
	assert.Empty(t, reg.List())
}

func TestConnect_VerificationFailureClosesExecutor(t *testing.T) {
	ex := fakeexec.New(func(fakeexec.Call) fakeexec.Response {
		return fakeexec.Response{Stdout: "garbage\n"}
	})
	reg := NewRegistry(Options{
		Logger: zerolog.Nop(),
		Dialer: func(ctx context.Context, p ConnectParams) (connectors.Executor, string, error) {
			return ex, ModeSSH, nil
		},
	})
	_, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	assert.ErrorIs(t, err, connectors.ErrNetwork)
	assert.True(t, ex.Closed())
}

func TestConnect_RequiresHost(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Connect(context.Background(), ConnectParams{})
	assert.Error(t, err)
}

func TestGet_UnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetElevatedCredential(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	require.NoError(t, err)

	require.NoError(t, reg.SetElevatedCredential(s.ID, "sudo-pw"))
	assert.True(t, s.Info().Elevated)
	assert.ErrorIs(t, reg.SetElevatedCredential("nope", "x"), ErrSessionNotFound)
}

func TestDisconnect_RunsHooksBeforeClose(t *testing.T) {
	reg, created := newTestRegistry(t, nil)
	s, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	require.NoError(t, err)
	ex := (*created)[0]

	var sawOpen bool
	var hookSession string
	reg.OnTeardown(func(ctx context.Context, id string) {
		hookSession = id
		sawOpen = !ex.Closed()
		// The session is already gone for new operations.
		_, err := reg.Get(id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	require.NoError(t, reg.Disconnect(context.Background(), s.ID))
	assert.Equal(t, s.ID, hookSession)
	assert.True(t, sawOpen)
	assert.True(t, ex.Closed())
	assert.Equal(t, models.SessionDisconnected, s.Info().State)

	_, err = reg.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, reg.Disconnect(context.Background(), s.ID), ErrSessionNotFound)
}

func TestReap_IdleSessions(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg, _ := newTestRegistry(t, c.Now)

	idle, err := reg.Connect(context.Background(), ConnectParams{Host: "a"})
	require.NoError(t, err)
	c.Advance(20 * time.Minute)
	busy, err := reg.Connect(context.Background(), ConnectParams{Host: "b"})
	require.NoError(t, err)

	var torn []string
	reg.OnTeardown(func(ctx context.Context, id string) { torn = append(torn, id) })

	c.Advance(15 * time.Minute)
	_, err = reg.Get(busy.ID)
	require.NoError(t, err)

	n := reg.Reap(context.Background(), 30*time.Minute)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{idle.ID}, torn)

	_, err = reg.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = reg.Get(busy.ID)
	assert.NoError(t, err)
}

func TestCloseAll(t *testing.T) {
	reg, created := newTestRegistry(t, nil)
	for i := 0; i < 3; i++ {
		_, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
		require.NoError(t, err)
	}
	reg.CloseAll(context.Background())
	assert.Empty(t, reg.List())
	for _, ex := range *created {
		assert.True(t, ex.Closed())
	}
}

func TestSessionMemory(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	s, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	require.NoError(t, err)

	_, ok := s.RemoteDir("yolo")
	assert.False(t, ok)
	s.SetRemoteDir("yolo", "/opt/yolo")
	dir, ok := s.RemoteDir("yolo")
	assert.True(t, ok)
	assert.Equal(t, "/opt/yolo", dir)

	assert.False(t, s.Deployed("yolo"))
	s.MarkDeployed("yolo")
	assert.True(t, s.Deployed("yolo"))

	s.RecordCapability("yolo", models.CapabilityResult{OK: true, Message: "OK"})
	res, ok := s.Capability("yolo")
	assert.True(t, ok)
	assert.True(t, res.OK)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal(ConnectParams{Host: "localhost"}))
	assert.True(t, IsLocal(ConnectParams{Host: "LOCAL"}))
	assert.False(t, IsLocal(ConnectParams{Host: "localhost", Password: "x"}))
	assert.False(t, IsLocal(ConnectParams{Host: "10.0.0.1"}))
}

func TestConnect_DialerError(t *testing.T) {
	reg := NewRegistry(Options{
		Logger: zerolog.Nop(),
		Dialer: func(ctx context.Context, p ConnectParams) (connectors.Executor, string, error) {
			return nil, "", errors.New("boom")
		},
	})
	_, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	assert.EqualError(t, err, "boom")
}

func TestSessionInfo_ReportsLostConnection(t *testing.T) {
	reg, created := newTestRegistry(t, nil)
	s, err := reg.Connect(context.Background(), ConnectParams{Host: "h"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionConnected, s.State())

	(*created)[0].Drop()

	assert.Equal(t, models.SessionFailed, s.State())
	assert.Equal(t, models.SessionFailed, s.Info().State)

	got, err := reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Info().State)

	require.NoError(t, reg.Disconnect(context.Background(), s.ID))
	assert.Equal(t, models.SessionDisconnected, s.Info().State)
}
