package deployer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/connectors/fakeexec"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/remoteproc"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu   sync.Mutex
	recs []models.JobRecord
}

func (m *memHistory) RecordJob(rec models.JobRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memHistory) all() []models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRecord(nil), m.recs...)
}

type fixture struct {
	reg     *session.Registry
	orch    *Orchestrator
	router  *fakeexec.Router
	ex      *fakeexec.Executor
	history *memHistory
	sid     string
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Workload{
		{ID: "yolo", Deploy: catalog.DeploySpec{ScriptInline: "echo install", RemoteDir: "~/demos/yolo", Version: "2"}},
		{ID: "root", Deploy: catalog.DeploySpec{ScriptInline: "echo root", RemoteDir: "/opt/root", Elevated: true}},
		{ID: "probe", Deploy: catalog.DeploySpec{ScriptInline: "true", RemoteDir: "/opt/probe", PrecheckCmd: "test -d {remote_dir}/venv"}},
	}, "")
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, elevated string) *fixture {
	t.Helper()
	f := &fixture{router: &fakeexec.Router{}, history: &memHistory{}}
	f.router.Reply("CONNECT_OK", fakeexec.Response{Stdout: "CONNECT_OK\nLinux jetson\n/home/nvidia\n"})
	f.router.Reply("kill -0", fakeexec.Response{ExitCode: 1})

	f.ex = fakeexec.New(f.router.Handle)
	f.reg = session.NewRegistry(session.Options{
		Logger: zerolog.Nop(),
		Dialer: func(ctx context.Context, p session.ConnectParams) (connectors.Executor, string, error) {
			return f.ex, session.ModeSSH, nil
		},
	})
	f.orch = New(Options{
		Sessions:    f.reg,
		Catalog:     testCatalog(t),
		Logger:      zerolog.Nop(),
		History:     f.history,
		CancelGrace: 100 * time.Millisecond,
		KillTimeout: time.Second,
		Retention:   time.Minute,
	})
	f.reg.OnTeardown(f.orch.CloseSession)

	s, err := f.reg.Connect(context.Background(), session.ConnectParams{Host: "jetson", ElevatedPassword: elevated})
	require.NoError(t, err)
	if elevated != "" {
		f.ex.SetElevatedCredential(elevated)
	}
	f.sid = s.ID
	return f
}

func (f *fixture) wait(t *testing.T, jobID string) models.DeploySnapshot {
	t.Helper()
	j, err := f.orch.Job(f.sid, jobID)
	require.NoError(t, err)
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("deploy did not finish")
	}
	return j.Snapshot()
}

func logLines(h *loghub.Hub) []string {
	var out []string
	for _, e := range h.Snapshot() {
		if e.Kind == loghub.KindLog {
			out = append(out, e.Line)
		}
	}
	return out
}

func TestDeploy_Success(t *testing.T) {
	f := newFixture(t, "")
	f.router.Reply("bash -lc", fakeexec.Response{
		Stdout: "__jetdeploy_pid__ 4242\nstep 1\nstep 2\n",
		Stderr: "warning: slow mirror\n",
	})

	pre, err := f.orch.Precheck(context.Background(), f.sid, "yolo", "")
	require.NoError(t, err)
	assert.False(t, pre.Installed)
	assert.Equal(t, "none", pre.Method)
	assert.Equal(t, "/home/nvidia/demos/yolo", pre.RemoteDir)

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.DeployPending, snap.State)

	final := f.wait(t, snap.ID)
	assert.Equal(t, models.DeployDone, final.State)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.NotNil(t, final.EndedAt)

	script, ok := f.ex.File("/home/nvidia/demos/yolo/install.sh")
	require.True(t, ok)
	assert.Equal(t, "echo install", string(script))

	j, _ := f.orch.Job(f.sid, snap.ID)
	lines := logLines(j.Hub())
	assert.Contains(t, lines, "step 1")
	assert.Contains(t, lines, "warning: slow mirror")
	for _, l := range lines {
		assert.NotContains(t, l, "__jetdeploy_pid__")
	}
	assert.True(t, j.Hub().Closed())

	pre, err = f.orch.Precheck(context.Background(), f.sid, "yolo", "")
	require.NoError(t, err)
	assert.True(t, pre.Installed)
	assert.Equal(t, "marker", pre.Method)
	assert.Equal(t, "2", pre.Version)
	assert.NotEmpty(t, pre.InstalledAt)

	s, _ := f.reg.Get(f.sid)
	assert.True(t, s.Deployed("yolo"))

	recs := f.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "done", recs[0].State)
	assert.Equal(t, models.JobDeploy, recs[0].Kind)
}

func TestDeploy_StatusEntriesInOrder(t *testing.T) {
	f := newFixture(t, "")
	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	f.wait(t, snap.ID)

	j, _ := f.orch.Job(f.sid, snap.ID)
	var statuses []string
	for _, e := range j.Hub().Snapshot() {
		if e.Kind == loghub.KindStatus {
			statuses = append(statuses, e.Line)
		}
	}
	assert.Equal(t, []string{"pending", "running", "done"}, statuses)
}

func TestDeploy_AlreadyInstalledAndForce(t *testing.T) {
	f := newFixture(t, "")
	marker := "/home/nvidia/demos/yolo/" + remoteproc.DefaultMarkerName
	f.ex.PutFile(marker, []byte("version=1\ninstalled_at=2020-01-01T00:00:00Z\n"))

	_, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.DeployDone, f.wait(t, snap.ID).State)

	assert.Equal(t, 1, f.ex.Count("rm -f -- "))
	assert.Equal(t, 1, f.ex.Count("bash -lc"))
	data, ok := f.ex.File(marker)
	require.True(t, ok)
	parsed := remoteproc.ParseMarker(string(data))
	assert.Equal(t, "2", parsed["version"])
	assert.NotEqual(t, "2020-01-01T00:00:00Z", parsed["installed_at"])
}

func TestDeploy_NonZeroExit(t *testing.T) {
	f := newFixture(t, "")
	f.router.Reply("bash -lc", fakeexec.Response{Stderr: "E: unable to locate package\n", ExitCode: 3})

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	final := f.wait(t, snap.ID)
	assert.Equal(t, models.DeployFailed, final.State)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)

	_, ok := f.ex.File("/home/nvidia/demos/yolo/" + remoteproc.DefaultMarkerName)
	assert.False(t, ok)

	// The causal output precedes the terminal status.
	j, _ := f.orch.Job(f.sid, snap.ID)
	entries := j.Hub().Snapshot()
	errIdx, statusIdx := -1, -1
	for i, e := range entries {
		if e.Kind == loghub.KindLog && strings.HasPrefix(e.Line, "error:") {
			errIdx = i
		}
		if e.Kind == loghub.KindStatus && e.Line == "failed" {
			statusIdx = i
		}
	}
	require.NotEqual(t, -1, errIdx)
	assert.Less(t, errIdx, statusIdx)
	assert.Contains(t, logLines(j.Hub()), "E: unable to locate package")
}

func TestDeploy_TransferFailure(t *testing.T) {
	f := newFixture(t, "")
	f.ex.FailUploads(fmt.Errorf("%w: disk full", connectors.ErrTransfer))

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	final := f.wait(t, snap.ID)
	assert.Equal(t, models.DeployFailed, final.State)
	assert.Contains(t, final.Error, "disk full")

	j, _ := f.orch.Job(f.sid, snap.ID)
	found := false
	for _, l := range logLines(j.Hub()) {
		if strings.Contains(l, "disk full") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeploy_ConflictingJob(t *testing.T) {
	f := newFixture(t, "")
	release := make(chan struct{})
	f.router.Reply("bash -lc", fakeexec.Response{Stdout: "__jetdeploy_pid__ 7\n", Block: release})

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)

	_, err = f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{Force: true})
	assert.ErrorIs(t, err, models.ErrConflictingJob)

	close(release)
	assert.Equal(t, models.DeployDone, f.wait(t, snap.ID).State)

	// A new job is allowed once the previous one is terminal.
	snap2, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{Force: true})
	require.NoError(t, err)
	f.wait(t, snap2.ID)
}

func TestCancel_RunningJob(t *testing.T) {
	f := newFixture(t, "")
	f.router.Reply("bash -lc", fakeexec.Response{Stdout: "__jetdeploy_pid__ 4242\nbuilding\n", Block: make(chan struct{})})

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	j, _ := f.orch.Job(f.sid, snap.ID)
	require.Eventually(t, func() bool {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.state == models.DeployRunning && j.pid == 4242
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.orch.Cancel(context.Background(), f.sid, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeployCancelled, got.State)
	assert.True(t, got.Cancelled)
	assert.Equal(t, 1, f.ex.Count("kill -TERM -- -4242"))

	_, ok := f.ex.File("/home/nvidia/demos/yolo/" + remoteproc.DefaultMarkerName)
	assert.False(t, ok)

	again, err := f.orch.Cancel(context.Background(), f.sid, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeployCancelled, again.State)
}

func TestCancel_DoneJobIsNoop(t *testing.T) {
	f := newFixture(t, "")
	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	require.Equal(t, models.DeployDone, f.wait(t, snap.ID).State)

	got, err := f.orch.Cancel(context.Background(), f.sid, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeployDone, got.State)
	assert.False(t, got.Cancelled)
	assert.Zero(t, f.ex.Count("kill -TERM"))
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.orch.Cancel(context.Background(), f.sid, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = f.orch.Cancel(context.Background(), "stale", "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestDeploy_ElevationRequired(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.orch.Deploy(context.Background(), f.sid, "root", DeployOptions{})
	assert.ErrorIs(t, err, connectors.ErrElevationRequired)
}

func TestDeploy_ElevatedRunsThroughSudo(t *testing.T) {
	f := newFixture(t, "sudo-pw")
	snap, err := f.orch.Deploy(context.Background(), f.sid, "root", DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.DeployDone, f.wait(t, snap.ID).State)

	var sawInstall, sawChown bool
	for _, c := range f.ex.Calls() {
		if strings.Contains(c.Command, "bash -lc") {
			sawInstall = c.Opts.Elevated
		}
		if strings.HasPrefix(c.Command, "chown -R") {
			sawChown = c.Opts.Elevated
		}
	}
	assert.True(t, sawInstall)
	assert.True(t, sawChown)
}

func TestDeploy_MkdirFallsBackToElevation(t *testing.T) {
	f := newFixture(t, "sudo-pw")
	f.router.On("mkdir -p", func(c fakeexec.Call) fakeexec.Response {
		if c.Opts.Elevated {
			return fakeexec.Response{}
		}
		return fakeexec.Response{Stderr: "mkdir: Permission denied\n", ExitCode: 1}
	})

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{RemoteDir: "/opt/yolo"})
	require.NoError(t, err)
	assert.Equal(t, models.DeployDone, f.wait(t, snap.ID).State)
	assert.Equal(t, 2, f.ex.Count("mkdir -p -- /opt/yolo"))
}

func TestDeploy_RemoteDirOverride(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{RemoteDir: "relative"})
	assert.ErrorIs(t, err, models.ErrInvalidRemoteDir)
	_, err = f.orch.Precheck(context.Background(), f.sid, "yolo", "/opt/my dir")
	assert.ErrorIs(t, err, models.ErrInvalidRemoteDir)

	pre, err := f.orch.Precheck(context.Background(), f.sid, "yolo", "/srv/yolo/")
	require.NoError(t, err)
	assert.Equal(t, "/srv/yolo", pre.RemoteDir)

	// The override is remembered for later requests in the session.
	pre, err = f.orch.Precheck(context.Background(), f.sid, "yolo", "")
	require.NoError(t, err)
	assert.Equal(t, "/srv/yolo", pre.RemoteDir)
}

func TestPrecheck_Command(t *testing.T) {
	f := newFixture(t, "")
	f.router.Reply("test -d /opt/probe/venv", fakeexec.Response{ExitCode: 0})
	pre, err := f.orch.Precheck(context.Background(), f.sid, "probe", "")
	require.NoError(t, err)
	assert.True(t, pre.Installed)
	assert.Equal(t, "precheck", pre.Method)
}

func TestPrecheck_Unknown(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.orch.Precheck(context.Background(), f.sid, "nope", "")
	assert.ErrorIs(t, err, catalog.ErrWorkloadNotFound)
	_, err = f.orch.Precheck(context.Background(), "stale", "yolo", "")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionTeardownCancelsJobs(t *testing.T) {
	f := newFixture(t, "")
	f.router.Reply("bash -lc", fakeexec.Response{Stdout: "__jetdeploy_pid__ 9\n", Block: make(chan struct{})})

	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	j, _ := f.orch.Job(f.sid, snap.ID)
	require.Eventually(t, func() bool { return j.Snapshot().State == models.DeployRunning }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.reg.Disconnect(context.Background(), f.sid))
	assert.Equal(t, models.DeployCancelled, j.Snapshot().State)
	assert.True(t, f.ex.Closed())

	_, err = f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestGC(t *testing.T) {
	f := newFixture(t, "")
	snap, err := f.orch.Deploy(context.Background(), f.sid, "yolo", DeployOptions{})
	require.NoError(t, err)
	f.wait(t, snap.ID)

	assert.Zero(t, f.orch.GC(time.Now()))
	_, ok := f.orch.Latest(f.sid, "yolo")
	assert.True(t, ok)

	assert.Equal(t, 1, f.orch.GC(time.Now().Add(2*time.Minute)))
	_, err = f.orch.Job(f.sid, snap.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, ok = f.orch.Latest(f.sid, "yolo")
	assert.False(t, ok)
}
