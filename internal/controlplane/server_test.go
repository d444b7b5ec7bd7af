package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/jetdeploy/internal/audit"
	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/connectors/fakeexec"
	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/runner"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/fentz26/jetdeploy/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	router *fakeexec.Router
	ex     *fakeexec.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{router: &fakeexec.Router{}}
	env.router.Reply("CONNECT_OK", fakeexec.Response{Stdout: "CONNECT_OK\nLinux jetson\n/home/nvidia\n"})
	env.router.Reply("kill -0", fakeexec.Response{ExitCode: 1})
	env.router.Reply("bash -lc", fakeexec.Response{Stdout: "__jetdeploy_pid__ 4242\nstep 1\nstep 2\n"})
	env.ex = fakeexec.New(env.router.Handle)

	st, err := store.New(filepath.Join(t.TempDir(), "jetdeploy.db"))
	require.NoError(t, err)
	env.store = st

	cat, err := catalog.New([]catalog.Workload{
		{ID: "yolo", Deploy: catalog.DeploySpec{ScriptInline: "echo install", RemoteDir: "~/demos/yolo"}},
		{ID: "svc", Deploy: catalog.DeploySpec{ScriptInline: "true", RemoteDir: "/opt/svc"},
			Run: &catalog.RunSpec{Enabled: true, Command: "python3 app.py --port {port}", Port: 8080}},
	}, "")
	require.NoError(t, err)

	m := metrics.New()
	reg := session.NewRegistry(session.Options{
		Logger:  zerolog.Nop(),
		Metrics: m,
		Dialer: func(ctx context.Context, p session.ConnectParams) (connectors.Executor, string, error) {
			if p.Password == "wrong" {
				return nil, "", connectors.ErrAuth
			}
			return env.ex, session.ModeSSH, nil
		},
	})
	dep := deployer.New(deployer.Options{
		Sessions:    reg,
		Catalog:     cat,
		Logger:      zerolog.Nop(),
		Metrics:     m,
		History:     st,
		CancelGrace: 100 * time.Millisecond,
		KillTimeout: time.Second,
		Retention:   time.Minute,
	})
	run := runner.New(runner.Options{
		Sessions:  reg,
		Catalog:   cat,
		Installer: dep,
		Logger:    zerolog.Nop(),
		Metrics:   m,
		History:   st,
		Retention: time.Minute,
	})
	reg.OnTeardown(dep.CloseSession)
	reg.OnTeardown(run.CloseSession)

	svc := NewService(Deps{
		Sessions: reg,
		Catalog:  cat,
		Deployer: dep,
		Runner:   run,
		Store:    st,
		PDR:      audit.NewPDRWriter(st),
		Logger:   zerolog.Nop(),
	})
	env.srv = httptest.NewServer(NewServer(svc, m, zerolog.Nop(), "").Handler())
	t.Cleanup(func() {
		env.srv.Close()
		svc.Shutdown(context.Background())
		st.Close()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (env *testEnv) connect(t *testing.T) string {
	t.Helper()
	var info models.SessionInfo
	status := env.do(t, http.MethodPost, "/api/sessions", session.ConnectParams{Host: "jetson", Username: "nvidia"}, &info)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, info.ID)
	return info.ID
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	var health HealthResponse
	status := env.do(t, http.MethodGet, "/health", nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotEmpty(t, health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	status := env.do(t, http.MethodPost, "/health", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestHealthEndpoint_DBDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	var health HealthResponse
	status := env.do(t, http.MethodGet, "/health", nil, &health)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jetdeploy_")
}

func TestSessions_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	sid := env.connect(t)

	var list []models.SessionInfo
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, sid, list[0].ID)

	var info models.SessionInfo
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sid, nil, &info))
	assert.Equal(t, "jetson", info.Host)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/sessions/"+sid, nil, nil))

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+sid, nil, &errResp))
	assert.Equal(t, "session_not_found", errResp.Kind)
	assert.True(t, env.ex.Closed())
}

func TestSessions_ConnectErrors(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/api/sessions", session.ConnectParams{Host: "jetson", Password: "wrong"}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth", errResp.Kind)

	resp, err := http.Post(env.srv.URL+"/api/sessions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessions_SudoRequiresPassword(t *testing.T) {
	env := newTestEnv(t)
	sid := env.connect(t)

	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/api/sessions/"+sid+"/sudo", map[string]string{}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errResp.Kind)

	status = env.do(t, http.MethodPost, "/api/sessions/"+sid+"/sudo", map[string]string{"password": "pw"}, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.ex.HasElevatedCredential())
}

func TestWorkloads_List(t *testing.T) {
	env := newTestEnv(t)

	var list []catalog.Workload
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/workloads", nil, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "svc", list[0].ID)
	assert.Equal(t, "yolo", list[1].ID)
}

// readEvents reads an SSE body until the server closes it.
func readEvents(t *testing.T, url string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestDeploy_StreamsLogsAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	sid := env.connect(t)

	var pre models.PrecheckResult
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/sessions/"+sid+"/workloads/yolo/precheck", nil, &pre))
	assert.False(t, pre.Installed)
	assert.Equal(t, "/home/nvidia/demos/yolo", pre.RemoteDir)

	var snap models.DeploySnapshot
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/sessions/"+sid+"/workloads/yolo/deploy", deployer.DeployOptions{}, &snap))
	require.NotEmpty(t, snap.ID)

	body := readEvents(t, fmt.Sprintf("%s/api/sessions/%s/deploys/%s/logs", env.srv.URL, sid, snap.ID))
	assert.Contains(t, body, "event: log")
	assert.Contains(t, body, "step 2")
	assert.Contains(t, body, "event: end")

	var final models.DeploySnapshot
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sid+"/deploys/"+snap.ID, nil, &final))
	assert.Equal(t, models.DeployDone, final.State)

	require.Eventually(t, func() bool {
		var recs []models.JobRecord
		env.do(t, http.MethodGet, "/api/history?kind=deploy&workload=yolo", nil, &recs)
		return len(recs) == 1 && recs[0].State == string(models.DeployDone)
	}, 2*time.Second, 20*time.Millisecond)

	pdrs, err := env.store.ListPDR(10)
	require.NoError(t, err)
	var actions []string
	for _, p := range pdrs {
		actions = append(actions, p.Action)
	}
	assert.Contains(t, actions, "session.connect")
	assert.Contains(t, actions, "deploy.start")

	var st models.WorkloadStatus
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sid+"/workloads/yolo/status", nil, &st))
	require.NotNil(t, st.Deploy)
	assert.Equal(t, snap.ID, st.Deploy.ID)
	assert.Nil(t, st.Run)
}

func TestDeploy_Errors(t *testing.T) {
	env := newTestEnv(t)
	sid := env.connect(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		kind   string
	}{
		{"unknown workload", http.MethodPost, "/api/sessions/" + sid + "/workloads/nope/deploy", nil, http.StatusNotFound, "workload_not_found"},
		{"unknown session", http.MethodPost, "/api/sessions/missing/workloads/yolo/deploy", nil, http.StatusNotFound, "session_not_found"},
		{"unknown job", http.MethodGet, "/api/sessions/" + sid + "/deploys/nope", nil, http.StatusNotFound, "job_not_found"},
		{"relative dir", http.MethodPost, "/api/sessions/" + sid + "/workloads/yolo/deploy", deployer.DeployOptions{RemoteDir: "demos/yolo"}, http.StatusBadRequest, "invalid_remote_dir"},
		{"run not deployed", http.MethodPost, "/api/sessions/" + sid + "/workloads/svc/run", nil, http.StatusPreconditionFailed, "not_deployed"},
		{"run not supported", http.MethodPost, "/api/sessions/" + sid + "/workloads/yolo/run", nil, http.StatusBadRequest, "run_not_supported"},
		{"unknown run", http.MethodPost, "/api/sessions/" + sid + "/runs/nope/stop", nil, http.StatusNotFound, "job_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			status := env.do(t, tt.method, tt.path, tt.body, &errResp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, errResp.Kind)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestJobs_EmptySession(t *testing.T) {
	env := newTestEnv(t)
	sid := env.connect(t)

	var jobs JobsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+sid+"/jobs", nil, &jobs))
	assert.NotNil(t, jobs.Deploys)
	assert.NotNil(t, jobs.Runs)
	assert.Empty(t, jobs.Deploys)
	assert.Empty(t, jobs.Runs)
}

func TestHistory_InvalidLimit(t *testing.T) {
	env := newTestEnv(t)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/history?limit=abc", nil, &errResp))
	assert.Equal(t, "bad_request", errResp.Kind)

	var recs []models.JobRecord
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/history", nil, &recs))
	assert.Empty(t, recs)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: x", ErrBadRequest), http.StatusBadRequest, "bad_request"},
		{connectors.ErrAuth, http.StatusUnauthorized, "auth"},
		{fmt.Errorf("deploy: %w", connectors.ErrElevationRequired), http.StatusForbidden, "elevation_required"},
		{models.ErrConflictingJob, http.StatusConflict, "conflicting_job"},
		{deployer.ErrAlreadyInstalled, http.StatusConflict, "already_installed"},
		{runner.ErrPreconditionFailed, http.StatusPreconditionFailed, "precondition_failed"},
		{runner.ErrPortConflict, http.StatusServiceUnavailable, "port_conflict"},
		{fmt.Errorf("%w after 30 attempts", runner.ErrReadinessTimeout), http.StatusGatewayTimeout, "timeout"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{connectors.ErrConnectionLost, http.StatusBadGateway, "connection_lost"},
		{&connectors.ExitError{Code: 2}, http.StatusBadGateway, "remote_exit"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, kind := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.kind, kind, tt.err.Error())
	}
}
