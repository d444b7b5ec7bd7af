// Package runner starts a deployed workload as a detached remote process,
// forwards its port to the control host, waits for it to become ready and
// tears everything down again on stop.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/remoteproc"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner errors.
var (
	ErrRunNotSupported    = errors.New("workload has no run configuration")
	ErrNotDeployed        = errors.New("workload is not deployed")
	ErrPreconditionFailed = errors.New("capability check failed")
	ErrReadinessTimeout   = errors.New("readiness timeout")
	ErrPortConflict       = errors.New("no free port")
	ErrRunNotReady        = errors.New("run is not running")
)

// SystemStream tags lines written by the orchestrator itself.
const SystemStream = "system"

// RunLogName is the file in the remote dir that receives the service output.
const RunLogName = "run.log"

// Installer reports whether a workload is installed on the session's host.
type Installer interface {
	Precheck(ctx context.Context, sessionID, workloadID, remoteDir string) (models.PrecheckResult, error)
}

// HistoryRecorder persists runs that left the active set.
type HistoryRecorder interface {
	RecordJob(rec models.JobRecord) error
}

// DirectDialFunc probes whether addr accepts TCP connections from the control host.
type DirectDialFunc func(ctx context.Context, addr string) error

// Options configures an Orchestrator.
type Options struct {
	Sessions  *session.Registry
	Catalog   *catalog.Catalog
	Installer Installer
	Logger    zerolog.Logger
	Metrics   *metrics.Collector
	History   HistoryRecorder

	BufferLines     int
	SubscriberQueue int

	ReadinessAttempts       int
	ReadinessInterval       time.Duration
	ReadinessRequestTimeout time.Duration
	// StopGrace is how long the service gets between TERM and KILL.
	StopGrace          time.Duration
	AlternatePortSpan  int
	DirectProbeTimeout time.Duration
	// CapabilityTTL is how long a passed capability check satisfies the run precondition.
	CapabilityTTL time.Duration
	// Retention keeps stopped and failed runs visible for this long.
	Retention time.Duration
	// PortPoll is the interval used while waiting for a port to be released.
	PortPoll time.Duration

	DirectDial DirectDialFunc
	Now        func() time.Time
}

type runKey struct {
	sessionID  string
	workloadID string
}

// Orchestrator owns every run in the process.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	active map[runKey]*Run
	latest map[runKey]*Run
	// ports maps bound local tunnel ports to run ids.
	ports map[int]string
}

// New creates a run orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadinessAttempts <= 0 {
		opts.ReadinessAttempts = 30
	}
	if opts.ReadinessInterval <= 0 {
		opts.ReadinessInterval = time.Second
	}
	if opts.ReadinessRequestTimeout <= 0 {
		opts.ReadinessRequestTimeout = 2 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.DirectProbeTimeout <= 0 {
		opts.DirectProbeTimeout = time.Second
	}
	if opts.CapabilityTTL <= 0 {
		opts.CapabilityTTL = 5 * time.Minute
	}
	if opts.PortPoll <= 0 {
		opts.PortPoll = 250 * time.Millisecond
	}
	if opts.DirectDial == nil {
		timeout := opts.DirectProbeTimeout
		opts.DirectDial = func(ctx context.Context, addr string) error {
			d := net.Dialer{Timeout: timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	return &Orchestrator{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "runner").Logger(),
		runs:   make(map[string]*Run),
		active: make(map[runKey]*Run),
		latest: make(map[runKey]*Run),
		ports:  make(map[int]string),
	}
}

func (o *Orchestrator) runLog(r *Run) *zerolog.Logger {
	l := o.log.With().
		Str("session_id", r.sessionID).
		Str("workload_id", r.workloadID).
		Str("run_id", r.id).
		Logger()
	return &l
}

func (o *Orchestrator) system(r *Run, format string, args ...interface{}) {
	r.hub.Publish(SystemStream, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) terminateOpts() remoteproc.TerminateOptions {
	return remoteproc.TerminateOptions{Grace: o.opts.StopGrace, Poll: o.opts.PortPoll}
}

// Capability runs the workload's one-shot capability probe and records the result on the session.
func (o *Orchestrator) Capability(ctx context.Context, sessionID, workloadID, remoteDir string) (models.CapabilityResult, error) {
	s, err := o.opts.Sessions.Get(sessionID)
	if err != nil {
		return models.CapabilityResult{}, err
	}
	w, err := o.opts.Catalog.Get(workloadID)
	if err != nil {
		return models.CapabilityResult{}, err
	}
	dir, err := s.WorkloadDir(w, remoteDir)
	if err != nil {
		return models.CapabilityResult{}, err
	}

	res := models.CapabilityResult{OK: true, Message: "no capability check declared", CheckedAt: o.opts.Now()}
	if w.Run != nil && w.Run.Capability != nil {
		res, err = o.probeCapability(ctx, s.Executor(), w.Run.Capability, dir)
		if err != nil {
			return models.CapabilityResult{}, err
		}
	}
	s.RecordCapability(workloadID, res)
	o.log.Info().
		Str("session_id", sessionID).
		Str("workload_id", workloadID).
		Bool("ok", res.OK).
		Str("message", res.Message).
		Msg("capability check")
	return res, nil
}

func (o *Orchestrator) probeCapability(ctx context.Context, ex connectors.Executor, spec *catalog.CapabilitySpec, dir string) (models.CapabilityResult, error) {
	cmd := strings.ReplaceAll(spec.Command, "{remote_dir}", dir)
	out, err := connectors.Output(ctx, ex, cmd, connectors.RunOptions{
		Elevated: spec.Elevated,
		Dir:      dir,
		Timeout:  spec.Timeout,
	})
	res := models.CapabilityResult{CheckedAt: o.opts.Now()}
	if err != nil {
		if errors.Is(err, connectors.ErrTimeout) {
			res.Message = fmt.Sprintf("capability probe timed out after %s", spec.Timeout)
			return res, nil
		}
		return res, fmt.Errorf("capability probe: %w", err)
	}
	stdout := strings.TrimSpace(out.Stdout)
	switch {
	case out.ExitCode != 0:
		res.Message = fmt.Sprintf("exit status %d: %s", out.ExitCode, lastLine(out.Stderr, out.Stdout))
	case !strings.Contains(stdout, spec.Expect):
		res.Message = fmt.Sprintf("expected %q in output: %s", spec.Expect, lastLine(stdout, out.Stderr))
	default:
		res.OK = true
		res.Message = lastLine(stdout, spec.Expect)
	}
	return res, nil
}

func lastLine(candidates ...string) string {
	for _, c := range candidates {
		lines := strings.Split(strings.TrimSpace(c), "\n")
		if l := strings.TrimSpace(lines[len(lines)-1]); l != "" {
			return loghub.Sanitize(l)
		}
	}
	return ""
}

// Run validates the request and starts the service in the background.
func (o *Orchestrator) Run(ctx context.Context, sessionID, workloadID string) (models.RunSnapshot, error) {
	s, err := o.opts.Sessions.Get(sessionID)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	w, err := o.opts.Catalog.Get(workloadID)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	if w.Run == nil || !w.Run.Enabled {
		return models.RunSnapshot{}, fmt.Errorf("%w: %s", ErrRunNotSupported, workloadID)
	}
	dir, err := s.WorkloadDir(w, "")
	if err != nil {
		return models.RunSnapshot{}, err
	}
	key := runKey{sessionID, workloadID}
	if err := o.checkConflict(key); err != nil {
		return models.RunSnapshot{}, err
	}

	if !s.Deployed(workloadID) {
		if o.opts.Installer == nil {
			return models.RunSnapshot{}, fmt.Errorf("%w: %s", ErrNotDeployed, workloadID)
		}
		pre, err := o.opts.Installer.Precheck(ctx, sessionID, workloadID, "")
		if err != nil {
			return models.RunSnapshot{}, err
		}
		if !pre.Installed {
			return models.RunSnapshot{}, fmt.Errorf("%w: %s", ErrNotDeployed, workloadID)
		}
	}

	if w.Run.Capability != nil {
		res, ok := s.Capability(workloadID)
		if !ok || !res.OK || o.opts.Now().Sub(res.CheckedAt) > o.opts.CapabilityTTL {
			res, err = o.Capability(ctx, sessionID, workloadID, "")
			if err != nil {
				return models.RunSnapshot{}, err
			}
		}
		if !res.OK {
			return models.RunSnapshot{}, fmt.Errorf("%w: %s", ErrPreconditionFailed, res.Message)
		}
	}

	payload, err := w.Run.PayloadData()
	if err != nil {
		return models.RunSnapshot{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Run{
		id:         uuid.New().String(),
		sessionID:  sessionID,
		workloadID: workloadID,
		host:       s.Host,
		remoteDir:  dir,
		spec:       *w.Run,
		exec:       s.Executor(),
		hub: loghub.New(loghub.Options{
			Capacity:  o.opts.BufferLines,
			QueueSize: o.opts.SubscriberQueue,
			OnDrop:    o.opts.Metrics.LogLinesDropped,
		}),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     models.RunStarting,
		startedAt: o.opts.Now(),
	}

	o.mu.Lock()
	if cur, ok := o.active[key]; ok && cur.currentState().Active() {
		o.mu.Unlock()
		cancel()
		return models.RunSnapshot{}, fmt.Errorf("%w: run %s is %s", models.ErrConflictingJob, cur.id, cur.currentState())
	}
	o.runs[r.id] = r
	o.active[key] = r
	o.latest[key] = r
	o.mu.Unlock()

	o.opts.Metrics.RunStarted()
	r.hub.PublishStatus(string(models.RunStarting))
	o.runLog(r).Info().Str("remote_dir", dir).Msg("run starting")

	go o.start(r, s, payload)
	return r.Snapshot(), nil
}

func (o *Orchestrator) checkConflict(key runKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[key]; ok && cur.currentState().Active() {
		return fmt.Errorf("%w: run %s is %s", models.ErrConflictingJob, cur.id, cur.currentState())
	}
	return nil
}

// start drives STARTING to RUNNING or ERROR.
func (o *Orchestrator) start(r *Run, s *session.Session, payload []byte) {
	defer close(r.done)
	ctx := r.ctx
	ex := r.exec
	spec := r.spec

	if payload != nil {
		target := path.Join(r.remoteDir, spec.PayloadName)
		o.system(r, "uploading payload %s (%d bytes)", target, len(payload))
		if err := ex.Upload(ctx, bytes.NewReader(payload), target, connectors.UploadOptions{Mode: 0644}); err != nil {
			o.fail(r, fmt.Errorf("upload payload: %w", err))
			return
		}
	}

	port, err := o.choosePort(ctx, r)
	if err != nil {
		o.fail(r, err)
		return
	}

	logFile := path.Join(r.remoteDir, RunLogName)
	command := spec.Expand(r.remoteDir, port)
	o.system(r, "starting on port %d: %s", port, command)
	out, err := connectors.Output(ctx, ex, remoteproc.DetachCommand(r.remoteDir, command, logFile), connectors.RunOptions{Timeout: 15 * time.Second})
	if err != nil {
		o.fail(r, fmt.Errorf("launch: %w", err))
		return
	}
	if out.ExitCode != 0 {
		o.fail(r, fmt.Errorf("launch exited with status %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
		return
	}
	pid, err := remoteproc.ParsePID(out.Stdout)
	if err != nil {
		o.fail(r, fmt.Errorf("launch: %w", err))
		return
	}
	r.mu.Lock()
	r.pid = pid
	r.remotePort = port
	r.mu.Unlock()
	o.system(r, "started pid %d", pid)

	o.startTail(r, logFile)

	tunnel, err := ex.OpenTunnel(ctx, 0, "127.0.0.1", port)
	if err != nil {
		o.fail(r, fmt.Errorf("open tunnel: %w", err))
		return
	}
	if !o.claimPort(r, tunnel) {
		tunnel.Close()
		o.fail(r, fmt.Errorf("%w: local port %d already claimed", connectors.ErrPortBind, tunnel.LocalPort))
		return
	}
	o.system(r, "tunnel %s -> remote port %d", tunnel.LocalAddr(), port)

	attempts, err := o.waitReady(ctx, r, tunnel.LocalAddr(), pid)
	o.opts.Metrics.ReadinessAttempts(attempts)
	if err != nil {
		o.fail(r, fmt.Errorf("%w after %d attempts: %v", ErrReadinessTimeout, attempts, err))
		return
	}
	o.system(r, "ready after %d attempt(s)", attempts)

	if spec.Kind == catalog.KindUI {
		url := o.resolveUI(ctx, s, r, port, tunnel.LocalAddr())
		r.mu.Lock()
		r.uiURL = url
		r.mu.Unlock()
		o.system(r, "ui available at %s", url)
	}

	o.transition(r, models.RunRunning, "")
}

// choosePort returns the declared port when it is free or can be freed,
// otherwise the first free alternate.
func (o *Orchestrator) choosePort(ctx context.Context, r *Run) (int, error) {
	ex := r.exec
	candidates := r.spec.Candidates(o.opts.AlternatePortSpan)
	desired := candidates[0]

	listening, owner, err := remoteproc.PortOwner(ctx, ex, desired)
	if err != nil {
		return 0, err
	}
	if !listening {
		return desired, nil
	}

	if owner > 0 && o.managedPID(r, owner) {
		o.system(r, "port %d is used by another managed run", desired)
	} else {
		o.system(r, "port %d is held by a stale listener (pid %d), stopping it", desired, owner)
		released, err := remoteproc.FreePort(ctx, ex, desired, owner, o.terminateOpts())
		if err != nil {
			o.runLog(r).Warn().Err(err).Int("port", desired).Msg("free stale listener")
		}
		if released {
			return desired, nil
		}
		o.system(r, "port %d is still busy", desired)
	}

	for _, p := range candidates[1:] {
		listening, _, err := remoteproc.PortOwner(ctx, ex, p)
		if err != nil {
			return 0, err
		}
		if !listening {
			o.system(r, "falling back to port %d", p)
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: tried ports %v", ErrPortConflict, candidates)
}

func (o *Orchestrator) managedPID(self *Run, pid int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.runs {
		if r == self || r.sessionID != self.sessionID {
			continue
		}
		r.mu.Lock()
		match := r.pid == pid && r.state.Active()
		r.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

func (o *Orchestrator) claimPort(r *Run, t *connectors.Tunnel) bool {
	o.mu.Lock()
	if _, taken := o.ports[t.LocalPort]; taken {
		o.mu.Unlock()
		return false
	}
	o.ports[t.LocalPort] = r.id
	o.mu.Unlock()

	r.mu.Lock()
	r.tunnel = t
	r.mu.Unlock()
	o.opts.Metrics.TunnelOpened()
	return true
}

func (o *Orchestrator) startTail(r *Run, logFile string) {
	cmd := "tail -n +1 -F " + connectors.Quote(logFile) + " 2>/dev/null"
	execution, err := r.exec.Run(context.Background(), cmd, connectors.RunOptions{})
	if err != nil {
		o.runLog(r).Warn().Err(err).Msg("tail run log")
		return
	}
	r.mu.Lock()
	r.tail = execution
	r.mu.Unlock()

	go func() {
		feeder := loghub.NewFeeder(r.hub)
		for c := range execution.Chunks() {
			feeder.Feed(string(c.Stream), c.Data)
		}
		feeder.Flush()
		_ = execution.Wait()
	}()
}

func (o *Orchestrator) transition(r *Run, to models.RunState, errMsg string) bool {
	r.mu.Lock()
	from := r.state
	switch {
	case from == models.RunStopped:
		r.mu.Unlock()
		return false
	case from == models.RunError && to != models.RunStopped:
		r.mu.Unlock()
		return false
	case from == to:
		r.mu.Unlock()
		return false
	}
	r.state = to
	if errMsg != "" {
		r.errMsg = errMsg
	}
	now := o.opts.Now()
	if !to.Active() {
		r.endedAt = &now
	}
	r.mu.Unlock()

	r.hub.PublishStatus(string(to))
	if !to.Active() {
		r.hub.Close()
	}

	if from.Active() && !to.Active() {
		o.mu.Lock()
		key := runKey{r.sessionID, r.workloadID}
		if o.active[key] == r {
			delete(o.active, key)
		}
		o.mu.Unlock()
		o.opts.Metrics.RunEnded(string(to))
	}
	if !to.Active() {
		o.record(r, now)
	}

	ev := o.runLog(r).Info()
	if to == models.RunError {
		ev = o.runLog(r).Warn().Str("error", errMsg)
	}
	ev.Str("from", string(from)).Str("state", string(to)).Msg("run transition")
	return true
}

func (o *Orchestrator) record(r *Run, ended time.Time) {
	if o.opts.History == nil {
		return
	}
	snap := r.Snapshot()
	detail := snap.Error
	if detail == "" && snap.RemotePort > 0 {
		detail = "port " + strconv.Itoa(snap.RemotePort)
	}
	if err := o.opts.History.RecordJob(models.JobRecord{
		ID:         r.id,
		Kind:       models.JobRun,
		SessionID:  r.sessionID,
		WorkloadID: r.workloadID,
		Host:       r.host,
		State:      string(snap.State),
		Detail:     detail,
		StartedAt:  snap.StartedAt,
		EndedAt:    ended,
	}); err != nil {
		o.runLog(r).Warn().Err(err).Msg("record run history")
	}
}

// fail publishes the cause, releases everything the run started and commits ERROR.
// A run that is being stopped is left to the stop path.
func (o *Orchestrator) fail(r *Run, err error) {
	if r.isStopping() {
		return
	}
	msg := err.Error()
	o.system(r, "error: %s", msg)

	tctx, cancel := context.WithTimeout(context.Background(), o.opts.StopGrace+30*time.Second)
	o.teardown(tctx, r)
	cancel()

	if r.isStopping() {
		return
	}
	o.transition(r, models.RunError, msg)
}

// teardown terminates the remote process, verifies its port was released,
// closes the tunnel and stops the log tail. Each resource is released once.
func (o *Orchestrator) teardown(ctx context.Context, r *Run) {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return
	}
	r.tornDown = true
	pid, port := r.pid, r.remotePort
	tunnel, tail := r.tunnel, r.tail
	r.tunnel, r.tail = nil, nil
	r.mu.Unlock()

	ex := r.exec
	if pid > 0 {
		forced, err := remoteproc.Terminate(ctx, ex, pid, o.terminateOpts())
		switch {
		case err != nil:
			o.runLog(r).Warn().Err(err).Int("pid", pid).Msg("terminate service")
		case forced:
			o.system(r, "pid %d ignored TERM, sent KILL", pid)
		}
	}
	if port > 0 {
		released, err := remoteproc.WaitPortReleased(ctx, ex, port, 3, o.opts.PortPoll)
		if err == nil && !released {
			o.system(r, "port %d still listening, killing its owner", port)
			_, owner, _ := remoteproc.PortOwner(ctx, ex, port)
			released, err = remoteproc.FreePort(ctx, ex, port, owner, o.terminateOpts())
		}
		if err != nil {
			o.runLog(r).Warn().Err(err).Int("port", port).Msg("verify port release")
		} else if !released {
			o.system(r, "warning: port %d is still in use", port)
		}
	}
	if tunnel != nil {
		tunnel.Close()
		o.mu.Lock()
		if o.ports[tunnel.LocalPort] == r.id {
			delete(o.ports, tunnel.LocalPort)
			o.opts.Metrics.TunnelClosed()
		}
		o.mu.Unlock()
	}
	if tail != nil {
		tail.Kill()
	}
}

// Stop tears the run down and commits STOPPED. Stopping a stopped run is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, runID string) (models.RunSnapshot, error) {
	if _, err := o.opts.Sessions.Get(sessionID); err != nil {
		return models.RunSnapshot{}, err
	}
	r, err := o.Get(sessionID, runID)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	o.stop(ctx, r)
	return r.Snapshot(), nil
}

func (o *Orchestrator) stop(ctx context.Context, r *Run) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	r.mu.Lock()
	if r.state == models.RunStopped {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.mu.Unlock()

	o.system(r, "stop requested")
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(o.opts.StopGrace + 10*time.Second):
		o.runLog(r).Warn().Msg("start sequence did not return in time")
	case <-ctx.Done():
	}

	o.teardown(ctx, r)
	o.transition(r, models.RunStopped, "")
}

// Get returns a run owned by sessionID.
func (o *Orchestrator) Get(sessionID, runID string) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok || r.sessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, runID)
	}
	return r, nil
}

// Latest returns the most recent run of a workload in a session.
func (o *Orchestrator) Latest(sessionID, workloadID string) (*models.RunSnapshot, bool) {
	o.mu.Lock()
	r, ok := o.latest[runKey{sessionID, workloadID}]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := r.Snapshot()
	return &snap, true
}

// List returns the session's runs, oldest first.
func (o *Orchestrator) List(sessionID string) []models.RunSnapshot {
	o.mu.Lock()
	var out []models.RunSnapshot
	for _, r := range o.runs {
		if r.sessionID == sessionID {
			out = append(out, r.Snapshot())
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stream opens the service's stream path through the tunnel. The caller closes the body.
func (o *Orchestrator) Stream(ctx context.Context, sessionID, runID string) (io.ReadCloser, string, error) {
	if _, err := o.opts.Sessions.Get(sessionID); err != nil {
		return nil, "", err
	}
	r, err := o.Get(sessionID, runID)
	if err != nil {
		return nil, "", err
	}
	addr, ok := r.localAddr()
	if !ok || r.currentState() != models.RunRunning {
		return nil, "", fmt.Errorf("%w: %s is %s", ErrRunNotReady, runID, r.currentState())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(addr, r.spec.StreamPath), nil)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{Transport: &http.Transport{Proxy: nil}}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", connectors.ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: stream returned %s", connectors.ErrNetwork, resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "multipart/x-mixed-replace; boundary=frame"
	}
	return resp.Body, ct, nil
}

// ProbeOrphan reports a listener on the workload's declared port when no
// managed run is active for it.
func (o *Orchestrator) ProbeOrphan(ctx context.Context, sessionID, workloadID string) (*models.OrphanListener, error) {
	s, err := o.opts.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	w, err := o.opts.Catalog.Get(workloadID)
	if err != nil {
		return nil, err
	}
	if w.Run == nil || w.Run.Port == 0 {
		return nil, nil
	}
	if o.checkConflict(runKey{sessionID, workloadID}) != nil {
		return nil, nil
	}
	listening, pid, err := remoteproc.PortOwner(ctx, s.Executor(), w.Run.Port)
	if err != nil || !listening {
		return nil, err
	}
	return &models.OrphanListener{Port: w.Run.Port, PID: pid}, nil
}

// StopOrphan kills whatever listens on the workload's declared port.
// It refuses while a managed run for the workload is active.
func (o *Orchestrator) StopOrphan(ctx context.Context, sessionID, workloadID string) (bool, error) {
	s, err := o.opts.Sessions.Get(sessionID)
	if err != nil {
		return false, err
	}
	w, err := o.opts.Catalog.Get(workloadID)
	if err != nil {
		return false, err
	}
	if w.Run == nil || w.Run.Port == 0 {
		return false, fmt.Errorf("%w: %s", ErrRunNotSupported, workloadID)
	}
	if err := o.checkConflict(runKey{sessionID, workloadID}); err != nil {
		return false, err
	}
	ex := s.Executor()
	listening, pid, err := remoteproc.PortOwner(ctx, ex, w.Run.Port)
	if err != nil {
		return false, err
	}
	if !listening {
		return true, nil
	}
	released, err := remoteproc.FreePort(ctx, ex, w.Run.Port, pid, o.terminateOpts())
	o.log.Info().
		Str("session_id", sessionID).
		Str("workload_id", workloadID).
		Int("port", w.Run.Port).
		Int("pid", pid).
		Bool("released", released).
		Msg("stopped orphan listener")
	return released, err
}

// CloseSession stops every run of the session that is not already stopped.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) {
	o.mu.Lock()
	var runs []*Run
	for _, r := range o.runs {
		if r.sessionID == sessionID {
			runs = append(runs, r)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runs {
		if r.currentState() == models.RunStopped {
			continue
		}
		wg.Add(1)
		go func(r *Run) {
			defer wg.Done()
			o.stop(ctx, r)
		}(r)
	}
	wg.Wait()
}

// Shutdown stops every run.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sessions := make(map[string]struct{})
	for _, r := range o.runs {
		sessions[r.sessionID] = struct{}{}
	}
	o.mu.Unlock()
	for id := range sessions {
		o.CloseSession(ctx, id)
	}
}

// GC drops stopped and failed runs that ended before the retention window.
func (o *Orchestrator) GC(now time.Time) int {
	if o.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-o.opts.Retention)

	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, r := range o.runs {
		if !r.endedBefore(cutoff) {
			continue
		}
		delete(o.runs, id)
		key := runKey{r.sessionID, r.workloadID}
		if o.latest[key] == r {
			delete(o.latest, key)
		}
		n++
	}
	return n
}
