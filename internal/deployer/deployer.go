// Package deployer drives deploy jobs: upload an install script, run it,
// stream its output and record an idempotency marker on success.
package deployer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
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

// ErrAlreadyInstalled is returned when a non-forced deploy finds the workload installed.
var ErrAlreadyInstalled = errors.New("workload already installed")

// SystemStream tags lines written by the orchestrator itself.
const SystemStream = "system"

// HistoryRecorder persists terminal jobs.
type HistoryRecorder interface {
	RecordJob(rec models.JobRecord) error
}

// Options configures an Orchestrator.
type Options struct {
	Sessions *session.Registry
	Catalog  *catalog.Catalog
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
	History  HistoryRecorder

	BufferLines     int
	SubscriberQueue int

	// CancelGrace is how long the install process gets between TERM and KILL.
	CancelGrace time.Duration
	// KillTimeout bounds the wait for the worker after cancellation.
	KillTimeout time.Duration
	// StatusTimeout bounds precheck and marker commands.
	StatusTimeout time.Duration
	// CommandTimeout bounds the install script. Zero means no limit.
	CommandTimeout time.Duration
	// Retention keeps terminal jobs visible for this long.
	Retention time.Duration

	Now func() time.Time
}

// DeployOptions are the per-request deploy parameters.
type DeployOptions struct {
	RemoteDir string `json:"remote_dir,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type jobKey struct {
	sessionID  string
	workloadID string
}

// Orchestrator owns every deploy job in the process.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[jobKey]*Job
	latest map[jobKey]*Job
}

// New creates a deploy orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = 10 * time.Second
	}
	return &Orchestrator{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "deployer").Logger(),
		jobs:   make(map[string]*Job),
		active: make(map[jobKey]*Job),
		latest: make(map[jobKey]*Job),
	}
}

func (o *Orchestrator) resolve(sessionID, workloadID, override string) (*session.Session, *catalog.Workload, string, error) {
	s, err := o.opts.Sessions.Get(sessionID)
	if err != nil {
		return nil, nil, "", err
	}
	w, err := o.opts.Catalog.Get(workloadID)
	if err != nil {
		return nil, nil, "", err
	}
	dir, err := s.WorkloadDir(w, override)
	if err != nil {
		return nil, nil, "", err
	}
	return s, w, dir, nil
}

// Precheck reports whether the workload is installed without starting a job.
func (o *Orchestrator) Precheck(ctx context.Context, sessionID, workloadID, remoteDir string) (models.PrecheckResult, error) {
	s, w, dir, err := o.resolve(sessionID, workloadID, remoteDir)
	if err != nil {
		return models.PrecheckResult{}, err
	}
	return o.precheck(ctx, s.Executor(), w, dir)
}

func (o *Orchestrator) precheck(ctx context.Context, ex connectors.Executor, w *catalog.Workload, dir string) (models.PrecheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.StatusTimeout)
	defer cancel()

	markerPath := remoteproc.MarkerPath(dir, w.Deploy.MarkerPath)
	res := models.PrecheckResult{Method: "none", RemoteDir: dir, MarkerPath: markerPath}
	elevated := w.Deploy.Elevated && ex.HasElevatedCredential()

	marker, found, err := remoteproc.ReadMarker(ctx, ex, markerPath, false)
	if err != nil {
		return res, fmt.Errorf("read marker: %w", err)
	}
	if !found && elevated {
		marker, found, err = remoteproc.ReadMarker(ctx, ex, markerPath, true)
		if err != nil {
			return res, fmt.Errorf("read marker: %w", err)
		}
	}
	if found {
		res.Installed = true
		res.Method = "marker"
		res.Version = marker[remoteproc.MarkerVersion]
		res.InstalledAt = marker[remoteproc.MarkerInstalledAt]
		res.Marker = marker
		return res, nil
	}

	if w.Deploy.PrecheckCmd != "" {
		out, err := connectors.Output(ctx, ex, w.Deploy.PrecheckCommand(dir), connectors.RunOptions{Elevated: elevated})
		if err != nil {
			return res, fmt.Errorf("precheck command: %w", err)
		}
		res.Method = "precheck"
		res.Installed = out.ExitCode == 0
	}
	return res, nil
}

// Deploy validates the request and starts a job in the background.
func (o *Orchestrator) Deploy(ctx context.Context, sessionID, workloadID string, opts DeployOptions) (models.DeploySnapshot, error) {
	s, w, dir, err := o.resolve(sessionID, workloadID, opts.RemoteDir)
	if err != nil {
		return models.DeploySnapshot{}, err
	}
	ex := s.Executor()
	if w.Deploy.Elevated && !ex.HasElevatedCredential() {
		return models.DeploySnapshot{}, fmt.Errorf("deploy %s: %w", workloadID, connectors.ErrElevationRequired)
	}
	key := jobKey{sessionID, workloadID}
	if err := o.checkConflict(key); err != nil {
		return models.DeploySnapshot{}, err
	}

	script, err := w.Deploy.Artifact()
	if err != nil {
		return models.DeploySnapshot{}, err
	}

	if !opts.Force {
		pre, err := o.precheck(ctx, ex, w, dir)
		if err != nil {
			return models.DeploySnapshot{}, err
		}
		if pre.Installed {
			return models.DeploySnapshot{}, fmt.Errorf("%w: %s (version %s, method %s)", ErrAlreadyInstalled, workloadID, pre.Version, pre.Method)
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:         uuid.New().String(),
		sessionID:  sessionID,
		workloadID: workloadID,
		host:       s.Host,
		remoteDir:  dir,
		markerPath: remoteproc.MarkerPath(dir, w.Deploy.MarkerPath),
		force:      opts.Force,
		elevated:   w.Deploy.Elevated,
		exec:       ex,
		hub: loghub.New(loghub.Options{
			Capacity:  o.opts.BufferLines,
			QueueSize: o.opts.SubscriberQueue,
			OnDrop:    o.opts.Metrics.LogLinesDropped,
		}),
		ctx:       jobCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     models.DeployPending,
		startedAt: o.opts.Now(),
	}

	o.mu.Lock()
	if cur, ok := o.active[key]; ok && !cur.terminal() {
		o.mu.Unlock()
		cancel()
		return models.DeploySnapshot{}, fmt.Errorf("%w: deploy %s is %s", models.ErrConflictingJob, cur.id, cur.Snapshot().State)
	}
	o.jobs[job.id] = job
	o.active[key] = job
	o.latest[key] = job
	o.mu.Unlock()

	job.hub.PublishStatus(string(models.DeployPending))
	o.jobLog(job).Info().Str("remote_dir", dir).Bool("force", opts.Force).Msg("deploy started")

	go o.work(job, s, w, script)
	return job.Snapshot(), nil
}

func (o *Orchestrator) checkConflict(key jobKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[key]; ok && !cur.terminal() {
		return fmt.Errorf("%w: deploy %s is %s", models.ErrConflictingJob, cur.id, cur.Snapshot().State)
	}
	return nil
}

func (o *Orchestrator) jobLog(j *Job) *zerolog.Logger {
	l := o.log.With().
		Str("session_id", j.sessionID).
		Str("workload_id", j.workloadID).
		Str("job_id", j.id).
		Logger()
	return &l
}

func (o *Orchestrator) system(j *Job, format string, args ...interface{}) {
	j.hub.Publish(SystemStream, fmt.Sprintf(format, args...))
}

// installCommand runs the script from its directory with line-buffered output when stdbuf exists.
func installCommand(dir, script string) string {
	q := connectors.Quote("./" + script)
	inner := fmt.Sprintf("set -euo pipefail; cd %s; if command -v stdbuf >/dev/null 2>&1; then stdbuf -oL -eL bash %s; else bash %s; fi",
		connectors.Quote(dir), q, q)
	return remoteproc.ReportPID("bash -lc " + connectors.Quote(inner))
}

func (o *Orchestrator) work(j *Job, s *session.Session, w *catalog.Workload, script []byte) {
	defer close(j.done)
	ctx := j.ctx
	ex := j.exec

	fail := func(err error) {
		if j.cancelled() {
			o.finish(j, models.DeployCancelled, nil, "")
			return
		}
		o.finish(j, models.DeployFailed, nil, err.Error())
	}

	if j.force {
		o.system(j, "force: removing marker %s", j.markerPath)
		if _, err := connectors.Output(ctx, ex, remoteproc.RemoveMarkerCommand(j.markerPath), connectors.RunOptions{Elevated: j.elevated}); err != nil {
			fail(fmt.Errorf("remove marker: %w", err))
			return
		}
	}

	if err := o.prepareDir(ctx, j); err != nil {
		fail(err)
		return
	}

	target := path.Join(j.remoteDir, w.Deploy.ScriptName)
	o.system(j, "uploading %s (%d bytes)", target, len(script))
	if err := o.upload(ctx, j, script, target, 0755); err != nil {
		fail(err)
		return
	}

	if !o.transition(j, models.DeployRunning) {
		return
	}

	timeout := o.opts.CommandTimeout
	if w.Deploy.Timeout > 0 {
		timeout = w.Deploy.Timeout
	}
	execution, err := ex.Run(ctx, installCommand(j.remoteDir, w.Deploy.ScriptName), connectors.RunOptions{
		Elevated: j.elevated,
		Timeout:  timeout,
	})
	if err != nil {
		fail(fmt.Errorf("start install script: %w", err))
		return
	}

	feeder := loghub.NewFeeder(j.hub)
	feeder.Intercept = func(stream, line string) bool {
		if stream != string(connectors.Stdout) {
			return false
		}
		if pid, ok := remoteproc.ParsePIDLine(line); ok {
			j.setPID(pid)
			return true
		}
		return false
	}
	for c := range execution.Chunks() {
		feeder.Feed(string(c.Stream), c.Data)
	}
	feeder.Flush()
	err = execution.Wait()

	if j.cancelled() {
		o.finish(j, models.DeployCancelled, nil, "")
		return
	}
	if err != nil {
		if code, ok := connectors.ExitCode(err); ok {
			o.finish(j, models.DeployFailed, &code, fmt.Sprintf("install script exited with status %d", code))
			return
		}
		fail(fmt.Errorf("install script: %w", err))
		return
	}

	marker := remoteproc.FormatMarker(w.ID, w.Deploy.Version, o.opts.Now(), map[string]string{"remote_dir": j.remoteDir})
	if err := o.upload(ctx, j, []byte(marker), j.markerPath, 0644); err != nil {
		fail(fmt.Errorf("write marker: %w", err))
		return
	}
	if j.elevated {
		chown := fmt.Sprintf(`chown -R "${SUDO_USER:-$(id -un)}" %s`, connectors.Quote(j.remoteDir))
		if res, err := connectors.Output(ctx, ex, chown, connectors.RunOptions{Elevated: true, Timeout: o.opts.StatusTimeout}); err != nil || res.ExitCode != 0 {
			o.system(j, "warning: could not restore ownership of %s", j.remoteDir)
		}
	}

	s.MarkDeployed(w.ID)
	code := 0
	o.finish(j, models.DeployDone, &code, "")
}

// prepareDir creates the remote directory, retrying with elevation when the plain attempt is refused.
func (o *Orchestrator) prepareDir(ctx context.Context, j *Job) error {
	ex := j.exec
	mkdir := "mkdir -p -- " + connectors.Quote(j.remoteDir)
	res, err := connectors.Output(ctx, ex, mkdir, connectors.RunOptions{Timeout: o.opts.StatusTimeout})
	if err != nil {
		return fmt.Errorf("create %s: %w", j.remoteDir, err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	if !ex.HasElevatedCredential() {
		return fmt.Errorf("create %s: %s", j.remoteDir, strings.TrimSpace(res.Stderr))
	}

	o.system(j, "mkdir refused, retrying with elevation")
	elevated := fmt.Sprintf(`%s && chown "${SUDO_USER:-$(id -un)}" %s`, mkdir, connectors.Quote(j.remoteDir))
	res, err = connectors.Output(ctx, ex, elevated, connectors.RunOptions{Elevated: true, Timeout: o.opts.StatusTimeout})
	if err != nil {
		return fmt.Errorf("create %s: %w", j.remoteDir, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create %s: %s", j.remoteDir, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// upload writes data to target, falling back to an elevated write when allowed.
func (o *Orchestrator) upload(ctx context.Context, j *Job, data []byte, target string, mode os.FileMode) error {
	ex := j.exec
	opts := connectors.UploadOptions{Mode: mode}
	err := ex.Upload(ctx, bytes.NewReader(data), target, opts)
	if err == nil || ctx.Err() != nil || !ex.HasElevatedCredential() {
		return err
	}
	o.system(j, "upload of %s refused, retrying with elevation", target)
	opts.Elevated = true
	return ex.Upload(ctx, bytes.NewReader(data), target, opts)
}

func (o *Orchestrator) transition(j *Job, to models.DeployState) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.state = to
	j.mu.Unlock()
	j.hub.PublishStatus(string(to))
	o.jobLog(j).Debug().Str("state", string(to)).Msg("deploy transition")
	return true
}

// finish commits a terminal state. The failure cause is published before the
// state changes. It returns false when the job was already terminal.
func (o *Orchestrator) finish(j *Job, to models.DeployState, code *int, errMsg string) bool {
	if j.terminal() {
		return false
	}
	if errMsg != "" {
		o.system(j, "error: %s", errMsg)
	}

	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	now := o.opts.Now()
	j.state = to
	j.exitCode = code
	j.errMsg = errMsg
	j.endedAt = &now
	j.mu.Unlock()

	j.hub.PublishStatus(string(to))
	j.hub.Close()
	j.cancel()

	o.mu.Lock()
	key := jobKey{j.sessionID, j.workloadID}
	if o.active[key] == j {
		delete(o.active, key)
	}
	o.mu.Unlock()

	snap := j.Snapshot()
	o.opts.Metrics.DeployFinished(string(to), now.Sub(snap.StartedAt))
	if o.opts.History != nil {
		if err := o.opts.History.RecordJob(models.JobRecord{
			ID:         j.id,
			Kind:       models.JobDeploy,
			SessionID:  j.sessionID,
			WorkloadID: j.workloadID,
			Host:       j.host,
			State:      string(to),
			ExitCode:   snap.ExitCode,
			Detail:     errMsg,
			StartedAt:  snap.StartedAt,
			EndedAt:    now,
		}); err != nil {
			o.jobLog(j).Warn().Err(err).Msg("record deploy history")
		}
	}

	ev := o.jobLog(j).Info()
	if to == models.DeployFailed {
		ev = o.jobLog(j).Warn().Str("error", errMsg)
	}
	ev.Str("state", string(to)).Msg("deploy finished")
	return true
}

// Cancel stops a deploy job. Cancelling a terminal job is a no-op that returns its snapshot.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, jobID string) (models.DeploySnapshot, error) {
	if _, err := o.opts.Sessions.Get(sessionID); err != nil {
		return models.DeploySnapshot{}, err
	}
	j, err := o.Job(sessionID, jobID)
	if err != nil {
		return models.DeploySnapshot{}, err
	}
	o.cancel(ctx, j)
	return j.Snapshot(), nil
}

// cancel sends TERM then KILL to the install process, aborts the worker and
// waits for it within KillTimeout before committing CANCELLED.
func (o *Orchestrator) cancel(ctx context.Context, j *Job) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.cancelRequested = true
	pid := j.pid
	j.mu.Unlock()

	o.system(j, "cancel requested")
	o.jobLog(j).Info().Int("pid", pid).Msg("cancelling deploy")

	if pid > 0 {
		tctx, cancel := context.WithTimeout(ctx, o.opts.CancelGrace+o.opts.KillTimeout)
		forced, err := remoteproc.Terminate(tctx, j.exec, pid, remoteproc.TerminateOptions{
			Grace:    o.opts.CancelGrace,
			Elevated: j.elevated,
		})
		cancel()
		if err != nil {
			o.jobLog(j).Warn().Err(err).Int("pid", pid).Msg("terminate install process")
		} else if forced {
			o.system(j, "install process did not exit after TERM, sent KILL")
		}
	}

	j.cancel()
	select {
	case <-j.done:
	case <-time.After(o.opts.KillTimeout):
		o.jobLog(j).Warn().Msg("deploy worker did not stop in time")
	case <-ctx.Done():
	}
	o.finish(j, models.DeployCancelled, nil, "")
}

// Job returns a job owned by the session.
func (o *Orchestrator) Job(sessionID, jobID string) (*Job, error) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok || j.sessionID != sessionID {
		return nil, fmt.Errorf("%w: deploy %s", models.ErrJobNotFound, jobID)
	}
	return j, nil
}

// Latest returns the most recent deploy job for a workload in a session.
func (o *Orchestrator) Latest(sessionID, workloadID string) (*models.DeploySnapshot, bool) {
	o.mu.Lock()
	j, ok := o.latest[jobKey{sessionID, workloadID}]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	snap := j.Snapshot()
	return &snap, true
}

// List returns snapshots of the session's jobs, newest first.
func (o *Orchestrator) List(sessionID string) []models.DeploySnapshot {
	o.mu.Lock()
	var out []models.DeploySnapshot
	for _, j := range o.jobs {
		if sessionID == "" || j.sessionID == sessionID {
			out = append(out, j.Snapshot())
		}
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// CloseSession cancels every non-terminal job of the session.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) {
	o.mu.Lock()
	var jobs []*Job
	for _, j := range o.jobs {
		if j.sessionID == sessionID {
			jobs = append(jobs, j)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.terminal() {
			continue
		}
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			o.cancel(ctx, j)
		}(j)
	}
	wg.Wait()
}

// Shutdown cancels every non-terminal job.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sessions := make(map[string]struct{})
	for _, j := range o.jobs {
		sessions[j.sessionID] = struct{}{}
	}
	o.mu.Unlock()
	for id := range sessions {
		o.CloseSession(ctx, id)
	}
}

// GC drops terminal jobs that ended before the retention window and returns how many were removed.
func (o *Orchestrator) GC(now time.Time) int {
	if o.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-o.opts.Retention)

	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, j := range o.jobs {
		if !j.endedBefore(cutoff) {
			continue
		}
		delete(o.jobs, id)
		key := jobKey{j.sessionID, j.workloadID}
		if o.latest[key] == j {
			delete(o.latest, key)
		}
		n++
	}
	return n
}
