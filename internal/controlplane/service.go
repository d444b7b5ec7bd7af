// Package controlplane provides the operation surface and HTTP API for jetdeploy.
package controlplane

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fentz26/jetdeploy/internal/audit"
	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/runner"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/fentz26/jetdeploy/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Service provides the control plane business logic.
type Service struct {
	sessions *session.Registry
	catalog  *catalog.Catalog
	deployer *deployer.Orchestrator
	runner   *runner.Orchestrator
	store    *store.Store
	pdr      *audit.PDRWriter
	log      zerolog.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Sessions *session.Registry
	Catalog  *catalog.Catalog
	Deployer *deployer.Orchestrator
	Runner   *runner.Orchestrator
	// Store is optional; without it history is unavailable.
	Store  *store.Store
	PDR    *audit.PDRWriter
	Logger zerolog.Logger
}

// NewService creates a new control plane service.
func NewService(d Deps) *Service {
	return &Service{
		sessions: d.Sessions,
		catalog:  d.Catalog,
		deployer: d.Deployer,
		runner:   d.Runner,
		store:    d.Store,
		pdr:      d.PDR,
		log:      d.Logger.With().Str("component", "controlplane").Logger(),
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

func errDetail(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

func (s *Service) record(action string, inputs interface{}, err error, jobID string) {
	if _, werr := s.pdr.Record(action, inputs, outcome(err), jobID, errDetail(err)); werr != nil {
		s.log.Warn().Err(werr).Str("action", action).Msg("write pdr")
	}
}

// --- Sessions ---

// Connect opens a new session.
func (s *Service) Connect(ctx context.Context, p session.ConnectParams) (models.SessionInfo, error) {
	sess, err := s.sessions.Connect(ctx, p)
	id := ""
	if sess != nil {
		id = sess.ID
	}
	s.record("session.connect", p, err, id)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// Sessions lists live sessions.
func (s *Service) Sessions() []models.SessionInfo {
	list := s.sessions.List()
	out := make([]models.SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	return out
}

// Session returns one session.
func (s *Service) Session(sessionID string) (models.SessionInfo, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return models.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// SetElevatedCredential stores the elevated secret of a session.
func (s *Service) SetElevatedCredential(sessionID, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: password is required", ErrBadRequest)
	}
	err := s.sessions.SetElevatedCredential(sessionID, secret)
	s.record("session.elevate", map[string]string{"session_id": sessionID}, err, sessionID)
	return err
}

// Disconnect stops every job of the session and closes it.
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	err := s.sessions.Disconnect(ctx, sessionID)
	s.record("session.disconnect", map[string]string{"session_id": sessionID}, err, sessionID)
	return err
}

// --- Workloads ---

// Workloads lists the catalog.
func (s *Service) Workloads() []catalog.Workload {
	return s.catalog.List()
}

// Precheck reports whether a workload is installed.
func (s *Service) Precheck(ctx context.Context, sessionID, workloadID, remoteDir string) (models.PrecheckResult, error) {
	return s.deployer.Precheck(ctx, sessionID, workloadID, remoteDir)
}

// Deploy starts a deploy job.
func (s *Service) Deploy(ctx context.Context, sessionID, workloadID string, opts deployer.DeployOptions) (models.DeploySnapshot, error) {
	snap, err := s.deployer.Deploy(ctx, sessionID, workloadID, opts)
	s.record("deploy.start", map[string]interface{}{
		"session_id":  sessionID,
		"workload_id": workloadID,
		"remote_dir":  opts.RemoteDir,
		"force":       opts.Force,
	}, err, snap.ID)
	return snap, err
}

// CancelDeploy cancels a deploy job.
func (s *Service) CancelDeploy(ctx context.Context, sessionID, jobID string) (models.DeploySnapshot, error) {
	snap, err := s.deployer.Cancel(ctx, sessionID, jobID)
	s.record("deploy.cancel", map[string]string{"session_id": sessionID, "job_id": jobID}, err, jobID)
	return snap, err
}

// DeployJob returns a deploy job snapshot.
func (s *Service) DeployJob(sessionID, jobID string) (models.DeploySnapshot, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return models.DeploySnapshot{}, err
	}
	j, err := s.deployer.Job(sessionID, jobID)
	if err != nil {
		return models.DeploySnapshot{}, err
	}
	return j.Snapshot(), nil
}

// DeployLogs returns the hub of a deploy job.
func (s *Service) DeployLogs(sessionID, jobID string) (*loghub.Hub, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	j, err := s.deployer.Job(sessionID, jobID)
	if err != nil {
		return nil, err
	}
	return j.Hub(), nil
}

// --- Runs ---

// Capability runs the workload's capability check.
func (s *Service) Capability(ctx context.Context, sessionID, workloadID, remoteDir string) (models.CapabilityResult, error) {
	return s.runner.Capability(ctx, sessionID, workloadID, remoteDir)
}

// Run starts the workload's service.
func (s *Service) Run(ctx context.Context, sessionID, workloadID string) (models.RunSnapshot, error) {
	snap, err := s.runner.Run(ctx, sessionID, workloadID)
	s.record("run.start", map[string]string{"session_id": sessionID, "workload_id": workloadID}, err, snap.ID)
	return snap, err
}

// Stop stops a run.
func (s *Service) Stop(ctx context.Context, sessionID, runID string) (models.RunSnapshot, error) {
	snap, err := s.runner.Stop(ctx, sessionID, runID)
	s.record("run.stop", map[string]string{"session_id": sessionID, "run_id": runID}, err, runID)
	return snap, err
}

// RunSession returns a run snapshot.
func (s *Service) RunSession(sessionID, runID string) (models.RunSnapshot, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return models.RunSnapshot{}, err
	}
	r, err := s.runner.Get(sessionID, runID)
	if err != nil {
		return models.RunSnapshot{}, err
	}
	return r.Snapshot(), nil
}

// RunLogs returns the hub of a run.
func (s *Service) RunLogs(sessionID, runID string) (*loghub.Hub, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	r, err := s.runner.Get(sessionID, runID)
	if err != nil {
		return nil, err
	}
	return r.Hub(), nil
}

// Stream opens the run's stream endpoint.
func (s *Service) Stream(ctx context.Context, sessionID, runID string) (io.ReadCloser, string, error) {
	return s.runner.Stream(ctx, sessionID, runID)
}

// Status combines the latest deploy and run of a workload. With probe set it
// also looks for an unmanaged listener on the workload's port.
func (s *Service) Status(ctx context.Context, sessionID, workloadID string, probe bool) (models.WorkloadStatus, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return models.WorkloadStatus{}, err
	}
	if _, err := s.catalog.Get(workloadID); err != nil {
		return models.WorkloadStatus{}, err
	}
	st := models.WorkloadStatus{SessionID: sessionID, WorkloadID: workloadID}
	if d, ok := s.deployer.Latest(sessionID, workloadID); ok {
		st.Deploy = d
	}
	if r, ok := s.runner.Latest(sessionID, workloadID); ok {
		st.Run = r
	}
	if probe {
		orphan, err := s.runner.ProbeOrphan(ctx, sessionID, workloadID)
		if err != nil {
			return st, err
		}
		st.Orphan = orphan
	}
	return st, nil
}

// StopOrphan kills an unmanaged listener on the workload's port.
func (s *Service) StopOrphan(ctx context.Context, sessionID, workloadID string) (bool, error) {
	released, err := s.runner.StopOrphan(ctx, sessionID, workloadID)
	s.record("run.stop_orphan", map[string]string{"session_id": sessionID, "workload_id": workloadID}, err, "")
	return released, err
}

// Jobs lists the live deploy jobs and runs of a session.
func (s *Service) Jobs(sessionID string) ([]models.DeploySnapshot, []models.RunSnapshot, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, nil, err
	}
	return s.deployer.List(sessionID), s.runner.List(sessionID), nil
}

// --- History ---

// History returns persisted job records, newest first.
func (s *Service) History(f store.JobFilter) ([]models.JobRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	recs, err := s.store.ListJobs(f)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].EndedAt.After(recs[j].EndedAt) })
	return recs, nil
}

// Health reports the state of the database.
func (s *Service) Health(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

// Shutdown stops every run, cancels every deploy and closes all sessions.
func (s *Service) Shutdown(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		s.runner.Shutdown(ctx)
		return nil
	})
	g.Go(func() error {
		s.deployer.Shutdown(ctx)
		return nil
	})
	_ = g.Wait()
	s.sessions.CloseAll(ctx)
}
