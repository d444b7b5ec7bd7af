package deployer

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
)

// Job is one execution of a workload's install flow.
type Job struct {
	id         string
	sessionID  string
	workloadID string
	host       string
	remoteDir  string
	markerPath string
	force      bool
	elevated   bool

	exec   connectors.Executor
	hub    *loghub.Hub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           models.DeployState
	exitCode        *int
	errMsg          string
	cancelRequested bool
	pid             int
	startedAt       time.Time
	endedAt         *time.Time
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// SessionID returns the owning session id.
func (j *Job) SessionID() string { return j.sessionID }

// Hub returns the job's log hub.
func (j *Job) Hub() *loghub.Hub { return j.hub }

// Done is closed when the job's worker has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() models.DeploySnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := models.DeploySnapshot{
		ID:         j.id,
		SessionID:  j.sessionID,
		WorkloadID: j.workloadID,
		State:      j.state,
		Error:      j.errMsg,
		RemoteDir:  j.remoteDir,
		Force:      j.force,
		Cancelled:  j.cancelRequested,
		StartedAt:  j.startedAt,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		snap.ExitCode = &code
	}
	if j.endedAt != nil {
		t := *j.endedAt
		snap.EndedAt = &t
	}
	return snap
}

func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal()
}

func (j *Job) cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

func (j *Job) setPID(pid int) {
	j.mu.Lock()
	j.pid = pid
	j.mu.Unlock()
}

func (j *Job) endedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal() && j.endedAt != nil && j.endedAt.Before(t)
}
