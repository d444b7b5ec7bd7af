package runner

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
)

// Run is one managed instance of a workload's long-running service.
type Run struct {
	id         string
	sessionID  string
	workloadID string
	host       string
	remoteDir  string
	spec       catalog.RunSpec

	exec   connectors.Executor
	hub    *loghub.Hub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// stopMu serializes stop and teardown for this run.
	stopMu sync.Mutex

	mu           sync.Mutex
	state        models.RunState
	stopping     bool
	tornDown     bool
	pid          int
	remotePort   int
	tunnel       *connectors.Tunnel
	tail         *connectors.Execution
	attempts     int
	readinessErr string
	uiURL        string
	errMsg       string
	startedAt    time.Time
	endedAt      *time.Time
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Hub returns the run's log hub.
func (r *Run) Hub() *loghub.Hub { return r.hub }

// Done is closed once the start sequence has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Snapshot returns a copy of the run state.
func (r *Run) Snapshot() models.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := models.RunSnapshot{
		ID:                r.id,
		SessionID:         r.sessionID,
		WorkloadID:        r.workloadID,
		State:             r.state,
		Kind:              string(r.spec.Kind),
		PID:               r.pid,
		RemotePort:        r.remotePort,
		ReadinessAttempts: r.attempts,
		ReadinessError:    r.readinessErr,
		StreamPath:        r.spec.StreamPath,
		UIURL:             r.uiURL,
		Error:             r.errMsg,
		StartedAt:         r.startedAt,
	}
	if r.tunnel != nil {
		snap.LocalPort = r.tunnel.LocalPort
	}
	if r.endedAt != nil {
		t := *r.endedAt
		snap.EndedAt = &t
	}
	return snap
}

func (r *Run) currentState() models.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Run) setAttempts(n int, lastErr string) {
	r.mu.Lock()
	r.attempts = n
	r.readinessErr = lastErr
	r.mu.Unlock()
}

func (r *Run) localAddr() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tunnel == nil {
		return "", false
	}
	return r.tunnel.LocalAddr(), true
}

func (r *Run) endedBefore(t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.state.Active() && r.endedAt != nil && r.endedAt.Before(t)
}
