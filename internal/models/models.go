// Package models defines the core domain types for jetdeploy.
package models

import "time"

// SessionState represents the connection state of a remote session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnected    SessionState = "connected"
	SessionFailed       SessionState = "failed"
)

// DeployState represents the lifecycle state of a deploy job.
type DeployState string

const (
	DeployPending   DeployState = "pending"
	DeployRunning   DeployState = "running"
	DeployDone      DeployState = "done"
	DeployFailed    DeployState = "failed"
	DeployCancelled DeployState = "cancelled"
)

// Terminal reports whether the deploy state can no longer change.
func (s DeployState) Terminal() bool {
	return s == DeployDone || s == DeployFailed || s == DeployCancelled
}

// RunState represents the lifecycle state of a run session.
type RunState string

const (
	RunStarting RunState = "starting"
	RunRunning  RunState = "running"
	RunError    RunState = "error"
	RunStopped  RunState = "stopped"
)

// Active reports whether the run still owns remote resources it may need to release.
func (s RunState) Active() bool {
	return s == RunStarting || s == RunRunning
}

// SessionInfo is the public view of a session. Credentials are never included.
type SessionInfo struct {
	ID           string       `json:"id"`
	Host         string       `json:"host"`
	Port         int          `json:"port"`
	Username     string       `json:"username"`
	Mode         string       `json:"mode"`
	State        SessionState `json:"state"`
	Platform     string       `json:"platform,omitempty"`
	Home         string       `json:"home,omitempty"`
	Elevated     bool         `json:"elevated"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// DeploySnapshot is a point-in-time copy of a deploy job.
type DeploySnapshot struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	WorkloadID string      `json:"workload_id"`
	State      DeployState `json:"state"`
	ExitCode   *int        `json:"exit_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	RemoteDir  string      `json:"remote_dir"`
	Force      bool        `json:"force"`
	Cancelled  bool        `json:"cancel_requested"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
}

// RunSnapshot is a point-in-time copy of a run session.
type RunSnapshot struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	WorkloadID        string     `json:"workload_id"`
	State             RunState   `json:"state"`
	Kind              string     `json:"kind"`
	PID               int        `json:"pid,omitempty"`
	RemotePort        int        `json:"remote_port,omitempty"`
	LocalPort         int        `json:"local_port,omitempty"`
	ReadinessAttempts int        `json:"readiness_attempts"`
	ReadinessError    string     `json:"readiness_error,omitempty"`
	StreamPath        string     `json:"stream_path,omitempty"`
	UIURL             string     `json:"ui_url,omitempty"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// PrecheckResult reports whether a workload is already installed on the remote host.
type PrecheckResult struct {
	Installed   bool              `json:"installed"`
	Version     string            `json:"version,omitempty"`
	InstalledAt string            `json:"installed_at,omitempty"`
	Method      string            `json:"method"` // "marker", "precheck" or "none"
	RemoteDir   string            `json:"remote_dir"`
	MarkerPath  string            `json:"marker_path"`
	Marker      map[string]string `json:"marker,omitempty"`
}

// CapabilityResult is the outcome of a one-shot precondition probe.
type CapabilityResult struct {
	OK        bool      `json:"ok"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
}

// OrphanListener describes a process listening on a workload port that no run manages.
type OrphanListener struct {
	Port int `json:"port"`
	PID  int `json:"pid,omitempty"`
}

// WorkloadStatus is the combined state of a workload within one session.
type WorkloadStatus struct {
	SessionID  string          `json:"session_id"`
	WorkloadID string          `json:"workload_id"`
	Deploy     *DeploySnapshot `json:"deploy,omitempty"`
	Run        *RunSnapshot    `json:"run,omitempty"`
	Orphan     *OrphanListener `json:"orphan,omitempty"`
}

// JobKind distinguishes the two job types kept in history.
type JobKind string

const (
	JobDeploy JobKind = "deploy"
	JobRun    JobKind = "run"
)

// JobRecord is the persisted summary of a job that reached a terminal state.
type JobRecord struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	SessionID  string    `json:"session_id"`
	WorkloadID string    `json:"workload_id"`
	Host       string    `json:"host"`
	State      string    `json:"state"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	JobID      string    `json:"job_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
