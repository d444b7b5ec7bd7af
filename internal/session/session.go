// Package session keeps the process-wide table of remote sessions.
package session

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/models"
)

// ConnectParams identifies a host and the credentials used to reach it.
type ConnectParams struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password,omitempty"`
	PrivateKey       string `json:"private_key,omitempty"`
	PrivateKeyPath   string `json:"private_key_path,omitempty"`
	ElevatedPassword string `json:"elevated_password,omitempty"`
}

// Session is one authenticated connection. It owns its executor.
type Session struct {
	ID        string
	Host      string
	Port      int
	Username  string
	Mode      string
	CreatedAt time.Time

	exec connectors.Executor

	mu           sync.Mutex
	state        models.SessionState
	platform     string
	home         string
	lastActivity time.Time
	remoteDirs   map[string]string
	capability   map[string]models.CapabilityResult
	deployed     map[string]bool
}

func newSession(id string, p ConnectParams, mode string, ex connectors.Executor, now time.Time) *Session {
	return &Session{
		ID:           id,
		Host:         p.Host,
		Port:         p.Port,
		Username:     p.Username,
		Mode:         mode,
		CreatedAt:    now,
		exec:         ex,
		state:        models.SessionConnected,
		lastActivity: now,
		remoteDirs:   make(map[string]string),
		capability:   make(map[string]models.CapabilityResult),
		deployed:     make(map[string]bool),
	}
}

// Executor returns the session's executor.
func (s *Session) Executor() connectors.Executor {
	return s.exec
}

// Home returns the remote home directory captured at connect time.
func (s *Session) Home() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setState(st models.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session state. A connected session whose executor has
// lost its connection becomes FAILED and stays there.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshStateLocked()
}

func (s *Session) refreshStateLocked() models.SessionState {
	if s.state != models.SessionConnected {
		return s.state
	}
	if cc, ok := s.exec.(connectors.ConnectionChecker); ok && cc.Err() != nil {
		s.state = models.SessionFailed
	}
	return s.state
}

// Info returns the public view of the session.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStateLocked()
	return models.SessionInfo{
		ID:           s.ID,
		Host:         s.Host,
		Port:         s.Port,
		Username:     s.Username,
		Mode:         s.Mode,
		State:        s.state,
		Platform:     s.platform,
		Home:         s.home,
		Elevated:     s.exec.HasElevatedCredential(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// SetRemoteDir remembers a remote directory override for a workload.
func (s *Session) SetRemoteDir(workloadID, dir string) {
	s.mu.Lock()
	s.remoteDirs[workloadID] = dir
	s.mu.Unlock()
}

// RemoteDir returns the remembered override for a workload.
func (s *Session) RemoteDir(workloadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.remoteDirs[workloadID]
	return dir, ok
}

// RecordCapability stores the latest capability check result.
func (s *Session) RecordCapability(workloadID string, res models.CapabilityResult) {
	s.mu.Lock()
	s.capability[workloadID] = res
	s.mu.Unlock()
}

// Capability returns the latest capability check result.
func (s *Session) Capability(workloadID string) (models.CapabilityResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.capability[workloadID]
	return res, ok
}

// MarkDeployed records a successful deploy in this session.
func (s *Session) MarkDeployed(workloadID string) {
	s.mu.Lock()
	s.deployed[workloadID] = true
	s.mu.Unlock()
}

// Deployed reports whether the workload was deployed in this session.
func (s *Session) Deployed(workloadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deployed[workloadID]
}

// WorkloadDir resolves the remote directory for a workload. A non-empty
// override is validated and remembered for later requests in this session.
func (s *Session) WorkloadDir(w *catalog.Workload, override string) (string, error) {
	if override != "" {
		if err := catalog.ValidateRemoteDir(override); err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrInvalidRemoteDir, err)
		}
		dir := path.Clean(override)
		s.SetRemoteDir(w.ID, dir)
		return dir, nil
	}
	if dir, ok := s.RemoteDir(w.ID); ok {
		return dir, nil
	}
	return catalog.ResolveDir(s.Home(), w.Deploy.RemoteDir), nil
}
