package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned for unknown or destroyed session ids.
var ErrSessionNotFound = errors.New("session not found")

const (
	connectOK      = "CONNECT_OK"
	verifyCommand  = `echo CONNECT_OK && uname -a && printf '%s\n' "$HOME"`
	verifyDeadline = 15 * time.Second
)

// Dialer opens an executor for the given parameters and names the mode it used.
type Dialer func(ctx context.Context, p ConnectParams) (ex connectors.Executor, mode string, err error)

// TeardownHook stops everything a session owns. It runs before the executor is closed.
type TeardownHook func(ctx context.Context, sessionID string)

// Options configures a Registry.
type Options struct {
	Dialer  Dialer
	Logger  zerolog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Registry is the goroutine-safe session table.
type Registry struct {
	dial    Dialer
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	hooksMu sync.RWMutex
	hooks   []TeardownHook
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		dial:     opts.Dialer,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		metrics:  opts.Metrics,
		now:      opts.Now,
		sessions: make(map[string]*Session),
	}
}

// OnTeardown registers a hook run on every disconnect and reap.
func (r *Registry) OnTeardown(h TeardownHook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()
}

// Connect always creates a fresh session. The connection is verified with a
// round-trip command before the session is registered.
func (r *Registry) Connect(ctx context.Context, p ConnectParams) (*Session, error) {
	if strings.TrimSpace(p.Host) == "" {
		return nil, fmt.Errorf("%w: host is required", connectors.ErrNetwork)
	}
	if r.dial == nil {
		return nil, errors.New("session: no dialer configured")
	}

	ex, mode, err := r.dial(ctx, p)
	if err != nil {
		r.metrics.SessionConnected(false)
		r.log.Warn().Err(err).Str("host", p.Host).Msg("connect failed")
		return nil, err
	}

	platform, home, err := verify(ctx, ex)
	if err != nil {
		ex.Close()
		r.metrics.SessionConnected(false)
		r.log.Warn().Err(err).Str("host", p.Host).Msg("connection verification failed")
		return nil, err
	}

	s := newSession(uuid.New().String(), p, mode, ex, r.now())
	s.platform = platform
	s.home = home

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.metrics.SessionConnected(true)
	r.log.Info().
		Str("session_id", s.ID).
		Str("host", p.Host).
		Str("mode", mode).
		Str("platform", platform).
		Msg("session connected")
	return s, nil
}

func verify(ctx context.Context, ex connectors.Executor) (platform, home string, err error) {
	res, err := connectors.Output(ctx, ex, verifyCommand, connectors.RunOptions{Timeout: verifyDeadline})
	if err != nil {
		return "", "", fmt.Errorf("%w: verify connection: %v", connectors.ErrNetwork, err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if res.ExitCode != 0 || len(lines) == 0 || strings.TrimSpace(lines[0]) != connectOK {
		return "", "", fmt.Errorf("%w: unexpected verification output %q", connectors.ErrNetwork, strings.TrimSpace(res.Stdout+res.Stderr))
	}
	if len(lines) > 1 {
		platform = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		home = strings.TrimSpace(lines[2])
	}
	return platform, home, nil
}

// Get returns a live session and records activity on it.
func (r *Registry) Get(id string) (*Session, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	s.touch(r.now())
	return s, nil
}

// Lookup returns a live session without recording activity.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns every live session ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetElevatedCredential stores the secondary credential on the session's executor.
func (r *Registry) SetElevatedCredential(id, secret string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.exec.SetElevatedCredential(secret)
	r.log.Info().Str("session_id", id).Bool("set", secret != "").Msg("elevated credential updated")
	return nil
}

// Disconnect removes the session, stops everything it owns and closes its executor.
// The id is unknown to Get as soon as Disconnect starts.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.teardown(ctx, s)
	return nil
}

func (r *Registry) teardown(ctx context.Context, s *Session) {
	r.hooksMu.RLock()
	hooks := append([]TeardownHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, h := range hooks {
		h(ctx, s.ID)
	}

	s.setState(models.SessionDisconnected)
	if err := s.exec.Close(); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID).Msg("close executor")
	}
	r.metrics.SessionClosed()
	r.log.Info().Str("session_id", s.ID).Msg("session disconnected")
}

// Reap destroys sessions idle for longer than idle and returns how many were removed.
func (r *Registry) Reap(ctx context.Context, idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)

	var stale []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if err := r.Disconnect(ctx, id); err == nil {
			r.log.Info().Str("session_id", id).Dur("idle", idle).Msg("reaped idle session")
			n++
		}
	}
	return n
}

// CloseAll disconnects every session.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, s := range r.List() {
		_ = r.Disconnect(ctx, s.ID)
	}
}
