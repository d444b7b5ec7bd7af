package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/session"
	"github.com/fentz26/jetdeploy/internal/store"
	"github.com/fentz26/jetdeploy/internal/version"
	"github.com/rs/zerolog"
)

// HeartbeatInterval is how often an idle SSE stream receives a comment line.
var HeartbeatInterval = 15 * time.Second

// Server provides the HTTP API for jetdeploy.
type Server struct {
	service *Service
	metrics *metrics.Collector
	log     zerolog.Logger
	addr    string
	server  *http.Server
	stats   func() map[string]interface{}
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, m *metrics.Collector, logger zerolog.Logger, addr string) *Server {
	return &Server{
		service: service,
		metrics: m,
		log:     logger.With().Str("component", "http").Logger(),
		addr:    addr,
	}
}

// SetStats installs a provider for the housekeeping section of /health.
func (s *Server) SetStats(fn func() map[string]interface{}) {
	s.stats = fn
}

// Handler builds the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/sessions", s.connect)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{sid}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{sid}", s.disconnect)
	mux.HandleFunc("POST /api/sessions/{sid}/sudo", s.setElevated)
	mux.HandleFunc("GET /api/sessions/{sid}/jobs", s.listJobs)

	mux.HandleFunc("GET /api/workloads", s.listWorkloads)
	mux.HandleFunc("POST /api/sessions/{sid}/workloads/{wid}/precheck", s.precheck)
	mux.HandleFunc("POST /api/sessions/{sid}/workloads/{wid}/deploy", s.deploy)
	mux.HandleFunc("POST /api/sessions/{sid}/workloads/{wid}/capability", s.capability)
	mux.HandleFunc("POST /api/sessions/{sid}/workloads/{wid}/run", s.run)
	mux.HandleFunc("GET /api/sessions/{sid}/workloads/{wid}/status", s.status)
	mux.HandleFunc("POST /api/sessions/{sid}/workloads/{wid}/stop-orphan", s.stopOrphan)

	mux.HandleFunc("GET /api/sessions/{sid}/deploys/{jid}", s.getDeploy)
	mux.HandleFunc("POST /api/sessions/{sid}/deploys/{jid}/cancel", s.cancelDeploy)
	mux.HandleFunc("GET /api/sessions/{sid}/deploys/{jid}/logs", s.deployLogs)

	mux.HandleFunc("GET /api/sessions/{sid}/runs/{rid}", s.getRun)
	mux.HandleFunc("POST /api/sessions/{sid}/runs/{rid}/stop", s.stop)
	mux.HandleFunc("GET /api/sessions/{sid}/runs/{rid}/logs", s.runLogs)
	mux.HandleFunc("GET /api/sessions/{sid}/runs/{rid}/stream", s.stream)

	mux.HandleFunc("GET /api/history", s.history)

	return s.logRequests(mux)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: log and video streams are long-lived
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= 500 {
		s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid json: %v", ErrBadRequest, err)
}

// --- health ---

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK           bool                   `json:"ok"`
	DB           string                 `json:"db"`
	Version      string                 `json:"version"`
	Time         string                 `json:"time"`
	Sessions     int                    `json:"sessions"`
	Housekeeping map[string]interface{} `json:"housekeeping,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := HealthResponse{
		OK:       true,
		DB:       "ok",
		Version:  version.Get(),
		Time:     time.Now().UTC().Format(time.RFC3339),
		Sessions: len(s.service.Sessions()),
	}
	if s.stats != nil {
		resp.Housekeeping = s.stats()
	}
	status := http.StatusOK
	if err := s.service.Health(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- sessions ---

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req session.ConnectParams
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.service.Connect(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Sessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.Session(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Disconnect(r.Context(), r.PathValue("sid")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type sudoRequest struct {
	Password string `json:"password"`
}

func (s *Server) setElevated(w http.ResponseWriter, r *http.Request) {
	var req sudoRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sid := r.PathValue("sid")
	if err := s.service.SetElevatedCredential(sid, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.service.Session(sid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// JobsResponse lists the live jobs of a session.
type JobsResponse struct {
	Deploys []models.DeploySnapshot `json:"deploys"`
	Runs    []models.RunSnapshot    `json:"runs"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	deploys, runs, err := s.service.Jobs(r.PathValue("sid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deploys == nil {
		deploys = []models.DeploySnapshot{}
	}
	if runs == nil {
		runs = []models.RunSnapshot{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{Deploys: deploys, Runs: runs})
}

// --- workloads ---

func (s *Server) listWorkloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Workloads())
}

type dirRequest struct {
	RemoteDir string `json:"remote_dir"`
}

func (s *Server) precheck(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Precheck(r.Context(), r.PathValue("sid"), r.PathValue("wid"), req.RemoteDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	var req deployer.DeployOptions
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.service.Deploy(r.Context(), r.PathValue("sid"), r.PathValue("wid"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) capability(w http.ResponseWriter, r *http.Request) {
	var req dirRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.service.Capability(r.Context(), r.PathValue("sid"), r.PathValue("wid"), req.RemoteDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Run(r.Context(), r.PathValue("sid"), r.PathValue("wid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	probe, _ := strconv.ParseBool(r.URL.Query().Get("probe"))
	st, err := s.service.Status(r.Context(), r.PathValue("sid"), r.PathValue("wid"), probe)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopOrphan(w http.ResponseWriter, r *http.Request) {
	released, err := s.service.StopOrphan(r.Context(), r.PathValue("sid"), r.PathValue("wid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// --- deploys ---

func (s *Server) getDeploy(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.DeployJob(r.PathValue("sid"), r.PathValue("jid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelDeploy(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.CancelDeploy(r.Context(), r.PathValue("sid"), r.PathValue("jid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) deployLogs(w http.ResponseWriter, r *http.Request) {
	hub, err := s.service.DeployLogs(r.PathValue("sid"), r.PathValue("jid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveEvents(w, r, hub)
}

// --- runs ---

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.RunSession(r.PathValue("sid"), r.PathValue("rid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Stop(r.Context(), r.PathValue("sid"), r.PathValue("rid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) runLogs(w http.ResponseWriter, r *http.Request) {
	hub, err := s.service.RunLogs(r.PathValue("sid"), r.PathValue("rid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveEvents(w, r, hub)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := s.service.Stream(r.Context(), r.PathValue("sid"), r.PathValue("rid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// --- history ---

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Kind:       models.JobKind(q.Get("kind")),
		WorkloadID: q.Get("workload"),
		Host:       q.Get("host"),
		State:      q.Get("state"),
		Limit:      50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("%w: invalid limit %q", ErrBadRequest, v))
			return
		}
		f.Limit = n
	}
	recs, err := s.service.History(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- server-sent events ---

// serveEvents replays the hub's buffer and then follows it live. Each entry
// becomes one event named after its kind; the stream ends after the end event.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, hub *loghub.Hub) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	replay, sub := hub.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, e := range replay {
		if err := writeEvent(w, e); err != nil {
			return
		}
		if e.Kind == loghub.KindEnd {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			flusher.Flush()
			if e.Kind == loghub.KindEnd {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, e loghub.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
