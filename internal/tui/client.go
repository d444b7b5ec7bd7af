package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the jetdeploy API
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streams has no timeout; log follows last as long as the job.
	streams *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
		streams:    &http.Client{},
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return e.Message
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var er struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		return &APIError{Status: resp.StatusCode, Kind: er.Kind, Message: er.Error}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// Do sends a request with an optional JSON body and decodes the answer into out.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Jobs lists the live deploys and runs of a session.
func (c *Client) Jobs(ctx context.Context, sessionID string) ([]models.DeploySnapshot, []models.RunSnapshot, error) {
	var out struct {
		Deploys []models.DeploySnapshot `json:"deploys"`
		Runs    []models.RunSnapshot    `json:"runs"`
	}
	if err := c.Do(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/jobs", nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Deploys, out.Runs, nil
}

// Deploy starts a deploy job.
func (c *Client) Deploy(ctx context.Context, sessionID, workloadID string, force bool) (models.DeploySnapshot, error) {
	var snap models.DeploySnapshot
	body := map[string]interface{}{"force": force}
	err := c.Do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/workloads/"+workloadID+"/deploy", body, &snap)
	return snap, err
}

// Run starts a workload's service.
func (c *Client) Run(ctx context.Context, sessionID, workloadID string) (models.RunSnapshot, error) {
	var snap models.RunSnapshot
	err := c.Do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/workloads/"+workloadID+"/run", nil, &snap)
	return snap, err
}

// StopRun stops a run.
func (c *Client) StopRun(ctx context.Context, sessionID, runID string) (models.RunSnapshot, error) {
	var snap models.RunSnapshot
	err := c.Do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/runs/"+runID+"/stop", nil, &snap)
	return snap, err
}

// CancelDeploy cancels a deploy job.
func (c *Client) CancelDeploy(ctx context.Context, sessionID, jobID string) (models.DeploySnapshot, error) {
	var snap models.DeploySnapshot
	err := c.Do(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/deploys/"+jobID+"/cancel", nil, &snap)
	return snap, err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth(ctx context.Context) (bool, error) {
	var health struct {
		OK bool `json:"ok"`
	}
	if err := c.Do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

// LogsPath returns the SSE path of a deploy job or run.
func LogsPath(sessionID string, kind models.JobKind, id string) string {
	if kind == models.JobRun {
		return "/api/sessions/" + sessionID + "/runs/" + id + "/logs"
	}
	return "/api/sessions/" + sessionID + "/deploys/" + id + "/logs"
}

// Follow streams log entries from an SSE path until the end event, an error
// or ctx cancellation. fn is called for every entry in order.
func (c *Client) Follow(ctx context.Context, path string, fn func(loghub.Entry) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streams.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return ReadEvents(resp.Body, fn)
}

// ReadEvents decodes a server-sent event stream of log entries. Comment lines
// are skipped. It returns nil once an end entry has been delivered or the
// stream closes.
func ReadEvents(r io.Reader, fn func(loghub.Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e loghub.Entry
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(e); err != nil {
				return err
			}
			if e.Kind == loghub.KindEnd {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
