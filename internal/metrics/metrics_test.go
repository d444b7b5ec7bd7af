package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.SessionConnected(true)
	c.SessionClosed()
	c.DeployFinished("done", time.Second)
	c.RunStarted()
	c.RunEnded("stopped")
	c.ReadinessAttempts(3)
	c.LogLinesDropped(4)
	c.TunnelOpened()
	c.TunnelClosed()
	c.Swept("sessions", 1)
	assert.Nil(t, c.Registry())
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.SessionConnected(true)
	c.SessionConnected(true)
	c.SessionConnected(false)
	c.SessionClosed()
	c.DeployFinished("done", 2*time.Second)
	c.DeployFinished("failed", time.Second)
	c.RunStarted()
	c.LogLinesDropped(5)

	out := scrape(t, c)
	assert.Contains(t, out, "jetdeploy_sessions_active 1")
	assert.Contains(t, out, `jetdeploy_session_connects_total{result="ok"} 2`)
	assert.Contains(t, out, `jetdeploy_deploys_total{state="failed"} 1`)
	assert.Contains(t, out, "jetdeploy_runs_active 1")
	assert.Contains(t, out, "jetdeploy_log_lines_dropped_total 5")
}

func TestHandlerServesText(t *testing.T) {
	c := New()
	c.TunnelOpened()
	assert.Contains(t, scrape(t, c), "jetdeploy_tunnels_open 1")
}
