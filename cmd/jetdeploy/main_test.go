package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	old := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = old })
}

func TestAPIGet_DecodesErrorResponse(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"deploy abc is running","kind":"conflicting_job"}`))
	})

	err := apiGet("/api/anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409 conflicting_job")
	assert.Contains(t, err.Error(), "deploy abc is running")
}

func TestAPIPost_SendsJSON(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":"job-1"}`))
	})

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, apiPost("/api/x", map[string]bool{"force": true}, &out))
	assert.Equal(t, "job-1", out.ID)
}

func TestCheckHealth_ReturnsPayloadOnFailure(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"db":"database is closed","version":"dev"}`))
	})

	health, err := CheckHealth()
	assert.Error(t, err)
	require.NotNil(t, health)
	assert.False(t, health.OK)
	assert.Equal(t, "database is closed", health.DB)
	assert.False(t, isDaemonRunning())
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9001\ndb: /tmp/file.db\n"), 0644))
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })

	require.NoError(t, daemonCmd.Flags().Set("db", "/tmp/flag.db"))
	t.Cleanup(func() {
		dbPath = ""
		daemonCmd.Flags().Lookup("db").Changed = false
	})

	cfg, err := loadConfig(daemonCmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.Listen)
	assert.Equal(t, "/tmp/flag.db", cfg.DB)
}

func TestLogs_RejectsUnknownKind(t *testing.T) {
	err := runLogs(logsCmd, []string{"s1", "build", "x"})
	assert.Error(t, err)
}
