package tui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = `id: 1
event: log
data: {"seq":1,"kind":"log","stream":"stdout","line":"step 1"}

: ping

id: 2
event: status
data: {"seq":2,"kind":"status","line":"done"}

id: 3
event: end
data: {"seq":3,"kind":"end","line":""}

id: 4
event: log
data: {"seq":4,"kind":"log","line":"never delivered"}

`

func TestReadEvents(t *testing.T) {
	var got []loghub.Entry
	err := ReadEvents(strings.NewReader(sampleStream), func(e loghub.Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "step 1", got[0].Line)
	assert.Equal(t, "stdout", got[0].Stream)
	assert.Equal(t, loghub.KindStatus, got[1].Kind)
	assert.Equal(t, loghub.KindEnd, got[2].Kind)
}

func TestReadEvents_CallbackError(t *testing.T) {
	stop := errors.New("stop")
	n := 0
	err := ReadEvents(strings.NewReader(sampleStream), func(e loghub.Entry) error {
		n++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestReadEvents_BadData(t *testing.T) {
	err := ReadEvents(strings.NewReader("data: {nope\n\n"), func(loghub.Entry) error { return nil })
	assert.Error(t, err)
}

func TestFollow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/s1/runs/r1/logs", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sampleStream)
	}))
	defer srv.Close()

	var lines []string
	err := NewClient(srv.URL).Follow(context.Background(), LogsPath("s1", models.JobRun, "r1"), func(e loghub.Entry) error {
		lines = append(lines, e.Line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"step 1", "done", ""}, lines)
}

func TestDo_DecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":"svc is not deployed","kind":"not_deployed"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Run(context.Background(), "s1", "svc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)
	assert.Equal(t, "not_deployed", apiErr.Kind)
	assert.Contains(t, err.Error(), "svc is not deployed")
}

func TestLogsPath(t *testing.T) {
	assert.Equal(t, "/api/sessions/s/deploys/j/logs", LogsPath("s", models.JobDeploy, "j"))
	assert.Equal(t, "/api/sessions/s/runs/r/logs", LogsPath("s", models.JobRun, "r"))
}
