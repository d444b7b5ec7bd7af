package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/jetdeploy/internal/loghub"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobItems_NewestFirst(t *testing.T) {
	now := time.Now()
	code := 0
	items := jobItems(
		[]models.DeploySnapshot{{ID: "d1", WorkloadID: "yolo", State: models.DeployDone, RemoteDir: "/opt/yolo", ExitCode: &code, StartedAt: now.Add(-time.Minute)}},
		[]models.RunSnapshot{{ID: "r1", WorkloadID: "yolo", State: models.RunRunning, LocalPort: 41000, RemotePort: 8080, StartedAt: now}},
	)
	require.Len(t, items, 2)
	assert.Equal(t, "r1", items[0].ID)
	assert.Equal(t, "127.0.0.1:41000 -> :8080", items[0].Detail)
	assert.True(t, items[0].Active())
	assert.Equal(t, "/opt/yolo (exit 0)", items[1].Detail)
	assert.False(t, items[1].Active())
}

func TestJobItem_Active(t *testing.T) {
	assert.True(t, JobItem{Kind: models.JobRun, State: string(models.RunError)}.Active())
	assert.False(t, JobItem{Kind: models.JobRun, State: string(models.RunStopped)}.Active())
	assert.True(t, JobItem{Kind: models.JobDeploy, State: string(models.DeployPending)}.Active())
	assert.False(t, JobItem{Kind: models.JobDeploy, State: string(models.DeployCancelled)}.Active())
}

func TestApp_Navigation(t *testing.T) {
	a := New("http://127.0.0.1:1", "session-1")
	a.Update(jobsLoadedMsg{items: []JobItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}})

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	job, ok := a.selected()
	require.True(t, ok)
	assert.Equal(t, "c", job.ID)

	a.Update(tea.KeyMsg{Type: tea.KeyUp})
	job, _ = a.selected()
	assert.Equal(t, "b", job.ID)

	a.Update(jobsLoadedMsg{items: []JobItem{{ID: "a"}}})
	job, _ = a.selected()
	assert.Equal(t, "a", job.ID)
}

func TestApp_IgnoresStaleLogEntries(t *testing.T) {
	a := New("http://127.0.0.1:1", "session-1")
	a.mode = modeLogs
	a.followGen = 2

	a.Update(logEntryMsg{gen: 1, entry: loghub.Entry{Kind: loghub.KindLog, Line: "old"}})
	assert.Empty(t, a.logLines)

	a.Update(logEntryMsg{gen: 2, entry: loghub.Entry{Kind: loghub.KindLog, Line: "new"}})
	require.Len(t, a.logLines, 1)
	assert.Contains(t, a.logLines[0], "new")
}

func TestApp_LogLinesAreBounded(t *testing.T) {
	a := New("http://127.0.0.1:1", "session-1")
	for i := 0; i < MaxLogLines+10; i++ {
		a.appendEntry(loghub.Entry{Kind: loghub.KindLog, Line: "x"})
	}
	assert.Len(t, a.logLines, MaxLogLines)
}

func TestApp_EscLeavesLogView(t *testing.T) {
	a := New("http://127.0.0.1:1", "session-1")
	a.mode = modeLogs
	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, modeList, a.mode)
}

func TestApp_ErrorMessage(t *testing.T) {
	a := New("http://127.0.0.1:1", "session-1")
	a.Update(commandResultMsg{message: "Error: boom"})
	assert.Contains(t, a.View(), "Error: boom")
}
