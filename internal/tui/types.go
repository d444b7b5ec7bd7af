package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/fentz26/jetdeploy/internal/models"
)

// JobItem is one row of the job list: a deploy job or a run.
type JobItem struct {
	Kind       models.JobKind
	ID         string
	WorkloadID string
	State      string
	Detail     string
	StartedAt  time.Time
}

// Active reports whether the job can still be stopped or cancelled.
func (j JobItem) Active() bool {
	if j.Kind == models.JobRun {
		return models.RunState(j.State) != models.RunStopped
	}
	return !models.DeployState(j.State).Terminal()
}

func deployItem(d models.DeploySnapshot) JobItem {
	detail := d.RemoteDir
	if d.Error != "" {
		detail = d.Error
	} else if d.ExitCode != nil {
		detail = fmt.Sprintf("%s (exit %d)", d.RemoteDir, *d.ExitCode)
	}
	return JobItem{
		Kind:       models.JobDeploy,
		ID:         d.ID,
		WorkloadID: d.WorkloadID,
		State:      string(d.State),
		Detail:     detail,
		StartedAt:  d.StartedAt,
	}
}

func runItem(r models.RunSnapshot) JobItem {
	detail := ""
	switch {
	case r.Error != "":
		detail = r.Error
	case r.UIURL != "":
		detail = r.UIURL
	case r.LocalPort != 0:
		detail = fmt.Sprintf("127.0.0.1:%d -> :%d", r.LocalPort, r.RemotePort)
	case r.RemotePort != 0:
		detail = fmt.Sprintf("port %d", r.RemotePort)
	}
	return JobItem{
		Kind:       models.JobRun,
		ID:         r.ID,
		WorkloadID: r.WorkloadID,
		State:      string(r.State),
		Detail:     detail,
		StartedAt:  r.StartedAt,
	}
}

// jobItems merges deploys and runs, newest first.
func jobItems(deploys []models.DeploySnapshot, runs []models.RunSnapshot) []JobItem {
	items := make([]JobItem, 0, len(deploys)+len(runs))
	for _, d := range deploys {
		items = append(items, deployItem(d))
	}
	for _, r := range runs {
		items = append(items, runItem(r))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})
	return items
}
