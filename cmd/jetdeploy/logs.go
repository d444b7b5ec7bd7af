package main

import (
	"fmt"

	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/tui"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs [session-id] [deploy|run] [id]",
	Short: "Print a job's buffered log and follow it until the job ends",
	Args:  cobra.ExactArgs(3),
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	kind := models.JobKind(args[1])
	if kind != models.JobDeploy && kind != models.JobRun {
		return fmt.Errorf("unknown job kind %q (want deploy or run)", args[1])
	}
	return followLogs(cmd.Context(), tui.LogsPath(args[0], kind, args[2]))
}
