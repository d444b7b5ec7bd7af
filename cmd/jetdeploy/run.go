package main

import (
	"fmt"

	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/tui"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start, inspect and stop workload services",
}

var runStartCmd = &cobra.Command{
	Use:   "start [session-id] [workload-id]",
	Short: "Start a workload's service and tunnel it to this machine",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunStart,
}

var runStopCmd = &cobra.Command{
	Use:   "stop [session-id] [run-id]",
	Short: "Stop a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunStop,
}

var runShowCmd = &cobra.Command{
	Use:   "show [session-id] [run-id]",
	Short: "Show a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunShow,
}

var runCapabilityCmd = &cobra.Command{
	Use:   "capability [session-id] [workload-id]",
	Short: "Run the workload's capability check",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunCapability,
}

var runStopOrphanCmd = &cobra.Command{
	Use:   "stop-orphan [session-id] [workload-id]",
	Short: "Kill an unmanaged listener on the workload's port",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunStopOrphan,
}

var runFollow bool

func init() {
	runCmd.AddCommand(runStartCmd, runStopCmd, runShowCmd, runCapabilityCmd, runStopOrphanCmd)
	runStartCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Stream the service log until the run stops")
}

func printRun(r models.RunSnapshot) {
	fmt.Printf("Run %s: %s\n", r.ID, r.State)
	if r.LocalPort != 0 {
		fmt.Printf("  tunnel:  http://127.0.0.1:%d -> remote :%d\n", r.LocalPort, r.RemotePort)
	}
	if r.UIURL != "" {
		fmt.Printf("  ui:      %s\n", r.UIURL)
	}
	if r.StreamPath != "" && r.State == models.RunRunning {
		fmt.Printf("  stream:  %s/api/sessions/%s/runs/%s/stream\n", apiAddr, r.SessionID, r.ID)
	}
	if r.Error != "" {
		fmt.Printf("  error:   %s\n", r.Error)
	}
}

func runRunStart(cmd *cobra.Command, args []string) error {
	sid, wid := args[0], args[1]
	var snap models.RunSnapshot
	if err := apiPost("/api/sessions/"+sid+"/workloads/"+wid+"/run", nil, &snap); err != nil {
		return err
	}
	fmt.Printf("Run started: %s (remote port %d)\n", snap.ID, snap.RemotePort)
	if !runFollow {
		return nil
	}
	return followLogs(cmd.Context(), tui.LogsPath(sid, models.JobRun, snap.ID))
}

func runRunStop(cmd *cobra.Command, args []string) error {
	var snap models.RunSnapshot
	if err := apiPost("/api/sessions/"+args[0]+"/runs/"+args[1]+"/stop", nil, &snap); err != nil {
		return err
	}
	printRun(snap)
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	var snap models.RunSnapshot
	if err := apiGet("/api/sessions/"+args[0]+"/runs/"+args[1], &snap); err != nil {
		return err
	}
	printRun(snap)
	return nil
}

func runRunCapability(cmd *cobra.Command, args []string) error {
	var res models.CapabilityResult
	if err := apiPost("/api/sessions/"+args[0]+"/workloads/"+args[1]+"/capability", nil, &res); err != nil {
		return err
	}
	status := "FAILED"
	if res.OK {
		status = "OK"
	}
	fmt.Printf("Capability %s: %s\n", status, res.Message)
	return nil
}

func runRunStopOrphan(cmd *cobra.Command, args []string) error {
	var out struct {
		Released bool `json:"released"`
	}
	if err := apiPost("/api/sessions/"+args[0]+"/workloads/"+args[1]+"/stop-orphan", nil, &out); err != nil {
		return err
	}
	if out.Released {
		fmt.Println("Port released.")
	} else {
		fmt.Println("Port is still held.")
	}
	return nil
}
