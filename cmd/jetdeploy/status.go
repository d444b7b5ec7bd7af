package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id] [workload-id]",
	Short: "Show the latest deploy and run of a workload",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runStatus,
}

var statusProbe bool

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Also look for an unmanaged listener on the workload's port")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		health, err := CheckHealth()
		if health != nil {
			fmt.Printf("Daemon %s at %s: db=%s sessions=%d\n", health.Version, apiAddr, health.DB, health.Sessions)
		}
		return err
	}

	path := "/api/sessions/" + args[0] + "/workloads/" + args[1] + "/status"
	if statusProbe {
		path += "?probe=true"
	}
	var st models.WorkloadStatus
	if err := apiGet(path, &st); err != nil {
		return err
	}

	fmt.Printf("Workload %s\n", st.WorkloadID)
	if d := st.Deploy; d != nil {
		fmt.Printf("  deploy:  %s %s (started %s)\n", d.ID, d.State, humanize.Time(d.StartedAt))
		if d.Error != "" {
			fmt.Printf("           %s\n", d.Error)
		}
	} else {
		fmt.Println("  deploy:  none in this session")
	}
	if r := st.Run; r != nil {
		fmt.Printf("  run:     %s %s (started %s)\n", r.ID, r.State, humanize.Time(r.StartedAt))
		if r.LocalPort != 0 {
			fmt.Printf("           http://127.0.0.1:%d -> remote :%d\n", r.LocalPort, r.RemotePort)
		}
		if r.Error != "" {
			fmt.Printf("           %s\n", r.Error)
		}
	} else {
		fmt.Println("  run:     none in this session")
	}
	if o := st.Orphan; o != nil {
		fmt.Printf("  orphan:  port %d held by pid %d (jetdeploy run stop-orphan %s %s)\n", o.Port, o.PID, args[0], args[1])
	}
	return nil
}
