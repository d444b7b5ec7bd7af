package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/spf13/cobra"
)

var workloadsCmd = &cobra.Command{
	Use:   "workloads",
	Short: "List the workload catalog",
	RunE:  runWorkloads,
}

func runWorkloads(cmd *cobra.Command, args []string) error {
	var list []catalog.Workload
	if err := apiGet("/api/workloads", &list); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREMOTE DIR\tSUDO\tRUN\tTAGS")
	for _, wl := range list {
		run := "-"
		if wl.Run != nil && wl.Run.Enabled {
			run = fmt.Sprintf("%s :%d", wl.Run.Kind, wl.Run.Port)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			wl.ID, wl.Name, wl.Deploy.RemoteDir, wl.Deploy.Elevated, run, strings.Join(wl.Tags, ","))
	}
	return w.Flush()
}
