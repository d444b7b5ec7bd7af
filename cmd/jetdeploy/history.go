package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished deploys and runs",
	RunE:  runHistory,
}

var (
	historyKind     string
	historyWorkload string
	historyHost     string
	historyState    string
	historyLimit    int
)

func init() {
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Filter by kind (deploy, run)")
	historyCmd.Flags().StringVar(&historyWorkload, "workload", "", "Filter by workload id")
	historyCmd.Flags().StringVar(&historyHost, "host", "", "Filter by host")
	historyCmd.Flags().StringVar(&historyState, "state", "", "Filter by final state")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of records")
}

func runHistory(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	for key, v := range map[string]string{"kind": historyKind, "workload": historyWorkload, "host": historyHost, "state": historyState} {
		if v != "" {
			q.Set(key, v)
		}
	}
	q.Set("limit", strconv.Itoa(historyLimit))

	var recs []models.JobRecord
	if err := apiGet("/api/history?"+q.Encode(), &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No history.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tWORKLOAD\tHOST\tSTATE\tEXIT\tTOOK\tENDED\tDETAIL")
	for _, r := range recs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		took := r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Kind, shortID(r.ID), r.WorkloadID, r.Host, r.State, exit, took, humanize.Time(r.EndedAt), r.Detail)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
