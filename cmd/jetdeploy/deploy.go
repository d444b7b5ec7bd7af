package main

import (
	"fmt"

	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/tui"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [session-id] [workload-id]",
	Short: "Install a workload on the session's host",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeploy,
}

var deployPrecheckCmd = &cobra.Command{
	Use:   "precheck [session-id] [workload-id]",
	Short: "Report whether a workload is already installed",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeployPrecheck,
}

var deployShowCmd = &cobra.Command{
	Use:   "show [session-id] [job-id]",
	Short: "Show a deploy job",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeployShow,
}

var deployCancelCmd = &cobra.Command{
	Use:   "cancel [session-id] [job-id]",
	Short: "Cancel a deploy job",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeployCancel,
}

var (
	deployRemoteDir string
	deployForce     bool
	deployFollow    bool
)

func init() {
	deployCmd.AddCommand(deployPrecheckCmd, deployShowCmd, deployCancelCmd)

	deployCmd.Flags().StringVar(&deployRemoteDir, "remote-dir", "", "Absolute install directory (overrides the catalog)")
	deployCmd.Flags().BoolVar(&deployForce, "force", false, "Reinstall even if already installed")
	deployCmd.Flags().BoolVarP(&deployFollow, "follow", "f", true, "Stream the install log until the job ends")
	deployPrecheckCmd.Flags().StringVar(&deployRemoteDir, "remote-dir", "", "Absolute install directory (overrides the catalog)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	sid, wid := args[0], args[1]
	var snap models.DeploySnapshot
	err := apiPost("/api/sessions/"+sid+"/workloads/"+wid+"/deploy",
		deployer.DeployOptions{RemoteDir: deployRemoteDir, Force: deployForce}, &snap)
	if err != nil {
		return err
	}
	fmt.Printf("Deploy started: %s (%s)\n", snap.ID, snap.RemoteDir)
	if !deployFollow {
		return nil
	}

	if err := followLogs(cmd.Context(), tui.LogsPath(sid, models.JobDeploy, snap.ID)); err != nil {
		return err
	}
	if err := apiGet("/api/sessions/"+sid+"/deploys/"+snap.ID, &snap); err != nil {
		return err
	}
	if snap.State != models.DeployDone {
		return fmt.Errorf("deploy %s: %s %s", snap.ID, snap.State, snap.Error)
	}
	return nil
}

func runDeployPrecheck(cmd *cobra.Command, args []string) error {
	var res models.PrecheckResult
	if err := apiPost("/api/sessions/"+args[0]+"/workloads/"+args[1]+"/precheck",
		map[string]string{"remote_dir": deployRemoteDir}, &res); err != nil {
		return err
	}
	if res.Installed {
		fmt.Printf("Installed in %s (version %s, detected by %s)\n", res.RemoteDir, res.Version, res.Method)
	} else {
		fmt.Printf("Not installed in %s\n", res.RemoteDir)
	}
	return nil
}

func runDeployShow(cmd *cobra.Command, args []string) error {
	var snap models.DeploySnapshot
	if err := apiGet("/api/sessions/"+args[0]+"/deploys/"+args[1], &snap); err != nil {
		return err
	}
	return printJSON(snap)
}

func runDeployCancel(cmd *cobra.Command, args []string) error {
	var snap models.DeploySnapshot
	if err := apiPost("/api/sessions/"+args[0]+"/deploys/"+args[1]+"/cancel", nil, &snap); err != nil {
		return err
	}
	fmt.Printf("Deploy %s: %s\n", snap.ID, snap.State)
	return nil
}
